// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/netSkope/crm-bulk-extractor/internal/config"
	"github.com/netSkope/crm-bulk-extractor/internal/extraction"
)

type summary struct {
	runID     string
	outcomes  []extraction.Outcome
	cfg       *config.Config
	sqlKey    string
	sqlURI    string
	sqlStatus string
}

func (s *summary) print(w io.Writer) {
	totalRows, totalPages := 0, 0
	for _, o := range s.outcomes {
		totalRows += o.Result.Rows()
		totalPages += len(o.Result.Pages)
	}

	fmt.Fprintf(w, "\n=== Extraction Summary ===\n")
	fmt.Fprintf(w, "Run ID: %s\n", s.runID)
	fmt.Fprintf(w, "Destination: %s\n", s.cfg.DestinationFolder)
	fmt.Fprintf(w, "Total rows exported: %d\n", totalRows)
	fmt.Fprintf(w, "Total pages: %d\n", totalPages)

	for _, o := range s.outcomes {
		fmt.Fprintf(w, "\n%s: %d pages, %d rows in %s (%s)\n",
			o.Module, len(o.Result.Pages), o.Result.Rows(), o.Folder, o.Duration.Round(time.Millisecond))
		fmt.Fprintf(w, "  Fields: %v\n", o.Result.FieldNames)
		printPages(w, o)
	}

	if s.sqlKey == "" {
		fmt.Fprintf(w, "\nS3 upload: Skipped (use -s3-bucket to enable)\n")
		if !s.cfg.Quiet {
			fmt.Fprintf(w, "=======================\n")
		}
		return
	}

	fmt.Fprintf(w, "\nS3 bucket: %s\n", s.cfg.S3Bucket)
	fmt.Fprintf(w, "S3 prefix: %s/%s\n", s.cfg.S3Prefix, s.runID)
	fmt.Fprintf(w, "SQL file: %s\n", s.sqlURI)

	if s.sqlStatus != "" {
		fmt.Fprintf(w, "SQL execution: %s\n", s.sqlStatus)
	} else {
		fmt.Fprintf(w, "SQL execution: Skipped (use -execute-sql to enable)\n")
		if !s.cfg.Quiet {
			fmt.Fprintf(w, "\n=== Next Steps: Load pages into MySQL ===\n")
			fmt.Fprintf(w, "1. Download SQL file from S3:\n")
			fmt.Fprintf(w, "   aws s3 cp %s ./load-data-%s.sql\n", s.sqlURI, s.runID)
			fmt.Fprintf(w, "2. Connect to Aurora MySQL:\n")
			if s.cfg.DBHost != "" {
				fmt.Fprintf(w, "   mysql -h %s -P %d -u %s -D %s\n", s.cfg.DBHost, s.cfg.DBPort, s.cfg.DBUser, s.cfg.DBDatabase)
			} else {
				fmt.Fprintf(w, "   mysql -h <aurora-host> -u <user> -D <database>\n")
			}
			fmt.Fprintf(w, "3. Execute SQL file:\n")
			fmt.Fprintf(w, "   mysql ... < ./load-data-%s.sql\n", s.runID)
			fmt.Fprintf(w, "\nLOAD DATA FROM S3 needs aurora_load_from_s3_role or aws_default_s3_role\n")
			fmt.Fprintf(w, "with read access to bucket %s.\n", s.cfg.S3Bucket)
		}
	}
	if !s.cfg.Quiet {
		fmt.Fprintf(w, "=======================\n")
	}
}

// printPages lists page files, eliding the middle of long lists.
func printPages(w io.Writer, o extraction.Outcome) {
	pages := o.Result.Pages
	line := func(i int) {
		target := pages[i].Path
		if i < len(o.S3Keys) {
			target = o.S3Keys[i]
		}
		fmt.Fprintf(w, "  %d. %s (%d rows, job %s)\n", pages[i].Page, target, pages[i].RowCount, pages[i].JobID)
	}
	if len(pages) <= 10 {
		for i := range pages {
			line(i)
		}
		return
	}
	for i := 0; i < 5; i++ {
		line(i)
	}
	fmt.Fprintf(w, "  ... (%d more pages) ...\n", len(pages)-10)
	for i := len(pages) - 5; i < len(pages); i++ {
		line(i)
	}
}
