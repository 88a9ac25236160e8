// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// ValidIdentifier reports whether name is a safe table or column name.
func ValidIdentifier(name string) bool {
	return identifierRe.MatchString(name)
}

// PageRecord is one exported page of a run.
type PageRecord struct {
	RunID      string
	Module     string
	Page       int
	JobID      string
	FilePath   string
	S3Key      string
	RowCount   int
	FieldNames []string
	ExportedAt time.Time
}

// Ledger records exported pages in a MySQL/MariaDB table, one row per run, module and page.
type Ledger struct {
	client *SQLClient
	table  string
}

// NewLedger creates a ledger on table.
func NewLedger(client *SQLClient, table string) (*Ledger, error) {
	if !ValidIdentifier(table) {
		return nil, fmt.Errorf("invalid ledger table name %q", table)
	}
	return &Ledger{client: client, table: table}, nil
}

// EnsureSchema creates the ledger table when it does not exist.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	ctx, cancel := l.client.context(ctx)
	defer cancel()

	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` ("+
		"id BIGINT NOT NULL AUTO_INCREMENT, "+
		"run_id CHAR(36) NOT NULL, "+
		"module VARCHAR(100) NOT NULL, "+
		"page INT NOT NULL, "+
		"job_id VARCHAR(64) NOT NULL, "+
		"file_path VARCHAR(1024) NOT NULL, "+
		"s3_key VARCHAR(1024) NOT NULL DEFAULT '', "+
		"row_count INT NOT NULL, "+
		"field_names TEXT NOT NULL, "+
		"exported_at DATETIME(6) NOT NULL, "+
		"PRIMARY KEY (id), "+
		"UNIQUE KEY uk_run_module_page (run_id, module, page)"+
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4", l.table)

	if _, err := l.client.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create ledger table: %w", err)
	}
	return nil
}

// RecordPage stores rec, replacing an earlier record of the same run, module and page.
func (l *Ledger) RecordPage(ctx context.Context, rec PageRecord) error {
	fields, err := json.Marshal(rec.FieldNames)
	if err != nil {
		return fmt.Errorf("failed to encode field names: %w", err)
	}
	if rec.ExportedAt.IsZero() {
		rec.ExportedAt = time.Now()
	}

	ctx, cancel := l.client.context(ctx)
	defer cancel()

	query := fmt.Sprintf("INSERT INTO `%s` "+
		"(run_id, module, page, job_id, file_path, s3_key, row_count, field_names, exported_at) "+
		"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) "+
		"ON DUPLICATE KEY UPDATE job_id = VALUES(job_id), file_path = VALUES(file_path), "+
		"s3_key = VALUES(s3_key), row_count = VALUES(row_count), "+
		"field_names = VALUES(field_names), exported_at = VALUES(exported_at)", l.table)

	_, err = l.client.db.ExecContext(ctx, query,
		rec.RunID, rec.Module, rec.Page, rec.JobID, rec.FilePath, rec.S3Key,
		rec.RowCount, string(fields), rec.ExportedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record page %d of %s: %w", rec.Page, rec.Module, err)
	}
	return nil
}

// PagesForRun returns the pages of a run ordered by module and page.
func (l *Ledger) PagesForRun(ctx context.Context, runID string) ([]PageRecord, error) {
	ctx, cancel := l.client.context(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT run_id, module, page, job_id, file_path, s3_key, row_count, field_names, exported_at "+
		"FROM `%s` WHERE run_id = ? ORDER BY module, page", l.table)

	rows, err := l.client.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var result []PageRecord
	for rows.Next() {
		var (
			r      PageRecord
			fields string
		)
		if err := rows.Scan(&r.RunID, &r.Module, &r.Page, &r.JobID, &r.FilePath, &r.S3Key,
			&r.RowCount, &fields, &r.ExportedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(fields), &r.FieldNames); err != nil {
			return nil, fmt.Errorf("failed to decode field names: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return result, nil
}
