// Copyright (c) 2024 Netskope, Inc. All rights reserved.

// Package unpack turns a downloaded bulk-read archive into a header-less CSV
// file and returns the header as the list of field names.
package unpack

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"
)

// ErrUnpackFailed wraps every archive or file handling failure.
var ErrUnpackFailed = errors.New("unpack failed")

// Result describes the record file left on disk.
type Result struct {
	Path       string
	FieldNames []string
	RowCount   int
}

// Unpacker extracts result archives into a destination folder.
type Unpacker struct {
	// ArchivePrefix names the temporary archive written before extraction.
	ArchivePrefix string
	logger        *zap.Logger
}

// NewUnpacker creates an unpacker.
func NewUnpacker(archivePrefix string, logger *zap.Logger) *Unpacker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if archivePrefix == "" {
		archivePrefix = "bulkread"
	}
	return &Unpacker{ArchivePrefix: archivePrefix, logger: logger}
}

// Unpack persists r as a temporary archive in destFolder, extracts its first
// entry, strips the header row and returns the header.
// The archive and intermediate files are always removed. The record file only
// appears in destFolder once the header-less copy is fully written.
func (u *Unpacker) Unpack(r io.Reader, destFolder string) (*Result, error) {
	archivePath, err := u.saveArchive(r, destFolder)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rmErr := os.Remove(archivePath); rmErr != nil && !os.IsNotExist(rmErr) {
			u.logger.Warn("Failed to remove archive",
				zap.String("archive", archivePath),
				zap.Error(rmErr))
		}
	}()

	extracted, csvPath, err := u.extractFirst(archivePath, destFolder)
	if err != nil {
		return nil, err
	}
	defer os.Remove(extracted)

	header, rows, err := stripHeader(extracted, csvPath)
	if err != nil {
		return nil, err
	}

	u.logger.Debug("Unpacked result file",
		zap.String("file", csvPath),
		zap.Strings("field_names", header),
		zap.Int("rows", rows))

	return &Result{Path: csvPath, FieldNames: header, RowCount: rows}, nil
}

func (u *Unpacker) saveArchive(r io.Reader, destFolder string) (string, error) {
	if err := os.MkdirAll(destFolder, 0750); err != nil {
		return "", fmt.Errorf("%w: failed to create destination folder: %v", ErrUnpackFailed, err)
	}

	f, err := os.CreateTemp(destFolder, u.ArchivePrefix+"-*.zip")
	if err != nil {
		return "", fmt.Errorf("%w: failed to create archive file: %v", ErrUnpackFailed, err)
	}
	path := f.Name()

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("%w: failed to write archive: %w", ErrUnpackFailed, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("%w: failed to close archive: %v", ErrUnpackFailed, err)
	}
	return path, nil
}

// extractFirst writes the first archive entry to a temporary file in destFolder.
// It returns the temporary path and the final path named after the entry.
func (u *Unpacker) extractFirst(archivePath, destFolder string) (string, string, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", "", fmt.Errorf("%w: malformed archive: %v", ErrUnpackFailed, err)
	}
	defer zr.Close()

	var entry *zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if entry == nil {
			entry = f
			continue
		}
		u.logger.Warn("Ignoring extra archive entry",
			zap.String("archive", filepath.Base(archivePath)),
			zap.String("entry", f.Name),
			zap.String("used", entry.Name))
	}
	if entry == nil {
		return "", "", fmt.Errorf("%w: archive contains no record file", ErrUnpackFailed)
	}

	name := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(entry.Name, `\`, "/")))
	if name == "/" || name == "." {
		return "", "", fmt.Errorf("%w: invalid entry name %q", ErrUnpackFailed, entry.Name)
	}
	target := filepath.Join(destFolder, name)

	src, err := entry.Open()
	if err != nil {
		return "", "", fmt.Errorf("%w: failed to open entry %s: %v", ErrUnpackFailed, entry.Name, err)
	}
	defer src.Close()

	dst, err := os.CreateTemp(destFolder, name+".*.part")
	if err != nil {
		return "", "", fmt.Errorf("%w: failed to create temp file for %s: %v", ErrUnpackFailed, name, err)
	}
	tmpPath := dst.Name()
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return "", "", fmt.Errorf("%w: failed to extract %s: %v", ErrUnpackFailed, entry.Name, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return "", "", fmt.Errorf("%w: failed to close %s: %v", ErrUnpackFailed, tmpPath, err)
	}
	return tmpPath, target, nil
}

// stripHeader copies src without its first CSV record to a temp file and
// renames it to path once complete.
func stripHeader(src, path string) ([]string, int, error) {
	in, err := os.Open(src)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnpackFailed, err)
	}
	defer in.Close()

	reader := csv.NewReader(in)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, 0, fmt.Errorf("%w: %s has no header row", ErrUnpackFailed, filepath.Base(path))
	}
	if err != nil {
		return nil, 0, fmt.Errorf("%w: failed to read header: %v", ErrUnpackFailed, err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, 0, fmt.Errorf("%w: failed to create temp file: %v", ErrUnpackFailed, err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	writer := csv.NewWriter(tmp)
	rows := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("%w: failed to read row %d: %v", ErrUnpackFailed, rows+1, err)
		}
		if err := writer.Write(record); err != nil {
			return nil, 0, fmt.Errorf("%w: failed to write row %d: %v", ErrUnpackFailed, rows+1, err)
		}
		rows++
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, 0, fmt.Errorf("%w: failed to flush CSV: %v", ErrUnpackFailed, err)
	}
	if err := tmp.Sync(); err != nil {
		return nil, 0, fmt.Errorf("%w: failed to sync temp file: %v", ErrUnpackFailed, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, 0, fmt.Errorf("%w: failed to close temp file: %v", ErrUnpackFailed, err)
	}
	in.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return nil, 0, fmt.Errorf("%w: failed to replace %s: %v", ErrUnpackFailed, filepath.Base(path), err)
	}
	committed = true
	return header, rows, nil
}
