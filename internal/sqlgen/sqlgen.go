// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package sqlgen

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/netSkope/crm-bulk-extractor/internal/store"
	"go.uber.org/zap"
)

// maxColumnLen is the MySQL identifier length limit.
const maxColumnLen = 64

// Executor runs statements on the target database. *store.SQLClient implements it.
type Executor interface {
	Ping(ctx context.Context) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// FileUploader stores a local file under an S3 key. *s3.Uploader implements it.
type FileUploader interface {
	UploadFileWithRetry(ctx context.Context, filePath, key string) error
}

// TableName derives the load table of a module, e.g. crm_leads.
func TableName(prefix, module string) (string, error) {
	name := strings.ToLower(prefix + module)
	if !store.ValidIdentifier(name) {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	return name, nil
}

func quoteColumn(name string) (string, error) {
	if name == "" || len(name) > maxColumnLen || strings.ContainsAny(name, "`\x00") {
		return "", fmt.Errorf("invalid column name %q", name)
	}
	return "`" + name + "`", nil
}

func columnList(fieldNames []string) ([]string, error) {
	if len(fieldNames) == 0 {
		return nil, fmt.Errorf("no field names")
	}
	cols := make([]string, 0, len(fieldNames))
	seen := make(map[string]bool, len(fieldNames))
	for _, f := range fieldNames {
		c, err := quoteColumn(f)
		if err != nil {
			return nil, err
		}
		// MySQL column names are case-insensitive
		if seen[strings.ToLower(f)] {
			return nil, fmt.Errorf("duplicate column name %q", f)
		}
		seen[strings.ToLower(f)] = true
		cols = append(cols, c)
	}
	return cols, nil
}

// GenerateTableSQL generates a CREATE TABLE statement with one TEXT column per exported field.
func GenerateTableSQL(table string, fieldNames []string) (string, error) {
	if !store.ValidIdentifier(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	cols, err := columnList(fieldNames)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS `%s` (\n", table)
	for i, c := range cols {
		b.WriteString("  " + c + " TEXT")
		if i < len(cols)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;")
	return b.String(), nil
}

// GenerateLoadDataSQL generates a LOAD DATA FROM S3 statement for each page file.
// Page files carry no header line, so the column list is the export's field names.
func GenerateLoadDataSQL(uris []string, table string, fieldNames []string) ([]string, error) {
	if !store.ValidIdentifier(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	cols, err := columnList(fieldNames)
	if err != nil {
		return nil, err
	}

	var sqlStatements []string
	for _, uri := range uris {
		if strings.ContainsAny(uri, "'\\") {
			return nil, fmt.Errorf("invalid S3 location %q", uri)
		}
		stmt := fmt.Sprintf(`LOAD DATA FROM S3 '%s'
IGNORE
INTO TABLE `+"`%s`"+`
CHARACTER SET utf8mb4
FIELDS TERMINATED BY ','
OPTIONALLY ENCLOSED BY '"'
LINES TERMINATED BY '\n'
(%s);`,
			uri, table, strings.Join(cols, ", "))
		sqlStatements = append(sqlStatements, stmt)
	}

	return sqlStatements, nil
}

// GenerateScript returns the CREATE TABLE statement followed by the load statements of a module.
func GenerateScript(uris []string, table string, fieldNames []string) ([]string, error) {
	create, err := GenerateTableSQL(table, fieldNames)
	if err != nil {
		return nil, fmt.Errorf("failed to generate table SQL: %w", err)
	}
	loads, err := GenerateLoadDataSQL(uris, table, fieldNames)
	if err != nil {
		return nil, fmt.Errorf("failed to generate load SQL: %w", err)
	}
	return append([]string{create}, loads...), nil
}

func render(sqlStatements []string) []byte {
	var buf bytes.Buffer
	for _, stmt := range sqlStatements {
		buf.WriteString(stmt)
		buf.WriteString("\n\n")
	}
	return buf.Bytes()
}

// WriteSQLFile writes SQL statements to a file.
func WriteSQLFile(sqlStatements []string, filePath string) error {
	if err := os.WriteFile(filePath, render(sqlStatements), 0644); err != nil {
		return fmt.Errorf("failed to write SQL file: %w", err)
	}
	return nil
}

// UploadSQL uploads SQL statements as <prefix>/sql/<name> and returns the S3 key.
func UploadSQL(ctx context.Context, sqlStatements []string, prefix, name string, uploader FileUploader, logger *zap.Logger) (string, error) {
	s3Key := fmt.Sprintf("%s/sql/%s", strings.TrimSuffix(prefix, "/"), name)

	logger.Info("Uploading SQL file to S3",
		zap.String("s3_key", s3Key),
		zap.Int("statements", len(sqlStatements)))

	tmpFile, err := os.CreateTemp("", "*-"+name)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpFilePath := tmpFile.Name()
	defer os.Remove(tmpFilePath)

	if _, err := tmpFile.Write(render(sqlStatements)); err != nil {
		tmpFile.Close()
		return "", fmt.Errorf("failed to write SQL to temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := uploader.UploadFileWithRetry(ctx, tmpFilePath, s3Key); err != nil {
		return "", fmt.Errorf("failed to upload SQL file to S3: %w", err)
	}

	logger.Info("SQL file uploaded to S3", zap.String("s3_key", s3Key))
	return s3Key, nil
}

// ExecuteLoadDataSQL executes SQL statements in order. A failed statement is logged and
// the rest still run; the returned error reports how many failed.
func ExecuteLoadDataSQL(ctx context.Context, db Executor, sqlStatements []string, timeout time.Duration, logger *zap.Logger) error {
	if len(sqlStatements) == 0 {
		return fmt.Errorf("no SQL statements to execute")
	}

	// Validate connection with retry
	var lastErr error
	delay := 1 * time.Second
	for attempt := 1; attempt <= 3; attempt++ {
		lastErr = db.Ping(ctx)
		if lastErr == nil {
			break
		}
		if attempt < 3 {
			logger.Warn("Database ping failed, retrying",
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = delay * 2
		}
	}
	if lastErr != nil {
		return fmt.Errorf("failed to connect to database after retries: %w", lastErr)
	}

	successCount := 0
	failureCount := 0

	for i, stmt := range sqlStatements {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("SQL execution cancelled: %w", err)
		}
		logger.Info("Executing SQL statement",
			zap.Int("statement", i+1),
			zap.Int("total", len(sqlStatements)))

		startTime := time.Now()
		err := execOne(ctx, db, stmt, timeout)
		elapsed := time.Since(startTime)

		if err != nil {
			errorMsg := err.Error()

			// IGNORE should skip duplicates; a leftover duplicate error means the rows already exist
			if strings.Contains(errorMsg, "Duplicate entry") || strings.Contains(errorMsg, "Error 1062") {
				logger.Warn("SQL statement skipped duplicate entries (data may already exist)",
					zap.Int("statement", i+1),
					zap.Duration("elapsed", elapsed),
					zap.String("error", errorMsg))
				successCount++
				continue
			}

			failureCount++
			if strings.Contains(errorMsg, "aurora_load_from_s3_role") || strings.Contains(errorMsg, "aws_default_s3_role") {
				logger.Error("LOAD DATA FROM S3 execution failed - Aurora MySQL IAM role not configured",
					zap.Int("statement", i+1),
					zap.Duration("elapsed", elapsed),
					zap.String("error", errorMsg),
					zap.String("fix", "Configure aurora_load_from_s3_role or aws_default_s3_role on the Aurora MySQL cluster."))
			} else {
				logger.Error("SQL statement failed",
					zap.Int("statement", i+1),
					zap.Duration("elapsed", elapsed),
					zap.Error(err))
			}
			continue
		}

		successCount++
		logger.Info("SQL statement completed",
			zap.Int("statement", i+1),
			zap.Duration("elapsed", elapsed))
	}

	logger.Info("SQL execution summary",
		zap.Int("total", len(sqlStatements)),
		zap.Int("success", successCount),
		zap.Int("failure", failureCount))

	if failureCount > 0 {
		return fmt.Errorf("some SQL statements failed: %d/%d succeeded", successCount, len(sqlStatements))
	}
	return nil
}

func execOne(ctx context.Context, db Executor, stmt string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	_, err := db.ExecContext(ctx, stmt)
	return err
}
