// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

const (
	dbDriver      = "mysql"
	DefaultDBName = "crm"
	dbPoolSize    = 10
	dbConnLife    = 30 * time.Minute
	dbTimeout     = 5
)

var ErrBadHostname = fmt.Errorf("hostname is required")

type SQLClient struct {
	db      *sql.DB
	timeout time.Duration
	name    string
}

func (sc *SQLClient) Name() string {
	if sc == nil {
		return ""
	}
	return sc.name
}

func (sc *SQLClient) context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, sc.timeout)
}

func (sc *SQLClient) Close() error {
	if sc.db != nil {
		err := sc.db.Close()
		sc.db = nil
		return err
	}
	return nil
}

func (sc *SQLClient) GetDB() *sql.DB {
	return sc.db
}

func (sc *SQLClient) Ping(ctx context.Context) error {
	ctx, cancel := sc.context(ctx)
	defer cancel()
	return sc.db.PingContext(ctx)
}

// ExecContext runs a statement without the client timeout; ctx bounds it.
func (sc *SQLClient) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return sc.db.ExecContext(ctx, query, args...)
}

// DSN builds a go-sql-driver DSN. aws-aurora defaults the user to root.
func DSN(hostname, user, pwd, dbType, dbName string) (string, error) {
	if hostname == "" {
		return "", ErrBadHostname
	}
	if dbType == "" {
		dbType = "mp-mariadb"
	}
	if dbName == "" {
		dbName = DefaultDBName
	}

	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = hostname
	cfg.DBName = dbName
	cfg.User = user
	cfg.Passwd = pwd
	cfg.ParseTime = true

	switch dbType {
	case "aws-aurora":
		if cfg.User == "" {
			cfg.User = "root"
		}
	case "mp-mariadb":
	default:
		return "", fmt.Errorf("unsupported database type: %s (must be mp-mariadb or aws-aurora)", dbType)
	}
	return cfg.FormatDSN(), nil
}

// NewSQLClient opens a pooled connection and pings it. timeout is in seconds.
func NewSQLClient(ctx context.Context, hostname, user, pwd string, timeout int, dbType, dbName string) (*SQLClient, error) {
	dsn, err := DSN(hostname, user, pwd, dbType, dbName)
	if err != nil {
		return nil, err
	}
	if dbType == "" {
		dbType = "mp-mariadb"
	}

	db, err := sql.Open(dbDriver, dsn)
	if err != nil {
		return nil, err
	}

	db.SetConnMaxLifetime(dbConnLife)
	db.SetMaxOpenConns(dbPoolSize)
	db.SetMaxIdleConns(dbPoolSize)

	if timeout < 1 {
		timeout = dbTimeout
	}

	sc := &SQLClient{
		db:      db,
		timeout: time.Duration(timeout) * time.Second,
		name:    dbType,
	}

	if err = sc.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return sc, nil
}
