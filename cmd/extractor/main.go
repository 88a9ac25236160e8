// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/netSkope/crm-bulk-extractor/internal/auth"
	"github.com/netSkope/crm-bulk-extractor/internal/bulkread"
	"github.com/netSkope/crm-bulk-extractor/internal/config"
	"github.com/netSkope/crm-bulk-extractor/internal/exporter"
	"github.com/netSkope/crm-bulk-extractor/internal/extraction"
	crmlog "github.com/netSkope/crm-bulk-extractor/internal/log"
	"github.com/netSkope/crm-bulk-extractor/internal/metrics"
	"github.com/netSkope/crm-bulk-extractor/internal/s3"
	"github.com/netSkope/crm-bulk-extractor/internal/sqlgen"
	"github.com/netSkope/crm-bulk-extractor/internal/store"
	"github.com/netSkope/crm-bulk-extractor/internal/util"
	"go.uber.org/zap"
)

const (
	exitSetup  = 1
	exitExport = 2

	httpTimeout = 60 * time.Second
	appName     = "crm-bulk-extractor"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx)
	stop()
	os.Exit(code)
}

func run(ctx context.Context) int {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return exitSetup
	}

	// Initialize logger
	logger, err := crmlog.NewLogger(crmlog.Options{
		Dir:    cfg.LogDir,
		Name:   appName,
		Debug:  cfg.Debug,
		Stdout: cfg.LogStdout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return exitSetup
	}
	defer logger.Sync()

	runID := extraction.NewRunID()
	logger = logger.With(zap.String("run_id", runID))

	logger.Info("Starting CRM bulk extractor",
		zap.Int("exports", len(cfg.Exports)),
		zap.String("data_center", cfg.DataCenter),
		zap.String("destination", cfg.DestinationFolder))

	deps, cleanup, err := setup(ctx, cfg, logger)
	if err != nil {
		logger.Error("Setup failed", zap.Error(err))
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		return exitSetup
	}
	defer cleanup()

	if cfg.MetricsAddr != "" {
		metrics.StartMetricsServer(cfg.MetricsAddr, logger)
		logger.Info("Metrics server started", zap.String("addr", cfg.MetricsAddr))
	}

	// Export every module, then upload and record pages
	outcomes, err := extraction.ProcessExports(ctx, runID, cfg.Exports, deps.extraction)
	if err != nil {
		logger.Error("Extraction failed", zap.Error(err))
		pushMetrics(cfg, runID, logger)
		fmt.Fprintf(os.Stderr, "Extraction failed: %v\n", err)
		return exitExport
	}

	sum := summary{runID: runID, outcomes: outcomes, cfg: cfg}

	// Generate LOAD DATA SQL next to the uploaded page files
	if deps.uploader != nil {
		stmts, err := loadScript(cfg, outcomes, deps.uploader)
		if err != nil {
			logger.Error("Failed to generate SQL", zap.Error(err))
			return exitExport
		}
		sum.sqlKey, err = sqlgen.UploadSQL(ctx, stmts, cfg.S3Prefix, fmt.Sprintf("load-data-%s.sql", runID), deps.uploader, logger)
		if err != nil {
			logger.Error("Failed to upload SQL file", zap.Error(err))
			return exitExport
		}
		sum.sqlURI = deps.uploader.URI(sum.sqlKey)

		if cfg.ExecuteSQL {
			logger.Info("Executing LOAD DATA FROM S3", zap.Int("statements", len(stmts)))
			timeout := time.Duration(cfg.SQLExecTimeout) * time.Second
			if err := sqlgen.ExecuteLoadDataSQL(ctx, deps.db, stmts, timeout, logger); err != nil {
				logger.Error("Failed to execute SQL statements", zap.Error(err))
				logger.Warn("Some SQL statements may have failed, check logs above")
				sum.sqlStatus = "Completed with errors"
			} else {
				logger.Info("All SQL statements executed successfully")
				sum.sqlStatus = "Completed"
			}
		}
	}

	pushMetrics(cfg, runID, logger)
	sum.print(os.Stdout)

	logger.Info("Extraction completed successfully")
	return 0
}

type runDeps struct {
	extraction extraction.Deps
	uploader   *s3.Uploader
	db         *store.SQLClient
}

// setup builds the API client and the optional S3 and database collaborators.
func setup(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*runDeps, func(), error) {
	deps := &runDeps{}
	cleanup := func() {
		if deps.db != nil {
			deps.db.Close()
		}
	}

	var awsCfg aws.Config
	needAWS := cfg.S3Bucket != "" || cfg.OAuthSecret != "" || cfg.DBSecret != ""
	if needAWS {
		var err error
		awsCfg, err = util.LoadAWSConfig(ctx, cfg.AWSRegion, util.AWSCredentials{
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			SessionToken:    cfg.AWSSessionToken,
		})
		if err != nil {
			return nil, cleanup, err
		}
	}

	creds := auth.Credentials{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RefreshToken: cfg.RefreshToken,
		AccessToken:  cfg.AccessToken,
	}
	if cfg.OAuthSecret != "" && cfg.AccessToken == "" {
		secret, err := util.GetOAuthSecret(ctx, util.NewSecretsClient(awsCfg), cfg.OAuthSecret)
		if err != nil {
			return nil, cleanup, err
		}
		creds.ClientID, creds.ClientSecret, creds.RefreshToken = secret.ClientID, secret.ClientSecret, secret.RefreshToken
	}

	dc, err := bulkread.LookupDataCenter(cfg.DataCenter)
	if err != nil {
		return nil, cleanup, err
	}
	apiURL, accountsURL := dc.APIURL, dc.AccountsURL
	if cfg.APIURL != "" {
		apiURL = cfg.APIURL
	}
	if cfg.AccountsURL != "" {
		accountsURL = cfg.AccountsURL
	}

	httpClient, err := auth.NewHTTPClient(ctx, accountsURL, creds, httpTimeout)
	if err != nil {
		return nil, cleanup, fmt.Errorf("failed to create API client: %w", err)
	}
	client, err := bulkread.NewClient(apiURL, httpClient, logger)
	if err != nil {
		return nil, cleanup, err
	}

	exp := exporter.NewExporter(client, logger)
	exp.PollInterval = cfg.PollInterval
	exp.MaxPollWait = cfg.MaxPollWait

	deps.extraction = extraction.Deps{
		Exporter:          exp,
		S3Prefix:          cfg.S3Prefix,
		DestinationFolder: cfg.DestinationFolder,
		MaxParallel:       cfg.MaxParallelExports,
		Logger:            logger,
	}

	if cfg.S3Bucket != "" {
		deps.uploader, err = s3.NewUploader(awsCfg, cfg.S3Bucket, logger)
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to create S3 uploader: %w", err)
		}
		deps.extraction.Uploader = deps.uploader
	}

	if cfg.DBHost != "" {
		password := cfg.DBPassword
		if cfg.DBSecret != "" {
			password, err = util.GetPasswordFromSecretsManager(ctx, util.NewSecretsClient(awsCfg), cfg.DBSecret)
			if err != nil {
				return nil, cleanup, err
			}
		}
		deps.db, err = store.NewSQLClient(ctx, cfg.DBHostPort(), cfg.DBUser, password, dbTimeout(cfg), cfg.DBType, cfg.DBDatabase)
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to connect to database: %w", err)
		}
		ledger, err := store.NewLedger(deps.db, cfg.LedgerTable)
		if err != nil {
			return nil, cleanup, err
		}
		if err := ledger.EnsureSchema(ctx); err != nil {
			return nil, cleanup, err
		}
		deps.extraction.Ledger = ledger
		logger.Info("Export ledger ready",
			zap.String("db_type", deps.db.Name()),
			zap.String("table", cfg.LedgerTable))
	}

	return deps, cleanup, nil
}

// dbTimeout bounds ledger statements; LOAD DATA uses SQLExecTimeout instead.
func dbTimeout(cfg *config.Config) int {
	if cfg.SQLExecTimeout > 0 && cfg.SQLExecTimeout < 30 {
		return cfg.SQLExecTimeout
	}
	return 30
}

// loadScript builds CREATE TABLE and LOAD DATA statements for every exported module.
func loadScript(cfg *config.Config, outcomes []extraction.Outcome, uploader extraction.Uploader) ([]string, error) {
	var stmts []string
	for i := range outcomes {
		o := &outcomes[i]
		table, err := sqlgen.TableName(cfg.TablePrefix, o.Module)
		if err != nil {
			return nil, err
		}
		script, err := sqlgen.GenerateScript(o.URIs(uploader), table, o.Result.FieldNames)
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", o.Module, err)
		}
		stmts = append(stmts, script...)
	}
	return stmts, nil
}

func pushMetrics(cfg *config.Config, runID string, logger *zap.Logger) {
	if cfg.PushgatewayURL == "" {
		return
	}
	if err := metrics.Push(cfg.PushgatewayURL, appName, runID); err != nil {
		logger.Warn("Failed to push metrics", zap.Error(err))
	}
}
