// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envPrefix         = "CRM_EXTRACTOR_"
	defaultConfigFile = "extractor-config.yaml"
)

// Export describes one module to extract.
type Export struct {
	Module string   `yaml:"module"`
	Fields []string `yaml:"fields"`
	// Filter is an inline filter declaration (group/criterion mapping).
	Filter map[string]any `yaml:"filter"`
	// FilterFile points to a YAML or JSON filter declaration. Ignored when Filter is set.
	FilterFile     string `yaml:"filter_file"`
	FileNamePrefix string `yaml:"file_name_prefix"`
}

// Config holds all configuration for the extractor.
type Config struct {
	// CRM API
	DataCenter   string
	APIURL       string // overrides the data center API endpoint
	AccountsURL  string // overrides the data center accounts endpoint
	ClientID     string
	ClientSecret string
	RefreshToken string
	AccessToken  string
	OAuthSecret  string // AWS Secrets Manager secret holding client_id, client_secret, refresh_token

	// AWS
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSSessionToken    string

	// Exports
	Exports            []Export
	DestinationFolder  string
	PollInterval       time.Duration // Default: 8s
	MaxPollWait        time.Duration // Default: 2h, 0 waits forever
	MaxParallelExports int           // Default: 2

	// S3 upload of page files (optional)
	S3Bucket string
	S3Prefix string

	// Database for the export ledger and LOAD DATA (optional)
	DBHost         string
	DBPort         int
	DBUser         string
	DBPassword     string
	DBSecret       string // AWS Secrets Manager secret with a "password" field
	DBDatabase     string
	DBType         string // mp-mariadb or aws-aurora
	LedgerTable    string
	TablePrefix    string // target tables are <prefix><module>
	ExecuteSQL     bool
	SQLExecTimeout int // seconds, Default: 300

	// Metrics
	MetricsAddr    string
	PushgatewayURL string

	// Logging & output
	Debug     bool
	LogStdout bool
	LogDir    string
	Quiet     bool
}

type yamlConfig struct {
	DataCenter         string         `yaml:"data_center"`
	APIURL             string         `yaml:"api_url"`
	AccountsURL        string         `yaml:"accounts_url"`
	ClientID           string         `yaml:"client_id"`
	ClientSecret       string         `yaml:"client_secret"`
	RefreshToken       string         `yaml:"refresh_token"`
	AccessToken        string         `yaml:"access_token"`
	OAuthSecret        string         `yaml:"oauth_secret"`
	AWSRegion          string         `yaml:"aws_region"`
	Exports            []Export       `yaml:"exports"`
	DestinationFolder  string         `yaml:"destination_folder"`
	PollInterval       time.Duration  `yaml:"poll_interval"`
	MaxPollWait        *time.Duration `yaml:"max_poll_wait"`
	MaxParallelExports int            `yaml:"max_parallel_exports"`
	S3Bucket           string         `yaml:"s3_bucket"`
	S3Prefix           string         `yaml:"s3_prefix"`
	DBHost             string         `yaml:"db_host"`
	DBPort             int            `yaml:"db_port"`
	DBUser             string         `yaml:"db_user"`
	DBPassword         string         `yaml:"db_password"`
	DBSecret           string         `yaml:"db_secret"`
	DBDatabase         string         `yaml:"db_database"`
	DBType             string         `yaml:"db_type"`
	LedgerTable        string         `yaml:"ledger_table"`
	TablePrefix        string         `yaml:"table_prefix"`
	ExecuteSQL         *bool          `yaml:"execute_sql"`
	SQLExecTimeout     int            `yaml:"sql_exec_timeout"`
	MetricsAddr        string         `yaml:"metrics_addr"`
	PushgatewayURL     string         `yaml:"pushgateway_url"`
	LogDir             string         `yaml:"log_dir"`
}

func defaults() *Config {
	return &Config{
		DataCenter:         "US",
		PollInterval:       8 * time.Second,
		MaxPollWait:        2 * time.Hour,
		MaxParallelExports: 2,
		S3Prefix:           "crm-bulk-extractor",
		DBPort:             3306,
		DBDatabase:         "crm",
		DBType:             "mp-mariadb",
		LedgerTable:        "bulk_export_pages",
		TablePrefix:        "crm_",
		SQLExecTimeout:     300,
		LogDir:             "/tmp",
	}
}

// LoadConfig loads configuration from CLI flags, environment variables, and YAML file.
// Priority: CLI flags > environment variables > YAML file > defaults
func LoadConfig() (*Config, error) {
	return Load(os.Args[1:])
}

// Load is LoadConfig with explicit arguments.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("crm-bulk-extractor", flag.ContinueOnError)

	configFile := fs.String("config-file", defaultConfigFile, "Config file path")
	dataCenter := fs.String("data-center", "", "CRM data center: US, EU, IN, CN, AU, JP (default: US)")
	apiURL := fs.String("api-url", "", "CRM API base URL (overrides data center)")
	accountsURL := fs.String("accounts-url", "", "CRM accounts URL (overrides data center)")
	clientID := fs.String("client-id", "", "OAuth client ID")
	clientSecret := fs.String("client-secret", "", "OAuth client secret")
	refreshToken := fs.String("refresh-token", "", "OAuth refresh token")
	accessToken := fs.String("access-token", "", "Static OAuth access token (skips refresh)")
	oauthFile := fs.String("oauth-file", "", "OAuth file path (JSON with client_id, client_secret, refresh_token)")
	oauthSecret := fs.String("oauth-secret", "", "AWS Secrets Manager secret with OAuth credentials")
	awsRegion := fs.String("aws-region", "", "AWS region")
	awsAccessKey := fs.String("aws-access-key-id", "", "AWS access key ID")
	awsSecretKey := fs.String("aws-secret-access-key", "", "AWS secret access key")
	awsSessionToken := fs.String("aws-session-token", "", "AWS session token")
	module := fs.String("module", "", "CRM module to export (replaces the exports list)")
	fields := fs.String("fields", "", "Comma-separated field API names")
	filterFile := fs.String("filter-file", "", "Filter declaration file (YAML or JSON)")
	fileNamePrefix := fs.String("file-name-prefix", "", "Archive file name prefix")
	destination := fs.String("destination", "", "Destination folder for page files")
	pollInterval := fs.Duration("poll-interval", 0, "Wait between job status polls (default: 8s)")
	maxPollWait := fs.Duration("max-poll-wait", 0, "Max wait for one job, 0 waits forever (default: 2h)")
	maxParallel := fs.Int("max-parallel-exports", 0, "Max modules exported in parallel (default: 2)")
	s3Bucket := fs.String("s3-bucket", "", "S3 bucket for page files (optional)")
	s3Prefix := fs.String("s3-prefix", "", "S3 key prefix (default: crm-bulk-extractor)")
	dbHost := fs.String("db-host", "", "MySQL/MariaDB host for the export ledger (optional)")
	dbPort := fs.Int("db-port", 0, "Database port (default: 3306)")
	dbUser := fs.String("db-user", "", "Database username")
	dbPassword := fs.String("db-password", "", "Database password")
	dbSecret := fs.String("db-secret", "", "AWS Secrets Manager secret with the database password")
	dbDatabase := fs.String("db-database", "", "Database name (default: crm)")
	dbType := fs.String("db-type", "", "Database type: mp-mariadb or aws-aurora (default: mp-mariadb)")
	ledgerTable := fs.String("ledger-table", "", "Export ledger table (default: bulk_export_pages)")
	tablePrefix := fs.String("table-prefix", "", "Target table prefix for LOAD DATA (default: crm_)")
	executeSQL := fs.Bool("execute-sql", false, "Execute LOAD DATA FROM S3 after the export")
	sqlExecTimeout := fs.Int("sql-exec-timeout", 0, "SQL execution timeout in seconds (default: 300)")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address (optional)")
	pushgatewayURL := fs.String("pushgateway-url", "", "Push metrics to this Pushgateway when done (optional)")
	debug := fs.Bool("debug", false, "Enable debug logging")
	logStdout := fs.Bool("log-stdout", false, "Log to stdout instead of a file")
	logDir := fs.String("log-dir", "", "Log directory (default: /tmp)")
	quiet := fs.Bool("quiet", false, "Suppress the summary output")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg := defaults()

	// Load from YAML file if it exists
	if *configFile != "" {
		if err := loadFromYAML(cfg, *configFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) || set["config-file"] {
				return nil, fmt.Errorf("failed to load config file: %w", err)
			}
		}
	}

	// Override with environment variables
	if err := loadFromEnv(cfg); err != nil {
		return nil, err
	}

	// Override with CLI flags (highest priority)
	str := func(name string, dst *string, v string) {
		if set[name] {
			*dst = v
		}
	}
	str("data-center", &cfg.DataCenter, *dataCenter)
	str("api-url", &cfg.APIURL, *apiURL)
	str("accounts-url", &cfg.AccountsURL, *accountsURL)
	str("client-id", &cfg.ClientID, *clientID)
	str("client-secret", &cfg.ClientSecret, *clientSecret)
	str("refresh-token", &cfg.RefreshToken, *refreshToken)
	str("access-token", &cfg.AccessToken, *accessToken)
	str("oauth-secret", &cfg.OAuthSecret, *oauthSecret)
	str("aws-region", &cfg.AWSRegion, *awsRegion)
	str("aws-access-key-id", &cfg.AWSAccessKeyID, *awsAccessKey)
	str("aws-secret-access-key", &cfg.AWSSecretAccessKey, *awsSecretKey)
	str("aws-session-token", &cfg.AWSSessionToken, *awsSessionToken)
	str("destination", &cfg.DestinationFolder, *destination)
	str("s3-bucket", &cfg.S3Bucket, *s3Bucket)
	str("s3-prefix", &cfg.S3Prefix, *s3Prefix)
	str("db-host", &cfg.DBHost, *dbHost)
	str("db-user", &cfg.DBUser, *dbUser)
	str("db-password", &cfg.DBPassword, *dbPassword)
	str("db-secret", &cfg.DBSecret, *dbSecret)
	str("db-database", &cfg.DBDatabase, *dbDatabase)
	str("db-type", &cfg.DBType, *dbType)
	str("ledger-table", &cfg.LedgerTable, *ledgerTable)
	str("table-prefix", &cfg.TablePrefix, *tablePrefix)
	str("metrics-addr", &cfg.MetricsAddr, *metricsAddr)
	str("pushgateway-url", &cfg.PushgatewayURL, *pushgatewayURL)
	str("log-dir", &cfg.LogDir, *logDir)

	if *oauthFile != "" {
		if err := cfg.ReadOAuthFile(*oauthFile); err != nil {
			return nil, fmt.Errorf("failed to read OAuth file: %w", err)
		}
	}
	if set["module"] {
		cfg.Exports = []Export{{
			Module:         *module,
			Fields:         splitList(*fields),
			FilterFile:     *filterFile,
			FileNamePrefix: *fileNamePrefix,
		}}
	}
	if set["poll-interval"] {
		cfg.PollInterval = *pollInterval
	}
	if set["max-poll-wait"] {
		cfg.MaxPollWait = *maxPollWait
	}
	if set["max-parallel-exports"] {
		cfg.MaxParallelExports = *maxParallel
	}
	if set["db-port"] {
		cfg.DBPort = *dbPort
	}
	if set["sql-exec-timeout"] {
		cfg.SQLExecTimeout = *sqlExecTimeout
	}
	if *executeSQL {
		cfg.ExecuteSQL = true
	}
	if *debug {
		cfg.Debug = true
	}
	if *logStdout {
		cfg.LogStdout = true
	}
	if *quiet {
		cfg.Quiet = true
	}

	for i := range cfg.Exports {
		if cfg.Exports[i].FileNamePrefix == "" {
			cfg.Exports[i].FileNamePrefix = strings.ToLower(cfg.Exports[i].Module)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and their combinations.
func (c *Config) Validate() error {
	if len(c.Exports) == 0 {
		return fmt.Errorf("module or exports is required")
	}
	seen := map[string]bool{}
	for i, e := range c.Exports {
		if e.Module == "" {
			return fmt.Errorf("exports[%d]: module is required", i)
		}
		if seen[e.Module] {
			return fmt.Errorf("exports[%d]: module %s listed twice", i, e.Module)
		}
		seen[e.Module] = true
	}
	if c.DestinationFolder == "" {
		return fmt.Errorf("destination is required")
	}
	if c.AccessToken == "" && c.OAuthSecret == "" &&
		(c.ClientID == "" || c.ClientSecret == "" || c.RefreshToken == "") {
		return fmt.Errorf("access-token, oauth-secret or client-id/client-secret/refresh-token is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be positive")
	}
	if c.MaxPollWait < 0 {
		return fmt.Errorf("max-poll-wait must not be negative")
	}
	if c.MaxParallelExports < 1 {
		return fmt.Errorf("max-parallel-exports must be at least 1")
	}
	if (c.OAuthSecret != "" || c.DBSecret != "" || c.S3Bucket != "") && c.AWSRegion == "" {
		return fmt.Errorf("aws-region is required when using S3 or Secrets Manager")
	}
	if c.DBType != "mp-mariadb" && c.DBType != "aws-aurora" {
		return fmt.Errorf("db-type must be mp-mariadb or aws-aurora, got %s", c.DBType)
	}
	if c.ExecuteSQL {
		if c.S3Bucket == "" {
			return fmt.Errorf("s3-bucket is required when -execute-sql is set")
		}
		if c.DBHost == "" {
			return fmt.Errorf("db-host is required when -execute-sql is set")
		}
	}
	return nil
}

// loadFromYAML loads configuration from a YAML file.
func loadFromYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var y yamlConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		return err
	}

	setStr := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setStr(&cfg.DataCenter, y.DataCenter)
	setStr(&cfg.APIURL, y.APIURL)
	setStr(&cfg.AccountsURL, y.AccountsURL)
	setStr(&cfg.ClientID, y.ClientID)
	setStr(&cfg.ClientSecret, y.ClientSecret)
	setStr(&cfg.RefreshToken, y.RefreshToken)
	setStr(&cfg.AccessToken, y.AccessToken)
	setStr(&cfg.OAuthSecret, y.OAuthSecret)
	setStr(&cfg.AWSRegion, y.AWSRegion)
	setStr(&cfg.DestinationFolder, y.DestinationFolder)
	setStr(&cfg.S3Bucket, y.S3Bucket)
	setStr(&cfg.S3Prefix, y.S3Prefix)
	setStr(&cfg.DBHost, y.DBHost)
	setStr(&cfg.DBUser, y.DBUser)
	setStr(&cfg.DBPassword, y.DBPassword)
	setStr(&cfg.DBSecret, y.DBSecret)
	setStr(&cfg.DBDatabase, y.DBDatabase)
	setStr(&cfg.DBType, y.DBType)
	setStr(&cfg.LedgerTable, y.LedgerTable)
	setStr(&cfg.TablePrefix, y.TablePrefix)
	setStr(&cfg.MetricsAddr, y.MetricsAddr)
	setStr(&cfg.PushgatewayURL, y.PushgatewayURL)
	setStr(&cfg.LogDir, y.LogDir)

	if len(y.Exports) > 0 {
		cfg.Exports = y.Exports
	}
	if y.PollInterval > 0 {
		cfg.PollInterval = y.PollInterval
	}
	if y.MaxPollWait != nil {
		cfg.MaxPollWait = *y.MaxPollWait
	}
	if y.MaxParallelExports > 0 {
		cfg.MaxParallelExports = y.MaxParallelExports
	}
	if y.DBPort > 0 {
		cfg.DBPort = y.DBPort
	}
	if y.ExecuteSQL != nil {
		cfg.ExecuteSQL = *y.ExecuteSQL
	}
	if y.SQLExecTimeout > 0 {
		cfg.SQLExecTimeout = y.SQLExecTimeout
	}
	return nil
}

// loadFromEnv loads configuration from CRM_EXTRACTOR_* environment variables.
func loadFromEnv(cfg *Config) error {
	strs := map[string]*string{
		"DATA_CENTER":           &cfg.DataCenter,
		"API_URL":               &cfg.APIURL,
		"ACCOUNTS_URL":          &cfg.AccountsURL,
		"CLIENT_ID":             &cfg.ClientID,
		"CLIENT_SECRET":         &cfg.ClientSecret,
		"REFRESH_TOKEN":         &cfg.RefreshToken,
		"ACCESS_TOKEN":          &cfg.AccessToken,
		"OAUTH_SECRET":          &cfg.OAuthSecret,
		"AWS_REGION":            &cfg.AWSRegion,
		"AWS_ACCESS_KEY_ID":     &cfg.AWSAccessKeyID,
		"AWS_SECRET_ACCESS_KEY": &cfg.AWSSecretAccessKey,
		"AWS_SESSION_TOKEN":     &cfg.AWSSessionToken,
		"DESTINATION":           &cfg.DestinationFolder,
		"S3_BUCKET":             &cfg.S3Bucket,
		"S3_PREFIX":             &cfg.S3Prefix,
		"DB_HOST":               &cfg.DBHost,
		"DB_USER":               &cfg.DBUser,
		"DB_PASSWORD":           &cfg.DBPassword,
		"DB_SECRET":             &cfg.DBSecret,
		"DB_DATABASE":           &cfg.DBDatabase,
		"DB_TYPE":               &cfg.DBType,
		"LEDGER_TABLE":          &cfg.LedgerTable,
		"TABLE_PREFIX":          &cfg.TablePrefix,
		"METRICS_ADDR":          &cfg.MetricsAddr,
		"PUSHGATEWAY_URL":       &cfg.PushgatewayURL,
		"LOG_DIR":               &cfg.LogDir,
	}
	for key, dst := range strs {
		if val := os.Getenv(envPrefix + key); val != "" {
			*dst = val
		}
	}

	ints := map[string]*int{
		"MAX_PARALLEL_EXPORTS": &cfg.MaxParallelExports,
		"DB_PORT":              &cfg.DBPort,
		"SQL_EXEC_TIMEOUT":     &cfg.SQLExecTimeout,
	}
	for key, dst := range ints {
		if val := os.Getenv(envPrefix + key); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"POLL_INTERVAL": &cfg.PollInterval,
		"MAX_POLL_WAIT": &cfg.MaxPollWait,
	}
	for key, dst := range durations {
		if val := os.Getenv(envPrefix + key); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
			}
			*dst = d
		}
	}

	bools := map[string]*bool{
		"EXECUTE_SQL": &cfg.ExecuteSQL,
		"DEBUG":       &cfg.Debug,
		"LOG_STDOUT":  &cfg.LogStdout,
		"QUIET":       &cfg.Quiet,
	}
	for key, dst := range bools {
		if val := os.Getenv(envPrefix + key); val != "" {
			*dst = val == "true" || val == "1"
		}
	}

	if val := os.Getenv(envPrefix + "MODULE"); val != "" {
		cfg.Exports = []Export{{
			Module:         val,
			Fields:         splitList(os.Getenv(envPrefix + "FIELDS")),
			FilterFile:     os.Getenv(envPrefix + "FILTER_FILE"),
			FileNamePrefix: os.Getenv(envPrefix + "FILE_NAME_PREFIX"),
		}}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DBHostPort returns host:port for the database.
func (c *Config) DBHostPort() string {
	if c.DBPort > 0 {
		return fmt.Sprintf("%s:%d", c.DBHost, c.DBPort)
	}
	return c.DBHost
}

// ReadOAuthFile reads OAuth credentials from a JSON file.
func (c *Config) ReadOAuthFile(path string) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read OAuth file: %w", err)
	}

	var auth struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(data, &auth); err != nil {
		return fmt.Errorf("failed to parse OAuth file: %w", err)
	}
	if auth.ClientID == "" || auth.ClientSecret == "" || auth.RefreshToken == "" {
		return fmt.Errorf("OAuth file must contain client_id, client_secret and refresh_token")
	}

	c.ClientID = auth.ClientID
	c.ClientSecret = auth.ClientSecret
	c.RefreshToken = auth.RefreshToken
	return nil
}
