package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"github.com/katasec/dstream-probe/internal/db"
)

// Version is stamped at build time
var Version = "dev"

// Config holds the resolved probe configuration
type Config struct {
	Database        DatabaseConfig
	Cloud           CloudConfig
	Intake          IntakeConfig
	Buffer          BufferConfig
	Workers         WorkerConfig
	Lock            LockConfig
	Log             LogConfig
	ShutdownTimeout time.Duration
}

// DatabaseConfig describes the source database
type DatabaseConfig struct {
	Path            string
	Dialect         db.Dialect
	User            string
	Password        string
	Charset         string
	TimeZone        string   // zone of timestamps stored without an offset
	Tables          []string // empty means every user table
	SearchDir       string
	ConnectAttempts int
}

// ConnectionInfo returns the immutable source descriptor
func (d DatabaseConfig) ConnectionInfo() db.ConnectionInfo {
	return db.ConnectionInfo{
		Dialect:  d.Dialect,
		Path:     d.Path,
		User:     d.User,
		Password: d.Password,
		Charset:  d.Charset,
	}
}

// Location resolves TimeZone; empty means the local zone
func (d DatabaseConfig) Location() (*time.Location, error) {
	if d.TimeZone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(d.TimeZone)
}

// CloudConfig configures delivery to the cloud endpoint
type CloudConfig struct {
	Enabled          bool
	Endpoint         string
	APIKey           string
	CredentialsFile  string
	SyncInterval     time.Duration
	RequestTimeout   time.Duration
	MaxRequestBytes  int
	MaxBatchSize     int
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// IntakeConfig configures change-log polling
type IntakeConfig struct {
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	PageSize        int
	QueryTimeout    time.Duration
	SweepEvery      int
}

// BufferConfig configures the local durable buffer
type BufferConfig struct {
	Path                string
	MaxAttempts         int
	RetryBase           time.Duration
	RetryMax            time.Duration
	DeliveredRetention  time.Duration
	DeadLetterRetention time.Duration
	StatsInterval       time.Duration
}

// WorkerConfig configures the decode worker pool
type WorkerConfig struct {
	MaxWorkers int
	QueueSize  int
}

// LockConfig represents the configuration for single-instance locking
type LockConfig struct {
	Type             string // file, azure_blob or none
	ConnectionString string
	ContainerName    string
}

// LogConfig configures the hclog root logger
type LogConfig struct {
	Level string
	JSON  bool
}

// Lock types
const (
	LockFile      = "file"
	LockAzureBlob = "azure_blob"
	LockNone      = "none"
)

var defaults = map[string]any{
	"db_path":                "",
	"db_dialect":             "",
	"db_user":                "sysdba",
	"db_password":            "masterkey",
	"db_charset":             "UTF8",
	"db_timezone":            "Local",
	"db_tables":              "",
	"db_search_dir":          "",
	"db_connect_attempts":    5,
	"cloud_enabled":          true,
	"cloud_endpoint":         "http://localhost:8080/api/changes",
	"cloud_api_key":          "",
	"credentials_file":       "",
	"sync_interval":          "2s",
	"request_timeout":        "30s",
	"max_request_bytes":      1 << 20,
	"max_batch_size":         500,
	"breaker_threshold":      5,
	"breaker_cooldown":       "30s",
	"poll_interval":          "1s",
	"max_poll_interval":      "30s",
	"page_size":              500,
	"query_timeout":          "15s",
	"sweep_every":            10,
	"buffer_path":            "probe_buffer.db",
	"max_attempts":           10,
	"retry_base":             "1s",
	"retry_max":              "5m",
	"delivered_retention":    "24h",
	"dead_letter_retention":  "720h",
	"stats_interval":         "60s",
	"max_workers":            10,
	"worker_queue_size":      64,
	"lock_type":              LockFile,
	"lock_connection_string": "",
	"lock_container":         "probe-locks",
	"log_level":              "info",
	"log_json":               false,
	"shutdown_timeout":       "30s",
}

// Load reads configuration from defaults, an optional YAML file and PROBE_* environment variables.
// When configFile is empty, probe.yaml in the working directory is used if present.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	for _, key := range sortedKeys() {
		v.SetDefault(key, defaults[key])
	}
	v.SetEnvPrefix("PROBE")
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("probe")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read probe.yaml: %w", err)
			}
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	var errs *multierror.Error
	duration := func(key string) time.Duration {
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Path:            v.GetString("db_path"),
			User:            v.GetString("db_user"),
			Password:        v.GetString("db_password"),
			Charset:         v.GetString("db_charset"),
			TimeZone:        v.GetString("db_timezone"),
			Tables:          stringList(v, "db_tables"),
			SearchDir:       v.GetString("db_search_dir"),
			ConnectAttempts: v.GetInt("db_connect_attempts"),
		},
		Cloud: CloudConfig{
			Enabled:          v.GetBool("cloud_enabled"),
			Endpoint:         v.GetString("cloud_endpoint"),
			APIKey:           v.GetString("cloud_api_key"),
			CredentialsFile:  v.GetString("credentials_file"),
			SyncInterval:     duration("sync_interval"),
			RequestTimeout:   duration("request_timeout"),
			MaxRequestBytes:  v.GetInt("max_request_bytes"),
			MaxBatchSize:     v.GetInt("max_batch_size"),
			BreakerThreshold: v.GetInt("breaker_threshold"),
			BreakerCooldown:  duration("breaker_cooldown"),
		},
		Intake: IntakeConfig{
			PollInterval:    duration("poll_interval"),
			MaxPollInterval: duration("max_poll_interval"),
			PageSize:        v.GetInt("page_size"),
			QueryTimeout:    duration("query_timeout"),
			SweepEvery:      v.GetInt("sweep_every"),
		},
		Buffer: BufferConfig{
			Path:                v.GetString("buffer_path"),
			MaxAttempts:         v.GetInt("max_attempts"),
			RetryBase:           duration("retry_base"),
			RetryMax:            duration("retry_max"),
			DeliveredRetention:  duration("delivered_retention"),
			DeadLetterRetention: duration("dead_letter_retention"),
			StatsInterval:       duration("stats_interval"),
		},
		Workers: WorkerConfig{
			MaxWorkers: v.GetInt("max_workers"),
			QueueSize:  v.GetInt("worker_queue_size"),
		},
		Lock: LockConfig{
			Type:             strings.ToLower(v.GetString("lock_type")),
			ConnectionString: v.GetString("lock_connection_string"),
			ContainerName:    v.GetString("lock_container"),
		},
		Log: LogConfig{
			Level: v.GetString("log_level"),
			JSON:  v.GetBool("log_json"),
		},
		ShutdownTimeout: duration("shutdown_timeout"),
	}

	if cfg.Database.Path == "" {
		dir := cfg.Database.SearchDir
		if dir == "" {
			dir = DefaultSearchDir()
		}
		if found, err := DiscoverDatabase(dir); err == nil {
			cfg.Database.Path = found
		}
	}

	if raw := v.GetString("db_dialect"); raw != "" {
		d, err := db.ParseDialect(raw)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("db_dialect: %w", err))
		}
		cfg.Database.Dialect = d
	} else if cfg.Database.Path != "" {
		cfg.Database.Dialect = db.InferDialect(cfg.Database.Path)
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every missing or out of range setting
func (c *Config) Validate() error {
	var errs *multierror.Error
	if c.Database.Path == "" {
		errs = multierror.Append(errs, errors.New("PROBE_DB_PATH is required (no .fdb file found in the search directory)"))
	}
	if c.Cloud.Enabled {
		if u, err := url.Parse(c.Cloud.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
			errs = multierror.Append(errs, fmt.Errorf("PROBE_CLOUD_ENDPOINT %q is not an absolute URL", c.Cloud.Endpoint))
		}
	}
	positive := map[string]int{
		"PROBE_MAX_WORKERS":       c.Workers.MaxWorkers,
		"PROBE_WORKER_QUEUE_SIZE": c.Workers.QueueSize,
		"PROBE_PAGE_SIZE":         c.Intake.PageSize,
		"PROBE_MAX_ATTEMPTS":      c.Buffer.MaxAttempts,
		"PROBE_MAX_BATCH_SIZE":    c.Cloud.MaxBatchSize,
		"PROBE_MAX_REQUEST_BYTES": c.Cloud.MaxRequestBytes,
		"PROBE_SWEEP_EVERY":       c.Intake.SweepEvery,
	}
	for _, name := range sortedNames(positive) {
		if positive[name] <= 0 {
			errs = multierror.Append(errs, fmt.Errorf("%s must be positive, got %d", name, positive[name]))
		}
	}
	if c.Intake.PollInterval <= 0 || c.Intake.MaxPollInterval < c.Intake.PollInterval {
		errs = multierror.Append(errs, fmt.Errorf("poll interval %s must be positive and not exceed max poll interval %s", c.Intake.PollInterval, c.Intake.MaxPollInterval))
	}
	if c.Buffer.RetryBase <= 0 || c.Buffer.RetryMax < c.Buffer.RetryBase {
		errs = multierror.Append(errs, fmt.Errorf("retry base %s must be positive and not exceed retry max %s", c.Buffer.RetryBase, c.Buffer.RetryMax))
	}
	if _, err := c.Database.Location(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("PROBE_DB_TIMEZONE: %w", err))
	}
	switch c.Lock.Type {
	case LockFile, LockNone:
	case LockAzureBlob:
		if c.Lock.ConnectionString == "" {
			errs = multierror.Append(errs, errors.New("PROBE_LOCK_CONNECTION_STRING is required for azure_blob locks"))
		}
	default:
		errs = multierror.Append(errs, fmt.Errorf("unsupported lock type %q", c.Lock.Type))
	}
	return errs.ErrorOrNil()
}

// DefaultSearchDir is where Microsip keeps its databases
func DefaultSearchDir() string {
	if runtime.GOOS == "windows" {
		return `C:\Microsip datos`
	}
	return "/Microsip datos"
}

// DiscoverDatabase returns the most recently modified .fdb file in dir
func DiscoverDatabase(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var best string
	var bestTime time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".fdb") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestTime) {
			best = filepath.Join(dir, e.Name())
			bestTime = info.ModTime()
		}
	}
	if best == "" {
		return "", fmt.Errorf("no .fdb file found in %s", dir)
	}
	return best, nil
}

// stringList accepts a comma separated env value or a YAML list
func stringList(v *viper.Viper, key string) []string {
	if raw, ok := v.Get(key).(string); ok {
		return splitList(raw)
	}
	return v.GetStringSlice(key)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func sortedKeys() []string {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedNames(m map[string]int) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
