// Package config provides configuration loading and management for GoDBGuard
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/supporttools/GoDBGuard/pkg/database/common"
	"gopkg.in/yaml.v3"
)

// LogConfig defines logger settings
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// LocalConfig defines local artifact storage settings
type LocalConfig struct {
	Enabled         bool   `yaml:"enabled"`
	BackupDirectory string `yaml:"backupDirectory"`
}

// S3Config defines S3 artifact storage settings
type S3Config struct {
	Enabled            bool          `yaml:"enabled"`
	Bucket             string        `yaml:"bucket"`
	Region             string        `yaml:"region"`
	Endpoint           string        `yaml:"endpoint"`
	AccessKey          string        `yaml:"accessKey"`
	SecretKey          string        `yaml:"secretKey"`
	Prefix             string        `yaml:"prefix"`
	PathStyle          bool          `yaml:"pathStyle"`
	UseSSL             bool          `yaml:"useSSL"`
	CustomCAPath       string        `yaml:"customCAPath"`
	SkipCertValidation bool          `yaml:"skipCertValidation"`
	PresignExpiry      time.Duration `yaml:"presignExpiry"`
}

// LedgerConfig selects the job ledger backend
type LedgerConfig struct {
	// Driver is "file" or "mysql"
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	// LockDir holds the per-target lock files shared by every process
	// working on the same targets
	LockDir string `yaml:"lockDir"`
}

// MetadataDBConfig defines MySQL connection settings for the ledger database
type MetadataDBConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	Database        string `yaml:"database"`
	MaxOpenConns    int    `yaml:"maxOpenConns"`
	MaxIdleConns    int    `yaml:"maxIdleConns"`
	ConnMaxLifetime string `yaml:"connMaxLifetime"`
	AutoMigrate     bool   `yaml:"autoMigrate"`
}

// SchedulerConfig tunes the dispatch loop and retry policy
type SchedulerConfig struct {
	TickInterval         time.Duration `yaml:"tickInterval"`
	MaxConcurrentBackups int           `yaml:"maxConcurrentBackups"`
	MaxAttempts          int           `yaml:"maxAttempts"`
	RetryBaseDelay       time.Duration `yaml:"retryBaseDelay"`
	RetryMaxDelay        time.Duration `yaml:"retryMaxDelay"`
	BusyRetries          int           `yaml:"busyRetries"`
	BusyRetryDelay       time.Duration `yaml:"busyRetryDelay"`
	OrphanGrace          time.Duration `yaml:"orphanGrace"`
	MaintenanceCron      string        `yaml:"maintenanceCron"`
}

// ArtifactConfig defines how artifacts are encoded
type ArtifactConfig struct {
	Compression string `yaml:"compression"`
}

// AdminConfig defines admin and metrics server settings
type AdminConfig struct {
	Port string `yaml:"port"`
}

// DriverConfig carries engine specific knobs
type DriverConfig struct {
	ConnectTimeout    time.Duration `yaml:"connectTimeout"`
	PostgresSSLMode   string        `yaml:"postgresSSLMode"`
	MongoAuthDatabase string        `yaml:"mongoAuthDatabase"`
	// Extra flags appended to mysqldump and pg_dump, e.g. --skip-comments
	MySQLDumpOptions    []string `yaml:"mysqlDumpOptions"`
	PostgresDumpOptions []string `yaml:"postgresDumpOptions"`
}

// CredentialConfig is one named set of database credentials
type CredentialConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ScheduleConfig seeds a schedule definition when the daemon starts
type ScheduleConfig struct {
	Name      string                `yaml:"name"`
	Cron      string                `yaml:"cron"`
	Retention int                   `yaml:"retention"`
	Enabled   *bool                 `yaml:"enabled"`
	Target    common.DatabaseTarget `yaml:"target"`
}

// IsEnabled reports whether the schedule is enabled, defaulting to true
func (s ScheduleConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// AppConfig contains the complete application configuration
type AppConfig struct {
	Debug       bool             `yaml:"debug"`
	Log         LogConfig        `yaml:"log"`
	Local       LocalConfig      `yaml:"local"`
	S3          S3Config         `yaml:"s3"`
	Ledger      LedgerConfig     `yaml:"ledger"`
	MetadataDB  MetadataDBConfig `yaml:"metadata_database"`
	Scheduler   SchedulerConfig  `yaml:"scheduler"`
	Artifact    ArtifactConfig   `yaml:"artifact"`
	Admin       AdminConfig      `yaml:"admin"`
	Drivers     DriverConfig     `yaml:"drivers"`
	Credentials Credentials      `yaml:"credentials"`
	Schedules   []ScheduleConfig `yaml:"schedules"`
	ConfigFile  string           `yaml:"-"`
}

// Load reads the optional YAML file at path, applies environment overrides
// and fills in defaults. It does not validate.
func Load(path string) (*AppConfig, error) {
	cfg := &AppConfig{
		Local: LocalConfig{Enabled: true},
		S3:    S3Config{UseSSL: true},
		MetadataDB: MetadataDBConfig{
			AutoMigrate: true,
		},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		cfg.ConfigFile = path
	}

	cfg.loadFromEnvironment()
	cfg.setDefaults()
	return cfg, nil
}

// loadFromEnvironment overrides file values with any variables that are set
func (c *AppConfig) loadFromEnvironment() {
	c.Debug = parseEnvBool("DEBUG", c.Debug)

	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnvOrDefault("LOG_FILE", c.Log.File)

	// Local storage settings
	c.Local.Enabled = parseEnvBool("LOCAL_BACKUP_ENABLED", c.Local.Enabled)
	c.Local.BackupDirectory = getEnvOrDefault("LOCAL_BACKUP_DIRECTORY", c.Local.BackupDirectory)

	// S3 settings
	c.S3.Enabled = parseEnvBool("S3_BACKUP_ENABLED", c.S3.Enabled)
	c.S3.Bucket = getEnvOrDefault("S3_BUCKET", c.S3.Bucket)
	c.S3.Region = getEnvOrDefault("S3_REGION", c.S3.Region)
	c.S3.Endpoint = getEnvOrDefault("S3_ENDPOINT", c.S3.Endpoint)
	c.S3.AccessKey = getEnvOrDefault("S3_ACCESS_KEY", c.S3.AccessKey)
	c.S3.SecretKey = getEnvOrDefault("S3_SECRET_KEY", c.S3.SecretKey)
	c.S3.Prefix = getEnvOrDefault("S3_PREFIX", c.S3.Prefix)
	c.S3.PathStyle = parseEnvBool("S3_PATH_STYLE", c.S3.PathStyle)
	c.S3.UseSSL = parseEnvBool("S3_USE_SSL", c.S3.UseSSL)
	c.S3.CustomCAPath = getEnvOrDefault("S3_CUSTOM_CA_PATH", c.S3.CustomCAPath)
	c.S3.SkipCertValidation = parseEnvBool("S3_SKIP_CERT_VALIDATION", c.S3.SkipCertValidation)

	// Ledger settings
	c.Ledger.Driver = getEnvOrDefault("LEDGER_DRIVER", c.Ledger.Driver)
	c.Ledger.Path = getEnvOrDefault("LEDGER_PATH", c.Ledger.Path)
	c.Ledger.LockDir = getEnvOrDefault("LOCK_DIRECTORY", c.Ledger.LockDir)
	c.MetadataDB.Host = getEnvOrDefault("METADATA_DB_HOST", c.MetadataDB.Host)
	c.MetadataDB.Port = parseEnvInt("METADATA_DB_PORT", c.MetadataDB.Port)
	c.MetadataDB.Username = getEnvOrDefault("METADATA_DB_USERNAME", c.MetadataDB.Username)
	c.MetadataDB.Password = getEnvOrDefault("METADATA_DB_PASSWORD", c.MetadataDB.Password)
	c.MetadataDB.Database = getEnvOrDefault("METADATA_DB_DATABASE", c.MetadataDB.Database)
	c.MetadataDB.MaxOpenConns = parseEnvInt("METADATA_DB_MAX_OPEN_CONNS", c.MetadataDB.MaxOpenConns)
	c.MetadataDB.MaxIdleConns = parseEnvInt("METADATA_DB_MAX_IDLE_CONNS", c.MetadataDB.MaxIdleConns)
	c.MetadataDB.ConnMaxLifetime = getEnvOrDefault("METADATA_DB_CONN_MAX_LIFETIME", c.MetadataDB.ConnMaxLifetime)
	c.MetadataDB.AutoMigrate = parseEnvBool("METADATA_DB_AUTO_MIGRATE", c.MetadataDB.AutoMigrate)

	// Scheduler settings
	c.Scheduler.MaxConcurrentBackups = parseEnvInt("MAX_CONCURRENT_BACKUPS", c.Scheduler.MaxConcurrentBackups)
	c.Scheduler.MaxAttempts = parseEnvInt("RETRY_MAX_ATTEMPTS", c.Scheduler.MaxAttempts)
	c.Scheduler.RetryBaseDelay = parseEnvDuration("RETRY_BASE_DELAY", c.Scheduler.RetryBaseDelay)
	c.Scheduler.RetryMaxDelay = parseEnvDuration("RETRY_MAX_DELAY", c.Scheduler.RetryMaxDelay)

	c.Artifact.Compression = getEnvOrDefault("ARTIFACT_COMPRESSION", c.Artifact.Compression)
	c.Admin.Port = getEnvOrDefault("ADMIN_PORT", c.Admin.Port)

	// DB_USERNAME and DB_PASSWORD feed the default credential set
	if user, ok := os.LookupEnv("DB_USERNAME"); ok {
		if c.Credentials == nil {
			c.Credentials = Credentials{}
		}
		def := c.Credentials[DefaultCredentialRef]
		def.Username = user
		def.Password = getEnvOrDefault("DB_PASSWORD", def.Password)
		c.Credentials[DefaultCredentialRef] = def
	}
}

// setDefaults ensures all config fields have reasonable default values
func (c *AppConfig) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
		if c.Debug {
			c.Log.Level = "debug"
		}
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 28
	}

	if c.Local.BackupDirectory == "" {
		c.Local.BackupDirectory = "/backups"
	}

	if c.S3.Region == "" {
		c.S3.Region = "us-east-1"
	}
	if c.S3.Prefix == "" {
		c.S3.Prefix = "godbguard"
	}
	if c.S3.PresignExpiry == 0 {
		c.S3.PresignExpiry = 15 * time.Minute
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "file"
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = filepath.Join(c.Local.BackupDirectory, ".godbguard", "ledger.json")
	}
	if c.Ledger.LockDir == "" {
		c.Ledger.LockDir = filepath.Join(filepath.Dir(c.Ledger.Path), "locks")
	}

	if c.Ledger.Driver == "mysql" {
		if c.MetadataDB.Host == "" {
			c.MetadataDB.Host = "localhost"
		}
		if c.MetadataDB.Port == 0 {
			c.MetadataDB.Port = 3306
		}
		if c.MetadataDB.Username == "" {
			c.MetadataDB.Username = "godbguard"
		}
		if c.MetadataDB.Database == "" {
			c.MetadataDB.Database = "godbguard_metadata"
		}
		if c.MetadataDB.MaxOpenConns == 0 {
			c.MetadataDB.MaxOpenConns = 10
		}
		if c.MetadataDB.MaxIdleConns == 0 {
			c.MetadataDB.MaxIdleConns = 5
		}
		if c.MetadataDB.ConnMaxLifetime == "" {
			c.MetadataDB.ConnMaxLifetime = "5m"
		}
	}

	if c.Scheduler.TickInterval == 0 {
		c.Scheduler.TickInterval = 15 * time.Second
	}
	if c.Scheduler.MaxConcurrentBackups == 0 {
		c.Scheduler.MaxConcurrentBackups = 2
	}
	if c.Scheduler.MaxAttempts == 0 {
		c.Scheduler.MaxAttempts = 3
	}
	if c.Scheduler.RetryBaseDelay == 0 {
		c.Scheduler.RetryBaseDelay = 30 * time.Second
	}
	if c.Scheduler.RetryMaxDelay == 0 {
		c.Scheduler.RetryMaxDelay = 15 * time.Minute
	}
	if c.Scheduler.BusyRetries == 0 {
		c.Scheduler.BusyRetries = 3
	}
	if c.Scheduler.BusyRetryDelay == 0 {
		c.Scheduler.BusyRetryDelay = 2 * time.Second
	}
	if c.Scheduler.OrphanGrace == 0 {
		c.Scheduler.OrphanGrace = time.Hour
	}
	if c.Scheduler.MaintenanceCron == "" {
		c.Scheduler.MaintenanceCron = "15 * * * *"
	}

	if c.Artifact.Compression == "" {
		c.Artifact.Compression = "gzip"
	}

	if c.Admin.Port == "" {
		c.Admin.Port = "8080"
	}

	if c.Drivers.ConnectTimeout == 0 {
		c.Drivers.ConnectTimeout = 10 * time.Second
	}
	if c.Drivers.PostgresSSLMode == "" {
		c.Drivers.PostgresSSLMode = "disable"
	}
	if c.Drivers.MongoAuthDatabase == "" {
		c.Drivers.MongoAuthDatabase = "admin"
	}
}

// Validate checks the configuration for inconsistencies
func (c *AppConfig) Validate() error {
	if !c.Local.Enabled && !c.S3.Enabled {
		return fmt.Errorf("at least one storage destination (local or S3) must be enabled")
	}

	if c.Local.Enabled && c.Local.BackupDirectory == "" {
		return fmt.Errorf("local backup directory must be specified when local backups are enabled")
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			return fmt.Errorf("S3 bucket must be specified when S3 backups are enabled")
		}
		if c.S3.AccessKey == "" || c.S3.SecretKey == "" {
			return fmt.Errorf("S3 access key and secret key must be specified when S3 backups are enabled")
		}
		if c.S3.CustomCAPath != "" {
			if _, err := os.Stat(c.S3.CustomCAPath); err != nil {
				return fmt.Errorf("custom CA path %s is not accessible: %w", c.S3.CustomCAPath, err)
			}
		}
	}

	switch c.Ledger.Driver {
	case "file":
		if c.Ledger.Path == "" {
			return fmt.Errorf("ledger path is required for the file ledger")
		}
	case "mysql":
		if c.MetadataDB.Host == "" {
			return fmt.Errorf("metadata database host is required for the mysql ledger")
		}
		if c.MetadataDB.Username == "" {
			return fmt.Errorf("metadata database username is required for the mysql ledger")
		}
		if c.MetadataDB.Database == "" {
			return fmt.Errorf("metadata database name is required for the mysql ledger")
		}
		if c.MetadataDB.ConnMaxLifetime != "" {
			if _, err := time.ParseDuration(c.MetadataDB.ConnMaxLifetime); err != nil {
				return fmt.Errorf("invalid metadata database connection max lifetime: %v", err)
			}
		}
	default:
		return fmt.Errorf("unknown ledger driver %q (expected file or mysql)", c.Ledger.Driver)
	}

	if c.Scheduler.MaxConcurrentBackups < 1 {
		return fmt.Errorf("max concurrent backups must be at least 1")
	}
	if c.Scheduler.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}
	if c.Scheduler.RetryMaxDelay < c.Scheduler.RetryBaseDelay {
		return fmt.Errorf("retry max delay %s is shorter than base delay %s",
			c.Scheduler.RetryMaxDelay, c.Scheduler.RetryBaseDelay)
	}

	switch c.Artifact.Compression {
	case "none", "gzip":
	default:
		return fmt.Errorf("unknown artifact compression %q (expected none or gzip)", c.Artifact.Compression)
	}

	for _, opt := range append(append([]string{}, c.Drivers.MySQLDumpOptions...), c.Drivers.PostgresDumpOptions...) {
		if !strings.HasPrefix(opt, "--") {
			return fmt.Errorf("dump option %q must be a long flag", opt)
		}
	}

	names := make(map[string]bool)
	for i, s := range c.Schedules {
		if s.Name == "" {
			return fmt.Errorf("schedule %d has no name", i)
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate schedule name %q", s.Name)
		}
		names[s.Name] = true
		if s.Cron == "" {
			return fmt.Errorf("schedule %s requires a cron expression", s.Name)
		}
		if s.Retention < 0 {
			return fmt.Errorf("schedule %s has negative retention", s.Name)
		}
		if err := s.Target.Validate(); err != nil {
			return fmt.Errorf("schedule %s: %w", s.Name, err)
		}
	}

	return nil
}

// DisplayConfiguration logs the current configuration while masking
// sensitive information
func (c *AppConfig) DisplayConfiguration(log *logrus.Entry) {
	log.Info("========== GoDBGuard Configuration ==========")
	log.Infof("Debug Mode: %t", c.Debug)
	log.Infof("Config File: %s", c.ConfigFile)
	log.Infof("Log Level: %s, File: %s", c.Log.Level, c.Log.File)

	log.Info("----- Storage -----")
	log.Infof("Local Enabled: %t, Directory: %s", c.Local.Enabled, c.Local.BackupDirectory)
	log.Infof("S3 Enabled: %t", c.S3.Enabled)
	if c.S3.Enabled {
		log.Infof("Bucket: %s", c.S3.Bucket)
		log.Infof("Region: %s", c.S3.Region)
		log.Infof("Endpoint: %s", c.S3.Endpoint)
		log.Infof("Access Key: %s", maskSensitiveInfo(c.S3.AccessKey))
		log.Infof("Secret Key: %s", maskSensitiveInfo(c.S3.SecretKey))
		log.Infof("Prefix: %s", c.S3.Prefix)
		log.Infof("Use SSL: %t, Path Style: %t", c.S3.UseSSL, c.S3.PathStyle)
	}
	log.Infof("Artifact Compression: %s", c.Artifact.Compression)

	log.Info("----- Ledger -----")
	log.Infof("Driver: %s", c.Ledger.Driver)
	if c.Ledger.Driver == "mysql" {
		log.Infof("Host: %s:%d", c.MetadataDB.Host, c.MetadataDB.Port)
		log.Infof("Username: %s", c.MetadataDB.Username)
		log.Infof("Password: %s", maskSensitiveInfo(c.MetadataDB.Password))
		log.Infof("Database: %s", c.MetadataDB.Database)
		log.Infof("Auto Migrate: %t", c.MetadataDB.AutoMigrate)
	} else {
		log.Infof("Path: %s", c.Ledger.Path)
	}
	log.Infof("Lock Directory: %s", c.Ledger.LockDir)

	log.Info("----- Scheduler -----")
	log.Infof("Tick Interval: %s", c.Scheduler.TickInterval)
	log.Infof("Max Concurrent Backups: %d", c.Scheduler.MaxConcurrentBackups)
	log.Infof("Max Attempts: %d (base %s, max %s)", c.Scheduler.MaxAttempts,
		c.Scheduler.RetryBaseDelay, c.Scheduler.RetryMaxDelay)
	log.Infof("Busy Retries: %d every %s", c.Scheduler.BusyRetries, c.Scheduler.BusyRetryDelay)

	log.Info("----- Credentials -----")
	for _, ref := range c.Credentials.Refs() {
		cred := c.Credentials[ref]
		log.Infof("%s: user=%s password=%s", ref, cred.Username, maskSensitiveInfo(cred.Password))
	}

	log.Info("----- Schedules -----")
	if len(c.Schedules) == 0 {
		log.Info("No schedules configured in file.")
	}
	for _, s := range c.Schedules {
		log.Infof("%s: %q -> %s (retention %d, enabled %t)", s.Name, s.Cron, s.Target.Key(), s.Retention, s.IsEnabled())
	}

	log.Infof("Admin Port: %s", c.Admin.Port)
	log.Info("============================================")
}

// maskSensitiveInfo masks sensitive information for logging
func maskSensitiveInfo(info string) string {
	if info == "" {
		return "[not set]"
	}

	if len(info) <= 4 {
		return "****"
	}

	// Show the first and last two characters
	return info[:2] + "****" + info[len(info)-2:]
}

// Helper functions for environment variables

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func parseEnvBool(key string, defaultValue bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value = strings.ToLower(value)

	switch value {
	case "1", "t", "true", "yes", "on", "enabled":
		return true
	case "0", "f", "false", "no", "off", "disabled":
		return false
	default:
		boolValue, err := strconv.ParseBool(value)
		if err != nil {
			logrus.Warnf("Error parsing %s as bool: %v. Using default value: %t", key, err, defaultValue)
			return defaultValue
		}
		return boolValue
	}
}

func parseEnvInt(key string, defaultValue int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		logrus.Warnf("Error parsing %s as integer: %v. Using default value: %d", key, err, defaultValue)
		return defaultValue
	}
	return n
}

func parseEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		logrus.Warnf("Error parsing %s as duration: %v. Using default value: %s", key, err, defaultValue)
		return defaultValue
	}
	return d
}
