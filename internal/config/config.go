package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBServer    string `mapstructure:"DB_SERVER"`
	DBDatabase  string `mapstructure:"DB_DATABASE"`
	DBUser      string `mapstructure:"DB_UID"`
	DBPassword  string `mapstructure:"DB_PWD"`
	DBSchema    string `mapstructure:"DB_SCHEMA"`

	BatchSize           int     `mapstructure:"BATCH_SIZE"`
	SleepBatch          float64 `mapstructure:"SLEEP_BATCH"`
	SleepPatient        float64 `mapstructure:"SLEEP_PATIENT"`
	CheckOperatingHours bool    `mapstructure:"CHECK_OPERATING_HOURS"`
	OperatingTimezone   string  `mapstructure:"OPERATING_TIMEZONE"`

	GateWait          time.Duration `mapstructure:"GATE_WAIT"`
	ReconnectWait     time.Duration `mapstructure:"RECONNECT_WAIT"`
	ReconnectFailWait time.Duration `mapstructure:"RECONNECT_FAIL_WAIT"`
	RecoveryWait      time.Duration `mapstructure:"RECOVERY_WAIT"`

	// Constant values stamped on every migrated row.
	MigrationUserID   int    `mapstructure:"MIGRATION_USER_ID"`
	CompanyID         int    `mapstructure:"MIGRATION_COMPANY_ID"`
	ProfessionalID    int    `mapstructure:"MIGRATION_PROFESSIONAL_ID"`
	DoctorID          int    `mapstructure:"MIGRATION_DOCTOR_ID"`
	VisitTypeID       int    `mapstructure:"MIGRATION_VISIT_TYPE_ID"`
	MigrationTerminal string `mapstructure:"MIGRATION_TERMINAL"`

	StatusAddr string `mapstructure:"STATUS_ADDR"`
}

var envKeys = []string{
	"ENV", "LOG_LEVEL",
	"DATABASE_URL", "DB_SERVER", "DB_DATABASE", "DB_UID", "DB_PWD", "DB_SCHEMA",
	"BATCH_SIZE", "SLEEP_BATCH", "SLEEP_PATIENT", "CHECK_OPERATING_HOURS", "OPERATING_TIMEZONE",
	"GATE_WAIT", "RECONNECT_WAIT", "RECONNECT_FAIL_WAIT", "RECOVERY_WAIT",
	"MIGRATION_USER_ID", "MIGRATION_COMPANY_ID", "MIGRATION_PROFESSIONAL_ID",
	"MIGRATION_DOCTOR_ID", "MIGRATION_VISIT_TYPE_ID", "MIGRATION_TERMINAL",
	"STATUS_ADDR",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "production")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("BATCH_SIZE", 5)
	v.SetDefault("SLEEP_BATCH", 60.0)
	v.SetDefault("SLEEP_PATIENT", 5.0)
	v.SetDefault("CHECK_OPERATING_HOURS", true)
	v.SetDefault("OPERATING_TIMEZONE", "America/Sao_Paulo")
	v.SetDefault("GATE_WAIT", "5m")
	v.SetDefault("RECONNECT_WAIT", "10s")
	v.SetDefault("RECONNECT_FAIL_WAIT", "30s")
	v.SetDefault("RECOVERY_WAIT", "5s")
	v.SetDefault("MIGRATION_USER_ID", 61)
	v.SetDefault("MIGRATION_COMPANY_ID", 1)
	v.SetDefault("MIGRATION_PROFESSIONAL_ID", 1)
	v.SetDefault("MIGRATION_DOCTOR_ID", 1)
	v.SetDefault("MIGRATION_VISIT_TYPE_ID", 2)
	v.SetDefault("MIGRATION_TERMINAL", "MIGRACAO")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = cfg.legacyDatabaseURL()
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL (or DB_SERVER and DB_DATABASE) is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// legacyDatabaseURL composes a connection URL from the DB_* variables the
// previous deployment used. Returns "" when they are incomplete.
func (c *Config) legacyDatabaseURL() string {
	if c.DBServer == "" || c.DBDatabase == "" {
		return ""
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   c.DBServer,
		Path:   "/" + c.DBDatabase,
	}
	if c.DBUser != "" {
		u.User = url.UserPassword(c.DBUser, c.DBPassword)
	}
	return u.String()
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// SleepBatchDuration is the pause after an idle or committed batch.
func (c *Config) SleepBatchDuration() time.Duration {
	return secondsToDuration(c.SleepBatch)
}

// SleepPatientDuration is the pacing pause between two patients of a batch.
func (c *Config) SleepPatientDuration() time.Duration {
	return secondsToDuration(c.SleepPatient)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Location resolves OPERATING_TIMEZONE.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.OperatingTimezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.OperatingTimezone, err)
	}
	return loc, nil
}

// Validate rejects settings the worker cannot run with.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.SleepBatch < 0 {
		return fmt.Errorf("SLEEP_BATCH must not be negative, got %v", c.SleepBatch)
	}
	if c.SleepPatient < 0 {
		return fmt.Errorf("SLEEP_PATIENT must not be negative, got %v", c.SleepPatient)
	}
	for name, d := range map[string]time.Duration{
		"GATE_WAIT":           c.GateWait,
		"RECONNECT_WAIT":      c.ReconnectWait,
		"RECONNECT_FAIL_WAIT": c.ReconnectFailWait,
		"RECOVERY_WAIT":       c.RecoveryWait,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, d)
		}
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}
