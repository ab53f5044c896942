// Package config loads the YAML configuration file. ${VAR} references are
// expanded from the environment before parsing.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"reservation-bot/internal/backup"
	"reservation-bot/internal/crypt"
)

// Config is the complete service configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	Backup   BackupConfig   `yaml:"backup"`
	Bot      BotConfig      `yaml:"bot"`
	Security SecurityConfig `yaml:"security"`
	Admin    AdminConfig    `yaml:"admin"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig locates the bolt datastore.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// StorageConfig holds the asset and archive directories.
type StorageConfig struct {
	UploadsDir string `yaml:"uploads_dir"`
	BackupDir  string `yaml:"backup_dir"`
}

// BackupConfig holds the backup schedule.
type BackupConfig struct {
	// Schedule lists local times of day in HH:MM form.
	Schedule      []string `yaml:"schedule"`
	RestoreTmpDir string   `yaml:"restore_tmp_dir"`

	Times []backup.TimeOfDay `yaml:"-"`
}

// BotConfig holds Telegram options that are not stored in settings.
type BotConfig struct {
	PublicURL string `yaml:"public_url"`
	Timezone  string `yaml:"timezone"`

	PollTimeout    time.Duration  `yaml:"-"`
	PollTimeoutRaw string         `yaml:"poll_timeout"`
	Location       *time.Location `yaml:"-"`
}

// SecurityConfig holds the master key for secrets at rest.
type SecurityConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
}

// AdminConfig configures the admin HTTP API. An empty Addr disables it.
type AdminConfig struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used for absent fields.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: filepath.Join("data", "database.db")},
		Storage:  StorageConfig{UploadsDir: "uploads", BackupDir: "backups"},
		Backup: BackupConfig{
			Schedule:      []string{"00:00", "08:00"},
			RestoreTmpDir: filepath.Join(os.TempDir(), "reservation-bot-restore"),
		},
		Bot:     BotConfig{PollTimeoutRaw: "1m"},
		Admin:   AdminConfig{Addr: "127.0.0.1:8090"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the file at path on top of Default. An empty path loads the
// defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or "" when
// it is unset.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

func applyEnv(cfg *Config) {
	if cfg.Security.EncryptionKey == "" {
		cfg.Security.EncryptionKey = os.Getenv("ENCRYPTION_KEY")
	}
	if cfg.Admin.Token == "" {
		cfg.Admin.Token = os.Getenv("ADMIN_TOKEN")
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.Logging.Level = lvl
	}
}

// resolve parses the raw string fields.
func (c *Config) resolve() error {
	var err error
	if c.Bot.PollTimeoutRaw != "" {
		c.Bot.PollTimeout, err = time.ParseDuration(c.Bot.PollTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing bot.poll_timeout %q: %w", c.Bot.PollTimeoutRaw, err)
		}
	}

	c.Bot.Location = time.Local
	if c.Bot.Timezone != "" {
		c.Bot.Location, err = time.LoadLocation(c.Bot.Timezone)
		if err != nil {
			return fmt.Errorf("parsing bot.timezone %q: %w", c.Bot.Timezone, err)
		}
	}

	c.Backup.Times = c.Backup.Times[:0]
	for _, s := range c.Backup.Schedule {
		t, err := backup.ParseTimeOfDay(s)
		if err != nil {
			return fmt.Errorf("parsing backup.schedule: %w", err)
		}
		c.Backup.Times = append(c.Backup.Times, t)
	}
	return nil
}

// Validate checks that required fields are present and well formed.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Storage.BackupDir == "" {
		return errors.New("storage.backup_dir is required")
	}
	if c.Security.EncryptionKey == "" {
		return errors.New("security.encryption_key is required (or set ENCRYPTION_KEY)")
	}
	if _, err := crypt.NewFromHex(c.Security.EncryptionKey); err != nil {
		return fmt.Errorf("security.encryption_key must be %d hex characters: %w", crypt.KeySize*2, err)
	}
	if len(c.Backup.Schedule) == 0 {
		return errors.New("backup.schedule needs at least one time")
	}
	if c.Admin.Addr != "" && c.Admin.Token == "" {
		return errors.New("admin.token is required when admin.addr is set (or set ADMIN_TOKEN)")
	}
	return nil
}
