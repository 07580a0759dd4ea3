package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

// Content backends
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
	BackendFiles  = "files"
)

// Config holds application configuration
type Config struct {
	// Server settings
	Host string `toml:"host"`
	Port string `toml:"port"`

	// Database settings
	DBPath string `toml:"db_path"`

	// Email folder settings
	EmailsPath string `toml:"emails_path"`

	// Mailbox used by commands that do not name one
	Mailbox string `toml:"mailbox"`

	LogLevel string `toml:"log_level"`

	Content ContentConfig `toml:"content"`
	Index   IndexConfig   `toml:"index"`
}

// ContentConfig selects where message bytes are kept
type ContentConfig struct {
	Backend   string `toml:"backend"`
	BoltPath  string `toml:"bolt_path"`
	Dir       string `toml:"dir"`
	ChunkSize int    `toml:"chunk_size"`
}

type IndexConfig struct {
	Workers int `toml:"workers"` // 0 means 2x CPUs
}

// Default returns default configuration
func Default() *Config {
	// Get user's home directory
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}

	// Use ~/.eml-store for data directory
	dataDir := filepath.Join(homeDir, ".eml-store")

	return &Config{
		Host:       "localhost",
		Port:       "8080",
		DBPath:     filepath.Join(dataDir, "store.db"),
		EmailsPath: "./emails", // Default to ./emails directory
		Mailbox:    "INBOX",
		LogLevel:   "info",
		Content: ContentConfig{
			Backend:   BackendSQLite,
			BoltPath:  filepath.Join(dataDir, "content.bolt"),
			Dir:       filepath.Join(dataDir, "content"),
			ChunkSize: 64 * 1024,
		},
	}
}

// DefaultPath is where Load looks when no file is given
func DefaultPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(homeDir, ".eml-store", "config.toml")
}

// Load overlays the TOML file at path on the defaults. An empty path falls
// back to DefaultPath, which may be missing.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return cfg, cfg.validate()
		}
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// validate checks if the configuration is valid
func (c *Config) validate() error {
	c.LogLevel = strings.ToLower(c.LogLevel)
	if c.LogLevel == "warning" {
		c.LogLevel = "warn"
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.LogLevel)
	}

	switch c.Content.Backend {
	case BackendSQLite, BackendBolt, BackendFiles:
	default:
		return fmt.Errorf("unknown content backend: %q", c.Content.Backend)
	}

	if c.Content.ChunkSize < 1 {
		return fmt.Errorf("invalid chunk size: %d", c.Content.ChunkSize)
	}
	if c.Index.Workers < 0 {
		return fmt.Errorf("invalid worker count: %d", c.Index.Workers)
	}
	if c.DBPath == "" {
		return errors.New("db_path is empty")
	}
	return nil
}

// RegisterFlags attaches the configuration flags to the root command.
// Flags override the config file only when set.
func RegisterFlags(cmd *cobra.Command) {
	def := Default()

	flags := cmd.PersistentFlags()
	flags.String("config", "", "Path to a TOML config file (default "+DefaultPath()+")")
	flags.String("host", def.Host, "Address to listen on")
	flags.String("port", def.Port, "Port to listen on")
	flags.String("db", def.DBPath, "Path to the SQLite database")
	flags.String("emails", def.EmailsPath, "Directory scanned by index")
	flags.String("mailbox", def.Mailbox, "Mailbox to operate on")
	flags.String("log-level", def.LogLevel, "Logging level: debug, info, warn, error")
	flags.String("content-backend", def.Content.Backend, "Where message content is kept: sqlite, bolt, files")
	flags.Int("workers", 0, "Concurrent import workers (0 = 2x CPUs)")
}

// LoadConfig reads the config file named by --config and applies the flags
// the user set on top of it.
func LoadConfig(cmd *cobra.Command) (*Config, error) {
	flags := cmd.Flags()

	path, err := flags.GetString("config")
	if err != nil {
		return nil, err
	}

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	overrides := map[string]*string{
		"host":            &cfg.Host,
		"port":            &cfg.Port,
		"db":              &cfg.DBPath,
		"emails":          &cfg.EmailsPath,
		"mailbox":         &cfg.Mailbox,
		"log-level":       &cfg.LogLevel,
		"content-backend": &cfg.Content.Backend,
	}
	for name, dst := range overrides {
		if !flags.Changed(name) {
			continue
		}
		if *dst, err = flags.GetString(name); err != nil {
			return nil, err
		}
	}

	if flags.Changed("workers") {
		if cfg.Index.Workers, err = flags.GetInt("workers"); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Address returns the full server address
func (c *Config) Address() string {
	return c.Host + ":" + c.Port
}

// URL returns the full server URL
func (c *Config) URL() string {
	return "http://" + c.Address()
}
