package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the application configuration, merged from defaults, an
// optional YAML config file, REPBRIDGE_* environment variables and
// command-line flags, in ascending precedence.
type Config struct {
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int

	ScanTimeout  time.Duration
	Countdown    time.Duration
	StallTimeout time.Duration

	// Mock replaces the BLE adapter with an in-process machine.
	Mock bool
}

const (
	defaultConfigDir  = ".repbridge"
	defaultConfigName = "config"
)

func defaultLogFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "repbridge.log"
	}
	return filepath.Join(home, defaultConfigDir, "repbridge.log")
}

// Load parses args (without the program name) and returns the merged
// configuration.
func Load(args []string) (*Config, error) {
	v := viper.New()
	flags := pflag.NewFlagSet("repbridge", pflag.ContinueOnError)

	configFile := flags.String("config", "", "path to config file")
	flags.String("log-file", defaultLogFile(), "log file path")
	flags.Int("log-max-size-mb", 10, "rotate the log after this many megabytes")
	flags.Int("log-max-backups", 3, "rotated log files to keep")
	flags.Duration("scan-timeout", 30*time.Second, "how long to scan for a machine")
	flags.Duration("countdown", 3*time.Second, "countdown before a set goes active")
	flags.Duration("stall-timeout", 5*time.Second, "stop an open-ended set after this long without cable motion")
	flags.Bool("mock", false, "use an in-process mock machine instead of BLE")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if err := v.BindPFlags(flags); err != nil {
		return nil, err
	}

	v.SetEnvPrefix("REPBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", *configFile, err)
		}
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.SetConfigName(defaultConfigName)
			v.SetConfigType("yaml")
			v.AddConfigPath(filepath.Join(home, defaultConfigDir))
			// A missing default config file is fine.
			if err := v.ReadInConfig(); err != nil {
				var notFound viper.ConfigFileNotFoundError
				if !errors.As(err, &notFound) {
					return nil, fmt.Errorf("failed to read config file: %w", err)
				}
			}
		}
	}

	cfg := &Config{
		LogFile:       v.GetString("log-file"),
		LogMaxSizeMB:  v.GetInt("log-max-size-mb"),
		LogMaxBackups: v.GetInt("log-max-backups"),
		ScanTimeout:   v.GetDuration("scan-timeout"),
		Countdown:     v.GetDuration("countdown"),
		StallTimeout:  v.GetDuration("stall-timeout"),
		Mock:          v.GetBool("mock"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the merged configuration.
func (c *Config) Validate() error {
	if c.LogFile == "" {
		return fmt.Errorf("log file path cannot be empty")
	}
	if c.LogMaxSizeMB <= 0 {
		return fmt.Errorf("log max size must be > 0, got %d", c.LogMaxSizeMB)
	}
	if c.LogMaxBackups < 0 {
		return fmt.Errorf("log max backups must be >= 0, got %d", c.LogMaxBackups)
	}
	if c.ScanTimeout <= 0 {
		return fmt.Errorf("scan timeout must be > 0, got %v", c.ScanTimeout)
	}
	if c.Countdown < 0 {
		return fmt.Errorf("countdown must be >= 0, got %v", c.Countdown)
	}
	if c.StallTimeout <= 0 {
		return fmt.Errorf("stall timeout must be > 0, got %v", c.StallTimeout)
	}
	return nil
}
