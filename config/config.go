package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultServerURL         = "localhost:3003"
	defaultPollInterval      = 30 * time.Second
	defaultCloseRefreshDelay = 500 * time.Millisecond
	defaultRequestTimeout    = 10 * time.Second
	defaultRefreshRate       = 0.5
	defaultLogLevel          = "info"
)

type Config struct {
	ServerURL         string        `yaml:"serverUrl"`
	APIURL            string        `yaml:"apiUrl"`
	PresenceURL       string        `yaml:"presenceUrl"`
	UserID            string        `yaml:"userId"`
	PollInterval      time.Duration `yaml:"pollInterval"`
	CloseRefreshDelay time.Duration `yaml:"closeRefreshDelay"`
	RequestTimeout    time.Duration `yaml:"requestTimeout"`
	RefreshRate       float64       `yaml:"refreshRate"`
	LogLevel          string        `yaml:"logLevel"`
}

func defaults() Config {
	return Config{
		ServerURL:         defaultServerURL,
		PollInterval:      defaultPollInterval,
		CloseRefreshDelay: defaultCloseRefreshDelay,
		RequestTimeout:    defaultRequestTimeout,
		RefreshRate:       defaultRefreshRate,
		LogLevel:          defaultLogLevel,
	}
}

// Load reads .env (when present), then the YAML file named by
// CHAT_CONFIG_FILE, then the environment. Later sources win.
func Load() (Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}

	cfg := defaults()
	if path := os.Getenv("CHAT_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.loadEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"SERVER_URL":        &c.ServerURL,
		"CHAT_API_URL":      &c.APIURL,
		"CHAT_PRESENCE_URL": &c.PresenceURL,
		"CHAT_USER_ID":      &c.UserID,
		"LOG_LEVEL":         &c.LogLevel,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"CHAT_POLL_INTERVAL":       &c.PollInterval,
		"CHAT_CLOSE_REFRESH_DELAY": &c.CloseRefreshDelay,
		"CHAT_REQUEST_TIMEOUT":     &c.RequestTimeout,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}

	if v, ok := lookup("CHAT_REFRESH_RATE"); ok && v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("CHAT_REFRESH_RATE: %w", err)
		}
		c.RefreshRate = rate
	}
	return nil
}

func (c Config) Validate() error {
	switch {
	case c.UserID == "":
		return errors.New("CHAT_USER_ID is required")
	case c.APIURL == "":
		return errors.New("CHAT_API_URL is required")
	case c.PollInterval <= 0:
		return errors.New("poll interval must be positive")
	case c.CloseRefreshDelay <= 0:
		return errors.New("close refresh delay must be positive")
	case c.RequestTimeout <= 0:
		return errors.New("request timeout must be positive")
	case c.RefreshRate <= 0:
		return errors.New("refresh rate must be positive")
	}
	return nil
}
