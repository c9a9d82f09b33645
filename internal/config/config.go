// Package config holds the settings shared by the myidb command line tool.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ashblue/my-idb/internal/cache"
	"github.com/ashblue/my-idb/pkg/myidb"
	"github.com/ashblue/my-idb/pkg/pool"
)

// Config is the YAML configuration file.
type Config struct {
	DB              string        `yaml:"db"`
	Name            string        `yaml:"name"`
	Version         int           `yaml:"version"`
	Schema          string        `yaml:"schema"`
	FillConcurrency int           `yaml:"fill_concurrency"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	ReadyStrategy   string        `yaml:"ready_strategy"`
	Log             LogConfig     `yaml:"log"`
}

// LogConfig configures handling of application log events.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		DB:              ".",
		Version:         1,
		FillConcurrency: pool.DefaultLimit,
		PollInterval:    cache.DefaultPollInterval,
		ReadyStrategy:   string(myidb.ReadyEvent),
		Log:             LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults. Fields absent from the file keep their
// default value.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "decoding config %s", path)
	}
	return cfg, nil
}

// Validate checks field ranges. Name and Schema are checked by the commands
// that need them.
func (c Config) Validate() error {
	switch {
	case c.DB == "":
		return errors.New("db directory is required")
	case c.Version < 1:
		return errors.Errorf("version must be at least 1, got %d", c.Version)
	case c.FillConcurrency < 0:
		return errors.Errorf("fill_concurrency must not be negative, got %d", c.FillConcurrency)
	case c.PollInterval <= 0:
		return errors.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if _, err := myidb.ParseReadyStrategy(c.ReadyStrategy); err != nil {
		return err
	}
	return c.Log.Validate()
}

// Options translates the facade settings into myidb options.
func (c Config) Options(logger *log.Entry) []myidb.Option {
	strategy, _ := myidb.ParseReadyStrategy(c.ReadyStrategy)
	return []myidb.Option{
		myidb.WithLogger(logger),
		myidb.WithFillConcurrency(c.FillConcurrency),
		myidb.WithPollInterval(c.PollInterval),
		myidb.WithReadyStrategy(strategy),
	}
}

// Validate checks the level and format names.
func (c LogConfig) Validate() error {
	if _, err := log.ParseLevel(c.Level); err != nil {
		return errors.Wrap(err, "unrecognized log level")
	}
	switch c.Format {
	case "json", "text", "color":
		return nil
	}
	return errors.Errorf("unrecognized log format %q", c.Format)
}

// InitLog configures logger.
func InitLog(logger *log.Logger, cfg LogConfig) error {
	switch cfg.Format {
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	case "text":
		logger.SetFormatter(&log.TextFormatter{})
	case "color":
		logger.SetFormatter(&log.TextFormatter{ForceColors: true})
	}

	lvl, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return errors.Wrap(err, "unrecognized log level")
	}
	logger.SetLevel(lvl)
	return nil
}
