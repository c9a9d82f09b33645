// Package cli implements the myidb command line tool over the SQLite
// engine.
package cli

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ashblue/my-idb/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	DB         string
	Schema     string
	Name       string
	Version    int
	Format     string // "json" | "text"
	LogLevel   string
	LogFormat  string
	Verbose    bool
	Metrics    bool

	// Config is the file configuration with flag overrides applied. It is
	// resolved before any subcommand runs.
	Config config.Config
	Logger *log.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the myidb CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{Logger: log.New()}

	cmd := &cobra.Command{
		Use:   "myidb",
		Short: "myidb - versioned table store inspector",
		Long:  "Open, upgrade and inspect myidb stores kept in SQLite files.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return opts.resolve(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if !opts.Metrics {
				return nil
			}
			return printMetrics(cmd.ErrOrStderr(), prometheus.DefaultGatherer)
		},
	}

	defaults := config.Default()
	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.ConfigPath, "config", "", "YAML config file")
	flags.StringVar(&opts.DB, "db", defaults.DB, "directory holding the store files")
	flags.StringVar(&opts.Schema, "schema", defaults.Schema, "schema file (YAML or JSON)")
	flags.StringVar(&opts.Name, "name", defaults.Name, "store name")
	flags.IntVar(&opts.Version, "version", defaults.Version, "store version")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.StringVar(&opts.LogLevel, "log-level", defaults.Log.Level, "log level (debug|info|warn|error)")
	flags.StringVar(&opts.LogFormat, "log-format", defaults.Log.Format, "log format (text|json|color)")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	flags.BoolVar(&opts.Metrics, "metrics", false, "print collected metrics to stderr after the command")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewDumpCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewSetCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))

	return cmd
}

// resolve loads the config file, applies the flags the user set and
// configures logging.
func (o *RootOptions) resolve(cmd *cobra.Command) error {
	cfg := config.Default()
	if o.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(o.ConfigPath); err != nil {
			return WrapExitError(ExitCommandError, "cannot load config", err)
		}
	}

	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.DB = o.DB
	}
	if flags.Changed("schema") {
		cfg.Schema = o.Schema
	}
	if flags.Changed("name") {
		cfg.Name = o.Name
	}
	if flags.Changed("version") {
		cfg.Version = o.Version
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.LogLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = o.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	o.Logger.SetOutput(cmd.ErrOrStderr())
	if err := config.InitLog(o.Logger, cfg.Log); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	o.Config = cfg
	return nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   o.Verbose,
	}
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
