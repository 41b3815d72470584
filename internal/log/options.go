package log

import (
	"fmt"

	"github.com/spf13/pflag"
	"go.uber.org/zap/zapcore"
)

// Options contains configuration settings for the logger.
type Options struct {
	// Level is the minimum log level to output. Can be 'debug', 'info', 'warn', 'error'.
	Level string `mapstructure:"level" yaml:"level"`

	// Format specifies the log output format. Can be 'json' or 'console'.
	Format string `mapstructure:"format" yaml:"format"`

	// Systemd drops timestamps and colors, journald adds its own.
	Systemd bool `mapstructure:"systemd" yaml:"systemd"`
}

func NewOptions() *Options {
	return &Options{
		Level:  "info",
		Format: "console",
	}
}

func (o *Options) Validate() []error {
	var errs []error
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(o.Level)); err != nil {
		errs = append(errs, fmt.Errorf("invalid log level %q", o.Level))
	}
	if o.Format != "console" && o.Format != "json" {
		errs = append(errs, fmt.Errorf("invalid log format %q (want console or json)", o.Format))
	}
	return errs
}

// AddFlags binds command-line flags to the Options fields.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Level, "log.level", o.Level, "The minimum log level to output (debug, info, warn, error).")
	fs.StringVar(&o.Format, "log.format", o.Format, "The log output format ('json' or 'console').")
	fs.BoolVar(&o.Systemd, "log.systemd", o.Systemd, "Format output for journald (no timestamps).")
}
