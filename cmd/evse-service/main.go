package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/librescoot/evse-service/internal/config"
	"github.com/librescoot/evse-service/internal/log"
	"github.com/librescoot/evse-service/internal/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	_ "go.uber.org/automaxprocs"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}

type app struct {
	cfg        *config.Config
	v          *viper.Viper
	configFile string
	envFile    string
}

func newRootCommand() *cobra.Command {
	a := &app{
		cfg: config.New(),
		v:   viper.New(),
	}

	cmd := &cobra.Command{
		Use:          "evse-service",
		Short:        "EVSE charging controller for the rpmsg firmware link",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context())
		},
	}
	cmd.SetVersionTemplate("evse-service {{.Version}}\n")

	fs := cmd.PersistentFlags()
	fs.StringVar(&a.configFile, "config", "", "Config file (yaml, toml or json)")
	fs.StringVar(&a.envFile, "env-file", ".env", "Environment file loaded before the EVSE_* variables are read")
	a.cfg.AddFlags(fs)

	cmd.AddCommand(newStatusCommand(a), newConfigCommand(a))
	return cmd
}

func (a *app) load(cmd *cobra.Command) error {
	if err := godotenv.Load(a.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", a.envFile, err)
	}

	// journald adds its own timestamps
	if os.Getenv("INVOCATION_ID") != "" {
		a.v.SetDefault("log.systemd", true)
	}

	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return a.cfg.Load(a.v, a.configFile)
}

func (a *app) run(ctx context.Context) error {
	if errs := a.cfg.Validate(); len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}

	logger, err := log.New(&a.cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if a.configFile != "" {
		a.watchLogLevel(logger)
	}

	svc, err := service.New(a.cfg, logger)
	if err != nil {
		logger.Errorf("Failed to create service: %v", err)
		return err
	}

	logger.Infof("Starting EVSE service %s", version)
	if err := svc.Run(ctx); err != nil {
		logger.Errorf("Service failed: %v", err)
		return err
	}
	logger.Infof("EVSE service stopped")
	return nil
}

// watchLogLevel applies log.level changes in the config file at runtime.
// Every other setting needs a restart.
func (a *app) watchLogLevel(logger *log.Logger) {
	a.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		level := a.v.GetString("log.level")
		if level == logger.Level() {
			return
		}
		if err := logger.SetLevel(level); err != nil {
			logger.Warnf("Ignoring log level from %s: %v", e.Name, err)
			return
		}
		logger.Infof("Log level changed to %s", level)
	})
	a.v.WatchConfig()
}
