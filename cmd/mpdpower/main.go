package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "mpdpower",
		Short: "Switch speaker power to follow MPD output state",
		Long: `mpdpower watches MPD audio outputs and keeps the power switches of the
speakers behind them in step. It pauses playback when the last speaker is
disabled, resumes it when one comes back, treats doorbell outputs as one-shot
interrupts and keeps the MPD volume normalized.

MPD_HOST (password@host) and MPD_PORT override the mpd section of the config.`,
		Version:      version,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMain(cmd.Context(), cmd.Flags(), configPath)
		},
	}
	root.SetVersionTemplate(`{{printf "mpdpower version %s\n" .Version}}`)

	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to the YAML config file")
	root.PersistentFlags().String("log-level", "", "Log level: error, warn, info, debug (overrides logging.level)")
	root.Flags().String("power-backend", "", "Power backend: homeassistant, homeassistant-ws, rf433, none (overrides power.backend)")
	root.Flags().Bool("no-syslog", false, "Log to the console only")
	root.Flags().Bool("no-notify", false, "Do not send sd_notify readiness/watchdog messages")

	root.AddCommand(newCheckConfigCmd(&configPath))
	root.AddCommand(newOutputsCmd(&configPath))
	root.AddCommand(newSwitchCmd(&configPath))
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mpdpower version %s\n", version)
		},
	}
}

// loadConfig applies defaults, the file, the environment and flag overrides, then validates.
func loadConfig(fs *pflag.FlagSet, path string) (Config, error) {
	cfg, err := LoadConfigFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	overrides, err := OverridesFromFlags(fs)
	if err != nil {
		return Config{}, err
	}
	overrides.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runMain(ctx context.Context, fs *pflag.FlagSet, configPath string) error {
	cfg, err := loadConfig(fs, configPath)
	if err != nil {
		return err
	}

	logger, err := setupLogger(cfg.Logging, os.Stdout)
	if err != nil {
		return err
	}
	log := logrus.NewEntry(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.WithField("version", version).Debug("starting mpdpower")
	log.WithFields(logrus.Fields{
		"config":           configPath,
		"mpd_host":         cfg.MPD.Host,
		"mpd_port":         cfg.MPD.Port,
		"idle":             cfg.MPD.Idle,
		"speakers":         len(cfg.Speakers),
		"doorbells":        len(cfg.Doorbells),
		"power_backend":    cfg.Power.Backend,
		"consume_auto_off": cfg.ConsumeAutoOff,
		"normalize_volume": cfg.Volume.Normalize,
		"startup":          fmt.Sprintf("%+v", cfg.Startup),
	}).Debug("configuration")

	power, err := newPowerSwitch(&cfg, log.WithField("component", "power"))
	if err != nil {
		log.WithError(err).Error("failed to set up power backend")
		return err
	}
	if c, ok := power.(io.Closer); ok {
		defer c.Close()
	}

	client, err := NewMPDClient(cfg.MPD, log.WithField("component", "mpd"))
	if err != nil {
		log.WithError(err).Error("failed to connect to mpd")
		return err
	}
	defer client.Close()

	watcher, err := NewMPDWatcher(cfg.MPD)
	if err != nil {
		log.WithError(err).Error("failed to start mpd watcher")
		return err
	}
	defer watcher.Close()

	shell := NewShellRunner(time.Duration(cfg.Commands.TimeoutMS)*time.Millisecond, log.WithField("component", "shell"))
	rec := NewReconciler(cfg.ToReconcilerConfig(), client, power, shell, log.WithField("component", "reconcile"))
	sd := &systemdNotifier{enabled: cfg.Systemd.Notify, logger: log.WithField("component", "systemd")}

	log.WithFields(logrus.Fields{"mpd": cfg.MPD.Host, "backend": cfg.Power.Backend}).Info("listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runDaemon(gctx, rec, watcher, sd, log)
	})
	g.Go(func() error {
		return sd.runWatchdog(gctx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("daemon stopped")
		return err
	}
	log.Info("shut down")
	return nil
}
