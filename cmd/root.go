// Package cmd wires the forcedaq command line.
package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/forcedaq/forcedaq/cmd/bias"
	"github.com/forcedaq/forcedaq/cmd/config"
	"github.com/forcedaq/forcedaq/cmd/record"
	"github.com/forcedaq/forcedaq/internal/buildinfo"
	"github.com/forcedaq/forcedaq/internal/conf"
	"github.com/forcedaq/forcedaq/internal/errors"
	"github.com/forcedaq/forcedaq/internal/logger"
)

const sentryFlushTimeout = 2 * time.Second

// flagKeys maps command-line flags to the config keys they override.
// Flags a sub-command does not define are skipped.
var flagKeys = map[string]string{
	"debug":          "debug",
	"directory":      "recording.directory",
	"filename":       "recording.filename",
	"zipped":         "recording.zipped",
	"comment":        "recording.comment",
	"bias-samples":   "recording.biassamples",
	"flush-interval": "recording.flushinterval",
	"remote":         "remote.enabled",
	"remote-control": "remote.remotecontrol",
	"transport":      "remote.transport",
	"metrics":        "telemetry.metrics.enabled",
	"listen":         "telemetry.metrics.listen",
}

// RootCommand creates and returns the root command. Sub-commands receive
// settings that are filled in before they run.
func RootCommand(build *buildinfo.Context) *cobra.Command {
	settings := &conf.Settings{}
	var configFile string
	var central *logger.CentralLogger

	rootCmd := &cobra.Command{
		Use:           "forcedaq",
		Short:         "Force/torque sensor data acquisition",
		Version:       build.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug output")

	rootCmd.AddCommand(
		record.Command(settings),
		bias.Command(settings),
		config.Command(settings),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		opts := make([]conf.LoadOption, 0, len(flagKeys))
		for flag, key := range flagKeys {
			opts = append(opts, conf.WithFlag(key, cmd.Flags().Lookup(flag)))
		}

		loaded, err := conf.Load(configFile, opts...)
		if err != nil {
			return err
		}
		*settings = *loaded

		central, err = initLogging(settings)
		if err != nil {
			return err
		}
		return initTelemetry(settings, build)
	}

	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		if settings.Telemetry.Sentry.Enabled {
			errors.FlushSentry(sentryFlushTimeout)
		}
		if central != nil {
			return central.Close()
		}
		return nil
	}

	return rootCmd
}

// initLogging installs the central logger built from the logging settings.
func initLogging(settings *conf.Settings) (*logger.CentralLogger, error) {
	if settings.Debug {
		settings.Logging.DefaultLevel = string(logger.LogLevelDebug)
		if settings.Logging.Console != nil {
			settings.Logging.Console.Level = string(logger.LogLevelDebug)
		}
	}

	central, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return nil, errors.New(err).
			Component("cmd").
			Category(errors.CategoryConfiguration).
			Context("operation", "init logging").
			Build()
	}
	logger.SetGlobal(central)
	return central, nil
}

func initTelemetry(settings *conf.Settings, build *buildinfo.Context) error {
	if !settings.Telemetry.Sentry.Enabled {
		return nil
	}
	if err := errors.InitSentry(settings.Telemetry.Sentry.DSN, build.Release()); err != nil {
		return err
	}
	logger.Global().Module("cmd").Info("error telemetry enabled")
	return nil
}
