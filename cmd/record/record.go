// Package record implements the record command: a full acquisition
// session from configuration.
package record

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/forcedaq/forcedaq/internal/conf"
	"github.com/forcedaq/forcedaq/internal/errors"
	"github.com/forcedaq/forcedaq/internal/logger"
	"github.com/forcedaq/forcedaq/internal/observability"
	"github.com/forcedaq/forcedaq/internal/recorder"
	"github.com/forcedaq/forcedaq/internal/session"
)

type options struct {
	duration    time.Duration
	streamInput string
}

// Command creates the record command.
func Command(settings *conf.Settings) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record force data to a file",
		Long: "Determine sensor biases, then record every sensor and the remote command " +
			"channel into one data file until interrupted, the duration elapses or a quit command arrives.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return Run(cmd.Context(), settings, opts.duration, opts.streamInput)
		},
	}

	setupFlags(cmd, opts)
	return cmd
}

// setupFlags defines the record flags. Flags with a config key are bound
// to it by the root command.
func setupFlags(cmd *cobra.Command, opts *options) {
	cmd.Flags().StringP("filename", "f", "", "Base name of the data file")
	cmd.Flags().String("directory", "", "Directory for data files")
	cmd.Flags().BoolP("zipped", "z", false, "Write gzip-compressed data")
	cmd.Flags().String("comment", "", "Comment written as the first line of the data file")
	cmd.Flags().Int("bias-samples", recorder.DefaultBiasSamples, "Readings averaged for each sensor bias")
	cmd.Flags().Duration("flush-interval", 0, "Write buffered data at this interval (0 disables)")
	cmd.Flags().Bool("remote", false, "Enable the remote command channel")
	cmd.Flags().Bool("remote-control", false, "Execute commands received on the remote channel")
	cmd.Flags().String("transport", conf.TransportUDP, "Remote transport (udp or mqtt)")
	cmd.Flags().Bool("metrics", false, "Serve Prometheus metrics")
	cmd.Flags().String("listen", "", "Listen address of the metrics endpoint")

	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "Stop after this long (0 records until interrupted)")
	cmd.Flags().StringVar(&opts.streamInput, "stream-input", "", "File of raw frames for stream sensors, - for stdin")
}

// Run executes one recording session.
func Run(ctx context.Context, settings *conf.Settings, duration time.Duration, streamInput string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := logger.Global().Module("cmd").Module("record")

	input, closeInput, err := openStreamInput(streamInput)
	if err != nil {
		return err
	}
	defer closeInput()

	opts := session.Options{
		Duration:    duration,
		StreamInput: input,
		Logger:      logger.Global().Module("session"),
	}

	if settings.Telemetry.Metrics.Enabled {
		m, err := observability.NewMetrics()
		if err != nil {
			return err
		}
		endpoint, err := observability.NewEndpoint(&settings.Telemetry.Metrics, m)
		if err != nil {
			return err
		}

		var wg sync.WaitGroup
		quit := make(chan struct{})
		if err := endpoint.Start(&wg, quit); err != nil {
			return err
		}
		defer func() {
			close(quit)
			wg.Wait()
		}()
		opts.Metrics = m.DAQ
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess, err := session.New(ctx, settings, opts)
	if err != nil {
		return err
	}

	guard := recorder.NewExitGuard(sess.Recorder(),
		recorder.WithCancel(cancel),
		recorder.WithGuardLogger(log),
	)
	guard.Start()
	defer guard.Stop()

	log.Info("recording session starting",
		logger.String("session_id", sess.Recorder().SessionID()),
		logger.Int("sensors", len(settings.Sensors)),
		logger.Bool("remote", settings.Remote.Enabled),
		logger.Duration("duration", duration))

	return sess.Run(ctx)
}

// openStreamInput opens the raw frame source named on the command line.
func openStreamInput(name string) (io.Reader, func(), error) {
	switch name {
	case "":
		return nil, func() {}, nil
	case "-":
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, nil, errors.New(err).
			Component("cmd").
			Category(errors.CategoryFileIO).
			Context("path", name).
			Build()
	}
	return f, func() { _ = f.Close() }, nil
}
