// Package bias implements the bias command, which prints the bias offset
// of every configured sensor.
package bias

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forcedaq/forcedaq/internal/conf"
	"github.com/forcedaq/forcedaq/internal/errors"
	"github.com/forcedaq/forcedaq/internal/logger"
	"github.com/forcedaq/forcedaq/internal/recorder"
	"github.com/forcedaq/forcedaq/internal/session"
)

// Command creates the bias command.
func Command(settings *conf.Settings) *cobra.Command {
	var streamInput string

	cmd := &cobra.Command{
		Use:   "bias",
		Short: "Determine and print sensor bias offsets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var input io.Reader
			if streamInput == "-" {
				input = cmd.InOrStdin()
			} else if streamInput != "" {
				f, err := os.Open(streamInput)
				if err != nil {
					return errors.New(err).
						Component("cmd").
						Category(errors.CategoryFileIO).
						Context("path", streamInput).
						Build()
				}
				defer f.Close()
				input = f
			}
			return Run(cmd.Context(), cmd.OutOrStdout(), settings, input)
		},
	}

	cmd.Flags().Int("bias-samples", recorder.DefaultBiasSamples, "Readings averaged for each sensor bias")
	cmd.Flags().StringVar(&streamInput, "stream-input", "", "File of raw frames for stream sensors, - for stdin")
	return cmd
}

// Run determines the offsets and writes one line per sensor to w.
func Run(ctx context.Context, w io.Writer, settings *conf.Settings, input io.Reader) error {
	if ctx == nil {
		ctx = context.Background()
	}
	offsets, err := session.Bias(ctx, settings, settings.Recording.BiasSamples, session.Options{
		StreamInput: input,
		Logger:      logger.Global().Module("session"),
	})
	if err != nil {
		return err
	}

	for _, off := range offsets {
		values := make([]string, len(off.Counts))
		for i, v := range off.Counts {
			values[i] = strconv.FormatFloat(v, 'f', 6, 64)
		}
		if _, err := fmt.Fprintf(w, "%d: %s\n", off.DeviceID, strings.Join(values, ", ")); err != nil {
			return err
		}
	}
	return nil
}
