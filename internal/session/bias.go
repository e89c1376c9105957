package session

import (
	"context"

	"github.com/forcedaq/forcedaq/internal/conf"
	"github.com/forcedaq/forcedaq/internal/daq"
	"github.com/forcedaq/forcedaq/internal/errors"
	"github.com/forcedaq/forcedaq/internal/recorder"
)

// Offset is the bias determined for one sensor.
type Offset struct {
	DeviceID int
	Counts   daq.Counts
}

// DetermineOffsets determines the bias of every sensor from n readings
// and returns the offsets in configuration order. Recording is left paused.
func (s *Session) DetermineOffsets(ctx context.Context, n int) ([]Offset, error) {
	if n <= 0 {
		n = recorder.DefaultBiasSamples
	}
	if err := s.rec.DetermineBiases(ctx, n); err != nil {
		return nil, err
	}

	offsets := make([]Offset, 0, len(s.rec.Sensors()))
	for _, sensor := range s.rec.Sensors() {
		offsets = append(offsets, Offset{DeviceID: sensor.DeviceID(), Counts: sensor.Offset()})
	}
	return offsets, nil
}

// Bias builds the configured sensors without a command channel,
// determines their offsets from n readings each and shuts them down.
func Bias(ctx context.Context, settings *conf.Settings, n int, opts Options) ([]Offset, error) {
	if settings == nil {
		return nil, errors.Newf("bias requires settings").
			Component("session").
			Category(errors.CategoryValidation).
			Build()
	}
	local := *settings
	local.Remote.Enabled = false

	s, err := New(ctx, &local, opts)
	if err != nil {
		return nil, err
	}
	s.startInput(ctx)

	offsets, biasErr := s.DetermineOffsets(ctx, n)
	_, quitErr := s.rec.Quit()
	if err := errors.Join(biasErr, quitErr); err != nil {
		return nil, err
	}
	return offsets, nil
}
