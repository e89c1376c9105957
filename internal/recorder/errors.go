package recorder

import "github.com/forcedaq/forcedaq/internal/errors"

var (
	// ErrBiasNotReady is returned by StartRecording while any sensor lacks a bias.
	ErrBiasNotReady = errors.NewStd("sensors can't be started before bias has been determined")

	// ErrDuplicateDevice is returned by New when two sensors share a device id.
	ErrDuplicateDevice = errors.NewStd("duplicate sensor device id")

	// ErrForeignTimer is returned by New when a sensor uses a different timer.
	ErrForeignTimer = errors.NewStd("sensor timer differs from recorder timer")

	// ErrClosed is returned by operations after Quit.
	ErrClosed = errors.NewStd("recorder is closed")

	// ErrDataFileClosed is returned when writing to a closed data file.
	ErrDataFileClosed = errors.NewStd("data file is closed")
)

func configError(err error, deviceID int) error {
	return errors.New(err).
		Component("recorder").
		Category(errors.CategoryConfiguration).
		Context("device_id", deviceID).
		Build()
}

func closedError(op string) error {
	return errors.New(ErrClosed).
		Component("recorder").
		Category(errors.CategoryState).
		Context("operation", op).
		Build()
}
