package daq

import (
	"context"

	"github.com/forcedaq/forcedaq/internal/errors"
)

// Driver delivers raw analog readings from one sensor.
//
// Read is called from a single goroutine and blocks until the next reading
// is available, ctx is done, or the driver is closed. Close must unblock a
// pending Read and be safe to call more than once.
type Driver interface {
	Read(ctx context.Context) (Counts, error)
	Close() error
}

// ErrDriverClosed is returned by Read once the driver has been closed.
var ErrDriverClosed = errors.NewStd("driver closed")

func driverClosedError(driver string) error {
	return errors.New(ErrDriverClosed).
		Component("daq").
		Category(errors.CategorySensorIO).
		Context("driver", driver).
		Build()
}
