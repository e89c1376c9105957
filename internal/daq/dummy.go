package daq

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DummyDriver synthesizes readings for running without acquisition
// hardware: a constant per-channel level plus uniform noise, paced at a
// fixed sample rate.
type DummyDriver struct {
	clock  clock.Clock
	ticker *clock.Ticker
	rng    *rand.Rand
	level  Counts
	noise  float64

	closed    chan struct{}
	closeOnce sync.Once
}

// DummyOption configures a DummyDriver
type DummyOption func(*DummyDriver)

// WithDummyLevel sets the constant level each channel oscillates around.
func WithDummyLevel(level Counts) DummyOption {
	return func(d *DummyDriver) { d.level = level }
}

// WithDummyNoise sets the peak amplitude of the uniform noise.
func WithDummyNoise(amplitude float64) DummyOption {
	return func(d *DummyDriver) { d.noise = amplitude }
}

// WithDummySeed makes the noise sequence reproducible.
func WithDummySeed(seed uint64) DummyOption {
	return func(d *DummyDriver) { d.rng = rand.New(rand.NewPCG(seed, seed)) }
}

// NewDummyDriver returns a driver producing sampleRate readings per second
// on c. A sampleRate of zero or less means unpaced.
func NewDummyDriver(c clock.Clock, sampleRate int, opts ...DummyOption) *DummyDriver {
	d := &DummyDriver{
		clock:  c,
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		noise:  0.05,
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if sampleRate > 0 {
		d.ticker = c.Ticker(time.Second / time.Duration(sampleRate))
	}
	return d
}

// Read implements Driver.
func (d *DummyDriver) Read(ctx context.Context) (Counts, error) {
	if d.ticker != nil {
		select {
		case <-ctx.Done():
			return Counts{}, ctx.Err()
		case <-d.closed:
			return Counts{}, driverClosedError("dummy")
		case <-d.ticker.C:
		}
	} else {
		select {
		case <-ctx.Done():
			return Counts{}, ctx.Err()
		case <-d.closed:
			return Counts{}, driverClosedError("dummy")
		default:
		}
	}

	var c Counts
	for i := range c {
		c[i] = d.level[i] + (d.rng.Float64()*2-1)*d.noise
	}
	return c, nil
}

// Close implements Driver.
func (d *DummyDriver) Close() error {
	d.closeOnce.Do(func() {
		if d.ticker != nil {
			d.ticker.Stop()
		}
		close(d.closed)
	})
	return nil
}
