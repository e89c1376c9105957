package daq

import (
	"context"
	"encoding/binary"
	"math"
	"sync"

	"github.com/smallnest/ringbuffer"

	"github.com/forcedaq/forcedaq/internal/errors"
)

// FrameSize is the encoded size of one raw reading: six little-endian float64.
const FrameSize = NumChannels * 8

// ErrStreamFull is returned by Inject when the frame buffer has no room.
var ErrStreamFull = errors.NewStd("stream buffer full")

// StreamDriver decodes raw frames pushed into a ring buffer. It backs
// integrations that produce readings elsewhere and the acquisition tests.
type StreamDriver struct {
	mu    sync.Mutex
	rb    *ringbuffer.RingBuffer
	frame [FrameSize]byte

	ready     chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// NewStreamDriver returns a driver buffering up to capacity frames.
func NewStreamDriver(capacity int) *StreamDriver {
	if capacity <= 0 {
		capacity = 1
	}
	return &StreamDriver{
		rb:     ringbuffer.New(capacity * FrameSize),
		ready:  make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Inject queues one raw reading.
func (d *StreamDriver) Inject(c Counts) error {
	var buf [FrameSize]byte
	for i, v := range c {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	_, err := d.Write(buf[:])
	return err
}

// Write queues whole encoded frames. A partial trailing frame is rejected
// so the stream never loses alignment.
func (d *StreamDriver) Write(p []byte) (int, error) {
	select {
	case <-d.closed:
		return 0, driverClosedError("stream")
	default:
	}

	if len(p)%FrameSize != 0 {
		return 0, errors.Newf("frame data of %d bytes is not a multiple of %d", len(p), FrameSize).
			Component("daq").
			Category(errors.CategoryValidation).
			Build()
	}

	d.mu.Lock()
	if d.rb.Free() < len(p) {
		d.mu.Unlock()
		return 0, errors.New(ErrStreamFull).
			Component("daq").
			Category(errors.CategorySensorIO).
			Context("free_bytes", d.rb.Free()).
			Build()
	}
	n, err := d.rb.Write(p)
	d.mu.Unlock()

	if n > 0 {
		select {
		case d.ready <- struct{}{}:
		default:
		}
	}
	if errors.Is(err, ringbuffer.ErrIsFull) {
		err = errors.New(ErrStreamFull).Component("daq").Category(errors.CategorySensorIO).Build()
	}
	return n, err
}

// Buffered returns the number of complete frames waiting to be read.
func (d *StreamDriver) Buffered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rb.Length() / FrameSize
}

// Read implements Driver. Frames already queued are delivered before the
// driver reports closed.
func (d *StreamDriver) Read(ctx context.Context) (Counts, error) {
	for {
		if c, ok := d.next(); ok {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return Counts{}, ctx.Err()
		case <-d.closed:
			if c, ok := d.next(); ok {
				return c, nil
			}
			return Counts{}, driverClosedError("stream")
		case <-d.ready:
		}
	}
}

func (d *StreamDriver) next() (Counts, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.rb.Length() < FrameSize {
		return Counts{}, false
	}
	if _, err := d.rb.Read(d.frame[:]); err != nil {
		return Counts{}, false
	}

	var c Counts
	for i := range c {
		c[i] = math.Float64frombits(binary.LittleEndian.Uint64(d.frame[i*8:]))
	}
	return c, true
}

// Close implements Driver.
func (d *StreamDriver) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}
