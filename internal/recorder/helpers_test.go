package recorder

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/forcedaq/forcedaq/internal/daq"
	"github.com/forcedaq/forcedaq/internal/logger"
	"github.com/forcedaq/forcedaq/internal/testutil"
	"github.com/forcedaq/forcedaq/internal/timer"
)

const waitTimeout = 2 * time.Second

func testLogger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
}

// fakeChannel is an in-memory CommandChannel.
type fakeChannel struct {
	mu       sync.Mutex
	received []daq.CommandEvent
	sent     []string
	startErr error
	started  bool
	stopped  int
}

func (f *fakeChannel) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return f.startErr
}

func (f *fakeChannel) DrainReceived() []daq.CommandEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.received
	f.received = nil
	return out
}

func (f *fakeChannel) Send(payload string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
}

func (f *fakeChannel) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func (f *fakeChannel) push(t int64, raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, daq.CommandEvent{Time: t, Raw: raw})
}

func (f *fakeChannel) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// rig is a recorder over stream-driven sensors.
type rig struct {
	rec     *Recorder
	timer   *timer.Timer
	drivers map[int]*daq.StreamDriver
	channel *fakeChannel
}

func newRig(t *testing.T, ids ...int) *rig {
	t.Helper()
	return newRigWith(t, nil, ids...)
}

// newRigWith is newRig with extra recorder options.
func newRigWith(t *testing.T, opts []Option, ids ...int) *rig {
	t.Helper()

	r := &rig{
		timer:   timer.New(),
		drivers: make(map[int]*daq.StreamDriver, len(ids)),
		channel: &fakeChannel{},
	}
	settings := Settings{Timer: r.timer, Channel: r.channel}
	for _, id := range ids {
		drv := daq.NewStreamDriver(8192)
		r.drivers[id] = drv
		settings.Sensors = append(settings.Sensors, daq.SensorSettings{DeviceID: id, Driver: drv})
	}

	opts = append([]Option{
		WithLogger(testLogger()),
		WithBiasSamples(10),
		WithSensorOptions(daq.WithRetryDelay(time.Millisecond)),
	}, opts...)
	rec, err := New(context.Background(), settings, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = rec.Quit() })
	r.rec = rec
	return r
}

// bias runs DetermineBiases and feeds every sensor n copies of level.
func (r *rig) bias(t *testing.T, n int, level daq.Counts) {
	t.Helper()

	errCh := make(chan error, 1)
	go func() { errCh <- r.rec.DetermineBiases(context.Background(), n) }()

	require.Eventually(t, func() bool {
		for _, s := range r.rec.Sensors() {
			if s.State() != daq.StateBiasing {
				return false
			}
		}
		return true
	}, waitTimeout, time.Millisecond)

	for _, drv := range r.drivers {
		for range n {
			require.NoError(t, drv.Inject(level))
		}
	}

	require.NoError(t, testutil.Receive(t, errCh, waitTimeout, "bias determination did not finish"))
}

func (r *rig) sensor(t *testing.T, id int) *daq.Sensor {
	t.Helper()
	for _, s := range r.rec.Sensors() {
		if s.DeviceID() == id {
			return s
		}
	}
	t.Fatalf("no sensor %d", id)
	return nil
}

// inject feeds n readings with Fx = first, first+1, … to sensor id and
// waits until they are sampled.
func (r *rig) inject(t *testing.T, id, n int, first float64) {
	t.Helper()
	s := r.sensor(t, id)
	before := s.SampleCount()
	for i := range n {
		require.NoError(t, r.drivers[id].Inject(daq.Counts{first + float64(i)}))
	}
	require.Eventually(t, func() bool {
		return s.SampleCount() >= before+uint64(n)
	}, waitTimeout, time.Millisecond)
}

func forceSamples(events []daq.Event) []daq.ForceSample {
	var out []daq.ForceSample
	for _, ev := range events {
		if s, ok := ev.(daq.ForceSample); ok {
			out = append(out, s)
		}
	}
	return out
}

// readLines returns the lines of a plain or gzip data file.
func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var rd io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		require.NoError(t, err)
		defer gz.Close()
		rd = gz
	}
	data, err := io.ReadAll(rd)
	require.NoError(t, err)

	text := strings.TrimSuffix(string(data), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}
