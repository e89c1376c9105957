package daq

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forcedaq/forcedaq/internal/errors"
	"github.com/forcedaq/forcedaq/internal/logger"
	"github.com/forcedaq/forcedaq/internal/timer"
)

const waitTimeout = 2 * time.Second

func testLogger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
}

func newStreamSensor(t *testing.T, id int, tm *timer.Timer) (*Sensor, *StreamDriver) {
	t.Helper()

	drv := NewStreamDriver(2048)
	s, err := NewSensor(SensorSettings{
		DeviceID: id,
		Timer:    tm,
		Driver:   drv,
	}, WithLogger(testLogger()), WithRetryDelay(time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })
	return s, drv
}

// biasWith runs DetermineBias and feeds it n copies of level once the
// sensor is collecting.
func biasWith(t *testing.T, s *Sensor, drv *StreamDriver, n int, level Counts) {
	t.Helper()

	errCh := make(chan error, 1)
	go func() { errCh <- s.DetermineBias(context.Background(), n) }()

	require.Eventually(t, func() bool { return s.State() == StateBiasing }, waitTimeout, time.Millisecond)
	for range n {
		require.NoError(t, drv.Inject(level))
	}

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("bias determination did not finish")
	}
}

func waitForSamples(t *testing.T, s *Sensor, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool { return s.SampleCount() >= n }, waitTimeout, time.Millisecond)
}

func TestNewSensorRequiresDriver(t *testing.T) {
	t.Parallel()

	_, err := NewSensor(SensorSettings{DeviceID: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSettings)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestSensorLifecycle(t *testing.T) {
	t.Parallel()

	drv := NewStreamDriver(16)
	s, err := NewSensor(SensorSettings{DeviceID: 3, Driver: drv}, WithLogger(testLogger()))
	require.NoError(t, err)
	assert.Equal(t, StateUninitialized, s.State())
	assert.Equal(t, 3, s.DeviceID())

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateIdle, s.State())
	assert.ErrorIs(t, s.Start(context.Background()), ErrSensorNotRunning)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.Equal(t, StateStopped, s.State())

	assert.ErrorIs(t, s.DetermineBias(context.Background(), 10), ErrSensorNotRunning)
	assert.ErrorIs(t, s.StartPolling(), ErrSensorNotRunning)
}

func TestSensorStopBeforeStart(t *testing.T) {
	t.Parallel()

	drv := NewStreamDriver(1)
	s, err := NewSensor(SensorSettings{DeviceID: 1, Driver: drv}, WithLogger(testLogger()))
	require.NoError(t, err)
	require.NoError(t, s.Stop())

	assert.ErrorIs(t, drv.Inject(Counts{}), ErrDriverClosed)
}

func TestDetermineBiasRejectsNonPositiveCount(t *testing.T) {
	t.Parallel()

	s, _ := newStreamSensor(t, 1, timer.New())
	err := s.DetermineBias(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestBiasIsSubtractedBeforeCalibration(t *testing.T) {
	t.Parallel()

	s, drv := newStreamSensor(t, 1, timer.New())
	biasWith(t, s, drv, 10, Counts{1, 1, 1, 1, 1, 1})

	assert.True(t, s.BiasGate().IsSet())
	assert.True(t, s.IsBiased())
	assert.Equal(t, Counts{1, 1, 1, 1, 1, 1}, s.Offset())

	require.NoError(t, drv.Inject(Counts{3, 1, 0, 1, 1, 1}))
	waitForSamples(t, s, 1)

	buf := s.PausePollingGetBuffer()
	require.Len(t, buf, 1)
	assert.InDelta(t, 2.0, buf[0].Fx, 1e-9)
	assert.InDelta(t, 0.0, buf[0].Fy, 1e-9)
	assert.InDelta(t, -1.0, buf[0].Fz, 1e-9)
}

func TestBiasClearsBuffer(t *testing.T) {
	t.Parallel()

	s, drv := newStreamSensor(t, 1, timer.New())

	for range 3 {
		require.NoError(t, drv.Inject(Counts{9}))
	}
	waitForSamples(t, s, 3)

	biasWith(t, s, drv, 5, Counts{})

	assert.Empty(t, s.PausePollingGetBuffer(), "bias determination discards pre-bias samples")
	assert.Equal(t, uint64(3), s.SampleCount(), "bias readings are not counted as samples")
}

func TestSensorBuffersWhileIdle(t *testing.T) {
	t.Parallel()

	s, drv := newStreamSensor(t, 2, timer.New())
	biasWith(t, s, drv, 1, Counts{})
	assert.False(t, s.IsRecording())

	for range 4 {
		require.NoError(t, drv.Inject(Counts{}))
	}
	waitForSamples(t, s, 4)

	assert.Len(t, s.PausePollingGetBuffer(), 4)
}

func TestPollingTagAndBufferSwap(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	tm := timer.NewWithClock(mock)
	tm.Start()

	s, drv := newStreamSensor(t, 7, tm)
	biasWith(t, s, drv, 1, Counts{})

	require.NoError(t, s.StartPolling())
	assert.True(t, s.IsRecording())
	assert.Equal(t, StatePolling, s.State())

	mock.Add(5 * time.Millisecond)
	require.NoError(t, drv.Inject(Counts{1}))
	waitForSamples(t, s, 1)
	mock.Add(5 * time.Millisecond)
	require.NoError(t, drv.Inject(Counts{2}))
	waitForSamples(t, s, 2)

	first := s.PausePollingGetBuffer()
	assert.False(t, s.IsRecording())
	assert.Equal(t, StateIdle, s.State())
	require.Len(t, first, 2)
	assert.Equal(t, int64(5), first[0].Time)
	assert.Equal(t, int64(10), first[1].Time)
	for _, sample := range first {
		assert.Equal(t, 7, sample.DeviceID)
	}

	assert.Empty(t, s.PausePollingGetBuffer(), "a drained buffer is never returned twice")

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.InDelta(t, 2.0, latest.Fx, 0)
}

func TestNoSampleLossAcrossSwaps(t *testing.T) {
	t.Parallel()

	s, drv := newStreamSensor(t, 1, timer.New())
	biasWith(t, s, drv, 1, Counts{})
	require.NoError(t, s.StartPolling())

	const total = 500
	var wg sync.WaitGroup
	wg.Go(func() {
		for i := range total {
			for drv.Inject(Counts{float64(i)}) != nil {
				time.Sleep(time.Microsecond)
			}
		}
	})

	var drained []ForceSample
	deadline := time.After(waitTimeout)
	for len(drained) < total {
		drained = append(drained, s.PausePollingGetBuffer()...)
		require.NoError(t, s.StartPolling())
		select {
		case <-deadline:
			t.Fatalf("drained %d of %d samples", len(drained), total)
		default:
		}
	}
	wg.Wait()

	require.Len(t, drained, total)
	for i, sample := range drained {
		assert.InDelta(t, float64(i), sample.Fx, 0, "sample %d out of order or duplicated", i)
	}
	assert.Equal(t, uint64(total), s.SampleCount())
}

// scriptedDriver returns queued results and blocks when none are queued.
type scriptedDriver struct {
	results   chan scriptedRead
	closed    chan struct{}
	closeOnce sync.Once
}

type scriptedRead struct {
	counts Counts
	err    error
}

func newScriptedDriver() *scriptedDriver {
	return &scriptedDriver{results: make(chan scriptedRead, 16), closed: make(chan struct{})}
}

func (d *scriptedDriver) Read(ctx context.Context) (Counts, error) {
	select {
	case <-ctx.Done():
		return Counts{}, ctx.Err()
	case <-d.closed:
		return Counts{}, driverClosedError("scripted")
	case r := <-d.results:
		return r.counts, r.err
	}
}

func (d *scriptedDriver) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}

func TestBiasFailsOnDriverError(t *testing.T) {
	t.Parallel()

	drv := newScriptedDriver()
	s, err := NewSensor(SensorSettings{DeviceID: 4, Driver: drv},
		WithLogger(testLogger()), WithRetryDelay(time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- s.DetermineBias(context.Background(), 3) }()
	require.Eventually(t, func() bool { return s.State() == StateBiasing }, waitTimeout, time.Millisecond)

	drv.results <- scriptedRead{counts: Counts{1}}
	drv.results <- scriptedRead{err: io.ErrUnexpectedEOF}

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrBiasFailed)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
		assert.True(t, errors.IsCategory(err, errors.CategorySensorIO))
	case <-time.After(waitTimeout):
		t.Fatal("bias did not fail")
	}

	assert.False(t, s.BiasGate().IsSet())
	assert.False(t, s.IsBiased())
	assert.Equal(t, StateIdle, s.State())

	// the sensor keeps sampling after a transient failure
	drv.results <- scriptedRead{counts: Counts{2}}
	waitForSamples(t, s, 1)
}

func TestBiasInProgressConflict(t *testing.T) {
	t.Parallel()

	s, _ := newStreamSensor(t, 1, timer.New())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.DetermineBias(ctx, 10) }()
	require.Eventually(t, func() bool { return s.State() == StateBiasing }, waitTimeout, time.Millisecond)

	assert.ErrorIs(t, s.DetermineBias(context.Background(), 10), ErrBiasInProgress)
	assert.ErrorIs(t, s.StartPolling(), ErrBiasInProgress)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitTimeout):
		t.Fatal("cancelled bias did not return")
	}
	assert.False(t, s.BiasGate().IsSet())
	assert.Equal(t, StateIdle, s.State())
}

func TestStopAbortsBias(t *testing.T) {
	t.Parallel()

	s, _ := newStreamSensor(t, 1, timer.New())

	errCh := make(chan error, 1)
	go func() { errCh <- s.DetermineBias(context.Background(), 10) }()
	require.Eventually(t, func() bool { return s.State() == StateBiasing }, waitTimeout, time.Millisecond)

	require.NoError(t, s.Stop())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSensorNotRunning)
	case <-time.After(waitTimeout):
		t.Fatal("bias did not return after Stop")
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "polling", StatePolling.String())
	assert.Equal(t, "state(42)", State(42).String())
}
