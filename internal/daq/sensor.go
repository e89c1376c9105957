package daq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forcedaq/forcedaq/internal/errors"
	"github.com/forcedaq/forcedaq/internal/logger"
	"github.com/forcedaq/forcedaq/internal/observability/metrics"
	"github.com/forcedaq/forcedaq/internal/timer"
)

// State is the lifecycle state of a Sensor.
type State int32

const (
	StateUninitialized State = iota
	StateBiasing
	StateIdle
	StatePolling
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateBiasing:
		return "biasing"
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// DefaultRetryDelay is how long the sampling loop waits after a driver error.
const DefaultRetryDelay = 100 * time.Millisecond

// SensorSettings is the immutable input for constructing a Sensor.
type SensorSettings struct {
	DeviceID    int
	Calibration Calibration
	Timer       *timer.Timer
	Driver      Driver
}

// SensorOption configures a Sensor
type SensorOption func(*Sensor)

// WithLogger sets the sensor's logger.
func WithLogger(log logger.Logger) SensorOption {
	return func(s *Sensor) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics attaches acquisition metrics.
func WithMetrics(m *metrics.DAQMetrics) SensorOption {
	return func(s *Sensor) { s.metrics = m }
}

// WithRetryDelay sets the pause after a failed driver read.
func WithRetryDelay(d time.Duration) SensorOption {
	return func(s *Sensor) {
		if d > 0 {
			s.retryDelay = d
		}
	}
}

// Sensor owns one driver and samples it on its own goroutine. Samples are
// buffered whether or not the sensor is tagged as recording; the recorder
// collects them with PausePollingGetBuffer.
type Sensor struct {
	id          int
	driver      Driver
	calibration Calibration
	timer       *timer.Timer
	log         logger.Logger
	metrics     *metrics.DAQMetrics
	retryDelay  time.Duration

	// mu guards the fields below; the sampling goroutine appends under it
	mu      sync.Mutex
	state   State
	buffer  []ForceSample
	offset  Counts
	biased  bool
	job     *biasJob
	failing bool

	recording atomic.Bool
	sampleCnt atomic.Uint64
	latest    atomic.Pointer[ForceSample]
	biasGate  *Gate

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// NewSensor validates settings and returns an unstarted Sensor.
func NewSensor(settings SensorSettings, opts ...SensorOption) (*Sensor, error) {
	if settings.Driver == nil {
		return nil, errors.New(ErrInvalidSettings).
			Component("daq").
			Category(errors.CategoryConfiguration).
			Context("device_id", settings.DeviceID).
			Context("reason", "nil driver").
			Build()
	}

	s := &Sensor{
		id:          settings.DeviceID,
		driver:      settings.Driver,
		calibration: settings.Calibration,
		timer:       settings.Timer,
		retryDelay:  DefaultRetryDelay,
		biasGate:    NewGate(),
		done:        make(chan struct{}),
	}
	if s.calibration == nil {
		s.calibration = IdentityCalibration{}
	}
	if s.timer == nil {
		s.timer = timer.Default()
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Global().Module("daq").Module("sensor")
	}
	s.log = s.log.With(logger.Int("device_id", s.id))

	return s, nil
}

// DeviceID returns the sensor's device id.
func (s *Sensor) DeviceID() int { return s.id }

// Start launches the sampling goroutine. The sensor stops sampling when
// ctx is done or Stop is called.
func (s *Sensor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUninitialized {
		return s.notRunningError("start")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = StateIdle
	go s.run(runCtx)

	s.log.Debug("sensor started")
	return nil
}

func (s *Sensor) run(ctx context.Context) {
	defer close(s.done)

	for {
		raw, err := s.driver.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrDriverClosed) {
				s.failBias(errors.New(ErrSensorNotRunning).
					Component("daq").
					Category(errors.CategoryState).
					Context("device_id", s.id).
					Build())
				return
			}
			s.handleReadError(err)

			retry := time.NewTimer(s.retryDelay)
			select {
			case <-ctx.Done():
				retry.Stop()
				s.failBias(ctx.Err())
				return
			case <-retry.C:
			}
			continue
		}
		s.consume(raw)
	}
}

func (s *Sensor) consume(raw Counts) {
	t := s.timer.Time()

	s.mu.Lock()
	if s.failing {
		s.failing = false
		s.log.Info("driver recovered")
	}
	if job := s.job; job != nil {
		if job.add(raw) {
			s.completeBiasLocked(job)
		}
		s.mu.Unlock()
		return
	}
	sample := ForceSample{
		DeviceID: s.id,
		Time:     t,
		Forces:   s.calibration.Apply(raw.Sub(s.offset)),
	}
	s.buffer = append(s.buffer, sample)
	s.mu.Unlock()

	s.latest.Store(&sample)
	s.sampleCnt.Add(1)
	s.metrics.RecordSample(s.id)
}

func (s *Sensor) handleReadError(err error) {
	s.metrics.RecordDriverError(s.id)

	s.mu.Lock()
	first := !s.failing
	s.failing = true
	s.mu.Unlock()

	if first {
		s.log.Warn("driver read failed, retrying",
			logger.Error(err),
			logger.Duration("retry_delay", s.retryDelay))
	}

	s.failBias(errors.New(fmt.Errorf("%w: %w", ErrBiasFailed, err)).
		Component("daq").
		Category(errors.CategorySensorIO).
		Context("device_id", s.id).
		Build())
}

// completeBiasLocked installs the averaged offset. Caller holds s.mu.
func (s *Sensor) completeBiasLocked(job *biasJob) {
	s.offset = job.mean()
	s.biased = true
	s.job = nil
	s.buffer = nil
	s.state = StateIdle
	s.biasGate.Set()
	job.result <- nil
}

// failBias aborts a running bias determination, if any.
func (s *Sensor) failBias(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := s.job
	if job == nil {
		return
	}
	s.job = nil
	s.biased = false
	if s.state == StateBiasing {
		s.state = StateIdle
	}
	job.result <- err
}

// DetermineBias averages the next n raw readings into the per-channel
// offset and opens the bias gate. Readings used for the bias are not
// buffered, and the sample buffer is cleared on success. On failure the
// gate stays closed and the sensor is left unbiased.
func (s *Sensor) DetermineBias(ctx context.Context, n int) error {
	if n <= 0 {
		return errors.Newf("bias sample count must be positive, got %d", n).
			Component("daq").
			Category(errors.CategoryValidation).
			Build()
	}

	s.mu.Lock()
	switch {
	case s.state == StateUninitialized || s.state == StateStopped:
		err := s.notRunningError("determine bias")
		s.mu.Unlock()
		return err
	case s.job != nil:
		s.mu.Unlock()
		return errors.New(ErrBiasInProgress).
			Component("daq").
			Category(errors.CategoryConflict).
			Context("device_id", s.id).
			Build()
	}
	job := newBiasJob(n)
	s.biasGate.Reset()
	s.job = job
	s.state = StateBiasing
	s.recording.Store(false)
	s.mu.Unlock()

	s.log.Info("determining bias", logger.Int("samples", n))
	start := time.Now()

	var err error
	select {
	case err = <-job.result:
	case <-ctx.Done():
		err = s.abandonBias(job, ctx.Err())
	case <-s.done:
		err = s.abandonBias(job, errors.New(ErrSensorNotRunning).
			Component("daq").
			Category(errors.CategoryState).
			Context("device_id", s.id).
			Build())
	}

	s.metrics.RecordBias(s.id, time.Since(start), err)
	if err != nil {
		s.log.Error("bias determination failed", logger.Error(err))
		return err
	}
	s.log.Info("bias determined",
		logger.Duration("elapsed", time.Since(start)),
		logger.Any("offset", s.Offset()))
	return nil
}

// abandonBias withdraws job unless it already finished, in which case the
// job's own result wins.
func (s *Sensor) abandonBias(job *biasJob, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job != job {
		return <-job.result
	}
	s.job = nil
	s.biased = false
	if s.state == StateBiasing {
		s.state = StateIdle
	}
	return cause
}

// StartPolling tags subsequent samples as recording.
func (s *Sensor) StartPolling() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateIdle, StatePolling:
		s.state = StatePolling
		s.recording.Store(true)
		return nil
	case StateBiasing:
		return errors.New(ErrBiasInProgress).
			Component("daq").
			Category(errors.CategoryConflict).
			Context("device_id", s.id).
			Build()
	default:
		return s.notRunningError("start polling")
	}
}

// PausePollingGetBuffer clears the recording tag and returns every sample
// buffered since the previous call, swapping in a fresh buffer.
func (s *Sensor) PausePollingGetBuffer() []ForceSample {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.buffer
	s.buffer = make([]ForceSample, 0, cap(buf))
	s.recording.Store(false)
	if s.state == StatePolling {
		s.state = StateIdle
	}
	return buf
}

// Stop terminates the sampling goroutine and closes the driver. Safe to
// call more than once and before Start.
func (s *Sensor) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		started := s.cancel != nil
		s.state = StateStopped
		s.recording.Store(false)
		s.mu.Unlock()

		if started {
			s.cancel()
		}
		s.stopErr = s.driver.Close()
		if started {
			<-s.done
		}
		s.log.Debug("sensor stopped", logger.Uint64("samples", s.sampleCnt.Load()))
	})
	return s.stopErr
}

// State returns the current lifecycle state.
func (s *Sensor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsRecording reports whether samples are currently tagged as recording.
func (s *Sensor) IsRecording() bool {
	return s.recording.Load()
}

// SampleCount returns the number of samples produced so far.
func (s *Sensor) SampleCount() uint64 {
	return s.sampleCnt.Load()
}

// Latest returns the most recent sample.
func (s *Sensor) Latest() (ForceSample, bool) {
	p := s.latest.Load()
	if p == nil {
		return ForceSample{}, false
	}
	return *p, true
}

// BiasGate returns the gate opened by a successful bias determination.
func (s *Sensor) BiasGate() *Gate {
	return s.biasGate
}

// Offset returns the current bias offset.
func (s *Sensor) Offset() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// IsBiased reports whether a bias has been determined.
func (s *Sensor) IsBiased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.biased
}

func (s *Sensor) notRunningError(op string) error {
	return errors.New(ErrSensorNotRunning).
		Component("daq").
		Category(errors.CategoryState).
		Context("device_id", s.id).
		Context("operation", op).
		Context("state", s.state.String()).
		Build()
}

type biasJob struct {
	n      int
	count  int
	sum    Counts
	result chan error
}

func newBiasJob(n int) *biasJob {
	return &biasJob{n: n, result: make(chan error, 1)}
}

// add accumulates one reading and reports whether the job is complete.
func (j *biasJob) add(c Counts) bool {
	for i := range c {
		j.sum[i] += c[i]
	}
	j.count++
	return j.count >= j.n
}

func (j *biasJob) mean() Counts {
	var m Counts
	for i := range j.sum {
		m[i] = j.sum[i] / float64(j.count)
	}
	return m
}
