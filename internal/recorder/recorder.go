// Package recorder merges the output of all sensors and the command
// channel into one event stream and writes it to the data file.
package recorder

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forcedaq/forcedaq/internal/daq"
	"github.com/forcedaq/forcedaq/internal/errors"
	"github.com/forcedaq/forcedaq/internal/logger"
	"github.com/forcedaq/forcedaq/internal/observability/metrics"
	"github.com/forcedaq/forcedaq/internal/timer"
)

// DefaultBiasSamples is the number of readings averaged by StartRecording
// when asked to determine biases.
const DefaultBiasSamples = 1000

// State is the recorder's lifecycle state.
type State int

const (
	StateConstructed State = iota
	StatePaused
	StateRecording
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StatePaused:
		return "paused"
	case StateRecording:
		return "recording"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CommandChannel is the recorder's view of the command channel.
type CommandChannel interface {
	Start(ctx context.Context) error
	DrainReceived() []daq.CommandEvent
	Send(payload string)
	Stop() error
}

// Settings describes the workers a Recorder owns.
type Settings struct {
	Sensors []daq.SensorSettings
	// Channel is optional.
	Channel CommandChannel
	// Timer defaults to timer.Default(). Sensors must use the same timer.
	Timer *timer.Timer
}

// Option configures a Recorder
type Option func(*Recorder)

// WithLogger sets the recorder's logger.
func WithLogger(log logger.Logger) Option {
	return func(r *Recorder) {
		if log != nil {
			r.log = log
		}
	}
}

// WithMetrics attaches acquisition metrics, shared with the sensors.
func WithMetrics(m *metrics.DAQMetrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// WithBiasSamples overrides DefaultBiasSamples.
func WithBiasSamples(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.biasSamples = n
		}
	}
}

// WithSensorOptions passes extra options to every sensor.
func WithSensorOptions(opts ...daq.SensorOption) Option {
	return func(r *Recorder) { r.sensorOpts = append(r.sensorOpts, opts...) }
}

// Recorder owns the sensors, the optional command channel and the data
// file. All methods are safe for concurrent use; file writes are
// serialized by an internal mutex.
type Recorder struct {
	sessionID   uuid.UUID
	timer       *timer.Timer
	log         logger.Logger
	metrics     *metrics.DAQMetrics
	biasSamples int
	sensorOpts  []daq.SensorOption

	sensors []*daq.Sensor
	channel CommandChannel

	mu       sync.Mutex
	state    State
	file     *DataFile
	triggers []daq.SoftTrigger
	pending  []daq.ForceSample
	counts   map[int]uint64
}

// New validates settings, then creates and starts every sensor and the
// channel. On error everything already started is stopped.
func New(ctx context.Context, settings Settings, opts ...Option) (*Recorder, error) {
	r := &Recorder{
		sessionID:   uuid.New(),
		timer:       settings.Timer,
		biasSamples: DefaultBiasSamples,
		channel:     settings.Channel,
		counts:      make(map[int]uint64, len(settings.Sensors)),
	}
	if r.timer == nil {
		r.timer = timer.Default()
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logger.Global().Module("recorder")
	}
	r.log = r.log.With(logger.String("session_id", r.sessionID.String()))

	if err := r.validate(settings.Sensors); err != nil {
		return nil, err
	}

	sensorLog := r.log.Module("sensor")
	for _, ss := range settings.Sensors {
		ss.Timer = r.timer
		sensorOpts := append([]daq.SensorOption{
			daq.WithLogger(sensorLog),
			daq.WithMetrics(r.metrics),
		}, r.sensorOpts...)

		s, err := daq.NewSensor(ss, sensorOpts...)
		if err == nil {
			err = s.Start(ctx)
		}
		if err != nil {
			r.stopSensors()
			return nil, configError(err, ss.DeviceID)
		}
		r.sensors = append(r.sensors, s)
		r.counts[ss.DeviceID] = 0
	}

	if r.channel != nil {
		if err := r.channel.Start(ctx); err != nil {
			r.stopSensors()
			return nil, errors.New(err).
				Component("recorder").
				Category(errors.CategoryNetwork).
				Context("operation", "start command channel").
				Build()
		}
	}

	r.log.Info("recorder created",
		logger.Int("sensors", len(r.sensors)),
		logger.Bool("command_channel", r.channel != nil))
	return r, nil
}

func (r *Recorder) validate(sensors []daq.SensorSettings) error {
	seen := make(map[int]bool, len(sensors))
	for _, ss := range sensors {
		if seen[ss.DeviceID] {
			return configError(ErrDuplicateDevice, ss.DeviceID)
		}
		seen[ss.DeviceID] = true

		if ss.Driver == nil {
			return configError(daq.ErrInvalidSettings, ss.DeviceID)
		}
		if ss.Timer != nil && ss.Timer != r.timer {
			return configError(ErrForeignTimer, ss.DeviceID)
		}
	}
	return nil
}

func (r *Recorder) stopSensors() error {
	var errs []error
	for _, s := range r.sensors {
		if err := s.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SessionID identifies this recorder in logs and data file comments.
func (r *Recorder) SessionID() string { return r.sessionID.String() }

// Timer returns the shared timer.
func (r *Recorder) Timer() *timer.Timer { return r.timer }

// Sensors returns the sensors in construction order.
func (r *Recorder) Sensors() []*daq.Sensor {
	return append([]*daq.Sensor(nil), r.sensors...)
}

// State returns the current lifecycle state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// IsRecording reports whether sensors are tagged as recording.
func (r *Recorder) IsRecording() bool {
	return r.State() == StateRecording
}

// SampleCounts returns the number of samples drained per device id.
func (r *Recorder) SampleCounts() map[int]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.counts)
}

// StartRecording tags every sensor as recording. With determineBias it
// first runs DetermineBiases with the configured sample count.
func (r *Recorder) StartRecording(ctx context.Context, determineBias bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateClosed {
		return closedError("start recording")
	}
	if determineBias {
		if err := r.determineBiasesLocked(ctx, r.biasSamples); err != nil {
			return err
		}
	}

	for _, s := range r.sensors {
		if !s.BiasGate().IsSet() {
			return errors.New(ErrBiasNotReady).
				Component("recorder").
				Category(errors.CategoryState).
				Context("device_id", s.DeviceID()).
				Build()
		}
	}
	for _, s := range r.sensors {
		if err := s.StartPolling(); err != nil {
			// Untag the ones already started so state stays consistent.
			for _, started := range r.sensors {
				if started == s {
					break
				}
				r.holdBack(started.PausePollingGetBuffer())
			}
			return err
		}
	}

	r.state = StateRecording
	r.metrics.SetRecording(true)
	r.log.Debug("recording started")
	return nil
}

// holdBack keeps samples swapped out while rolling back a failed start.
// The next drain emits them ahead of the sensor buffers.
func (r *Recorder) holdBack(samples []daq.ForceSample) {
	r.pending = append(r.pending, samples...)
}

// PauseRecording untags the sensors and drains all buffers, the command
// queue and pending soft triggers. The merged events are written to the
// open data file (if any) and returned.
func (r *Recorder) PauseRecording() ([]daq.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateClosed {
		return nil, closedError("pause recording")
	}
	return r.pauseLocked()
}

func (r *Recorder) pauseLocked() ([]daq.Event, error) {
	var events []daq.Event

	for _, sample := range r.pending {
		events = append(events, sample)
	}
	r.pending = nil
	for _, s := range r.sensors {
		for _, sample := range s.PausePollingGetBuffer() {
			events = append(events, sample)
		}
	}
	events = append(events, r.drainCommandsLocked()...)
	for _, trig := range r.triggers {
		events = append(events, trig)
	}
	r.triggers = nil

	r.state = StatePaused
	r.metrics.SetRecording(false)

	return events, r.writeLocked(events)
}

func (r *Recorder) drainCommandsLocked() []daq.Event {
	if r.channel == nil {
		return nil
	}
	cmds := r.channel.DrainReceived()
	events := make([]daq.Event, 0, len(cmds))
	for _, c := range cmds {
		events = append(events, c)
	}
	return events
}

// writeLocked updates counters and writes events to the open file.
func (r *Recorder) writeLocked(events []daq.Event) error {
	if len(events) == 0 {
		return nil
	}
	for _, ev := range events {
		if s, ok := ev.(daq.ForceSample); ok {
			r.counts[s.DeviceID]++
		}
	}
	r.metrics.RecordDrain(daq.CountByKind(events))

	if r.file == nil {
		return nil
	}
	if err := r.file.WriteEvents(events); err != nil {
		r.metrics.RecordFileWriteError()
		r.log.Error("failed to write events",
			logger.String("path", r.file.Path()),
			logger.Int("events", len(events)),
			logger.Error(err))
		return err
	}
	return nil
}

// ProcessCommandEvents drains only the command queue, writes the events
// and returns them. An empty queue returns an empty slice without writing.
func (r *Recorder) ProcessCommandEvents() ([]daq.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateClosed {
		return []daq.Event{}, closedError("process command events")
	}
	events := r.drainCommandsLocked()
	if len(events) == 0 {
		return []daq.Event{}, nil
	}
	return events, r.writeLocked(events)
}

// WriteSoftTrigger queues a marker stamped with the current time. Markers
// are written at the next pause or quit.
func (r *Recorder) WriteSoftTrigger(code int) {
	r.WriteSoftTriggerAt(code, r.timer.Time())
}

// WriteSoftTriggerAt queues a marker with an explicit timestamp.
func (r *Recorder) WriteSoftTriggerAt(code int, t int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers = append(r.triggers, daq.SoftTrigger{Time: t, Code: code})
}

// SendReply queues a message on the command channel, if there is one.
func (r *Recorder) SendReply(payload string) {
	if r.channel != nil {
		r.channel.Send(payload)
	}
}

// OpenDataFile closes any open file and creates a new one. It returns the
// file name actually used.
func (r *Recorder) OpenDataFile(opts FileOptions) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateClosed {
		return "", closedError("open data file")
	}
	if err := r.closeFileLocked(); err != nil {
		return "", err
	}

	if opts.Comment != "" {
		opts.Comment = fmt.Sprintf("%s (session %s)", opts.Comment, r.sessionID)
	}
	f, err := CreateDataFile(opts, time.Now())
	if err != nil {
		return "", err
	}
	r.file = f

	r.log.Info("data file opened", logger.String("path", f.Path()))
	return f.Name(), nil
}

// DataFilePath returns the path of the open data file, or "".
func (r *Recorder) DataFilePath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return ""
	}
	return r.file.Path()
}

// CloseDataFile closes the open data file. Without a file it does nothing.
func (r *Recorder) CloseDataFile() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeFileLocked()
}

func (r *Recorder) closeFileLocked() error {
	if r.file == nil {
		return nil
	}
	f := r.file
	r.file = nil
	if err := f.Close(); err != nil {
		return err
	}
	r.log.Info("data file closed", logger.String("path", f.Path()))
	return nil
}

// DetermineBiases pauses recording, then determines the bias of every
// sensor concurrently from n readings. The recorder is left paused.
func (r *Recorder) DetermineBiases(ctx context.Context, n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateClosed {
		return closedError("determine biases")
	}
	return r.determineBiasesLocked(ctx, n)
}

func (r *Recorder) determineBiasesLocked(ctx context.Context, n int) error {
	// Pause first so buffered samples are written before the bias clears them.
	_, writeErr := r.pauseLocked()

	start := time.Now()
	errs := make([]error, len(r.sensors))
	var wg sync.WaitGroup
	for i, s := range r.sensors {
		wg.Go(func() {
			errs[i] = s.DetermineBias(ctx, n)
		})
	}
	wg.Wait()
	r.state = StatePaused

	err := errors.Join(errs...)
	if err != nil {
		r.log.Warn("bias determination failed", logger.Error(err))
	} else {
		r.log.Info("biases determined",
			logger.Int("samples", n),
			logger.Duration("duration", time.Since(start)))
	}
	return errors.Join(writeErr, err)
}

// Quit pauses (capturing the final buffer), closes the data file, stops
// the channel and all sensors, and returns the final buffer. Calling Quit
// again returns an empty buffer and no error.
func (r *Recorder) Quit() ([]daq.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateClosed {
		return []daq.Event{}, nil
	}

	events, pauseErr := r.pauseLocked()
	closeErr := r.closeFileLocked()

	var chanErr error
	if r.channel != nil {
		chanErr = r.channel.Stop()
	}
	sensorErr := r.stopSensors()
	r.state = StateClosed

	r.log.Info("recorder closed", logger.Any("samples", r.counts))
	return events, errors.Join(pauseErr, closeErr, chanErr, sensorErr)
}
