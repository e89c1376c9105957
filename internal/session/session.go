// Package session runs a complete acquisition session from configuration.
// It builds the sensors and the command channel, determines biases,
// records until stopped and then quits the recorder.
package session

import (
	"context"
	"io"
	"time"

	"github.com/forcedaq/forcedaq/internal/conf"
	"github.com/forcedaq/forcedaq/internal/daq"
	"github.com/forcedaq/forcedaq/internal/errors"
	"github.com/forcedaq/forcedaq/internal/logger"
	"github.com/forcedaq/forcedaq/internal/observability/metrics"
	"github.com/forcedaq/forcedaq/internal/recorder"
	"github.com/forcedaq/forcedaq/internal/remote"
	"github.com/forcedaq/forcedaq/internal/timer"
)

// DefaultPollInterval is used when the recording poll interval is unset.
const DefaultPollInterval = 10 * time.Millisecond

// Options holds runtime inputs that do not come from configuration.
type Options struct {
	// Duration ends the session after this long. Zero runs until the
	// context is cancelled or a quit command arrives.
	Duration time.Duration
	// StreamInput, if set, feeds raw frames to the first stream sensor.
	StreamInput io.Reader
	Metrics     *metrics.DAQMetrics
	Logger      logger.Logger
	// Timer defaults to a fresh wall clock timer.
	Timer *timer.Timer
}

// Session owns the recorder, its sensors and the optional controller.
type Session struct {
	settings *conf.Settings
	opts     Options
	log      logger.Logger
	timer    *timer.Timer

	sensors   *sensorSet
	transport remote.Transport
	channel   *remote.Channel
	rec       *recorder.Recorder
	ctrl      *recorder.Controller
}

// New builds and starts every component named by settings. Sensors start
// sampling immediately; recording starts in Run.
func New(ctx context.Context, settings *conf.Settings, opts Options) (*Session, error) {
	if settings == nil {
		return nil, errors.Newf("session requires settings").
			Component("session").
			Category(errors.CategoryValidation).
			Build()
	}

	s := &Session{
		settings: settings,
		opts:     opts,
		log:      opts.Logger,
		timer:    opts.Timer,
	}
	if s.log == nil {
		s.log = GetLogger()
	}
	if s.timer == nil {
		s.timer = timer.New()
	}
	s.timer.Start()

	sensors, err := buildSensors(settings.Sensors, s.timer.Clock())
	if err != nil {
		return nil, err
	}
	s.sensors = sensors

	recSettings := recorder.Settings{
		Sensors: sensors.settings,
		Timer:   s.timer,
	}
	if settings.Remote.Enabled {
		if s.channel, err = s.buildChannel(); err != nil {
			sensors.close()
			return nil, err
		}
		recSettings.Channel = s.channel
	}

	s.rec, err = recorder.New(ctx, recSettings,
		recorder.WithLogger(s.log.Module("recorder")),
		recorder.WithMetrics(opts.Metrics),
		recorder.WithBiasSamples(settings.Recording.BiasSamples),
	)
	if err != nil {
		sensors.close()
		if s.channel != nil {
			_ = s.channel.Stop()
		}
		return nil, err
	}

	if s.channel != nil && settings.Remote.RemoteControl {
		s.ctrl = recorder.NewController(s.rec,
			recorder.WithControllerLogger(s.log.Module("control")),
			recorder.WithValueTTL(settings.Remote.ValueTTL),
			recorder.WithFileOptions(fileOptions(settings.Recording)),
		)
	}
	return s, nil
}

func (s *Session) buildChannel() (*remote.Channel, error) {
	transport, err := buildTransport(s.settings.Remote, s.log.Module("remote"))
	if err != nil {
		return nil, err
	}
	ch, err := remote.NewChannel(transport,
		remote.WithChannelLogger(s.log.Module("remote")),
		remote.WithChannelMetrics(s.opts.Metrics),
		remote.WithChannelTimer(s.timer),
	)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	s.transport = transport
	return ch, nil
}

// Recorder exposes the session's recorder.
func (s *Session) Recorder() *recorder.Recorder { return s.rec }

// Channel returns the command channel, or nil when remote is disabled.
func (s *Session) Channel() *remote.Channel { return s.channel }

// StreamDrivers returns the drivers of sensors configured with the stream driver.
func (s *Session) StreamDrivers() []*daq.StreamDriver { return s.sensors.streams }

// startInput feeds the stream input, if any, to the first stream sensor.
func (s *Session) startInput(ctx context.Context) {
	if s.opts.StreamInput != nil && len(s.sensors.streams) > 0 {
		go pumpFrames(ctx, s.opts.StreamInput, s.sensors.streams[0], s.log)
	}
}

// Close quits the recorder. Run does this itself.
func (s *Session) Close() error {
	_, err := s.rec.Quit()
	return err
}

// Run determines biases, records until the session ends and quits the
// recorder. It returns the first fatal error; the recorder is quit either way.
func (s *Session) Run(ctx context.Context) (err error) {
	defer func() {
		_, quitErr := s.rec.Quit()
		err = errors.Join(err, quitErr)
		s.log.Info("session finished", logger.Any("samples", s.rec.SampleCounts()))
	}()

	s.startInput(ctx)

	s.log.Info("determining biases", logger.Int("samples", s.settings.Recording.BiasSamples))
	if err := s.rec.DetermineBiases(ctx, s.settings.Recording.BiasSamples); err != nil {
		return err
	}

	if s.ctrl != nil {
		ready, err := s.awaitRemoteSetup(ctx)
		if err != nil || !ready {
			return err
		}
	} else {
		if _, err := s.rec.OpenDataFile(fileOptions(s.settings.Recording)); err != nil {
			return err
		}
		if err := s.rec.StartRecording(ctx, false); err != nil {
			return err
		}
	}

	return s.loop(ctx)
}

// awaitRemoteSetup waits for the peer to connect and name the data file.
// Recording then stays paused until the peer starts it. It reports false
// when the session ended before the setup completed.
func (s *Session) awaitRemoteSetup(ctx context.Context) (bool, error) {
	s.log.Info("waiting for remote connection")
	select {
	case <-ctx.Done():
		return false, nil
	case <-s.ctrl.Done():
		return false, nil
	case <-s.channel.Connected().Done():
	}

	s.log.Info("remote connected, waiting for data file name")
	ticker := s.timer.Clock().Ticker(s.pollInterval())
	defer ticker.Stop()
	for s.rec.DataFilePath() == "" {
		select {
		case <-ctx.Done():
			return false, nil
		case <-s.ctrl.Done():
			return false, nil
		case <-ticker.C:
			if err := s.ctrl.Tick(ctx); err != nil {
				s.log.Warn("remote command failed", logger.Error(err))
			}
		}
	}
	return true, nil
}

func (s *Session) loop(ctx context.Context) error {
	clk := s.timer.Clock()

	ticker := clk.Ticker(s.pollInterval())
	defer ticker.Stop()

	var deadline <-chan time.Time
	if s.opts.Duration > 0 {
		t := clk.Timer(s.opts.Duration)
		defer t.Stop()
		deadline = t.C
	}

	var quit <-chan struct{}
	if s.ctrl != nil {
		quit = s.ctrl.Done()
	}

	lastFlush := clk.Now()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("session cancelled")
			return nil
		case <-deadline:
			s.log.Info("session duration reached", logger.Duration("duration", s.opts.Duration))
			return nil
		case <-quit:
			return nil
		case now := <-ticker.C:
			if s.ctrl != nil {
				if err := s.ctrl.Tick(ctx); err != nil {
					s.log.Warn("remote command failed", logger.Error(err))
				}
			}
			flush := s.settings.Recording.FlushInterval
			if flush > 0 && now.Sub(lastFlush) >= flush {
				lastFlush = now
				if err := s.flush(ctx); err != nil {
					return err
				}
			}
		}
	}
}

// flush writes everything buffered so far by pausing and restarting.
// Commands drained by the pause go to the controller.
func (s *Session) flush(ctx context.Context) error {
	if s.ctrl != nil {
		return s.ctrl.Flush(ctx)
	}
	if !s.rec.IsRecording() {
		return nil
	}
	events, err := s.rec.PauseRecording()
	if err != nil {
		return err
	}
	s.log.Debug("flushed recording", logger.Int("events", len(events)))
	return s.rec.StartRecording(ctx, false)
}

func (s *Session) pollInterval() time.Duration {
	if s.settings.Recording.PollInterval > 0 {
		return s.settings.Recording.PollInterval
	}
	return DefaultPollInterval
}
