package recorder

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/forcedaq/forcedaq/internal/daq"
	"github.com/forcedaq/forcedaq/internal/errors"
	"github.com/forcedaq/forcedaq/internal/logger"
	"github.com/forcedaq/forcedaq/internal/remote"
)

// DefaultValueTTL is how long the latest reading answers value queries.
const DefaultValueTTL = time.Second

const latestValueKey = "latest"

// ControllerOption configures a Controller
type ControllerOption func(*Controller)

// WithControllerLogger sets the controller's logger.
func WithControllerLogger(log logger.Logger) ControllerOption {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
	}
}

// WithValueTTL sets how long a reading stays valid for value queries.
func WithValueTTL(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.valueTTL = d
		}
	}
}

// WithFileOptions sets the options used when a filename command reopens
// the data file.
func WithFileOptions(opts FileOptions) ControllerOption {
	return func(c *Controller) { c.fileOpts = opts }
}

// Controller executes remote commands against a Recorder. The owner calls
// Tick periodically from the goroutine that drives the recorder.
type Controller struct {
	rec      *Recorder
	log      logger.Logger
	valueTTL time.Duration
	fileOpts FileOptions

	values     *cache.Cache
	detector   *LevelDetector
	lastSample uint64
	lastLevel  int

	quit     chan struct{}
	quitOnce sync.Once
}

// NewController returns a controller for rec.
func NewController(rec *Recorder, opts ...ControllerOption) *Controller {
	c := &Controller{
		rec:      rec,
		valueTTL: DefaultValueTTL,
		detector: NewLevelDetector(LevelWindow),
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Global().Module("recorder").Module("control")
	}
	// No janitor: expired entries are ignored by Get and overwritten by Set.
	c.values = cache.New(c.valueTTL, 0)
	return c
}

// Done is closed once a quit command has been received.
func (c *Controller) Done() <-chan struct{} {
	return c.quit
}

// Tick samples the primary sensor for value queries and level detection,
// then drains and dispatches received commands.
func (c *Controller) Tick(ctx context.Context) error {
	c.observe()

	events, err := c.rec.ProcessCommandEvents()
	return errors.Join(err, c.dispatchEvents(ctx, events))
}

// Flush pauses and restarts a running recording so everything buffered
// reaches the data file. Commands drained by the pause are dispatched
// afterwards; their failures are logged, not returned.
func (c *Controller) Flush(ctx context.Context) error {
	if !c.rec.IsRecording() {
		return nil
	}
	events, err := c.rec.PauseRecording()
	if err == nil {
		c.log.Debug("flushed recording", logger.Int("events", len(events)))
		err = c.rec.StartRecording(ctx, false)
	}
	if dispatchErr := c.dispatchEvents(ctx, events); dispatchErr != nil {
		c.log.Warn("remote command failed", logger.Error(dispatchErr))
	}
	return err
}

// dispatchEvents executes the command events among events in order.
func (c *Controller) dispatchEvents(ctx context.Context, events []daq.Event) error {
	var errs []error
	for _, ev := range events {
		if cmd, ok := ev.(daq.CommandEvent); ok {
			errs = append(errs, c.Dispatch(ctx, cmd.Raw))
		}
	}
	return errors.Join(errs...)
}

// observe picks up the primary sensor's newest sample, if there is one.
func (c *Controller) observe() {
	sensors := c.rec.Sensors()
	if len(sensors) == 0 {
		return
	}
	primary := sensors[0]

	n := primary.SampleCount()
	if n == c.lastSample {
		return
	}
	c.lastSample = n

	sample, ok := primary.Latest()
	if !ok {
		return
	}
	c.values.Set(latestValueKey, sample.Forces, cache.DefaultExpiration)

	if !c.detector.Active() {
		return
	}
	level := c.detector.Add(sample.Fz)
	if level == c.lastLevel {
		return
	}
	c.lastLevel = level
	if level > 0 {
		c.reply(level)
	}
}

// Dispatch executes one raw message. Messages that are not commands, or
// are malformed, have no effect.
func (c *Controller) Dispatch(ctx context.Context, raw string) error {
	cmd, err := remote.ParseCommand(raw)
	if err != nil {
		if !errors.Is(err, remote.ErrNotCommand) {
			c.log.Debug("ignoring malformed command", logger.String("message", raw), logger.Error(err))
		}
		return nil
	}

	switch cmd.Kind {
	case remote.CommandStart:
		return c.start(ctx)
	case remote.CommandPause:
		return c.pause(ctx)
	case remote.CommandQuit:
		c.log.Info("quit requested by remote")
		c.quitOnce.Do(func() { close(c.quit) })
	case remote.CommandFilename:
		return c.switchFile(ctx, cmd.Filename)
	case remote.CommandThresholds:
		c.detector.SetThresholds(cmd.Thresholds)
		c.lastLevel = 0
		if c.detector.Active() {
			c.log.Info("level detection started", logger.Any("thresholds", cmd.Thresholds))
		} else {
			c.log.Info("level detection stopped")
		}
	case remote.CommandGetValue:
		c.replyValue(cmd.Axis)
	}
	return nil
}

func (c *Controller) start(ctx context.Context) error {
	if c.rec.IsRecording() {
		return nil
	}
	if err := c.rec.StartRecording(ctx, false); err != nil {
		c.log.Warn("remote start failed", logger.Error(err))
		return err
	}
	c.rec.SendReply(remote.Feedback(remote.StatusStarted))
	return nil
}

func (c *Controller) pause(ctx context.Context) error {
	if !c.rec.IsRecording() {
		return nil
	}
	events, err := c.rec.PauseRecording()
	if err != nil {
		c.log.Warn("remote pause failed", logger.Error(err))
		return errors.Join(err, c.dispatchEvents(ctx, events))
	}
	c.rec.SendReply(remote.Feedback(remote.StatusPaused))
	return c.dispatchEvents(ctx, events)
}

// switchFile closes the data file and opens one under the new base name.
// A running recording is paused around the switch so no rows are lost.
func (c *Controller) switchFile(ctx context.Context, name string) error {
	wasRecording := c.rec.IsRecording()
	var drained []daq.Event
	if wasRecording {
		events, err := c.rec.PauseRecording()
		if err != nil {
			return errors.Join(err, c.dispatchEvents(ctx, events))
		}
		drained = events
	}

	opts := c.fileOpts
	opts.Filename = name
	used, err := c.rec.OpenDataFile(opts)
	if err != nil {
		c.log.Error("failed to open data file", logger.String("filename", name), logger.Error(err))
		return errors.Join(err, c.dispatchEvents(ctx, drained))
	}
	c.fileOpts.Filename = name
	c.log.Info("data file switched by remote", logger.String("file", used))

	if wasRecording {
		if err := c.rec.StartRecording(ctx, false); err != nil {
			return errors.Join(err, c.dispatchEvents(ctx, drained))
		}
	}
	return c.dispatchEvents(ctx, drained)
}

// replyValue answers with the requested axis of the cached reading, or
// null once the reading is older than the value TTL.
func (c *Controller) replyValue(axis string) {
	var value any
	if v, ok := c.values.Get(latestValueKey); ok {
		if forces, ok := v.(daq.Forces); ok {
			if f, ok := forces.Axis(axis); ok {
				value = f
			}
		}
	}
	c.reply(value)
}

func (c *Controller) reply(v any) {
	msg, err := remote.EncodeValue(v)
	if err != nil {
		c.log.Error("failed to encode reply", logger.Error(err))
		return
	}
	c.rec.SendReply(msg)
}
