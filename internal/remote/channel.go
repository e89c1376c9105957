package remote

import (
	"context"
	"sync"
	"time"

	"github.com/forcedaq/forcedaq/internal/daq"
	"github.com/forcedaq/forcedaq/internal/errors"
	"github.com/forcedaq/forcedaq/internal/logger"
	"github.com/forcedaq/forcedaq/internal/observability/metrics"
	"github.com/forcedaq/forcedaq/internal/timer"
)

// DefaultSendTimeout bounds a single outbound send.
const DefaultSendTimeout = 2 * time.Second

// ErrChannelStarted is returned when Start is called twice.
var ErrChannelStarted = errors.NewStd("command channel already started")

// ChannelOption configures a Channel
type ChannelOption func(*Channel)

// WithChannelLogger sets the channel's logger.
func WithChannelLogger(log logger.Logger) ChannelOption {
	return func(c *Channel) {
		if log != nil {
			c.log = log
		}
	}
}

// WithChannelMetrics attaches command message metrics.
func WithChannelMetrics(m *metrics.DAQMetrics) ChannelOption {
	return func(c *Channel) { c.metrics = m }
}

// WithChannelTimer sets the timer used to stamp received commands.
func WithChannelTimer(t *timer.Timer) ChannelOption {
	return func(c *Channel) {
		if t != nil {
			c.timer = t
		}
	}
}

// WithSendTimeout bounds each outbound send.
func WithSendTimeout(d time.Duration) ChannelOption {
	return func(c *Channel) {
		if d > 0 {
			c.sendTimeout = d
		}
	}
}

// Channel runs a listener goroutine that queues inbound commands and a
// sender goroutine that drains outbound replies. Neither blocks the caller.
type Channel struct {
	transport   Transport
	timer       *timer.Timer
	log         logger.Logger
	metrics     *metrics.DAQMetrics
	sendTimeout time.Duration

	receive   *Queue[daq.CommandEvent]
	send      *Queue[string]
	connected *daq.Gate

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// NewChannel returns an unstarted channel over transport.
func NewChannel(transport Transport, opts ...ChannelOption) (*Channel, error) {
	if transport == nil {
		return nil, errors.Newf("command channel needs a transport").
			Component("remote").
			Category(errors.CategoryConfiguration).
			Build()
	}
	c := &Channel{
		transport:   transport,
		timer:       timer.Default(),
		sendTimeout: DefaultSendTimeout,
		receive:     NewQueue[daq.CommandEvent](),
		send:        NewQueue[string](),
		connected:   daq.NewGate(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Global().Module("remote")
	}
	return c, nil
}

// Start launches the listen and send goroutines.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrChannelStarted
	}
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Go(func() { c.listen(runCtx) })
	c.wg.Go(func() { c.sendLoop(runCtx) })

	c.log.Debug("command channel started")
	return nil
}

func (c *Channel) listen(ctx context.Context) {
	if err := c.transport.Listen(ctx, c.handle); err != nil {
		c.log.Error("command listener stopped", logger.Error(err))
	}
}

// handle answers channel-level handshakes itself and queues everything else.
func (c *Channel) handle(msg Message) {
	c.metrics.RecordCommandMessage(metrics.LabelInbound)

	switch msg.Payload {
	case ControlConnect:
		if !c.connected.IsSet() {
			c.log.Info("remote peer connected", logger.String("peer", msg.Peer))
		}
		c.connected.Set()
		c.metrics.SetChannelConnected(true)
		c.Send(ControlAck)
	case ControlPing:
		c.Send(ControlAck)
	default:
		c.receive.Push(daq.CommandEvent{Time: c.timer.Time(), Raw: msg.Payload})
	}
}

func (c *Channel) sendLoop(ctx context.Context) {
	for {
		c.flush(ctx)

		select {
		case <-ctx.Done():
			// Best effort for replies queued just before shutdown.
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.sendTimeout)
			c.flush(flushCtx)
			cancel()
			return
		case <-c.send.Notify():
		}
	}
}

func (c *Channel) flush(ctx context.Context) {
	for _, payload := range c.send.Drain() {
		sendCtx, cancel := context.WithTimeout(ctx, c.sendTimeout)
		err := c.transport.Send(sendCtx, payload)
		cancel()

		switch {
		case err == nil:
			c.metrics.RecordCommandMessage(metrics.LabelOutbound)
		case errors.Is(err, ErrNoPeer):
			c.log.Debug("dropping reply, no peer", logger.String("payload", payload))
		case errors.Is(err, ErrTransportClosed):
			return
		default:
			c.log.Warn("failed to send reply",
				logger.String("payload", payload),
				logger.Error(err))
		}
	}
}

// Send queues an outbound message. It never blocks.
func (c *Channel) Send(payload string) {
	c.send.Push(payload)
}

// TryReceive pops the oldest received command, if any.
func (c *Channel) TryReceive() (daq.CommandEvent, bool) {
	return c.receive.TryPop()
}

// DrainReceived returns every queued command in arrival order.
func (c *Channel) DrainReceived() []daq.CommandEvent {
	return c.receive.Drain()
}

// Received exposes the receive queue, e.g. to wait on its Notify channel.
func (c *Channel) Received() *Queue[daq.CommandEvent] {
	return c.receive
}

// Connected is set once a peer has sent the connect handshake.
func (c *Channel) Connected() *daq.Gate {
	return c.connected
}

// Stop ends both goroutines and closes the transport. Idempotent.
func (c *Channel) Stop() error {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		c.wg.Wait()
		c.stopErr = c.transport.Close()
		c.metrics.SetChannelConnected(false)
		c.log.Debug("command channel stopped")
	})
	return c.stopErr
}
