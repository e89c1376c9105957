package remote

import (
	"context"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/forcedaq/forcedaq/internal/errors"
	"github.com/forcedaq/forcedaq/internal/logger"
)

// Default MQTT timeouts.
const (
	DefaultMQTTConnectTimeout = 30 * time.Second
	DefaultMQTTPublishTimeout = 10 * time.Second
	mqttDisconnectQuiesceMs   = 250
)

// MQTTConfig configures an MQTTTransport.
type MQTTConfig struct {
	Broker   string // e.g. tcp://localhost:1883
	ClientID string
	// Topic is the base topic; commands arrive on <Topic>/command and
	// replies are published on <Topic>/reply.
	Topic          string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// CommandTopic is the topic the transport subscribes to.
func (c MQTTConfig) CommandTopic() string {
	return strings.TrimSuffix(c.Topic, "/") + "/command"
}

// ReplyTopic is the topic replies are published on.
func (c MQTTConfig) ReplyTopic() string {
	return strings.TrimSuffix(c.Topic, "/") + "/reply"
}

// MQTTTransport carries commands over an MQTT broker.
type MQTTTransport struct {
	config MQTTConfig
	log    logger.Logger

	mu      sync.Mutex
	client  mqtt.Client
	deliver func(Message)

	closed    chan struct{}
	closeOnce sync.Once
}

// NewMQTTTransport validates cfg. The broker connection is made by Listen.
func NewMQTTTransport(cfg MQTTConfig, log logger.Logger) (*MQTTTransport, error) {
	if cfg.Broker == "" || cfg.Topic == "" {
		return nil, errors.Newf("mqtt transport needs a broker and a topic").
			Component("remote").
			Category(errors.CategoryConfiguration).
			Context("broker", cfg.Broker).
			Context("topic", cfg.Topic).
			Build()
	}
	if _, err := url.Parse(cfg.Broker); err != nil {
		return nil, errors.New(err).
			Component("remote").
			Category(errors.CategoryConfiguration).
			Context("broker", cfg.Broker).
			Build()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultMQTTConnectTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultMQTTPublishTimeout
	}
	if log == nil {
		log = logger.Global().Module("remote")
	}
	return &MQTTTransport{
		config: cfg,
		log:    log.Module("mqtt"),
		closed: make(chan struct{}),
	}, nil
}

// Listen connects to the broker, subscribes to the command topic and
// delivers messages until ctx is done or the transport is closed.
func (t *MQTTTransport) Listen(ctx context.Context, deliver func(Message)) error {
	t.mu.Lock()
	t.deliver = deliver
	t.mu.Unlock()

	if err := t.connect(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-t.closed:
	}

	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client != nil && client.IsConnectionOpen() {
		token := client.Unsubscribe(t.config.CommandTopic())
		token.WaitTimeout(time.Second)
	}
	return nil
}

func (t *MQTTTransport) connect(ctx context.Context) error {
	u, err := url.Parse(t.config.Broker)
	if err != nil {
		return networkError(err, "mqtt parse broker")
	}

	// Resolve first so a bad hostname fails fast instead of retrying forever.
	host := u.Hostname()
	if net.ParseIP(host) == nil {
		if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
			return errors.New(err).
				Component("remote").
				Category(errors.CategoryNetwork).
				Context("broker", t.config.Broker).
				Context("operation", "mqtt resolve").
				Build()
		}
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(t.config.Broker)
	opts.SetClientID(t.config.ClientID)
	opts.SetUsername(t.config.Username)
	opts.SetPassword(t.config.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(true)
	opts.SetConnectTimeout(t.config.ConnectTimeout)
	opts.SetOnConnectHandler(t.onConnect)
	opts.SetConnectionLostHandler(t.onConnectionLost)

	client := mqtt.NewClient(opts)

	t.mu.Lock()
	select {
	case <-t.closed:
		t.mu.Unlock()
		return ErrTransportClosed
	default:
	}
	t.client = client
	t.mu.Unlock()

	if err := waitToken(ctx, client.Connect(), t.config.ConnectTimeout); err != nil {
		return errors.New(err).
			Component("remote").
			Category(errors.CategoryNetwork).
			Context("broker", t.config.Broker).
			Context("operation", "mqtt connect").
			Build()
	}
	return nil
}

// onConnect (re)subscribes; the session is clean so subscriptions do not
// survive a reconnect.
func (t *MQTTTransport) onConnect(client mqtt.Client) {
	t.log.Info("connected to mqtt broker",
		logger.String("broker", t.config.Broker),
		logger.String("topic", t.config.CommandTopic()))

	token := client.Subscribe(t.config.CommandTopic(), 0, t.onMessage)
	go func() {
		if !token.WaitTimeout(t.config.ConnectTimeout) {
			t.log.Warn("mqtt subscribe timed out", logger.String("topic", t.config.CommandTopic()))
			return
		}
		if err := token.Error(); err != nil {
			t.log.Error("mqtt subscribe failed", logger.Error(err))
		}
	}()
}

func (t *MQTTTransport) onConnectionLost(_ mqtt.Client, err error) {
	t.log.Warn("connection to mqtt broker lost",
		logger.String("broker", t.config.Broker),
		logger.Error(err))
}

func (t *MQTTTransport) onMessage(_ mqtt.Client, msg mqtt.Message) {
	t.mu.Lock()
	deliver := t.deliver
	t.mu.Unlock()
	if deliver == nil {
		return
	}
	deliver(Message{
		Payload: strings.TrimRight(string(msg.Payload()), "\r\n"),
		Peer:    msg.Topic(),
	})
}

// Send publishes payload on the reply topic.
func (t *MQTTTransport) Send(ctx context.Context, payload string) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}
	if client == nil || !client.IsConnected() {
		return ErrNoPeer
	}

	token := client.Publish(t.config.ReplyTopic(), 0, false, payload)
	if err := waitToken(ctx, token, t.config.PublishTimeout); err != nil {
		return networkError(err, "mqtt publish")
	}
	return nil
}

// Close disconnects from the broker and ends Listen.
func (t *MQTTTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		close(t.closed)
		client := t.client
		t.mu.Unlock()

		if client != nil && client.IsConnected() {
			client.Disconnect(mqttDisconnectQuiesceMs)
		}
	})
	return nil
}

var errTokenTimeout = errors.NewStd("mqtt operation timed out")

// waitToken waits for token completion, ctx cancellation or timeout.
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errTokenTimeout
	}
}
