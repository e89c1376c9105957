package remote

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/forcedaq/forcedaq/internal/errors"
	"github.com/forcedaq/forcedaq/internal/logger"
)

// maxDatagram bounds a single inbound command.
const maxDatagram = 64 * 1024

// DefaultReadRetryDelay is the pause after a failed read before the
// listener reads again.
const DefaultReadRetryDelay = 100 * time.Millisecond

// UDPOption configures a UDPTransport
type UDPOption func(*UDPTransport)

// WithUDPLogger sets the transport's logger.
func WithUDPLogger(log logger.Logger) UDPOption {
	return func(t *UDPTransport) {
		if log != nil {
			t.log = log
		}
	}
}

// WithReadRetryDelay sets the pause after a failed read.
func WithReadRetryDelay(d time.Duration) UDPOption {
	return func(t *UDPTransport) {
		if d > 0 {
			t.retryDelay = d
		}
	}
}

// UDPTransport exchanges one command per datagram. Replies go to the most
// recent sender.
type UDPTransport struct {
	conn       *net.UDPConn
	log        logger.Logger
	retryDelay time.Duration

	mu   sync.Mutex
	peer *net.UDPAddr

	closeOnce sync.Once
	closeErr  error
}

// ListenUDP binds addr ("host:port", port 0 picks a free one).
func ListenUDP(addr string, opts ...UDPOption) (*UDPTransport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.New(err).
			Component("remote").
			Category(errors.CategoryConfiguration).
			Context("listen", addr).
			Build()
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.New(err).
			Component("remote").
			Category(errors.CategoryNetwork).
			Context("listen", addr).
			Build()
	}
	t := &UDPTransport{conn: conn, retryDelay: DefaultReadRetryDelay}
	for _, opt := range opts {
		opt(t)
	}
	if t.log == nil {
		t.log = logger.Global().Module("remote").Module("udp")
	}
	return t, nil
}

// Addr returns the bound local address.
func (t *UDPTransport) Addr() net.Addr {
	return t.conn.LocalAddr()
}

// Peer returns the current reply address, or nil.
func (t *UDPTransport) Peer() *net.UDPAddr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peer
}

// Listen reads datagrams until ctx is done or the transport is closed.
// Other read errors are logged and the listener keeps reading.
func (t *UDPTransport) Listen(ctx context.Context, deliver func(Message)) error {
	// Unblock ReadFromUDP when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		_ = t.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if !t.recoverRead(ctx, err) {
				return nil
			}
			continue
		}

		t.mu.Lock()
		t.peer = addr
		t.mu.Unlock()

		payload := strings.TrimRight(string(buf[:n]), "\r\n")
		deliver(Message{Payload: payload, Peer: addr.String()})
	}
}

// recoverRead handles a read error that did not end the listener. It
// reports false when ctx ended meanwhile.
func (t *UDPTransport) recoverRead(ctx context.Context, err error) bool {
	t.log.Warn("udp read failed", logger.Error(err), logger.String("local", t.conn.LocalAddr().String()))

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		// Clear the stray deadline. Cancellation sets one only after
		// ctx.Err is visible, so the check below cannot miss it.
		_ = t.conn.SetReadDeadline(time.Time{})
		return ctx.Err() == nil
	}

	select {
	case <-ctx.Done():
		return false
	case <-time.After(t.retryDelay):
		return true
	}
}

// Send writes payload as one datagram to the current peer.
func (t *UDPTransport) Send(ctx context.Context, payload string) error {
	peer := t.Peer()
	if peer == nil {
		return ErrNoPeer
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	}
	if _, err := t.conn.WriteToUDP([]byte(payload), peer); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrTransportClosed
		}
		return networkError(err, "udp write")
	}
	return nil
}

// Close releases the socket. Safe to call more than once.
func (t *UDPTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
