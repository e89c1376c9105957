package remote

import (
	"context"

	"github.com/forcedaq/forcedaq/internal/errors"
)

// Message is one inbound text message.
type Message struct {
	Payload string
	// Peer identifies the sender in transport-specific form.
	Peer string
}

// Transport moves text messages between the channel and a remote peer.
//
// Listen blocks delivering inbound messages until ctx is done or the
// transport is closed, then returns nil. Send delivers one outbound message
// to the current peer.
type Transport interface {
	Listen(ctx context.Context, deliver func(Message)) error
	Send(ctx context.Context, payload string) error
	Close() error
}

var (
	// ErrNoPeer is returned by Send before any peer has been seen.
	ErrNoPeer = errors.NewStd("no remote peer")

	// ErrTransportClosed is returned by operations on a closed transport.
	ErrTransportClosed = errors.NewStd("transport closed")
)

func networkError(err error, op string) error {
	return errors.New(err).
		Component("remote").
		Category(errors.CategoryNetwork).
		Context("operation", op).
		Build()
}
