// Package bus is the request/reply transport between the checks, the trainer coordinator and
// the node agents. The NATS implementation is used in production; bustest provides an
// in-process network with the same queue-group semantics.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorHeader carries a handler's error message on a reply.
const ErrorHeader = "Cluster-Error"

var (
	// ErrNoResponders is returned when nothing is subscribed to a request subject.
	ErrNoResponders = errors.New("no responders available for request")
	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("bus is closed")
)

// RemoteError is a failure reported by the handler on the other side of a request.
type RemoteError struct {
	Subject string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error on %s: %s", e.Subject, e.Message)
}

// Message is an inbound request delivered to a Handler.
type Message struct {
	Subject string
	Data    []byte
}

// Handler serves one request. A non-nil error is sent back to the requester as a RemoteError.
type Handler func(ctx context.Context, msg *Message) ([]byte, error)

// Subscription is an active interest registered with Subscribe.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the cluster transport.
type Bus interface {
	// Request sends data to one subscriber of subject and waits for its reply.
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	// Gather sends data to every subscriber of subject and collects the successful replies
	// that arrive within window.
	Gather(ctx context.Context, subject string, data []byte, window time.Duration) ([][]byte, error)
	// Subscribe registers h for subject. Subscribers sharing a non-empty queue name split
	// the messages between them.
	Subscribe(subject, queue string, h Handler) (Subscription, error)
	// Ping round-trips to the control plane.
	Ping(ctx context.Context) error
	Close() error
}
