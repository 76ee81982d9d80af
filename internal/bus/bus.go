// Package bus is the messaging substrate of the manager.
//
// It offers the four primitives the orchestration engine is built on:
//   - publish a message on a bound endpoint (Publisher)
//   - receive with a timeout on a connected endpoint (Subscription)
//   - blocking request/response (Requester)
//   - reply to the last received request (Replier)
//
// Two transports implement it: ZMQ, the production one speaking ZeroMQ over tcp,
// and Memory, an in-process fan-out used by tests and embedded setups.
//
// Messages are plain strings. Topic-tagged messages use the form
// topic::payload, see Join and Split.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Delimiter separates a topic or command from its payload.
const Delimiter = "::"

var (
	ErrClosed         = errors.New("bus: closed")
	ErrNoReply        = errors.New("bus: no reply")
	ErrNotBound       = errors.New("bus: endpoint not bound")
	ErrAddressInUse   = errors.New("bus: endpoint already bound")
	ErrMalformedFrame = errors.New("bus: malformed message")
)

// Subscription receives messages published on a single endpoint.
type Subscription interface {
	// Recv waits at most timeout for the next message. It returns ok == false
	// when nothing arrived in time. A closed subscription returns ErrClosed.
	Recv(ctx context.Context, timeout time.Duration) (msg string, ok bool, err error)
	Close() error
}

type Publisher interface {
	Publish(ctx context.Context, msg string) error
	Close() error
}

// Replier is the server side of the request/response primitive. Every
// received request must be answered with Reply before the next Recv.
type Replier interface {
	Recv(ctx context.Context, timeout time.Duration) (msg string, ok bool, err error)
	Reply(ctx context.Context, msg string) error
	Close() error
}

type Requester interface {
	// Request sends msg and blocks until a reply arrives or timeout elapses.
	// A reply arriving after the timeout is discarded, it never answers a
	// later Request.
	Request(ctx context.Context, msg string, timeout time.Duration) (string, error)
	Close() error
}

// Transport creates the messaging primitives. Publish and Reply bind the
// endpoint, Subscribe and Request connect to it.
type Transport interface {
	// Allocate returns a fresh endpoint nobody is bound to.
	Allocate(ctx context.Context) (string, error)
	Subscribe(ctx context.Context, endpoint string) (Subscription, error)
	Publish(ctx context.Context, endpoint string) (Publisher, error)
	Reply(ctx context.Context, endpoint string) (Replier, error)
	Request(ctx context.Context, endpoint string) (Requester, error)
}

// Join builds a delimited message.
func Join(head, payload string) string {
	return head + Delimiter + payload
}

// Split cuts a delimited message into its head and payload. Only the first
// delimiter counts, the payload may contain more of them.
func Split(msg string) (head, payload string, err error) {
	head, payload, ok := strings.Cut(msg, Delimiter)
	if !ok {
		return "", "", fmt.Errorf("%w: missing %q in %q", ErrMalformedFrame, Delimiter, abbrev(msg, 30))
	}
	return head, payload, nil
}

// TCPEndpoint formats a ZeroMQ tcp endpoint.
func TCPEndpoint(host string, port int) string {
	return fmt.Sprintf("tcp://%s:%d", host, port)
}

func abbrev(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
