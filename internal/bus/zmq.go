package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
)

const defaultDialRetry = 250 * time.Millisecond

// ZMQ is a Transport on top of ZeroMQ sockets. Sockets are owned by the
// primitive returned from the constructor methods and closed by its Close.
type ZMQ struct {
	host      string
	dialRetry time.Duration
}

// NewZMQ returns a ZeroMQ transport. Endpoints created by Allocate listen on
// host.
func NewZMQ(host string) *ZMQ {
	if host == "" {
		host = "127.0.0.1"
	}
	return &ZMQ{host: host, dialRetry: defaultDialRetry}
}

// Allocate asks the OS for a free tcp port by binding a throwaway socket to
// port zero.
func (z *ZMQ) Allocate(ctx context.Context) (string, error) {
	sock := zmq4.NewPair(ctx)
	defer func() {
		_ = sock.Close()
	}()
	if err := sock.Listen(TCPEndpoint(z.host, 0)); err != nil {
		return "", fmt.Errorf("binding random port: %w", err)
	}
	addr, ok := sock.Addr().(*net.TCPAddr)
	if !ok || addr == nil {
		return "", fmt.Errorf("unexpected listener address %v", sock.Addr())
	}
	return TCPEndpoint(z.host, addr.Port), nil
}

// Subscribe connects a SUB socket to endpoint. The peer is a worker which may
// bind its publisher later than we connect, so dialing is retried in the
// background until it succeeds or the subscription is closed.
func (z *ZMQ) Subscribe(ctx context.Context, endpoint string) (Subscription, error) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sock := zmq4.NewSub(ctx, zmq4.WithDialerMaxRetries(0))
	if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		cancel()
		_ = sock.Close()
		return nil, fmt.Errorf("subscribing %s: %w", endpoint, err)
	}
	s := &zmqSub{
		sock:   sock,
		cancel: cancel,
		msgs:   make(chan string, memQueue),
		done:   make(chan struct{}),
	}
	go s.pump(ctx, endpoint, z.dialRetry)
	return s, nil
}

func (z *ZMQ) Publish(ctx context.Context, endpoint string) (Publisher, error) {
	sock := zmq4.NewPub(context.WithoutCancel(ctx))
	if err := sock.Listen(endpoint); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("binding publisher %s: %w", endpoint, err)
	}
	return &zmqPub{sock: sock}, nil
}

func (z *ZMQ) Reply(ctx context.Context, endpoint string) (Replier, error) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sock := zmq4.NewRep(ctx)
	if err := sock.Listen(endpoint); err != nil {
		cancel()
		_ = sock.Close()
		return nil, fmt.Errorf("binding replier %s: %w", endpoint, err)
	}
	r := &zmqRep{
		sock:   sock,
		cancel: cancel,
		msgs:   make(chan string),
		done:   make(chan struct{}),
	}
	go r.pump(ctx)
	return r, nil
}

func (z *ZMQ) Request(ctx context.Context, endpoint string) (Requester, error) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sock := zmq4.NewReq(ctx)
	if err := sock.Dial(endpoint); err != nil {
		cancel()
		_ = sock.Close()
		return nil, fmt.Errorf("connecting requester %s: %w", endpoint, err)
	}
	return &zmqReq{ctx: ctx, endpoint: endpoint, sock: sock, cancel: cancel}, nil
}

func frame(msg zmq4.Msg) (string, error) {
	if len(msg.Frames) == 0 {
		return "", ErrMalformedFrame
	}
	return string(msg.Frames[0]), nil
}

type zmqSub struct {
	sock   zmq4.Socket
	cancel context.CancelFunc
	msgs   chan string
	once   sync.Once
	done   chan struct{}
	err    error // set before done is closed
}

func (s *zmqSub) pump(ctx context.Context, endpoint string, retry time.Duration) {
	defer close(s.done)
	for {
		err := s.sock.Dial(endpoint)
		if err == nil {
			break
		}
		slog.DebugContext(ctx, "telemetry endpoint not ready", "endpoint", endpoint, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(retry):
		}
	}

	for {
		msg, err := s.sock.Recv()
		if err != nil {
			if ctx.Err() == nil {
				s.err = err
			}
			return
		}
		str, err := frame(msg)
		if err != nil {
			continue
		}
		select {
		case s.msgs <- str:
		case <-ctx.Done():
			return
		default:
			// slow consumer, drop like a PUB/SUB high water mark would
		}
	}
}

func (s *zmqSub) Recv(ctx context.Context, timeout time.Duration) (string, bool, error) {
	select {
	case msg := <-s.msgs:
		return msg, true, nil
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-s.msgs:
		return msg, true, nil
	case <-s.done:
		if s.err != nil {
			return "", false, fmt.Errorf("receiving telemetry: %w", s.err)
		}
		return "", false, ErrClosed
	case <-timer.C:
		return "", false, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

func (s *zmqSub) Close() error {
	err := ErrClosed
	s.once.Do(func() {
		s.cancel()
		err = s.sock.Close()
		<-s.done
	})
	return err
}

type zmqPub struct {
	mx   sync.Mutex
	sock zmq4.Socket
}

func (p *zmqPub) Publish(ctx context.Context, msg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.sock == nil {
		return ErrClosed
	}
	return p.sock.Send(zmq4.NewMsgString(msg))
}

func (p *zmqPub) Close() error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.sock == nil {
		return ErrClosed
	}
	err := p.sock.Close()
	p.sock = nil
	return err
}

type zmqRep struct {
	sock   zmq4.Socket
	cancel context.CancelFunc
	msgs   chan string
	once   sync.Once
	done   chan struct{}
	err    error // set before done is closed
}

// pump hands requests over one at a time; msgs is unbuffered so a request is
// only taken off the socket when somebody is ready to answer it.
func (r *zmqRep) pump(ctx context.Context) {
	defer close(r.done)
	for {
		msg, err := r.sock.Recv()
		if err != nil {
			if ctx.Err() == nil {
				r.err = err
			}
			return
		}
		str, err := frame(msg)
		if err != nil {
			str = ""
		}
		select {
		case r.msgs <- str:
		case <-ctx.Done():
			return
		}
	}
}

func (r *zmqRep) Recv(ctx context.Context, timeout time.Duration) (string, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-r.msgs:
		return msg, true, nil
	case <-r.done:
		if r.err != nil && !errors.Is(r.err, context.Canceled) {
			return "", false, fmt.Errorf("receiving request: %w", r.err)
		}
		return "", false, ErrClosed
	case <-timer.C:
		return "", false, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

func (r *zmqRep) Reply(_ context.Context, msg string) error {
	return r.sock.Send(zmq4.NewMsgString(msg))
}

func (r *zmqRep) Close() error {
	err := ErrClosed
	r.once.Do(func() {
		r.cancel()
		err = r.sock.Close()
		<-r.done
	})
	return err
}

// zmqReq is a REQ socket. A request without a reply leaves the socket
// waiting for it, so the socket is dropped and the next Request dials a
// fresh one.
type zmqReq struct {
	ctx      context.Context
	endpoint string
	cancel   context.CancelFunc

	mx   sync.Mutex
	sock zmq4.Socket // nil after an abandoned request
}

func (q *zmqReq) Request(ctx context.Context, msg string, timeout time.Duration) (string, error) {
	q.mx.Lock()
	defer q.mx.Unlock()
	if q.ctx.Err() != nil {
		return "", ErrClosed
	}
	if q.sock == nil {
		sock := zmq4.NewReq(q.ctx)
		if err := sock.Dial(q.endpoint); err != nil {
			_ = sock.Close()
			return "", fmt.Errorf("reconnecting requester %s: %w", q.endpoint, err)
		}
		q.sock = sock
	}
	sock := q.sock
	if err := sock.Send(zmq4.NewMsgString(msg)); err != nil {
		q.abandon()
		return "", fmt.Errorf("sending request: %w", err)
	}

	type result struct {
		msg zmq4.Msg
		err error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := sock.Recv()
		ch <- result{msg: m, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			q.abandon()
			return "", fmt.Errorf("receiving reply: %w", res.err)
		}
		return frame(res.msg)
	case <-timer.C:
		q.abandon()
		return "", ErrNoReply
	case <-ctx.Done():
		q.abandon()
		return "", ctx.Err()
	}
}

// abandon closes the current socket, which also ends a pending Recv.
// q.mx must be held.
func (q *zmqReq) abandon() {
	if q.sock != nil {
		_ = q.sock.Close()
		q.sock = nil
	}
}

func (q *zmqReq) Close() error {
	q.mx.Lock()
	defer q.mx.Unlock()
	q.cancel()
	if q.sock == nil {
		return nil
	}
	err := q.sock.Close()
	q.sock = nil
	return err
}
