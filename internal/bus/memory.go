package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const memQueue = 256

// Memory is an in-process Transport. Publishing fans out to every
// subscription connected to the endpoint; like a ZeroMQ PUB socket it drops
// messages nobody is subscribed for, or which do not fit into a full queue.
type Memory struct {
	mx       sync.Mutex
	next     int
	subs     map[string]map[*memSub]struct{}
	pubs     map[string]struct{}
	repliers map[string]*memReplier
}

func NewMemory() *Memory {
	return &Memory{
		subs:     make(map[string]map[*memSub]struct{}),
		pubs:     make(map[string]struct{}),
		repliers: make(map[string]*memReplier),
	}
}

func (m *Memory) Allocate(_ context.Context) (string, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.next++
	return fmt.Sprintf("mem://endpoint-%d", m.next), nil
}

// Subscribers returns the number of open subscriptions on endpoint.
func (m *Memory) Subscribers(endpoint string) int {
	m.mx.Lock()
	defer m.mx.Unlock()
	return len(m.subs[endpoint])
}

func (m *Memory) Subscribe(_ context.Context, endpoint string) (Subscription, error) {
	s := &memSub{
		m:        m,
		endpoint: endpoint,
		ch:       make(chan string, memQueue),
		closed:   make(chan struct{}),
	}
	m.mx.Lock()
	defer m.mx.Unlock()
	set, ok := m.subs[endpoint]
	if !ok {
		set = make(map[*memSub]struct{})
		m.subs[endpoint] = set
	}
	set[s] = struct{}{}
	return s, nil
}

func (m *Memory) Publish(_ context.Context, endpoint string) (Publisher, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if _, ok := m.pubs[endpoint]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAddressInUse, endpoint)
	}
	m.pubs[endpoint] = struct{}{}
	return &memPub{m: m, endpoint: endpoint}, nil
}

func (m *Memory) Reply(_ context.Context, endpoint string) (Replier, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if _, ok := m.repliers[endpoint]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAddressInUse, endpoint)
	}
	r := &memReplier{
		m:        m,
		endpoint: endpoint,
		inbox:    make(chan memRequest, 16),
		closed:   make(chan struct{}),
	}
	m.repliers[endpoint] = r
	return r, nil
}

func (m *Memory) Request(_ context.Context, endpoint string) (Requester, error) {
	return &memRequester{m: m, endpoint: endpoint}, nil
}

func (m *Memory) fanout(endpoint, msg string) {
	m.mx.Lock()
	defer m.mx.Unlock()
	for s := range m.subs[endpoint] {
		select {
		case s.ch <- msg:
		default:
		}
	}
}

type memSub struct {
	m        *Memory
	endpoint string
	ch       chan string
	once     sync.Once
	closed   chan struct{}
}

func (s *memSub) Recv(ctx context.Context, timeout time.Duration) (string, bool, error) {
	select {
	case <-s.closed:
		return "", false, ErrClosed
	default:
	}
	select {
	case msg := <-s.ch:
		return msg, true, nil
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-s.ch:
		return msg, true, nil
	case <-s.closed:
		return "", false, ErrClosed
	case <-timer.C:
		return "", false, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

func (s *memSub) Close() error {
	err := ErrClosed
	s.once.Do(func() {
		err = nil
		close(s.closed)
		s.m.mx.Lock()
		defer s.m.mx.Unlock()
		set := s.m.subs[s.endpoint]
		delete(set, s)
		if len(set) == 0 {
			delete(s.m.subs, s.endpoint)
		}
	})
	return err
}

type memPub struct {
	m        *Memory
	endpoint string
	mx       sync.Mutex
	closed   bool
}

func (p *memPub) Publish(ctx context.Context, msg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.m.fanout(p.endpoint, msg)
	return nil
}

func (p *memPub) Close() error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.closed = true
	p.m.mx.Lock()
	delete(p.m.pubs, p.endpoint)
	p.m.mx.Unlock()
	return nil
}

type memRequest struct {
	msg   string
	reply chan string
}

type memReplier struct {
	m        *Memory
	endpoint string
	inbox    chan memRequest
	mx       sync.Mutex
	pending  *memRequest
	once     sync.Once
	closed   chan struct{}
}

func (r *memReplier) Recv(ctx context.Context, timeout time.Duration) (string, bool, error) {
	r.mx.Lock()
	pending := r.pending != nil
	r.mx.Unlock()
	if pending {
		return "", false, errors.New("bus: previous request not answered")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case req := <-r.inbox:
		r.mx.Lock()
		r.pending = &req
		r.mx.Unlock()
		return req.msg, true, nil
	case <-r.closed:
		return "", false, ErrClosed
	case <-timer.C:
		return "", false, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

func (r *memReplier) Reply(_ context.Context, msg string) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.pending == nil {
		return errors.New("bus: no request to reply to")
	}
	r.pending.reply <- msg
	r.pending = nil
	return nil
}

func (r *memReplier) Close() error {
	err := ErrClosed
	r.once.Do(func() {
		err = nil
		close(r.closed)
		r.m.mx.Lock()
		delete(r.m.repliers, r.endpoint)
		r.m.mx.Unlock()
	})
	return err
}

type memRequester struct {
	m        *Memory
	endpoint string
}

func (q *memRequester) Request(ctx context.Context, msg string, timeout time.Duration) (string, error) {
	q.m.mx.Lock()
	r, ok := q.m.repliers[q.endpoint]
	q.m.mx.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotBound, q.endpoint)
	}

	req := memRequest{msg: msg, reply: make(chan string, 1)}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r.inbox <- req:
	case <-r.closed:
		return "", ErrClosed
	case <-timer.C:
		return "", ErrNoReply
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case reply := <-req.reply:
		return reply, nil
	case <-r.closed:
		return "", ErrClosed
	case <-timer.C:
		return "", ErrNoReply
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (q *memRequester) Close() error {
	return nil
}
