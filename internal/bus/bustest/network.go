// Package bustest provides an in-process bus.Bus for tests. A Network plays the role of the
// NATS server; each Conn is one client connection to it.
package bustest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dante-gpu/clustercheck/internal/bus"
)

// Network routes messages between connections. Queue groups are served round-robin so
// distribution in tests is deterministic.
type Network struct {
	mu     sync.Mutex
	subs   []*subscription
	cursor map[string]int
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{cursor: make(map[string]int)}
}

// Conn opens a new client connection to the network.
func (n *Network) Conn() *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{net: n, ctx: ctx, cancel: cancel}
}

type subscription struct {
	conn    *Conn
	subject string
	queue   string
	handler bus.Handler
}

func (s *subscription) Unsubscribe() error {
	s.conn.net.remove(func(other *subscription) bool { return other == s })
	return nil
}

func (n *Network) add(s *subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = append(n.subs, s)
}

func (n *Network) remove(match func(*subscription) bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	kept := n.subs[:0]
	for _, s := range n.subs {
		if !match(s) {
			kept = append(kept, s)
		}
	}
	n.subs = kept
}

// recipients picks every plain subscriber plus one member of each matching queue group.
func (n *Network) recipients(subject string) []*subscription {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []*subscription
	groups := make(map[string][]*subscription)
	var order []string
	for _, s := range n.subs {
		if !Match(s.subject, subject) {
			continue
		}
		if s.queue == "" {
			out = append(out, s)
			continue
		}
		key := s.subject + " " + s.queue
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], s)
	}
	for _, key := range order {
		members := groups[key]
		i := n.cursor[key] % len(members)
		n.cursor[key] = i + 1
		out = append(out, members[i])
	}
	return out
}

// Match reports whether subject matches pattern using NATS wildcard rules.
func Match(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

// Conn is one client of a Network. It implements bus.Bus.
type Conn struct {
	net    *Network
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

var _ bus.Bus = (*Conn)(nil)

type reply struct {
	data []byte
	err  error
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) deliver(s *subscription, subject string, data []byte, out chan<- reply) {
	s.conn.wg.Add(1)
	go func() {
		defer s.conn.wg.Done()
		payload := append([]byte(nil), data...)
		resp, err := s.handler(s.conn.ctx, &bus.Message{Subject: subject, Data: payload})
		if err != nil {
			err = &bus.RemoteError{Subject: subject, Message: err.Error()}
		}
		out <- reply{data: resp, err: err}
	}()
}

// Request implements bus.Bus. The first reply wins.
func (c *Conn) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	if c.isClosed() {
		return nil, bus.ErrClosed
	}
	targets := c.net.recipients(subject)
	if len(targets) == 0 {
		return nil, fmt.Errorf("%s: %w", subject, bus.ErrNoResponders)
	}
	out := make(chan reply, len(targets))
	for _, s := range targets {
		c.deliver(s, subject, data, out)
	}
	select {
	case r := <-out:
		return r.data, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("request on %s failed: %w", subject, ctx.Err())
	}
}

// Gather implements bus.Bus. It returns early once every recipient has replied.
func (c *Conn) Gather(ctx context.Context, subject string, data []byte, window time.Duration) ([][]byte, error) {
	if c.isClosed() {
		return nil, bus.ErrClosed
	}
	targets := c.net.recipients(subject)
	out := make(chan reply, len(targets))
	for _, s := range targets {
		c.deliver(s, subject, data, out)
	}

	timer := time.NewTimer(window)
	defer timer.Stop()

	var replies [][]byte
	for range targets {
		select {
		case r := <-out:
			if r.err == nil {
				replies = append(replies, r.data)
			}
		case <-timer.C:
			return replies, nil
		case <-ctx.Done():
			return replies, fmt.Errorf("gather on %s interrupted: %w", subject, ctx.Err())
		}
	}
	return replies, nil
}

// Subscribe implements bus.Bus.
func (c *Conn) Subscribe(subject, queue string, h bus.Handler) (bus.Subscription, error) {
	if c.isClosed() {
		return nil, bus.ErrClosed
	}
	s := &subscription{conn: c, subject: subject, queue: queue, handler: h}
	c.net.add(s)
	return s, nil
}

// Ping implements bus.Bus.
func (c *Conn) Ping(ctx context.Context) error {
	if c.isClosed() {
		return bus.ErrClosed
	}
	return ctx.Err()
}

// Close removes the connection's subscriptions and waits for its running handlers.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.net.remove(func(s *subscription) bool { return s.conn == c })
	c.cancel()
	c.wg.Wait()
	return nil
}
