package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

const (
	memQueueBuffer = 1024
	memSubBuffer   = 256
)

// Memory implements Conn in-process: queues are buffered channels with
// competing consumers, channel destinations fan out to every current
// subscriber. It backs the package tests and is usable anywhere both
// sides live in one process.
type Memory struct {
	mu      sync.Mutex
	kinds   map[string]Kind
	queues  map[string]chan Delivery
	subs    map[string]map[int]chan Delivery
	nextSub int
	closed  bool

	done chan struct{}
}

func NewMemory() *Memory {
	return &Memory{
		kinds:  make(map[string]Kind),
		queues: make(map[string]chan Delivery),
		subs:   make(map[string]map[int]chan Delivery),
		done:   make(chan struct{}),
	}
}

func (m *Memory) Declare(_ context.Context, name string, kind Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrConnClosed
	}
	if existing, ok := m.kinds[name]; ok {
		if existing != kind {
			return fmt.Errorf("broker: %s already declared with a different kind", name)
		}
		return nil
	}
	m.kinds[name] = kind
	switch kind {
	case Queue:
		m.queues[name] = make(chan Delivery, memQueueBuffer)
	case Channel:
		m.subs[name] = make(map[int]chan Delivery)
	}
	return nil
}

func (m *Memory) Publish(_ context.Context, dest string, body []byte, h Headers) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrConnClosed
	}

	d := Delivery{
		Body:    append([]byte(nil), body...),
		Headers: h,
		Ack:     func() error { return nil },
	}

	kind, ok := m.kinds[dest]
	if !ok {
		// Undeclared destination: a channel nobody subscribed to.
		return nil
	}
	switch kind {
	case Queue:
		select {
		case m.queues[dest] <- d:
			return nil
		default:
			return errors.New("broker: queue " + dest + " is full")
		}
	default:
		for _, sub := range m.subs[dest] {
			select {
			case sub <- d:
			default:
				// Slow subscriber; fan-out never blocks the publisher.
			}
		}
		return nil
	}
}

func (m *Memory) Consume(ctx context.Context, source string) (<-chan Delivery, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrConnClosed
	}
	kind, ok := m.kinds[source]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("broker: consume %s: %w", source, ErrUnknownDestination)
	}

	if kind == Queue {
		q := m.queues[source]
		m.mu.Unlock()
		out := make(chan Delivery)
		go m.forwardQueue(ctx, q, out)
		return out, nil
	}

	out := make(chan Delivery, memSubBuffer)
	id := m.nextSub
	m.nextSub++
	m.subs[source][id] = out
	m.mu.Unlock()
	go m.awaitUnsubscribe(ctx, source, id)
	return out, nil
}

func (m *Memory) forwardQueue(ctx context.Context, q <-chan Delivery, out chan<- Delivery) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-q:
			if !ok {
				return
			}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (m *Memory) awaitUnsubscribe(ctx context.Context, source string, id int) {
	select {
	case <-ctx.Done():
	case <-m.done:
	}
	m.mu.Lock()
	if subs, ok := m.subs[source]; ok {
		if ch, ok := subs[id]; ok {
			delete(subs, id)
			close(ch)
		}
	}
	m.mu.Unlock()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, q := range m.queues {
		close(q)
	}
	m.mu.Unlock()
	close(m.done)
	return nil
}
