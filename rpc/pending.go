package rpc

import (
	"sync"

	"github.com/google/uuid"

	"github.com/adero/go-messaging/broker"
)

// result of one call, delivered through a pending slot exactly once.
type result struct {
	body    []byte
	headers broker.Headers
	err     error
}

// pendingCalls tracks the in-flight requests of one client instance.
// register, resolve and evict contend on a single mutex so a reply and
// a timeout racing for the same token settle deterministically: the
// first to remove the pending call wins, the loser is a no-op.
type pendingCalls struct {
	mu    sync.Mutex
	calls map[string]chan result
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{calls: make(map[string]chan result)}
}

// register allocates a fresh token and its single-assignment slot.
// Tokens carry 122 bits of randomness, so reuse within any plausible
// timeout window is not a practical occurrence.
func (p *pendingCalls) register() (string, chan result) {
	token := uuid.NewString()
	slot := make(chan result, 1)
	p.mu.Lock()
	p.calls[token] = slot
	p.mu.Unlock()
	return token, slot
}

// resolve hands res to the call waiting on token and removes the
// pending call. An unknown token is the late/unmatched-reply case:
// the reply is dropped and false returned, no other call is affected.
func (p *pendingCalls) resolve(token string, res result) bool {
	p.mu.Lock()
	slot, ok := p.calls[token]
	if ok {
		delete(p.calls, token)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	slot <- res
	return true
}

// evict removes a pending call on the timeout path. A false return
// means a reply won the race and already sits in the slot.
func (p *pendingCalls) evict(token string) bool {
	p.mu.Lock()
	_, ok := p.calls[token]
	if ok {
		delete(p.calls, token)
	}
	p.mu.Unlock()
	return ok
}

// failAll resolves every pending call with err. Used when the reply
// stream ends.
func (p *pendingCalls) failAll(err error) {
	p.mu.Lock()
	calls := p.calls
	p.calls = make(map[string]chan result)
	p.mu.Unlock()
	for _, slot := range calls {
		slot <- result{err: err}
	}
}

func (p *pendingCalls) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
