// Package rpc implements synchronous request/response over a shared
// broker connection. A client publishes requests onto a queue with a
// fresh correlation token and its own reply channel; the server
// publishes each reply back to that channel carrying the token
// unchanged, and the client's reply listener resolves it to the
// in-flight call that issued it.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adero/go-messaging/broker"
	"github.com/adero/go-messaging/codec"
)

const DefaultTimeout = 5 * time.Second

// Client issues RPC calls over one broker connection. Any number of
// concurrent calls may be in flight; they share the reply listener but
// never block each other. The pending-call table is owned by this
// instance alone and is never shared across instances or processes.
type Client struct {
	conn    broker.Conn
	codec   *codec.Codec
	queue   string
	replyTo string
	timeout time.Duration
	logger  *zap.Logger

	pending *pendingCalls

	listenCtx    context.Context
	listenCancel context.CancelFunc
	listenOnce   sync.Once
	listenErr    error

	mu   sync.Mutex
	down error
}

func NewClient(conn broker.Conn, queue string, opts ...ClientOption) (*Client, error) {
	if queue == "" {
		return nil, errors.New("rpc: empty queue name")
	}
	plain, err := codec.New()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:         conn,
		codec:        plain,
		queue:        queue,
		replyTo:      "reply:" + uuid.NewString(),
		timeout:      DefaultTimeout,
		logger:       zap.NewNop(),
		pending:      newPendingCalls(),
		listenCtx:    ctx,
		listenCancel: cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ReplyTo returns this client's private reply channel name.
func (c *Client) ReplyTo() string { return c.replyTo }

// ensureListener declares the queue and reply channel and starts the
// reply listener, once, on first use.
func (c *Client) ensureListener() error {
	c.listenOnce.Do(func() {
		if err := c.conn.Declare(c.listenCtx, c.queue, broker.Queue); err != nil {
			c.listenErr = err
			return
		}
		if err := c.conn.Declare(c.listenCtx, c.replyTo, broker.Channel); err != nil {
			c.listenErr = err
			return
		}
		deliveries, err := c.conn.Consume(c.listenCtx, c.replyTo)
		if err != nil {
			c.listenErr = err
			return
		}
		go c.listen(deliveries)
	})
	return c.listenErr
}

// listen feeds every arriving reply to the registry. It runs for the
// lifetime of the client, independent of any in-flight call, and makes
// progress no matter how many calls are blocked waiting.
func (c *Client) listen(deliveries <-chan broker.Delivery) {
	for d := range deliveries {
		token := d.Headers.CorrelationID
		if token == "" {
			c.logger.Debug("rpc: reply without correlation token dropped")
			continue
		}
		if !c.pending.resolve(token, result{body: d.Body, headers: d.Headers}) {
			c.logger.Debug("rpc: unmatched reply dropped", zap.String("correlation_token", token))
		}
	}
	// The reply stream ended. Without it no outstanding or future call
	// can complete, so the client is done for.
	c.fail(broker.ErrConnClosed)
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.down == nil {
		c.down = err
	}
	c.mu.Unlock()
	c.pending.failAll(err)
}

func (c *Client) downErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.down
}

// Call encodes in, publishes it with a fresh correlation token, blocks
// until the matching reply arrives or timeout elapses, and decodes the
// reply into out. A non-positive timeout uses the client default.
//
// A remote handler failure is returned as *ApplicationError. A timeout
// returns ErrTimeout and evicts the pending call, so the late reply is
// dropped without touching any other call.
func (c *Client) Call(ctx context.Context, in, out any, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.timeout
	}
	if err := c.ensureListener(); err != nil {
		return err
	}
	if err := c.downErr(); err != nil {
		return err
	}

	body, err := c.codec.Encode(in)
	if err != nil {
		return err
	}

	token, slot := c.pending.register()
	headers := broker.Headers{
		CorrelationID: token,
		ReplyTo:       c.replyTo,
		Encrypted:     c.codec.Encrypted(),
	}
	if err := c.conn.Publish(ctx, c.queue, body, headers); err != nil {
		c.pending.evict(token)
		return fmt.Errorf("rpc: publish request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var res result
	select {
	case res = <-slot:
	case <-timer.C:
		if c.pending.evict(token) {
			return ErrTimeout
		}
		res = <-slot // the reply won the race
	case <-ctx.Done():
		if c.pending.evict(token) {
			return ctx.Err()
		}
		res = <-slot
	}
	if res.err != nil {
		return res.err
	}
	return c.decodeReply(res, out)
}

// decodeReply verifies and opens the reply envelope. Decode and
// integrity failures are returned to the caller: it is specifically
// awaiting this token and a reply it cannot trust is a failed call.
func (c *Client) decodeReply(res result, out any) error {
	var resp response
	if err := c.codec.Decode(res.body, &resp); err != nil {
		return fmt.Errorf("rpc: reply: %w", err)
	}
	if !resp.OK {
		return &ApplicationError{Detail: resp.Error}
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := c.codec.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("rpc: reply result: %w", err)
	}
	return nil
}

// Close stops the reply listener and fails any in-flight calls with
// ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.down == nil {
		c.down = ErrClientClosed
	}
	c.mu.Unlock()
	c.listenCancel()
	c.pending.failAll(ErrClientClosed)
	return nil
}
