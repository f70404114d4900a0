package rpc

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/adero/go-messaging/broker"
	"github.com/adero/go-messaging/codec"
)

// HandlerFunc processes one request. The returned value is encoded
// into the reply; a non-nil error becomes an application-failure reply
// carrying the error text.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// Request is one inbound, already-decrypted request.
type Request struct {
	body    []byte
	headers broker.Headers
	codec   *codec.Codec
}

// Bind deserializes the request payload into v.
func (r *Request) Bind(v any) error { return r.codec.Unmarshal(r.body, v) }

// CorrelationID returns the token the reply will carry.
func (r *Request) CorrelationID() string { return r.headers.CorrelationID }

// Server consumes a request queue, dispatches the handler and replies
// to each request's own reply channel with its token unchanged.
type Server struct {
	conn    broker.Conn
	codec   *codec.Codec
	queue   string
	handler HandlerFunc
	workers int
	logger  *zap.Logger
}

func NewServer(conn broker.Conn, queue string, handler HandlerFunc, opts ...ServerOption) (*Server, error) {
	if queue == "" {
		return nil, errors.New("rpc: empty queue name")
	}
	if handler == nil {
		return nil, errors.New("rpc: nil handler")
	}
	plain, err := codec.New()
	if err != nil {
		return nil, err
	}
	s := &Server{
		conn:    conn,
		codec:   plain,
		queue:   queue,
		handler: handler,
		workers: 1,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Listen consumes the request queue until ctx is cancelled, returning
// ctx's error, or broker.ErrConnClosed if the consume stream ends
// unexpectedly. Malformed or undecryptable requests are dropped; the
// loop never dies on a bad message.
func (s *Server) Listen(ctx context.Context) error {
	if err := s.conn.Declare(ctx, s.queue, broker.Queue); err != nil {
		return err
	}
	deliveries, err := s.conn.Consume(ctx, s.queue)
	if err != nil {
		return err
	}

	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				wg.Wait()
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return broker.ErrConnClosed
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(d broker.Delivery) {
				defer wg.Done()
				defer func() { <-sem }()
				s.handle(ctx, d)
			}(d)
		}
	}
}

func (s *Server) handle(ctx context.Context, d broker.Delivery) {
	plain, err := s.codec.Open(d.Body)
	if err != nil {
		// No token can be trusted on a message that failed
		// authentication, so there is nowhere to route an error.
		// Left unacked; the broker's redelivery policy governs.
		s.logger.Warn("rpc: dropping request that failed integrity check",
			zap.String("queue", s.queue), zap.Error(err))
		return
	}

	req := &Request{body: plain, headers: d.Headers, codec: s.codec}
	out, err := s.invoke(ctx, req)

	if d.Headers.ReplyTo == "" {
		// Fire-and-forget: nothing to reply to.
		if err != nil {
			s.logger.Warn("rpc: task handler failed", zap.String("queue", s.queue), zap.Error(err))
		}
		s.ack(d)
		return
	}

	resp := response{OK: err == nil}
	if err != nil {
		resp.Error = err.Error()
	} else if out != nil {
		raw, merr := msgpack.Marshal(out)
		if merr != nil {
			resp = response{Error: fmt.Sprintf("encode result: %v", merr)}
		} else {
			resp.Result = raw
		}
	}

	body, err := s.codec.Encode(resp)
	if err != nil {
		s.logger.Error("rpc: encode reply", zap.Error(err))
		s.ack(d)
		return
	}
	headers := broker.Headers{
		CorrelationID: d.Headers.CorrelationID,
		Encrypted:     s.codec.Encrypted(),
	}
	if err := s.conn.Publish(ctx, d.Headers.ReplyTo, body, headers); err != nil {
		s.logger.Error("rpc: publish reply",
			zap.String("reply_to", d.Headers.ReplyTo), zap.Error(err))
		return
	}
	s.ack(d)
}

// invoke runs the handler with panic containment: every well-formed
// request the server accepted gets a reply, even when the handler
// blows up.
func (s *Server) invoke(ctx context.Context, req *Request) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("rpc: handler panic",
				zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ctx, req)
}

func (s *Server) ack(d broker.Delivery) {
	if d.Ack == nil {
		return
	}
	if err := d.Ack(); err != nil {
		s.logger.Warn("rpc: ack failed", zap.Error(err))
	}
}
