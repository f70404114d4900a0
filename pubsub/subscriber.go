package pubsub

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"go.uber.org/zap"

	"github.com/adero/go-messaging/broker"
	"github.com/adero/go-messaging/codec"
)

// FailedPrefix names the channel that receives messages whose
// processing failed, so they can be inspected or replayed.
const FailedPrefix = "FAILED-"

// ProcessorFunc handles one decrypted message. A non-nil error sends
// the raw message to the failed channel.
type ProcessorFunc func(ctx context.Context, m *Message) error

// Message is one inbound, already-decrypted message.
type Message struct {
	body    []byte
	headers broker.Headers
	codec   *codec.Codec
}

// Bind deserializes the message payload into v.
func (m *Message) Bind(v any) error { return m.codec.Unmarshal(m.body, v) }

// Subscriber consumes one channel and hands each message to the
// processor. Messages that fail integrity checking or processing never
// kill the consume loop.
type Subscriber struct {
	conn      broker.Conn
	codec     *codec.Codec
	name      string
	failedTo  string // empty when already consuming a failed channel
	processor ProcessorFunc
	logger    *zap.Logger
}

type SubscriberOption func(*Subscriber)

func WithSubscriberCodec(c *codec.Codec) SubscriberOption {
	return func(s *Subscriber) {
		if c != nil {
			s.codec = c
		}
	}
}

func WithSubscriberLogger(l *zap.Logger) SubscriberOption {
	return func(s *Subscriber) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewSubscriber(conn broker.Conn, name string, processor ProcessorFunc, opts ...SubscriberOption) (*Subscriber, error) {
	if name == "" {
		return nil, errors.New("pubsub: empty channel name")
	}
	if processor == nil {
		return nil, errors.New("pubsub: nil processor")
	}
	plain, err := codec.New()
	if err != nil {
		return nil, err
	}
	s := &Subscriber{
		conn:      conn,
		codec:     plain,
		name:      name,
		processor: processor,
		logger:    zap.NewNop(),
	}
	// A subscriber already working a failed channel must not requeue
	// into itself.
	if !strings.HasPrefix(name, FailedPrefix) {
		s.failedTo = FailedPrefix + name
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run consumes the channel until ctx is cancelled, returning ctx's
// error, or broker.ErrConnClosed if the consume stream ends
// unexpectedly.
func (s *Subscriber) Run(ctx context.Context) error {
	if err := s.conn.Declare(ctx, s.name, broker.Channel); err != nil {
		return err
	}
	if s.failedTo != "" {
		if err := s.conn.Declare(ctx, s.failedTo, broker.Channel); err != nil {
			return err
		}
	}
	deliveries, err := s.conn.Consume(ctx, s.name)
	if err != nil {
		return err
	}

	s.logger.Info("pubsub: waiting for messages", zap.String("channel", s.name))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return broker.ErrConnClosed
			}
			s.handle(ctx, d)
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, d broker.Delivery) {
	plain, err := s.codec.Open(d.Body)
	if err != nil {
		s.logger.Warn("pubsub: dropping message that failed integrity check",
			zap.String("channel", s.name), zap.Error(err))
		return
	}

	m := &Message{body: plain, headers: d.Headers, codec: s.codec}
	if err := s.process(ctx, m); err != nil {
		s.requeue(ctx, d, err)
		return
	}
	if d.Ack != nil {
		_ = d.Ack()
	}
}

func (s *Subscriber) process(ctx context.Context, m *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("pubsub: processor panic",
				zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return s.processor(ctx, m)
}

// requeue forwards the still-encrypted raw message to the failed
// channel with its headers intact.
func (s *Subscriber) requeue(ctx context.Context, d broker.Delivery, cause error) {
	if s.failedTo == "" {
		s.logger.Error("pubsub: processing failed on failed channel, message dropped",
			zap.String("channel", s.name), zap.Error(cause))
		return
	}
	if err := s.conn.Publish(ctx, s.failedTo, d.Body, d.Headers); err != nil {
		s.logger.Error("pubsub: requeue failed",
			zap.String("channel", s.name), zap.String("requeue_to", s.failedTo), zap.Error(err))
		return
	}
	if d.Ack != nil {
		_ = d.Ack()
	}
	s.logger.Error("pubsub: processing failed, message requeued",
		zap.String("channel", s.name), zap.String("requeue_to", s.failedTo), zap.Error(cause))
}
