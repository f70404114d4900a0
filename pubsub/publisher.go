// Package pubsub implements one-way fan-out messaging over a broker
// connection, reusing the codec for serialization and encryption.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/adero/go-messaging/broker"
	"github.com/adero/go-messaging/codec"
)

// Publisher encodes values and publishes them to one channel.
// Transient publish failures are retried with bounded exponential
// backoff before the error reaches the caller.
type Publisher struct {
	conn       broker.Conn
	codec      *codec.Codec
	name       string
	logger     *zap.Logger
	maxRetries uint64

	declareOnce sync.Once
	declareErr  error
}

type PublisherOption func(*Publisher)

func WithPublisherCodec(c *codec.Codec) PublisherOption {
	return func(p *Publisher) {
		if c != nil {
			p.codec = c
		}
	}
}

func WithPublisherLogger(l *zap.Logger) PublisherOption {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMaxRetries bounds the retry attempts per Publish. Zero disables
// retrying.
func WithMaxRetries(n uint64) PublisherOption {
	return func(p *Publisher) { p.maxRetries = n }
}

func NewPublisher(conn broker.Conn, name string, opts ...PublisherOption) (*Publisher, error) {
	if name == "" {
		return nil, errors.New("pubsub: empty channel name")
	}
	plain, err := codec.New()
	if err != nil {
		return nil, err
	}
	p := &Publisher{
		conn:       conn,
		codec:      plain,
		name:       name,
		logger:     zap.NewNop(),
		maxRetries: 5,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Publisher) declare(ctx context.Context) error {
	p.declareOnce.Do(func() {
		p.declareErr = p.conn.Declare(ctx, p.name, broker.Channel)
	})
	return p.declareErr
}

// Publish encodes v and publishes it. Subscribers that never connected
// simply miss the message; fan-out has no queueing guarantee.
func (p *Publisher) Publish(ctx context.Context, v any) error {
	if err := p.declare(ctx); err != nil {
		return err
	}
	body, err := p.codec.Encode(v)
	if err != nil {
		return err
	}
	headers := broker.Headers{Encrypted: p.codec.Encrypted()}

	op := func() error {
		err := p.conn.Publish(ctx, p.name, body, headers)
		if errors.Is(err, broker.ErrConnClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.maxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		p.logger.Warn("pubsub: publish retry",
			zap.String("channel", p.name), zap.Duration("backoff", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return fmt.Errorf("pubsub: publish %s: %w", p.name, err)
	}
	return nil
}
