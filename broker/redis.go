package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Stream field names shared by every publisher and consumer.
const (
	fieldPayload   = "payload"
	fieldCorrID    = "correlation_id"
	fieldReplyTo   = "reply_to"
	fieldEncrypted = "encrypted"
)

// wireEnvelope carries headers alongside the body on pub/sub channels,
// which have no native header support.
type wireEnvelope struct {
	CorrelationID string `json:"c,omitempty"`
	ReplyTo       string `json:"r,omitempty"`
	Encrypted     bool   `json:"e,omitempty"`
	Body          []byte `json:"b"`
}

// Redis binds Conn onto a redis.Client: queues are streams consumed
// through a consumer group, channels are plain pub/sub. The client is
// owned by the caller and is not closed by Close.
type Redis struct {
	rdb       *redis.Client
	group     string
	consumer  string
	pollBlock time.Duration
	chanSize  int
	logger    *zap.Logger

	mu    sync.Mutex
	kinds map[string]Kind

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

type RedisOption func(*Redis)

func WithLogger(l *zap.Logger) RedisOption {
	return func(r *Redis) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithGroup overrides the consumer-group name shared by competing
// queue consumers.
func WithGroup(group string) RedisOption {
	return func(r *Redis) {
		if group != "" {
			r.group = group
		}
	}
}

func WithPollBlock(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.pollBlock = d
		}
	}
}

func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		rdb:       client,
		group:     "workers",
		consumer:  defaultConsumerID(),
		pollBlock: 2 * time.Second,
		chanSize:  4096,
		logger:    zap.NewNop(),
		kinds:     make(map[string]Kind),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func defaultConsumerID() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "host"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func (r *Redis) Declare(ctx context.Context, name string, kind Kind) error {
	r.mu.Lock()
	r.kinds[name] = kind
	r.mu.Unlock()

	if kind != Queue {
		return nil
	}
	err := r.rdb.XGroupCreateMkStream(ctx, name, r.group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("broker: declare %s: %w", name, err)
	}
	return nil
}

// BUSYGROUP means another process declared the group first.
func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func (r *Redis) kindOf(name string) (Kind, bool) {
	r.mu.Lock()
	kind, ok := r.kinds[name]
	r.mu.Unlock()
	return kind, ok
}

func (r *Redis) Publish(ctx context.Context, dest string, body []byte, h Headers) error {
	if kind, ok := r.kindOf(dest); ok && kind == Queue {
		values := map[string]any{fieldPayload: body}
		if h.CorrelationID != "" {
			values[fieldCorrID] = h.CorrelationID
		}
		if h.ReplyTo != "" {
			values[fieldReplyTo] = h.ReplyTo
		}
		if h.Encrypted {
			values[fieldEncrypted] = "1"
		}
		if err := r.rdb.XAdd(ctx, &redis.XAddArgs{Stream: dest, Values: values}).Err(); err != nil {
			return fmt.Errorf("broker: publish %s: %w", dest, err)
		}
		return nil
	}

	buf, err := json.Marshal(wireEnvelope{
		CorrelationID: h.CorrelationID,
		ReplyTo:       h.ReplyTo,
		Encrypted:     h.Encrypted,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("broker: publish %s: %w", dest, err)
	}
	if err := r.rdb.Publish(ctx, dest, buf).Err(); err != nil {
		return fmt.Errorf("broker: publish %s: %w", dest, err)
	}
	return nil
}

func (r *Redis) Consume(ctx context.Context, source string) (<-chan Delivery, error) {
	kind, ok := r.kindOf(source)
	if !ok {
		return nil, fmt.Errorf("broker: consume %s: %w", source, ErrUnknownDestination)
	}
	out := make(chan Delivery)
	r.wg.Add(1)
	if kind == Queue {
		go r.consumeStream(ctx, source, out)
	} else {
		go r.consumeChannel(ctx, source, out)
	}
	return out, nil
}

func (r *Redis) consumeStream(ctx context.Context, stream string, out chan<- Delivery) {
	defer r.wg.Done()
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		res, err := r.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.group,
			Consumer: r.consumer,
			Streams:  []string{stream, ">"},
			Count:    16,
			Block:    r.pollBlock,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if err == redis.Nil {
				continue
			}
			r.logger.Warn("broker: read group failed", zap.String("stream", stream), zap.Error(err))
			continue
		}
		for _, msg := range res[0].Messages {
			select {
			case out <- r.streamDelivery(stream, msg):
			case <-ctx.Done():
				return
			case <-r.done:
				return
			}
		}
	}
}

func (r *Redis) streamDelivery(stream string, msg redis.XMessage) Delivery {
	var d Delivery
	if s, ok := msg.Values[fieldPayload].(string); ok {
		d.Body = []byte(s)
	}
	if s, ok := msg.Values[fieldCorrID].(string); ok {
		d.Headers.CorrelationID = s
	}
	if s, ok := msg.Values[fieldReplyTo].(string); ok {
		d.Headers.ReplyTo = s
	}
	if s, ok := msg.Values[fieldEncrypted].(string); ok && s == "1" {
		d.Headers.Encrypted = true
	}
	id := msg.ID
	d.Ack = func() error {
		return r.rdb.XAck(context.Background(), stream, r.group, id).Err()
	}
	return d
}

func (r *Redis) consumeChannel(ctx context.Context, channel string, out chan<- Delivery) {
	defer r.wg.Done()
	defer close(out)

	sub := r.rdb.Subscribe(ctx, channel)
	defer sub.Close()
	ch := sub.Channel(redis.WithChannelSize(r.chanSize))

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env wireEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warn("broker: bad wire envelope", zap.String("channel", channel), zap.Error(err))
				continue
			}
			d := Delivery{
				Body: env.Body,
				Headers: Headers{
					CorrelationID: env.CorrelationID,
					ReplyTo:       env.ReplyTo,
					Encrypted:     env.Encrypted,
				},
				Ack: func() error { return nil },
			}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			case <-r.done:
				return
			}
		}
	}
}

// Close ends every consume stream and waits for their goroutines. The
// underlying redis.Client stays open for its owner.
func (r *Redis) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	r.wg.Wait()
	return nil
}
