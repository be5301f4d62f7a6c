package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/zulandar/medconsult/internal/apperr"
)

// DefaultPublishQueue bounds the number of outbound publishes waiting for
// the Redis connection.
const DefaultPublishQueue = 1024

const (
	redisDialTimeout    = 3 * time.Second
	redisPublishTimeout = 2 * time.Second
	redisFlushTimeout   = 5 * time.Second
)

// Redis is a Broker shared by every process connected to the same Redis
// server. Each process holds one pattern subscription on its channel prefix
// and fans received payloads out through a Local broker. Publishes are
// queued and sent by a single goroutine, so callers never wait on the
// network.
type Redis struct {
	client     *redis.Client
	ownsClient bool
	prefix     string
	pubsub     *redis.PubSub
	local      *Local
	queue      chan envelope
	log        *slog.Logger

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// RedisOpts configures a Redis broker. Either URL or Client must be set.
type RedisOpts struct {
	URL           string
	Client        *redis.Client
	ChannelPrefix string
	MailboxSize   int
	PublishQueue  int
	Logger        *slog.Logger
}

// NewRedis connects to Redis and starts the subscription and publish loops.
func NewRedis(ctx context.Context, opts RedisOpts) (*Redis, error) {
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.PublishQueue <= 0 {
		opts.PublishQueue = DefaultPublishQueue
	}

	client := opts.Client
	owns := false
	if client == nil {
		if opts.URL == "" {
			return nil, errors.New("broker: redis url is required")
		}
		opt, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("broker: parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
		owns = true
	}

	pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		if owns {
			_ = client.Close()
		}
		return nil, fmt.Errorf("broker: redis ping: %w", err)
	}

	pubsub := client.PSubscribe(ctx, opts.ChannelPrefix+"*")
	if _, err := pubsub.Receive(pingCtx); err != nil {
		_ = pubsub.Close()
		if owns {
			_ = client.Close()
		}
		return nil, fmt.Errorf("broker: redis psubscribe: %w", err)
	}

	r := &Redis{
		client:     client,
		ownsClient: owns,
		prefix:     opts.ChannelPrefix,
		pubsub:     pubsub,
		local:      NewLocal(LocalOpts{MailboxSize: opts.MailboxSize, Logger: opts.Logger}),
		queue:      make(chan envelope, opts.PublishQueue),
		log:        opts.Logger,
		stop:       make(chan struct{}),
	}
	r.wg.Add(2)
	go r.receiveLoop()
	go r.publishLoop()
	return r, nil
}

var _ Broker = (*Redis)(nil)

// Publish queues payload for delivery through Redis. It fails with
// ErrBrokerUnavailable when the queue is full or the broker is closed.
func (r *Redis) Publish(_ context.Context, topic string, payload []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return apperr.New(apperr.ErrBrokerUnavailable, "broker closed")
	}
	select {
	case r.queue <- envelope{topic: topic, payload: payload}:
		return nil
	default:
		return apperr.New(apperr.ErrBrokerUnavailable, "redis publish queue full")
	}
}

func (r *Redis) Subscribe(topic string, sub Subscriber) error { return r.local.Subscribe(topic, sub) }

func (r *Redis) Unsubscribe(topic string, sub Subscriber) { r.local.Unsubscribe(topic, sub) }

func (r *Redis) UnsubscribeAll(sub Subscriber) { r.local.UnsubscribeAll(sub) }

// Subscribers counts local subscribers only.
func (r *Redis) Subscribers(topic string) int { return r.local.Subscribers(topic) }

// Close flushes queued publishes, then stops both loops and the local
// fan-out.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.stop)
	r.mu.Unlock()

	err := r.pubsub.Close()
	r.wg.Wait()
	r.local.Close()
	if r.ownsClient {
		if cerr := r.client.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return fmt.Errorf("broker: close redis: %w", err)
	}
	return nil
}

func (r *Redis) receiveLoop() {
	defer r.wg.Done()
	for msg := range r.pubsub.Channel() {
		topic := strings.TrimPrefix(msg.Channel, r.prefix)
		if err := r.local.Publish(context.Background(), topic, []byte(msg.Payload)); err != nil {
			r.log.Warn("broker: local fan-out failed", "topic", topic, "error", err)
		}
	}
}

func (r *Redis) publishLoop() {
	defer r.wg.Done()
	for {
		select {
		case env := <-r.queue:
			r.send(env)
		case <-r.stop:
			r.flush()
			return
		}
	}
}

// flush sends whatever is still queued at shutdown, bounded by a deadline.
func (r *Redis) flush() {
	deadline := time.After(redisFlushTimeout)
	for {
		select {
		case env := <-r.queue:
			r.send(env)
		case <-deadline:
			r.log.Warn("broker: redis flush deadline reached", "dropped", len(r.queue))
			return
		default:
			return
		}
	}
}

func (r *Redis) send(env envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), redisPublishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.prefix+env.topic, env.payload).Err(); err != nil {
		r.log.Error("broker: redis publish failed", "topic", env.topic, "error", err)
	}
}
