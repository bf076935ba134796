// Package notify fans monitor alerts and quota violations out to other
// hosts through Redis pub/sub.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	govErrors "plugin-governor/internal/errors"
	"plugin-governor/internal/logging"
	"plugin-governor/internal/monitor"
	"plugin-governor/internal/retry"
)

// Config configures a RedisPublisher
type Config struct {
	Addr          string        `json:"addr"`
	Password      string        `json:"-"`
	DB            int           `json:"db"`
	ChannelPrefix string        `json:"channel_prefix"`
	RecentLimit   int64         `json:"recent_limit"`
	Timeout       time.Duration `json:"timeout"`
	QueueSize     int           `json:"queue_size"`
	// Retry applies to each queued notification; nil uses retry.DefaultConfig
	Retry *retry.Config `json:"retry"`
}

// DefaultConfig returns the default publisher configuration
func DefaultConfig() *Config {
	return &Config{
		Addr:          "localhost:6379",
		ChannelPrefix: "governor",
		RecentLimit:   100,
		Timeout:       5 * time.Second,
		QueueSize:     256,
	}
}

func (c *Config) normalize() {
	if c.ChannelPrefix == "" {
		c.ChannelPrefix = "governor"
	}
	if c.RecentLimit <= 0 {
		c.RecentLimit = 100
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
}

// PublisherStats counts publisher activity
type PublisherStats struct {
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Queued    int   `json:"queued"`
}

// RedisPublisher publishes every notification as JSON on
// <prefix>:alerts or <prefix>:violations and keeps the most recent ones in
// a capped list per kind. Record calls only enqueue; a background worker
// does the network I/O.
type RedisPublisher struct {
	client  *redis.Client
	config  Config
	logger  logging.Logger
	retrier *retry.Retrier

	queue  chan monitor.Notification
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	published atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewRedisPublisher connects to Redis, verifies the connection and starts
// the publish worker
func NewRedisPublisher(config *Config, logger logging.Logger) (*RedisPublisher, error) {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	cfg.normalize()
	if cfg.Addr == "" {
		return nil, govErrors.InvalidArgument("redis addr cannot be empty")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		MaxRetries:   1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, govErrors.WrapPublisherError(fmt.Errorf("failed to connect to Redis: %w", err), "ping", cfg.Addr)
	}

	p := &RedisPublisher{
		client:  rdb,
		config:  cfg,
		logger:  logging.OrNoOp(logger).WithComponent("redis_publisher"),
		retrier: retry.New(cfg.Retry),
		queue:   make(chan monitor.Notification, cfg.QueueSize),
	}

	p.wg.Add(1)
	go p.worker()

	p.logger.Info("Connected to Redis for alert fan-out", "addr", cfg.Addr, "prefix", cfg.ChannelPrefix)
	return p, nil
}

// Channel returns the pub/sub channel for kind
func (p *RedisPublisher) Channel(kind monitor.NotificationKind) string {
	return channelName(p.config.ChannelPrefix, kind)
}

func channelName(prefix string, kind monitor.NotificationKind) string {
	switch kind {
	case monitor.KindViolation:
		return prefix + ":violations"
	default:
		return prefix + ":alerts"
	}
}

func recentKey(prefix string, kind monitor.NotificationKind) string {
	return channelName(prefix, kind) + ":recent"
}

// RecordAlert queues an alert for publishing
func (p *RedisPublisher) RecordAlert(alert monitor.PerformanceAlert) {
	p.enqueue(monitor.Notification{Kind: monitor.KindAlert, Alert: &alert})
}

// RecordViolation queues a violation for publishing
func (p *RedisPublisher) RecordViolation(violation monitor.QuotaViolation) {
	p.enqueue(monitor.Notification{Kind: monitor.KindViolation, Violation: &violation})
}

func (p *RedisPublisher) enqueue(n monitor.Notification) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.closed {
		select {
		case p.queue <- n:
			return
		default:
		}
	}
	if p.dropped.Add(1)%100 == 1 {
		p.logger.Warn("Notification dropped", "kind", string(n.Kind), "dropped_total", p.dropped.Load())
	}
}

func (p *RedisPublisher) worker() {
	defer p.wg.Done()
	for n := range p.queue {
		result := p.retrier.Do(context.Background(), func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
			defer cancel()
			return p.publish(ctx, n)
		})
		if result.Err != nil {
			p.failed.Add(1)
			logging.LogError(p.logger, "Failed to publish notification", result.Err,
				"kind", string(n.Kind), "attempts", result.Attempts)
			continue
		}
		p.published.Add(1)
	}
}

// Publish sends one notification and records it in the capped recent list
func (p *RedisPublisher) Publish(ctx context.Context, n monitor.Notification) error {
	if err := p.publish(ctx, n); err != nil {
		p.failed.Add(1)
		return err
	}
	p.published.Add(1)
	return nil
}

func (p *RedisPublisher) publish(ctx context.Context, n monitor.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to encode notification: %w", err))
	}

	channel := p.Channel(n.Kind)
	key := recentKey(p.config.ChannelPrefix, n.Kind)

	pipe := p.client.Pipeline()
	pipe.Publish(ctx, channel, payload)
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, p.config.RecentLimit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return govErrors.WrapPublisherError(err, "publish", channel)
	}
	return nil
}

// Recent returns up to n of the most recent notifications of kind, newest
// first
func (p *RedisPublisher) Recent(ctx context.Context, kind monitor.NotificationKind, n int64) ([]monitor.Notification, error) {
	if n <= 0 || n > p.config.RecentLimit {
		n = p.config.RecentLimit
	}
	key := recentKey(p.config.ChannelPrefix, kind)

	raw, err := p.client.LRange(ctx, key, 0, n-1).Result()
	if err != nil {
		return nil, govErrors.WrapPublisherError(err, "recent", key)
	}

	out := make([]monitor.Notification, 0, len(raw))
	for _, r := range raw {
		var note monitor.Notification
		if err := json.Unmarshal([]byte(r), &note); err != nil {
			p.logger.Warn("Skipping undecodable notification", "key", key, "error", err)
			continue
		}
		out = append(out, note)
	}
	return out, nil
}

// Listen subscribes to both channels and calls handler for every
// notification published by any host until ctx is cancelled
func (p *RedisPublisher) Listen(ctx context.Context, handler func(monitor.Notification)) error {
	sub := p.client.Subscribe(ctx, p.Channel(monitor.KindAlert), p.Channel(monitor.KindViolation))
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return govErrors.WrapPublisherError(err, "subscribe", p.config.ChannelPrefix)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var note monitor.Notification
			if err := json.Unmarshal([]byte(msg.Payload), &note); err != nil {
				p.logger.Warn("Skipping undecodable notification", "channel", msg.Channel, "error", err)
				continue
			}
			handler(note)
		}
	}
}

// Stats returns publisher counters
func (p *RedisPublisher) Stats() PublisherStats {
	return PublisherStats{
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		Queued:    len(p.queue),
	}
}

// Close drains queued notifications and closes the client
func (p *RedisPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("publisher already closed")
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Redis publisher closed", "published", p.published.Load(), "dropped", p.dropped.Load())
	return p.client.Close()
}

var _ monitor.Sink = (*RedisPublisher)(nil)
