package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"wager/internal/config"
	"wager/internal/crash"
	"wager/internal/logger"
	"wager/internal/store"
)

const (
	fundingPrefix = "wager:funding:"
	crashStateKey = "wager:crash:state"
	// CrashChannel carries every table event for other API instances.
	CrashChannel = "wager:crash:events"

	fundingTTL    = 24 * time.Hour
	crashStateTTL = time.Minute
	opTimeout     = 250 * time.Millisecond
	// publishBuffer bounds the crash events waiting for Redis.
	publishBuffer = 64
)

// Service is the Redis fast path in front of the store. Every method
// degrades to a miss when Redis is unreachable; nothing here is the
// source of truth.
type Service interface {
	Client() *redis.Client
	Health() map[string]string
	Close() error

	LookupFunding(ctx context.Context, key string) (store.Entry, bool)
	RememberFunding(ctx context.Context, e store.Entry)

	Publish(ctx context.Context, e crash.Event)
	CrashState(ctx context.Context) (crash.Snapshot, bool)
}

type service struct {
	client *redis.Client

	events   chan crash.Event
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func startService(client *redis.Client) *service {
	s := &service{
		client: client,
		events: make(chan crash.Event, publishBuffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.publishLoop()
	return s
}

// New connects to Redis. It returns nil when cfg.Addr is empty or the
// server does not answer, and callers run without the cache.
func New(cfg config.Redis) Service {
	if cfg.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		logger.Warn("redis connection failed, running without cache",
			zap.String("addr", cfg.Addr), zap.Error(err))
		_ = client.Close()
		return nil
	}

	logger.Info("redis connected", zap.String("addr", cfg.Addr))
	return startService(client)
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client) Service {
	return startService(client)
}

func (s *service) Client() *redis.Client {
	return s.client
}

func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	if _, err := s.client.Ping(ctx).Result(); err != nil {
		stats["status"] = "down"
		stats["error"] = "redis down: " + err.Error()
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "Redis is healthy"

	poolStats := s.client.PoolStats()
	stats["hits"] = strconv.FormatUint(uint64(poolStats.Hits), 10)
	stats["misses"] = strconv.FormatUint(uint64(poolStats.Misses), 10)
	stats["timeouts"] = strconv.FormatUint(uint64(poolStats.Timeouts), 10)
	stats["total_conns"] = strconv.FormatUint(uint64(poolStats.TotalConns), 10)
	stats["idle_conns"] = strconv.FormatUint(uint64(poolStats.IdleConns), 10)
	stats["stale_conns"] = strconv.FormatUint(uint64(poolStats.StaleConns), 10)

	return stats
}

func (s *service) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	logger.Info("disconnecting from redis")
	return s.client.Close()
}

// LookupFunding returns the entry recorded for an applied idempotency key.
func (s *service) LookupFunding(ctx context.Context, key string) (store.Entry, bool) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := s.client.Get(ctx, fundingPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.WarnCtx(ctx, "funding cache read failed", zap.Error(err))
		}
		return store.Entry{}, false
	}
	var e store.Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		logger.WarnCtx(ctx, "funding cache entry unreadable", zap.String("key", key), zap.Error(err))
		return store.Entry{}, false
	}
	return e, true
}

func (s *service) RememberFunding(ctx context.Context, e store.Entry) {
	if e.IdempotencyKey == "" {
		return
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := s.client.Set(ctx, fundingPrefix+e.IdempotencyKey, raw, fundingTTL).Err(); err != nil {
		logger.WarnCtx(ctx, "funding cache write failed", zap.Error(err))
	}
}

// Publish queues e for Redis without blocking the table. The state key
// and CrashChannel are written by a single goroutine in event order; when
// Redis falls behind by publishBuffer events the newest are dropped.
func (s *service) Publish(ctx context.Context, e crash.Event) {
	select {
	case s.events <- e:
	default:
		logger.WarnCtx(ctx, "crash publish buffer full, dropping event", zap.String("event", e.Type))
	}
}

func (s *service) publishLoop() {
	defer close(s.done)
	for {
		select {
		case e := <-s.events:
			s.publish(e)
		case <-s.stop:
			return
		}
	}
}

// publish stores the latest table snapshot and fans the event out on
// CrashChannel.
func (s *service) publish(e crash.Event) {
	state, err := json.Marshal(e.Round)
	if err != nil {
		return
	}
	event, err := json.Marshal(e)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	pipe := s.client.Pipeline()
	pipe.Set(ctx, crashStateKey, state, crashStateTTL)
	pipe.Publish(ctx, CrashChannel, event)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warn("crash state publish failed", zap.String("event", e.Type), zap.Error(err))
	}
}

// CrashState returns the last published table snapshot.
func (s *service) CrashState(ctx context.Context) (crash.Snapshot, bool) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := s.client.Get(ctx, crashStateKey).Bytes()
	if err != nil {
		return crash.Snapshot{}, false
	}
	var snap crash.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return crash.Snapshot{}, false
	}
	return snap, true
}
