package events

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/circuitbreaker"
	"github.com/fathomlabs/fathom/internal/metrics"
)

const (
	streamPrefix   = "fathom:events:"
	publishTimeout = 2 * time.Second
)

// RedisPublisher mirrors events onto per-mission Redis streams so
// external consumers can follow progress. Redis being down only drops
// mirrored events; in-process subscribers are unaffected.
type RedisPublisher struct {
	rc      *circuitbreaker.RedisClient
	queue   chan Event
	maxLen  int64
	logger  *zap.Logger
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

// NewRedisPublisher wraps client and starts the publish worker.
func NewRedisPublisher(client *redis.Client, logger *zap.Logger) *RedisPublisher {
	p := &RedisPublisher{
		rc:     circuitbreaker.NewRedisClient(client, logger),
		queue:  make(chan Event, 256),
		maxLen: 1024,
		logger: logger,
	}
	p.wg.Add(1)
	go p.worker()
	return p
}

// Ping checks Redis connectivity through the breaker.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.rc.Ping(ctx)
}

// Send enqueues the event for mirroring. Never blocks; a full queue
// drops the event.
func (p *RedisPublisher) Send(evt Event) {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	select {
	case p.queue <- evt:
	default:
		metrics.EventsDropped.WithLabelValues("redis_queue_full").Inc()
	}
	p.closeMu.Unlock()
}

func (p *RedisPublisher) worker() {
	defer p.wg.Done()
	for evt := range p.queue {
		if p.rc.Open() {
			metrics.EventsDropped.WithLabelValues("redis_breaker_open").Inc()
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := p.rc.XAdd(ctx, &redis.XAddArgs{
			Stream: streamPrefix + evt.MissionID,
			MaxLen: p.maxLen,
			Approx: true,
			Values: map[string]any{
				"type":    string(evt.Type),
				"phase":   evt.Phase,
				"message": evt.Message,
				"seq":     evt.Seq,
				"payload": string(evt.Marshal()),
			},
		})
		cancel()
		if err != nil {
			metrics.EventsDropped.WithLabelValues("redis_error").Inc()
			p.logger.Debug("Event mirror to redis failed",
				zap.String("mission_id", evt.MissionID),
				zap.Error(err))
		}
	}
}

// Close drains the queue and releases the connection.
func (p *RedisPublisher) Close() error {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.closeMu.Unlock()

	p.wg.Wait()
	return p.rc.Close()
}
