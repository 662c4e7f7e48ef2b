// Package analytics records terminal execution outcomes as windowed
// per-job counters in Redis, feeding success/failure trend dashboards.
package analytics

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jfourny/etlrun/internal/clock"
	"github.com/jfourny/etlrun/internal/domain"
)

const (
	defaultWindow    = time.Hour
	defaultRetention = 30 * 24 * time.Hour
)

// RedisSink implements engine.OutcomeRecorder. Recording is best-effort:
// a Redis outage is logged and never surfaces to the engine.
type RedisSink struct {
	client    *redis.Client
	clock     clock.Clock
	logger    *log.Logger
	window    time.Duration
	retention time.Duration
}

type Option func(*RedisSink)

func WithWindow(w time.Duration) Option {
	return func(s *RedisSink) {
		if w > 0 {
			s.window = w
		}
	}
}

func WithRetention(r time.Duration) Option {
	return func(s *RedisSink) {
		if r > 0 {
			s.retention = r
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(s *RedisSink) { s.logger = l }
}

func NewRedisSink(client *redis.Client, clk clock.Clock, opts ...Option) *RedisSink {
	s := &RedisSink{
		client:    client,
		clock:     clk,
		logger:    log.New(os.Stdout, "analytics: ", log.LstdFlags),
		window:    defaultWindow,
		retention: defaultRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordOutcome bumps the job's counter for the current time bucket and
// refreshes the key's TTL in one round trip.
func (s *RedisSink) RecordOutcome(ctx context.Context, jobID uuid.UUID, status domain.ExecutionStatus) {
	key := buildKey(jobID.String(), status, s.clock.Now(), s.window)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Printf("record outcome for job %s: %v", jobID, err)
	}
}

func buildKey(jobID string, status domain.ExecutionStatus, t time.Time, window time.Duration) string {
	return fmt.Sprintf("etlrun:j:%s:%s:%s", jobID, status, truncateToBucket(t, window))
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch {
	case window <= time.Minute:
		return t.Format("200601021504")
	case window <= time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("20060102")
	}
}
