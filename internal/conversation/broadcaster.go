// ABOUTME: Fan-out of presence events to every registered connection
// ABOUTME: Sends concurrently with a bounded worker count and a per-send deadline

package conversation

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/jarvis-gateway/internal/metrics"
	"github.com/2389/jarvis-gateway/internal/session"
)

const (
	defaultBroadcastConcurrency = 16
	defaultBroadcastTimeout     = 5 * time.Second
)

// Broadcaster delivers presence events to the connections of a Registry.
type Broadcaster struct {
	registry    *session.Registry
	concurrency int
	timeout     time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewBroadcaster creates a Broadcaster over registry. Non-positive
// concurrency or timeout fall back to defaults. m may be nil.
func NewBroadcaster(registry *session.Registry, concurrency int, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency <= 0 {
		concurrency = defaultBroadcastConcurrency
	}
	if timeout <= 0 {
		timeout = defaultBroadcastTimeout
	}
	return &Broadcaster{
		registry:    registry,
		concurrency: concurrency,
		timeout:     timeout,
		logger:      logger.With("component", "broadcaster"),
		metrics:     m,
	}
}

// Announce sends event to every registered connection except exclude and
// returns how many sends succeeded. A failed send is logged and counted and
// never stops delivery to the others.
func (b *Broadcaster) Announce(ctx context.Context, event PresenceEvent, exclude *session.Connection) int {
	targets := b.registry.Snapshot()

	var delivered atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)

	for _, conn := range targets {
		if conn == exclude {
			continue
		}
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(gctx, b.timeout)
			defer cancel()

			if err := conn.Send(sendCtx, event); err != nil {
				b.metrics.BroadcastFailed()
				b.logger.Debug("presence delivery failed",
					"to_user_id", conn.UserID,
					"connection_id", conn.ID,
					"error", err)
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	n := int(delivered.Load())
	b.logger.Debug("presence announced",
		"user_id", event.UserID,
		"status", event.Status,
		"delivered", n)
	return n
}
