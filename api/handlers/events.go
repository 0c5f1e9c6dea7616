package handlers

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/alexngai/gitswarm-sub001/api"
)

// =============================================================================
// Activity feed
// =============================================================================

const (
	// feedBuffer is each subscriber's channel capacity. A subscriber
	// that falls this far behind starts losing events; the feed is a
	// live activity stream, not a durable log.
	feedBuffer = 64

	feedWriteTimeout = 10 * time.Second
	feedPingInterval = 30 * time.Second
)

// Feed fans applied federation events out to WebSocket subscribers.
// Publishing never blocks: slow subscribers drop events instead of
// stalling ingestion. A nil *Feed is valid and discards everything.
type Feed struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[chan api.EventEnvelope]struct{}
	closed bool

	dropped atomic.Uint64
}

// NewFeed creates an activity feed hub.
func NewFeed(logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		logger: logger.With(zap.String("component", "event_feed")),
		subs:   make(map[chan api.EventEnvelope]struct{}),
	}
}

// Publish sends an event to every live subscriber.
func (f *Feed) Publish(env api.EventEnvelope) {
	if f == nil {
		return
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	for ch := range f.subs {
		select {
		case ch <- env:
		default:
			f.dropped.Add(1)
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel removes it
// and closes the channel; call it exactly once.
func (f *Feed) Subscribe() (<-chan api.EventEnvelope, func()) {
	ch := make(chan api.EventEnvelope, feedBuffer)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			if _, ok := f.subs[ch]; ok {
				delete(f.subs, ch)
				close(ch)
			}
			f.mu.Unlock()
		})
	}
	return ch, cancel
}

// Subscribers reports the live subscriber count.
func (f *Feed) Subscribers() int {
	if f == nil {
		return 0
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Dropped reports how many events were lost to slow subscribers.
func (f *Feed) Dropped() uint64 {
	if f == nil {
		return 0
	}
	return f.dropped.Load()
}

// Close disconnects all subscribers. Publish becomes a no-op.
func (f *Feed) Close() {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for ch := range f.subs {
		close(ch)
	}
	f.subs = make(map[chan api.EventEnvelope]struct{})
}

// HandleEventsFeed upgrades the connection and streams applied events
// as JSON frames until the client disconnects.
// @Summary Stream federation events
// @Description WebSocket stream of applied sync events and merge decisions
// @Tags federation
// @Success 101 "Switching protocols"
// @Security BearerAuth
// @Router /api/v1/federation/events/ws [get]
func (f *Feed) HandleEventsFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Token auth guards this endpoint; browser origin checks do not.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		f.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "feed closed")

	events, cancel := f.Subscribe()
	defer cancel()

	f.logger.Debug("feed subscriber connected",
		zap.String("remote", r.RemoteAddr),
		zap.Int("subscribers", f.Subscribers()),
	)

	ctx := r.Context()
	ping := time.NewTicker(feedPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ping.C:
			if err := f.pingConn(ctx, conn); err != nil {
				f.logger.Debug("feed subscriber lost", zap.Error(err))
				return
			}
		case env, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "feed shutting down")
				return
			}
			if err := f.writeEvent(ctx, conn, env); err != nil {
				f.logger.Debug("feed write failed", zap.Error(err))
				return
			}
		}
	}
}

func (f *Feed) writeEvent(ctx context.Context, conn *websocket.Conn, env api.EventEnvelope) error {
	wctx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, env)
}

func (f *Feed) pingConn(ctx context.Context, conn *websocket.Conn) error {
	pctx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
	defer cancel()
	return conn.Ping(pctx)
}
