package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/alexngai/gitswarm-sub001/swarm/authority"
	"github.com/alexngai/gitswarm-sub001/swarm/store"
)

// ReviewCritical reports whether an event type carries review state.
// Losing one of these makes any subsequent consensus evaluation
// unsound, so callers must treat their flush failures as blocking.
func ReviewCritical(t store.EventType) bool {
	return t == store.EventReview || t == store.EventSubmitReview
}

// FlushResult describes a flush attempt. A flush that delivers the
// whole queue has Remaining zero and no FailedTypes. A flush halted at
// event k has Flushed k-1, Remaining counting event k and everything
// behind it, and FailedTypes listing the distinct types of those
// undelivered events.
type FlushResult struct {
	Flushed     int               `json:"flushed"`
	Remaining   int               `json:"remaining"`
	FailedTypes []store.EventType `json:"failed_types,omitempty"`
	// FailureReason describes why the first undelivered event failed.
	FailureReason string `json:"failure_reason,omitempty"`
}

// Clean reports whether the queue was fully delivered.
func (r *FlushResult) Clean() bool { return r.Remaining == 0 }

// ReviewBlocked reports whether any undelivered event is
// review-critical.
func (r *FlushResult) ReviewBlocked() bool {
	for _, t := range r.FailedTypes {
		if ReviewCritical(t) {
			return true
		}
	}
	return false
}

// Transport delivers ordered event batches to the authority.
// authority.Client satisfies it.
type Transport interface {
	PushEvents(ctx context.Context, agentID string, events []authority.EventEnvelope) (*authority.PushReceipt, error)
}

// Config holds queue configuration.
type Config struct {
	// AgentID identifies this instance's queue partition.
	AgentID string
	// BatchSize caps how many events one push carries.
	BatchSize int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(agentID string) Config {
	return Config{AgentID: agentID, BatchSize: 100}
}

// Queue is the durable sync queue for one agent.
type Queue struct {
	config    Config
	events    store.SyncEventStore
	transport Transport
	logger    *zap.Logger

	// flushMu serializes flushes so ordering cannot interleave
	flushMu sync.Mutex
}

// New creates a queue over the given event store and transport.
func New(config Config, events store.SyncEventStore, transport Transport, logger *zap.Logger) *Queue {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		config:    config,
		events:    events,
		transport: transport,
		logger:    logger.With(zap.String("component", "sync_queue"), zap.String("agent_id", config.AgentID)),
	}
}

// Enqueue appends an event to the queue. The payload is serialized to
// JSON; a nil payload enqueues an event with no body.
func (q *Queue) Enqueue(ctx context.Context, eventType store.EventType, payload any) (*store.SyncEvent, error) {
	if !eventType.Valid() {
		return nil, fmt.Errorf("%w: event type %q", store.ErrInvalidInput, eventType)
	}

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize event payload: %w", err)
		}
	}

	event := &store.SyncEvent{
		AgentID: q.config.AgentID,
		Type:    eventType,
		Payload: body,
	}
	if err := q.events.Append(ctx, event); err != nil {
		return nil, err
	}

	q.logger.Debug("event queued",
		zap.Uint64("seq", event.Seq),
		zap.String("type", string(eventType)),
	)
	return event, nil
}

// Pending returns the queued events in delivery order.
func (q *Queue) Pending(ctx context.Context) ([]*store.SyncEvent, error) {
	return q.events.Pending(ctx, q.config.AgentID)
}

// Depth returns how many events are waiting.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	return q.events.Count(ctx, q.config.AgentID)
}

// Flush delivers queued events to the authority in sequence order,
// stopping at the first event the authority does not accept. Delivered
// events are acknowledged and removed; the failed event and everything
// behind it stay queued for the next attempt. Delivery failures are
// reported in the result, not as an error: the error return is
// reserved for store faults.
func (q *Queue) Flush(ctx context.Context) (*FlushResult, error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	pending, err := q.events.Pending(ctx, q.config.AgentID)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return &FlushResult{}, nil
	}

	result := &FlushResult{}
	for len(pending) > 0 {
		batch := pending
		if len(batch) > q.config.BatchSize {
			batch = batch[:q.config.BatchSize]
		}

		envelopes := make([]authority.EventEnvelope, len(batch))
		for i, ev := range batch {
			envelopes[i] = authority.FromStoreEvent(ev)
		}

		receipt, err := q.transport.PushEvents(ctx, q.config.AgentID, envelopes)
		if err != nil {
			// Transport failure: nothing in this batch was applied.
			q.halt(result, pending, err.Error())
			return result, nil
		}

		accepted := receipt.Accepted
		if accepted > len(batch) {
			accepted = len(batch)
		}
		for _, ev := range batch[:accepted] {
			if err := q.events.Ack(ctx, q.config.AgentID, ev.Seq); err != nil {
				return nil, fmt.Errorf("failed to ack event %d: %w", ev.Seq, err)
			}
		}
		result.Flushed += accepted

		if accepted < len(batch) {
			q.halt(result, pending[accepted:], receipt.Error)
			return result, nil
		}
		pending = pending[len(batch):]
	}

	q.logger.Info("queue flushed", zap.Int("flushed", result.Flushed))
	return result, nil
}

// halt records the undelivered tail of the queue on the result.
func (q *Queue) halt(result *FlushResult, undelivered []*store.SyncEvent, reason string) {
	result.Remaining = len(undelivered)
	result.FailedTypes = distinctTypes(undelivered)
	result.FailureReason = reason
	q.logger.Warn("flush halted",
		zap.Int("flushed", result.Flushed),
		zap.Int("remaining", result.Remaining),
		zap.String("reason", reason),
	)
}

// distinctTypes returns the event types present in order of first
// appearance.
func distinctTypes(events []*store.SyncEvent) []store.EventType {
	seen := make(map[store.EventType]struct{}, len(events))
	types := make([]store.EventType, 0, len(events))
	for _, ev := range events {
		if _, ok := seen[ev.Type]; ok {
			continue
		}
		seen[ev.Type] = struct{}{}
		types = append(types, ev.Type)
	}
	return types
}
