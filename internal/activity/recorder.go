// Package activity writes the append-only audit trail and forwards
// suspicious entries to the operator feed.
package activity

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/logging"
	"qrattend/internal/metrics"
	"qrattend/internal/model"
	"qrattend/internal/queue"
)

// MessageType tags flagged events on the queue.
const MessageType = "suspicious_activity"

// Store persists activity events.
type Store interface {
	AppendEvent(ctx context.Context, e model.ActivityEvent) error
	ListEvents(ctx context.Context, f model.ActivityFilter) ([]model.ActivityEvent, error)
	PurgeEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

// Publisher delivers flagged events to operators.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

// Origin describes where a request came from.
type Origin struct {
	IPAddress   string
	Fingerprint string
	UserAgent   string
}

// Recorder appends activity events.
type Recorder struct {
	store Store
	pub   Publisher
	now   func() time.Time
	log   *slog.Logger
}

// NewRecorder builds a recorder. pub may be nil.
func NewRecorder(store Store, pub Publisher, now func() time.Time, logger *slog.Logger) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{store: store, pub: pub, now: now, log: logger}
}

// Event builds an event for userID from origin.
func Event(userID, action string, origin Origin, details map[string]any) model.ActivityEvent {
	return model.ActivityEvent{
		UserID:      userID,
		Action:      action,
		Details:     details,
		IPAddress:   origin.IPAddress,
		Fingerprint: origin.Fingerprint,
		UserAgent:   origin.UserAgent,
	}
}

// Record stamps and persists e. Suspicious events are also published; a
// publish failure is logged but does not fail the write.
func (r *Recorder) Record(ctx context.Context, e model.ActivityEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}
	if e.RiskScore > 0 {
		e.Suspicious = true
	}
	if err := r.store.AppendEvent(ctx, e); err != nil {
		return err
	}
	if !e.Suspicious {
		return nil
	}
	reason, _ := e.Details["reason"].(string)
	metrics.FlaggedEvents.WithLabelValues(reason).Inc()
	if r.pub == nil {
		return nil
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := r.pub.Publish(ctx, queue.Message{Type: MessageType, Body: body}); err != nil {
		logging.FromContext(ctx, r.log).WarnContext(ctx, "flag publish failed", "event_id", e.ID, "error", err)
	}
	return nil
}

// Flagged lists suspicious events, newest first.
func (r *Recorder) Flagged(ctx context.Context, since *time.Time, limit int) ([]model.ActivityEvent, error) {
	return r.store.ListEvents(ctx, model.ActivityFilter{SuspiciousOnly: true, Since: since, Limit: limit})
}

// List returns events matching f, newest first.
func (r *Recorder) List(ctx context.Context, f model.ActivityFilter) ([]model.ActivityEvent, error) {
	return r.store.ListEvents(ctx, f)
}

// Purge removes events older than retention.
func (r *Recorder) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := r.store.PurgeEvents(ctx, r.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	metrics.PurgedRows.WithLabelValues("activity").Add(float64(n))
	return n, nil
}

// DecodeFlag parses a flagged event published by Record.
func DecodeFlag(msg queue.Message) (model.ActivityEvent, error) {
	var e model.ActivityEvent
	err := json.Unmarshal(msg.Body, &e)
	return e, err
}
