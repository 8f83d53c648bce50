// Package session tracks the single live QR session per class configuration.
//
// All coordination goes through storage: the store enforces one active
// session per configuration, and a losing concurrent open reuses the winner.
package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/activity"
	"qrattend/internal/apperr"
	"qrattend/internal/logging"
	"qrattend/internal/metrics"
	"qrattend/internal/model"
	"qrattend/internal/store"
	"qrattend/internal/token"
)

// DefaultRetention is how long expired sessions are kept before purge.
const DefaultRetention = time.Hour

const (
	recentAttendeeLimit = 10
	openAttempts        = 3
)

var errSessionGone = apperr.NotFound("QR code has expired or is invalid")

// Store is the storage the registry needs.
type Store interface {
	GetConfig(ctx context.Context, id string) (model.ClassConfig, error)
	FindLiveSession(ctx context.Context, configID string, now time.Time) (model.Session, error)
	CreateSession(ctx context.Context, s model.Session, now time.Time) (model.Session, error)
	GetSession(ctx context.Context, id string) (model.Session, error)
	AddSessionCounters(ctx context.Context, id string, scans, attendees int) error
	DeactivateSession(ctx context.Context, id string) error
	PurgeSessions(ctx context.Context, cutoff time.Time) (int64, error)
	ListRecords(ctx context.Context, f model.RecordFilter) ([]model.Record, int, error)
}

// EventRecorder appends audit events.
type EventRecorder interface {
	Record(ctx context.Context, e model.ActivityEvent) error
}

// Options tune a Registry.
type Options struct {
	Retention time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
}

// Registry opens, resolves and reports on sessions.
type Registry struct {
	store     Store
	codec     *token.Codec
	events    EventRecorder
	retention time.Duration
	now       func() time.Time
	log       *slog.Logger
}

// NewRegistry wires a registry.
func NewRegistry(st Store, codec *token.Codec, events EventRecorder, opts Options) *Registry {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		store:     st,
		codec:     codec,
		events:    events,
		retention: opts.Retention,
		now:       opts.Now,
		log:       opts.Logger,
	}
}

// Opened is the result of Open.
type Opened struct {
	Session          model.Session
	Config           model.ClassConfig
	Token            string
	RemainingSeconds int
	Reused           bool
}

// Open returns the live session of configID, minting one when none exists.
// Only the configuration's owner may open sessions.
func (r *Registry) Open(ctx context.Context, ownerID, configID string, origin activity.Origin) (Opened, error) {
	log := logging.FromContext(ctx, r.log).With("config_id", configID)

	cfg, err := r.ownedConfig(ctx, ownerID, configID)
	if err != nil {
		return Opened{}, err
	}

	for attempt := 0; attempt < openAttempts; attempt++ {
		now := r.now()
		live, err := r.store.FindLiveSession(ctx, cfg.ID, now)
		switch {
		case err == nil:
			metrics.SessionsOpened.WithLabelValues("reused").Inc()
			return Opened{
				Session:          live,
				Config:           cfg,
				Token:            live.Token,
				RemainingSeconds: live.RemainingSeconds(now),
				Reused:           true,
			}, nil
		case !errors.Is(err, store.ErrNotFound):
			return Opened{}, apperr.Internal("session lookup failed", err)
		}

		id := uuid.NewString()
		tok, exp, err := r.codec.Issue(token.Claim{SessionID: id, ConfigID: cfg.ID, OwnerID: cfg.OwnerID})
		if err != nil {
			return Opened{}, apperr.Internal("token signing failed", err)
		}
		created, err := r.store.CreateSession(ctx, model.Session{
			ID:        id,
			ConfigID:  cfg.ID,
			OwnerID:   cfg.OwnerID,
			Token:     tok,
			CreatedAt: now,
			ExpiresAt: exp,
			Active:    true,
		}, now)
		if errors.Is(err, store.ErrConflict) {
			// another instance won the slot; pick its session up
			log.DebugContext(ctx, "session slot taken, retrying", "attempt", attempt)
			continue
		}
		if err != nil {
			return Opened{}, apperr.Internal("session create failed", err)
		}

		metrics.SessionsOpened.WithLabelValues("created").Inc()
		r.audit(ctx, activity.Event(ownerID, model.ActionQRGenerated, origin, map[string]any{
			"config_id":  cfg.ID,
			"session_id": created.ID,
			"course":     cfg.Course,
			"department": cfg.Department,
			"batch":      cfg.Batch,
		}))
		log.InfoContext(ctx, "session opened", "session_id", created.ID, "expires_at", created.ExpiresAt)
		return Opened{
			Session:          created,
			Config:           cfg,
			Token:            tok,
			RemainingSeconds: created.RemainingSeconds(now),
		}, nil
	}
	return Opened{}, apperr.Internal("session slot contention", errors.New("open retries exhausted"))
}

// Resolve verifies tok and returns the live session it names. The session's
// own state is re-checked against the wall clock because an owner may close
// it before the token expires.
func (r *Registry) Resolve(ctx context.Context, tok string) (model.Session, token.Claim, error) {
	claim, err := r.codec.Verify(tok)
	if err != nil {
		return model.Session{}, token.Claim{}, &apperr.Error{Kind: apperr.KindValidation, Message: token.ErrInvalid.Error(), Err: err}
	}
	s, err := r.store.GetSession(ctx, claim.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Session{}, claim, errSessionGone
	}
	if err != nil {
		return model.Session{}, claim, apperr.Internal("session lookup failed", err)
	}
	if s.Token != tok || s.ConfigID != claim.ConfigID || !s.Live(r.now()) {
		return model.Session{}, claim, errSessionGone
	}
	return s, claim, nil
}

// RecordScan counts a scan that resolved to sessionID.
func (r *Registry) RecordScan(ctx context.Context, sessionID string) error {
	return r.store.AddSessionCounters(ctx, sessionID, 1, 0)
}

// RecordAttendee counts an admitted student.
func (r *Registry) RecordAttendee(ctx context.Context, sessionID string) error {
	return r.store.AddSessionCounters(ctx, sessionID, 0, 1)
}

// Attendee is a compact view of an admitted student.
type Attendee struct {
	StudentName   string       `json:"student_name"`
	StudentNumber string       `json:"student_number"`
	MarkedAt      time.Time    `json:"marked_at"`
	Status        model.Status `json:"status"`
}

// Stats is the live view of a session for its owner.
type Stats struct {
	Session          model.Session `json:"session"`
	AttendanceCount  int           `json:"attendance_count"`
	RecentAttendees  []Attendee    `json:"recent_attendees"`
	Active           bool          `json:"is_active"`
	RemainingSeconds int           `json:"remaining_seconds"`
}

// Stats reports attendance for sessionID. Sessions of other owners are
// reported as not found.
func (r *Registry) Stats(ctx context.Context, ownerID, sessionID string) (Stats, error) {
	s, err := r.ownedSession(ctx, ownerID, sessionID)
	if err != nil {
		return Stats{}, err
	}
	recs, total, err := r.store.ListRecords(ctx, model.RecordFilter{SessionID: s.ID, Limit: recentAttendeeLimit})
	if err != nil {
		return Stats{}, apperr.Internal("attendance lookup failed", err)
	}
	attendees := make([]Attendee, 0, len(recs))
	for _, rec := range recs {
		attendees = append(attendees, Attendee{
			StudentName:   rec.Student.Name,
			StudentNumber: rec.Student.StudentNumber,
			MarkedAt:      rec.MarkedAt,
			Status:        rec.Status,
		})
	}
	now := r.now()
	return Stats{
		Session:          s,
		AttendanceCount:  total,
		RecentAttendees:  attendees,
		Active:           s.Live(now),
		RemainingSeconds: s.RemainingSeconds(now),
	}, nil
}

// Live returns the owner's session when it still accepts admissions.
func (r *Registry) Live(ctx context.Context, ownerID, sessionID string) (model.Session, error) {
	s, err := r.ownedSession(ctx, ownerID, sessionID)
	if err != nil {
		return model.Session{}, err
	}
	if !s.Live(r.now()) {
		return model.Session{}, errSessionGone
	}
	return s, nil
}

// Close deactivates sessionID before its expiry.
func (r *Registry) Close(ctx context.Context, ownerID, sessionID string, origin activity.Origin) error {
	s, err := r.ownedSession(ctx, ownerID, sessionID)
	if err != nil {
		return err
	}
	if err := r.store.DeactivateSession(ctx, s.ID); err != nil {
		return apperr.Internal("session close failed", err)
	}
	r.audit(ctx, activity.Event(ownerID, model.ActionSessionClosed, origin, map[string]any{"session_id": s.ID}))
	return nil
}

// Purge deletes sessions that expired more than the retention ago.
func (r *Registry) Purge(ctx context.Context) (int64, error) {
	n, err := r.store.PurgeSessions(ctx, r.now().Add(-r.retention))
	if err != nil {
		return 0, err
	}
	metrics.PurgedRows.WithLabelValues("sessions").Add(float64(n))
	return n, nil
}

// TTL returns the lifetime of newly opened sessions.
func (r *Registry) TTL() time.Duration { return r.codec.TTL() }

func (r *Registry) ownedConfig(ctx context.Context, ownerID, configID string) (model.ClassConfig, error) {
	cfg, err := r.store.GetConfig(ctx, configID)
	if errors.Is(err, store.ErrNotFound) {
		return model.ClassConfig{}, apperr.NotFound("class configuration not found")
	}
	if err != nil {
		return model.ClassConfig{}, apperr.Internal("config lookup failed", err)
	}
	if cfg.OwnerID != ownerID || !cfg.Active {
		return model.ClassConfig{}, apperr.NotFound("class configuration not found")
	}
	return cfg, nil
}

func (r *Registry) ownedSession(ctx context.Context, ownerID, sessionID string) (model.Session, error) {
	s, err := r.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Session{}, apperr.NotFound("session not found")
	}
	if err != nil {
		return model.Session{}, apperr.Internal("session lookup failed", err)
	}
	if s.OwnerID != ownerID {
		return model.Session{}, apperr.NotFound("session not found")
	}
	return s, nil
}

func (r *Registry) audit(ctx context.Context, e model.ActivityEvent) {
	if r.events == nil {
		return
	}
	if err := r.events.Record(ctx, e); err != nil {
		logging.FromContext(ctx, r.log).ErrorContext(ctx, "activity write failed", "action", e.Action, "error", err)
	}
}
