package attendance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/abuse"
	"qrattend/internal/activity"
	"qrattend/internal/apperr"
	"qrattend/internal/logging"
	"qrattend/internal/metrics"
	"qrattend/internal/model"
	"qrattend/internal/store"
	"qrattend/internal/token"
)

// DefaultLateAfter is the session age from which admissions count as late.
const DefaultLateAfter = 15 * time.Minute

// Reason explains a rejected admission.
type Reason string

const (
	ReasonInvalidRequest  Reason = "invalid_request"
	ReasonInvalidToken    Reason = "invalid_token"
	ReasonSessionNotFound Reason = "session_not_found"
	ReasonCohortMismatch  Reason = "cohort_mismatch"
	ReasonAlreadyMarked   Reason = "already_marked"
	ReasonTooManyAttempts Reason = "too_many_attempts"
	ReasonInternal        Reason = "internal_error"
)

// Store is the storage the admission gate and history need.
type Store interface {
	GetConfig(ctx context.Context, id string) (model.ClassConfig, error)
	GetRecord(ctx context.Context, sessionID, studentID string) (model.Record, error)
	InsertRecord(ctx context.Context, r model.Record) (model.Record, error)
	ListRecords(ctx context.Context, f model.RecordFilter) ([]model.Record, int, error)
	SummarizeRecords(ctx context.Context, f model.RecordFilter) ([]model.StatusCount, error)
}

// Sessions resolves tokens and keeps session counters.
type Sessions interface {
	Resolve(ctx context.Context, tok string) (model.Session, token.Claim, error)
	RecordScan(ctx context.Context, sessionID string) error
	RecordAttendee(ctx context.Context, sessionID string) error
}

// Screener runs the abuse predicates.
type Screener interface {
	ScreenCohort(ctx context.Context, s abuse.Subject) (*abuse.Finding, error)
	ScreenVelocity(ctx context.Context, s abuse.Subject) (*abuse.Finding, error)
	ScreenDevice(ctx context.Context, s abuse.Subject) (*abuse.Finding, error)
}

// EventRecorder appends audit events.
type EventRecorder interface {
	Record(ctx context.Context, e model.ActivityEvent) error
}

// Options tune a Service.
type Options struct {
	LateAfter time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
}

// Service admits students into sessions and reports their history.
type Service struct {
	store     Store
	sessions  Sessions
	screener  Screener
	events    EventRecorder
	lateAfter time.Duration
	now       func() time.Time
	log       *slog.Logger
}

// NewService creates a service.
func NewService(st Store, sessions Sessions, screener Screener, events EventRecorder, opts Options) *Service {
	if opts.LateAfter <= 0 {
		opts.LateAfter = DefaultLateAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:     st,
		sessions:  sessions,
		screener:  screener,
		events:    events,
		lateAfter: opts.LateAfter,
		now:       opts.Now,
		log:       opts.Logger,
	}
}

// Request is one admission attempt. Student comes from the authenticated
// identity, never from the token.
type Request struct {
	Token    string
	Student  model.Student
	Origin   activity.Origin
	Location *model.Location
}

// Decision describes the outcome of an admission attempt.
type Decision struct {
	Accepted bool
	Status   model.Status
	Reason   Reason
	// Record is the committed record, or the earlier one for ReasonAlreadyMarked.
	Record    *model.Record
	RiskScore int
}

// AlreadyMarked is the conflict payload echoed to a student who retries.
type AlreadyMarked struct {
	MarkedAt time.Time    `json:"marked_at"`
	Status   model.Status `json:"status"`
}

// Classify returns Late when the session is at least lateAfter old at at.
func Classify(sessionCreated, at time.Time, lateAfter time.Duration) model.Status {
	if at.Sub(sessionCreated) >= lateAfter {
		return model.StatusLate
	}
	return model.StatusPresent
}

// Admit evaluates an attempt in a fixed order: token, session, cohort,
// duplicate, velocity, commit. The first failing step decides the outcome.
// Every attempt writes exactly one activity event. Rejections return a
// Decision describing the reason together with an *apperr.Error.
func (s *Service) Admit(ctx context.Context, req Request) (Decision, error) {
	start := time.Now()
	d, err := s.admit(ctx, req)
	result := "accepted"
	if !d.Accepted {
		result = string(d.Reason)
	}
	metrics.Admissions.WithLabelValues(result).Inc()
	metrics.AdmissionDuration.Observe(time.Since(start).Seconds())
	return d, err
}

func (s *Service) admit(ctx context.Context, req Request) (Decision, error) {
	log := logging.FromContext(ctx, s.log).With("student_id", req.Student.ID)
	student := req.Student

	if student.ID == "" {
		return s.reject(ctx, req, ReasonInvalidRequest, 0, nil, apperr.Authentication("student identity required"))
	}
	if req.Token == "" {
		return s.reject(ctx, req, ReasonInvalidRequest, 0, nil, apperr.Validation("QR token required"))
	}

	sess, _, err := s.sessions.Resolve(ctx, req.Token)
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindValidation:
			return s.reject(ctx, req, ReasonInvalidToken, abuse.RiskInvalidToken,
				map[string]any{"reason": string(abuse.ReasonInvalidToken)}, err)
		case apperr.KindNotFound:
			// answered like a bad token; only the audit tells them apart
			return s.reject(ctx, req, ReasonInvalidToken, 0,
				map[string]any{"reason": string(ReasonSessionNotFound)},
				&apperr.Error{Kind: apperr.KindValidation, Message: token.ErrInvalid.Error(), Err: err})
		default:
			log.ErrorContext(ctx, "session resolution failed", "error", err)
			return s.internal(ctx, req, err)
		}
	}
	log = log.With("session_id", sess.ID)
	if err := s.sessions.RecordScan(ctx, sess.ID); err != nil {
		log.WarnContext(ctx, "scan counter update failed", "error", err)
	}

	cfg, err := s.store.GetConfig(ctx, sess.ConfigID)
	if err != nil {
		log.ErrorContext(ctx, "config lookup failed", "error", err)
		return s.internal(ctx, req, err)
	}

	now := s.now()
	subject := abuse.Subject{
		Student:     student,
		Config:      cfg,
		SessionID:   sess.ID,
		Fingerprint: req.Origin.Fingerprint,
		Now:         now,
	}

	finding, err := s.screener.ScreenCohort(ctx, subject)
	if err != nil {
		return s.internal(ctx, req, err)
	}
	if finding != nil {
		log.WarnContext(ctx, "cohort mismatch", "department", student.Department, "batch", student.Batch)
		return s.reject(ctx, req, ReasonCohortMismatch, finding.Risk, findingDetails(finding, sess),
			apperr.Authorization("You are not authorized to mark attendance for this class"))
	}

	existing, err := s.store.GetRecord(ctx, sess.ID, student.ID)
	switch {
	case err == nil:
		return s.alreadyMarked(ctx, req, existing)
	case !errors.Is(err, store.ErrNotFound):
		return s.internal(ctx, req, err)
	}

	finding, err = s.screener.ScreenVelocity(ctx, subject)
	if err != nil {
		return s.internal(ctx, req, err)
	}
	if finding != nil {
		// a concurrent attempt for this same session may have committed
		// since the duplicate check
		if prior, gerr := s.store.GetRecord(ctx, sess.ID, student.ID); gerr == nil {
			return s.alreadyMarked(ctx, req, prior)
		}
		log.WarnContext(ctx, "rapid scanning", "fingerprint", req.Origin.Fingerprint)
		return s.reject(ctx, req, ReasonTooManyAttempts, finding.Risk, findingDetails(finding, sess),
			apperr.RateExceeded("Please wait before scanning another QR code"))
	}

	device, err := s.screener.ScreenDevice(ctx, subject)
	if err != nil {
		return s.internal(ctx, req, err)
	}

	status := Classify(sess.CreatedAt, now, s.lateAfter)
	rec := model.Record{
		ID:          uuid.NewString(),
		SessionID:   sess.ID,
		ConfigID:    cfg.ID,
		Student:     student,
		Course:      cfg.Course,
		MarkedAt:    now,
		Status:      status,
		Fingerprint: req.Origin.Fingerprint,
		IPAddress:   req.Origin.IPAddress,
		Location:    req.Location,
		Verified:    true,
	}
	if rec.Student.Section == "" {
		rec.Student.Section = cfg.Section
	}
	risk := 0
	details := map[string]any{
		"session_id":   sess.ID,
		"config_id":    cfg.ID,
		"course":       cfg.Course,
		"status":       string(status),
		"elapsed_mins": int(now.Sub(sess.CreatedAt).Round(time.Minute) / time.Minute),
	}
	if device != nil {
		rec.Verified = false
		rec.Flags = append(rec.Flags, model.FlagSuspiciousDevice)
		risk = device.Risk
		details["reason"] = string(device.Reason)
	}

	committed, err := s.store.InsertRecord(ctx, rec)
	if errors.Is(err, store.ErrConflict) {
		// lost a concurrent race for the same pair
		prior, gerr := s.store.GetRecord(ctx, sess.ID, student.ID)
		if gerr != nil {
			return s.internal(ctx, req, gerr)
		}
		return s.alreadyMarked(ctx, req, prior)
	}
	if err != nil {
		log.ErrorContext(ctx, "record insert failed", "error", err)
		return s.internal(ctx, req, err)
	}

	if err := s.sessions.RecordAttendee(ctx, sess.ID); err != nil {
		log.WarnContext(ctx, "attendee counter update failed", "error", err)
	}
	e := activity.Event(student.ID, model.ActionAttendanceMarked, req.Origin, details)
	e.RiskScore = risk
	s.audit(ctx, e)
	log.InfoContext(ctx, "attendance marked", "status", status, "verified", committed.Verified)

	return Decision{Accepted: true, Status: status, Record: &committed, RiskScore: risk}, nil
}

func (s *Service) alreadyMarked(ctx context.Context, req Request, prior model.Record) (Decision, error) {
	d, _ := s.reject(ctx, req, ReasonAlreadyMarked, 0, map[string]any{
		"session_id": prior.SessionID,
		"marked_at":  prior.MarkedAt,
	}, nil)
	d.Record = &prior
	d.Status = prior.Status
	return d, apperr.Conflict("Attendance already marked for this session", AlreadyMarked{
		MarkedAt: prior.MarkedAt,
		Status:   prior.Status,
	})
}

func (s *Service) internal(ctx context.Context, req Request, cause error) (Decision, error) {
	return s.reject(ctx, req, ReasonInternal, abuse.RiskInternal,
		map[string]any{"reason": "attendance_marking_error", "error": cause.Error()},
		apperr.Internal("attendance marking failed", cause))
}

// reject writes the single audit event for a failed attempt. Attempts with
// a risk score are written as suspicious activity.
func (s *Service) reject(ctx context.Context, req Request, reason Reason, risk int, details map[string]any, err error) (Decision, error) {
	if details == nil {
		details = map[string]any{}
	}
	if _, ok := details["reason"]; !ok {
		details["reason"] = string(reason)
	}
	action := model.ActionAttendanceDenied
	if risk > 0 {
		action = model.ActionSuspicious
	}
	e := activity.Event(req.Student.ID, action, req.Origin, details)
	e.RiskScore = risk
	s.audit(ctx, e)
	return Decision{Reason: reason, RiskScore: risk}, err
}

func (s *Service) audit(ctx context.Context, e model.ActivityEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Record(ctx, e); err != nil {
		logging.FromContext(ctx, s.log).ErrorContext(ctx, "activity write failed", "action", e.Action, "error", err)
	}
}

func findingDetails(f *abuse.Finding, sess model.Session) map[string]any {
	out := map[string]any{"reason": string(f.Reason), "session_id": sess.ID}
	for k, v := range f.Details {
		out[k] = v
	}
	return out
}
