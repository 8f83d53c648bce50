// Package abuse screens admission attempts against recorded history.
//
// Checks are independent predicates so each can be exercised alone and the
// admission gate can compose them in its own order.
package abuse

import (
	"context"
	"errors"
	"time"

	"qrattend/internal/model"
	"qrattend/internal/store"
)

// Risk scores attached to flagged activity events.
const (
	RiskSharedDevice   = 40
	RiskInternal       = 50
	RiskVelocity       = 60
	RiskInvalidToken   = 70
	RiskCohortMismatch = 90
)

// DefaultCooldown is the minimum gap between two admissions by the same
// student from the same device.
const DefaultCooldown = 5 * time.Minute

// Reason names a finding.
type Reason string

const (
	ReasonInvalidToken   Reason = "invalid_qr_token"
	ReasonCohortMismatch Reason = "wrong_department_batch"
	ReasonRapidScanning  Reason = "rapid_scanning"
	ReasonSharedDevice   Reason = "shared_device"
)

// History is the read side of attendance storage the monitor relies on.
type History interface {
	LatestRecordByDevice(ctx context.Context, studentID, fingerprint string, since time.Time) (model.Record, error)
	DeviceUsedByOther(ctx context.Context, sessionID, fingerprint, studentID string) (bool, error)
}

// Subject is the admission attempt being screened.
type Subject struct {
	Student     model.Student
	Config      model.ClassConfig
	SessionID   string
	Fingerprint string
	Now         time.Time
}

// Finding is a positive screening result.
type Finding struct {
	Reason  Reason
	Risk    int
	Details map[string]any
}

// Predicate inspects a subject and returns a finding, or nil when clean.
type Predicate func(ctx context.Context, s Subject) (*Finding, error)

// Cohort flags a student whose department or batch differs from the class.
func Cohort() Predicate {
	return func(_ context.Context, s Subject) (*Finding, error) {
		if CohortMatches(s.Student, s.Config) {
			return nil, nil
		}
		return &Finding{
			Reason: ReasonCohortMismatch,
			Risk:   RiskCohortMismatch,
			Details: map[string]any{
				"student_department": s.Student.Department,
				"student_batch":      s.Student.Batch,
				"class_department":   s.Config.Department,
				"class_batch":        s.Config.Batch,
			},
		}, nil
	}
}

// CohortMatches reports whether student belongs to cfg's department and batch.
func CohortMatches(student model.Student, cfg model.ClassConfig) bool {
	return student.Department == cfg.Department && student.Batch == cfg.Batch
}

// Velocity flags a student admitted from the same device within window, in
// any session.
func Velocity(h History, window time.Duration) Predicate {
	return func(ctx context.Context, s Subject) (*Finding, error) {
		last, err := h.LatestRecordByDevice(ctx, s.Student.ID, s.Fingerprint, s.Now.Add(-window))
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &Finding{
			Reason:  ReasonRapidScanning,
			Risk:    RiskVelocity,
			Details: map[string]any{"last_scan": last.MarkedAt, "last_session_id": last.SessionID},
		}, nil
	}
}

// SharedDevice flags a device that already admitted another student in the
// same session. It does not reject; the record is marked unverified.
func SharedDevice(h History) Predicate {
	return func(ctx context.Context, s Subject) (*Finding, error) {
		if s.Fingerprint == "" {
			return nil, nil
		}
		used, err := h.DeviceUsedByOther(ctx, s.SessionID, s.Fingerprint, s.Student.ID)
		if err != nil || !used {
			return nil, err
		}
		return &Finding{
			Reason:  ReasonSharedDevice,
			Risk:    RiskSharedDevice,
			Details: map[string]any{"session_id": s.SessionID},
		}, nil
	}
}

// Monitor bundles the predicates used by the admission gate.
type Monitor struct {
	cooldown time.Duration

	cohort   Predicate
	velocity Predicate
	shared   Predicate
}

// NewMonitor returns a monitor over h with the given velocity cooldown.
func NewMonitor(h History, cooldown time.Duration) *Monitor {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Monitor{
		cooldown: cooldown,
		cohort:   Cohort(),
		velocity: Velocity(h, cooldown),
		shared:   SharedDevice(h),
	}
}

// Cooldown returns the configured velocity window.
func (m *Monitor) Cooldown() time.Duration { return m.cooldown }

// CheckCohort reports whether student may attend cfg.
func (m *Monitor) CheckCohort(student model.Student, cfg model.ClassConfig) bool {
	return CohortMatches(student, cfg)
}

// CheckVelocity reports whether studentID was admitted from fingerprint
// within the cooldown before now.
func (m *Monitor) CheckVelocity(ctx context.Context, studentID, fingerprint string, now time.Time) (bool, error) {
	f, err := m.velocity(ctx, Subject{Student: model.Student{ID: studentID}, Fingerprint: fingerprint, Now: now})
	return f != nil, err
}

// ScreenCohort runs the cohort predicate.
func (m *Monitor) ScreenCohort(ctx context.Context, s Subject) (*Finding, error) {
	return m.cohort(ctx, s)
}

// ScreenVelocity runs the velocity predicate.
func (m *Monitor) ScreenVelocity(ctx context.Context, s Subject) (*Finding, error) {
	return m.velocity(ctx, s)
}

// ScreenDevice runs the shared-device predicate.
func (m *Monitor) ScreenDevice(ctx context.Context, s Subject) (*Finding, error) {
	return m.shared(ctx, s)
}
