package model

import "time"

// Status classifies an admitted attendance record.
type Status string

const (
	StatusPresent Status = "Present"
	StatusLate    Status = "Late"
	StatusExcused Status = "Excused"
)

// Class types accepted for a class configuration.
const (
	ClassTheory   = "Theory"
	ClassLab      = "Lab"
	ClassTutorial = "Tutorial"
	ClassSeminar  = "Seminar"
)

// FlagSuspiciousDevice marks a record admitted from a device another
// student used in the same session.
const FlagSuspiciousDevice = "suspicious_device"

// ClassConfig is a reusable (teacher, course, cohort) template for sessions.
type ClassConfig struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"owner_id"`
	Department    string     `json:"department"`
	Batch         string     `json:"batch"`
	Section       string     `json:"section,omitempty"`
	Course        string     `json:"course"`
	ClassType     string     `json:"class_type"`
	Active        bool       `json:"active"`
	TotalSessions int        `json:"total_sessions"`
	LastUsed      *time.Time `json:"last_used,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Session is one time-boxed attendance window for a ClassConfig.
type Session struct {
	ID              string    `json:"id"`
	ConfigID        string    `json:"config_id"`
	OwnerID         string    `json:"owner_id"`
	Token           string    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	Active          bool      `json:"active"`
	TotalScans      int       `json:"total_scans"`
	UniqueAttendees int       `json:"unique_attendees"`
}

// Live reports whether the session still accepts admissions at now.
func (s Session) Live(now time.Time) bool {
	return s.Active && now.Before(s.ExpiresAt)
}

// RemainingSeconds is the whole number of seconds left before expiry.
func (s Session) RemainingSeconds(now time.Time) int {
	if !now.Before(s.ExpiresAt) {
		return 0
	}
	return int(s.ExpiresAt.Sub(now) / time.Second)
}

// Student is the identity snapshot captured at admission time.
type Student struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Email         string `json:"email,omitempty"`
	StudentNumber string `json:"student_number"`
	Department    string `json:"department"`
	Batch         string `json:"batch"`
	Section       string `json:"section,omitempty"`
}

// Location is an optional client-reported geolocation.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
}

// Record is one admitted attendance outcome. Records are immutable.
type Record struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	ConfigID    string    `json:"config_id"`
	Student     Student   `json:"student"`
	Course      string    `json:"course"`
	MarkedAt    time.Time `json:"marked_at"`
	Status      Status    `json:"status"`
	Fingerprint string    `json:"-"`
	IPAddress   string    `json:"-"`
	Location    *Location `json:"location,omitempty"`
	Verified    bool      `json:"verified"`
	Flags       []string  `json:"flags,omitempty"`
}

// Activity actions written to the audit trail.
const (
	ActionQRGenerated      = "qr_generated"
	ActionAttendanceMarked = "attendance_marked"
	ActionAttendanceDenied = "attendance_denied"
	ActionSuspicious       = "suspicious_activity"
	ActionPresetCreated    = "preset_created"
	ActionPresetDeleted    = "preset_deleted"
	ActionSessionClosed    = "session_closed"
)

// ActivityEvent is an append-only audit entry.
type ActivityEvent struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Action      string         `json:"action"`
	Details     map[string]any `json:"details,omitempty"`
	IPAddress   string         `json:"ip_address,omitempty"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	UserAgent   string         `json:"user_agent,omitempty"`
	Suspicious  bool           `json:"suspicious"`
	RiskScore   int            `json:"risk_score"`
	CreatedAt   time.Time      `json:"created_at"`
}

// RecordFilter narrows record listings and summaries.
type RecordFilter struct {
	StudentID string
	SessionID string
	ConfigID  string
	From      *time.Time
	To        *time.Time
	// Course matches case-insensitively as a substring.
	Course string
	Limit  int
	Offset int
}

// StatusCount is one (course, status) aggregate row.
type StatusCount struct {
	Course string
	Status Status
	Count  int
}

// ActivityFilter narrows activity listings.
type ActivityFilter struct {
	UserID         string
	SuspiciousOnly bool
	Since          *time.Time
	Limit          int
}
