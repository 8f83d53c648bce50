package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/model"
)

// Memory is a process-local store with the same uniqueness rules as the
// Postgres schema. It backs tests and single-instance dev runs.
type Memory struct {
	mu       sync.Mutex
	configs  map[string]model.ClassConfig
	sessions map[string]model.Session
	records  map[string]model.Record
	byPair   map[string]string // session|student -> record id
	events   []model.ActivityEvent
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		configs:  make(map[string]model.ClassConfig),
		sessions: make(map[string]model.Session),
		records:  make(map[string]model.Record),
		byPair:   make(map[string]string),
	}
}

// CreateConfig inserts cfg unless an active configuration with the same
// owner and cohort tuple exists.
func (m *Memory) CreateConfig(_ context.Context, cfg model.ClassConfig) (model.ClassConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.configs {
		if existing.Active && sameTuple(existing, cfg) {
			return model.ClassConfig{}, ErrConflict
		}
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}
	cfg.Active = true
	m.configs[cfg.ID] = cfg
	return cfg, nil
}

func sameTuple(a, b model.ClassConfig) bool {
	return a.OwnerID == b.OwnerID && a.Department == b.Department && a.Batch == b.Batch &&
		a.Course == b.Course && a.ClassType == b.ClassType && a.Section == b.Section
}

func (m *Memory) GetConfig(_ context.Context, id string) (model.ClassConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[id]
	if !ok {
		return model.ClassConfig{}, ErrNotFound
	}
	return cfg, nil
}

// ListConfigs returns the owner's active configurations, most recently used
// first.
func (m *Memory) ListConfigs(_ context.Context, ownerID string) ([]model.ClassConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ClassConfig
	for _, cfg := range m.configs {
		if cfg.OwnerID == ownerID && cfg.Active {
			out = append(out, cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		li, lj := out[i].LastUsed, out[j].LastUsed
		switch {
		case li != nil && lj != nil && !li.Equal(*lj):
			return li.After(*lj)
		case li != nil && lj == nil:
			return true
		case li == nil && lj != nil:
			return false
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) DeactivateConfig(_ context.Context, ownerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[id]
	if !ok || cfg.OwnerID != ownerID || !cfg.Active {
		return ErrNotFound
	}
	cfg.Active = false
	m.configs[id] = cfg
	return nil
}

// FindLiveSession returns the active, unexpired session for configID.
func (m *Memory) FindLiveSession(_ context.Context, configID string, now time.Time) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ConfigID == configID && s.Live(now) {
			return s, nil
		}
	}
	return model.Session{}, ErrNotFound
}

// CreateSession stores s and bumps the configuration's counters. Stale
// sessions that expired before now are deactivated first; a remaining live
// session yields ErrConflict.
func (m *Memory) CreateSession(_ context.Context, s model.Session, now time.Time) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[s.ConfigID]
	if !ok {
		return model.Session{}, ErrNotFound
	}
	for id, existing := range m.sessions {
		if existing.ConfigID != s.ConfigID || !existing.Active {
			continue
		}
		if existing.Live(now) {
			return model.Session{}, ErrConflict
		}
		existing.Active = false
		m.sessions[id] = existing
	}
	s.Active = true
	m.sessions[s.ID] = s

	cfg.TotalSessions++
	used := s.CreatedAt
	cfg.LastUsed = &used
	m.configs[cfg.ID] = cfg
	return s, nil
}

func (m *Memory) GetSession(_ context.Context, id string) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return model.Session{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) AddSessionCounters(_ context.Context, id string, scans, attendees int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.TotalScans += scans
	s.UniqueAttendees += attendees
	m.sessions[id] = s
	return nil
}

func (m *Memory) DeactivateSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Active = false
	m.sessions[id] = s
	return nil
}

// PurgeSessions deletes sessions that expired before cutoff.
func (m *Memory) PurgeSessions(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.sessions {
		if s.ExpiresAt.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func pairKey(sessionID, studentID string) string { return sessionID + "|" + studentID }

// InsertRecord stores r unless a record already exists for its
// (session, student) pair.
func (m *Memory) InsertRecord(_ context.Context, r model.Record) (model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(r.SessionID, r.Student.ID)
	if _, ok := m.byPair[key]; ok {
		return model.Record{}, ErrConflict
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Flags = append([]string(nil), r.Flags...)
	m.records[r.ID] = r
	m.byPair[key] = r.ID
	return r, nil
}

func (m *Memory) GetRecord(_ context.Context, sessionID, studentID string) (model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byPair[pairKey(sessionID, studentID)]
	if !ok {
		return model.Record{}, ErrNotFound
	}
	return m.records[id], nil
}

// LatestRecordByDevice returns the newest record by studentID from
// fingerprint marked at or after since.
func (m *Memory) LatestRecordByDevice(_ context.Context, studentID, fingerprint string, since time.Time) (model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		best  model.Record
		found bool
	)
	for _, r := range m.records {
		if r.Student.ID != studentID || r.Fingerprint != fingerprint || r.MarkedAt.Before(since) {
			continue
		}
		if !found || r.MarkedAt.After(best.MarkedAt) {
			best, found = r, true
		}
	}
	if !found {
		return model.Record{}, ErrNotFound
	}
	return best, nil
}

// DeviceUsedByOther reports whether fingerprint admitted a student other
// than studentID in sessionID.
func (m *Memory) DeviceUsedByOther(_ context.Context, sessionID, fingerprint, studentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.SessionID == sessionID && r.Fingerprint == fingerprint && r.Student.ID != studentID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) filtered(f model.RecordFilter) []model.Record {
	course := strings.ToLower(f.Course)
	var out []model.Record
	for _, r := range m.records {
		switch {
		case f.StudentID != "" && r.Student.ID != f.StudentID,
			f.SessionID != "" && r.SessionID != f.SessionID,
			f.ConfigID != "" && r.ConfigID != f.ConfigID,
			f.From != nil && r.MarkedAt.Before(*f.From),
			f.To != nil && r.MarkedAt.After(*f.To),
			course != "" && !strings.Contains(strings.ToLower(r.Course), course):
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarkedAt.After(out[j].MarkedAt) })
	return out
}

// ListRecords returns one page of matching records, newest first, and the
// total number of matches.
func (m *Memory) ListRecords(_ context.Context, f model.RecordFilter) ([]model.Record, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.filtered(f)
	total := len(all)
	limit, offset := pageBounds(f.Limit, f.Offset)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return append([]model.Record(nil), all[offset:end]...), total, nil
}

// SummarizeRecords counts matching records per (course, status).
func (m *Memory) SummarizeRecords(_ context.Context, f model.RecordFilter) ([]model.StatusCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[[2]string]int)
	for _, r := range m.filtered(f) {
		counts[[2]string{r.Course, string(r.Status)}]++
	}
	out := make([]model.StatusCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, model.StatusCount{Course: k[0], Status: model.Status(k[1]), Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Course != out[j].Course {
			return out[i].Course < out[j].Course
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}

func (m *Memory) AppendEvent(_ context.Context, e model.ActivityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	m.events = append(m.events, e)
	return nil
}

// ListEvents returns matching events, newest first.
func (m *Memory) ListEvents(_ context.Context, f model.ActivityFilter) ([]model.ActivityEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit, _ := pageBounds(f.Limit, 0)
	var out []model.ActivityEvent
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.events[i]
		switch {
		case f.UserID != "" && e.UserID != f.UserID,
			f.SuspiciousOnly && !e.Suspicious,
			f.Since != nil && e.CreatedAt.Before(*f.Since):
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *Memory) PurgeEvents(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	var n int64
	for _, e := range m.events {
		if e.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return n, nil
}

// Healthy always reports true for the in-memory store.
func (m *Memory) Healthy(context.Context) bool { return true }

// MaxPageSize caps every listing.
const MaxPageSize = 500

func pageBounds(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
