package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"qrattend/internal/model"
	"qrattend/internal/testutil"
)

func seedConfig(t *testing.T, m *Memory) model.ClassConfig {
	t.Helper()
	cfg, err := m.CreateConfig(context.Background(), model.ClassConfig{
		OwnerID: "teacher-1", Department: "CSE", Batch: "2022", Course: "Networks", ClassType: model.ClassTheory,
	})
	if err != nil {
		t.Fatalf("CreateConfig: %v", err)
	}
	return cfg
}

func TestMemoryConfigUniqueness(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	cfg := seedConfig(t, m)

	dup := cfg
	dup.ID = ""
	if _, err := m.CreateConfig(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate create err = %v, want ErrConflict", err)
	}
	if err := m.DeactivateConfig(ctx, "someone-else", cfg.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign deactivate err = %v, want ErrNotFound", err)
	}
	if err := m.DeactivateConfig(ctx, cfg.OwnerID, cfg.ID); err != nil {
		t.Fatalf("DeactivateConfig: %v", err)
	}
	if _, err := m.CreateConfig(ctx, dup); err != nil {
		t.Fatalf("recreate after deactivation: %v", err)
	}
}

func TestMemorySessionSlot(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	cfg := seedConfig(t, m)
	now := testutil.ReferenceTime()

	first := model.Session{ID: "s1", ConfigID: cfg.ID, Token: "t1", CreatedAt: now, ExpiresAt: now.Add(90 * time.Second)}
	if _, err := m.CreateSession(ctx, first, now); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	second := model.Session{ID: "s2", ConfigID: cfg.ID, Token: "t2", CreatedAt: now, ExpiresAt: now.Add(90 * time.Second)}
	if _, err := m.CreateSession(ctx, second, now.Add(time.Second)); !errors.Is(err, ErrConflict) {
		t.Fatalf("second live session err = %v, want ErrConflict", err)
	}

	later := now.Add(2 * time.Minute)
	second.CreatedAt, second.ExpiresAt = later, later.Add(90*time.Second)
	if _, err := m.CreateSession(ctx, second, later); err != nil {
		t.Fatalf("CreateSession after expiry: %v", err)
	}
	old, _ := m.GetSession(ctx, "s1")
	if old.Active {
		t.Fatal("expired session should be deactivated when replaced")
	}
	got, _ := m.GetConfig(ctx, cfg.ID)
	if got.TotalSessions != 2 || got.LastUsed == nil || !got.LastUsed.Equal(later) {
		t.Fatalf("config counters = %d, %v", got.TotalSessions, got.LastUsed)
	}

	n, err := m.PurgeSessions(ctx, later)
	if err != nil || n != 1 {
		t.Fatalf("PurgeSessions = %d, %v; want 1", n, err)
	}
}

func TestMemoryRecordPairIsUnique(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := testutil.ReferenceTime()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		accepted  int
		conflicts int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.InsertRecord(ctx, model.Record{
				SessionID: "s1", Student: model.Student{ID: "student-1"}, MarkedAt: now,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if accepted != 1 || conflicts != 19 {
		t.Fatalf("accepted=%d conflicts=%d, want 1/19", accepted, conflicts)
	}
}

func TestMemoryRecordQueries(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := testutil.ReferenceTime()

	recs := []model.Record{
		{SessionID: "s1", Student: model.Student{ID: "a"}, Course: "Networks", Status: model.StatusPresent, Fingerprint: "fp-a", MarkedAt: now},
		{SessionID: "s1", Student: model.Student{ID: "b"}, Course: "Networks", Status: model.StatusLate, Fingerprint: "fp-a", MarkedAt: now.Add(time.Minute)},
		{SessionID: "s2", Student: model.Student{ID: "a"}, Course: "Compilers", Status: model.StatusPresent, Fingerprint: "fp-a", MarkedAt: now.Add(time.Hour)},
	}
	for _, r := range recs {
		if _, err := m.InsertRecord(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	latest, err := m.LatestRecordByDevice(ctx, "a", "fp-a", now)
	if err != nil || latest.SessionID != "s2" {
		t.Fatalf("LatestRecordByDevice = %+v, %v", latest, err)
	}
	if _, err := m.LatestRecordByDevice(ctx, "a", "fp-a", now.Add(2*time.Hour)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	shared, err := m.DeviceUsedByOther(ctx, "s1", "fp-a", "a")
	if err != nil || !shared {
		t.Fatalf("DeviceUsedByOther = %v, %v", shared, err)
	}

	page, total, err := m.ListRecords(ctx, model.RecordFilter{StudentID: "a", Course: "net"})
	if err != nil || total != 1 || len(page) != 1 || page[0].Course != "Networks" {
		t.Fatalf("ListRecords = %+v, %d, %v", page, total, err)
	}

	summary, err := m.SummarizeRecords(ctx, model.RecordFilter{SessionID: "s1"})
	if err != nil || len(summary) != 2 {
		t.Fatalf("SummarizeRecords = %+v, %v", summary, err)
	}
}

func TestMemoryEvents(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := testutil.ReferenceTime()

	_ = m.AppendEvent(ctx, model.ActivityEvent{UserID: "u", Action: model.ActionAttendanceMarked, CreatedAt: now})
	_ = m.AppendEvent(ctx, model.ActivityEvent{UserID: "u", Action: model.ActionSuspicious, Suspicious: true, RiskScore: 90, CreatedAt: now.Add(time.Hour)})

	flagged, err := m.ListEvents(ctx, model.ActivityFilter{SuspiciousOnly: true})
	if err != nil || len(flagged) != 1 || flagged[0].RiskScore != 90 {
		t.Fatalf("ListEvents = %+v, %v", flagged, err)
	}
	n, err := m.PurgeEvents(ctx, now.Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("PurgeEvents = %d, %v", n, err)
	}
}
