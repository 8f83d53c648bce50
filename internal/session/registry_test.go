package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"qrattend/internal/activity"
	"qrattend/internal/apperr"
	"qrattend/internal/model"
	"qrattend/internal/store"
	"qrattend/internal/testutil"
	"qrattend/internal/token"
)

type fixture struct {
	clock    *testutil.Clock
	mem      *store.Memory
	registry *Registry
	cfg      model.ClassConfig
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clock := testutil.NewClock(time.Time{})
	mem := store.NewMemory()
	codec, err := token.NewCodec("registry-test", token.DefaultTTL, token.WithClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	rec := activity.NewRecorder(mem, nil, clock.Now, nil)
	cfg, err := mem.CreateConfig(context.Background(), model.ClassConfig{
		OwnerID: "teacher-1", Department: "CSE", Batch: "2022", Course: "Networks", ClassType: model.ClassTheory,
	})
	if err != nil {
		t.Fatal(err)
	}
	return fixture{
		clock:    clock,
		mem:      mem,
		registry: NewRegistry(mem, codec, rec, Options{Now: clock.Now}),
		cfg:      cfg,
	}
}

func TestOpenReusesLiveSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.registry.Open(ctx, "teacher-1", f.cfg.ID, activity.Origin{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if first.Reused || first.RemainingSeconds != 90 {
		t.Fatalf("first open = %+v", first)
	}

	f.clock.Advance(30 * time.Second)
	second, err := f.registry.Open(ctx, "teacher-1", f.cfg.ID, activity.Origin{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !second.Reused || second.Session.ID != first.Session.ID || second.Token != first.Token {
		t.Fatalf("expected reuse of %s, got %+v", first.Session.ID, second)
	}
	if second.RemainingSeconds != 60 {
		t.Fatalf("remaining = %d, want 60", second.RemainingSeconds)
	}

	cfg, _ := f.mem.GetConfig(ctx, f.cfg.ID)
	if cfg.TotalSessions != 1 {
		t.Fatalf("total sessions = %d, want 1", cfg.TotalSessions)
	}
	events, _ := f.mem.ListEvents(ctx, model.ActivityFilter{UserID: "teacher-1"})
	if len(events) != 1 || events[0].Action != model.ActionQRGenerated {
		t.Fatalf("events = %+v", events)
	}
}

func TestOpenAfterExpiryMintsNewSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.registry.Open(ctx, "teacher-1", f.cfg.ID, activity.Origin{})
	if err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(90 * time.Second)
	second, err := f.registry.Open(ctx, "teacher-1", f.cfg.ID, activity.Origin{})
	if err != nil {
		t.Fatal(err)
	}
	if second.Reused || second.Session.ID == first.Session.ID {
		t.Fatalf("expected a new session, got %+v", second)
	}
}

func TestConcurrentOpenYieldsOneSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 16
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			opened, err := f.registry.Open(ctx, "teacher-1", f.cfg.ID, activity.Origin{})
			if err != nil {
				t.Errorf("Open: %v", err)
				return
			}
			ids[i] = opened.Session.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("concurrent opens returned different sessions: %v", ids)
		}
	}
}

func TestOpenRejectsForeignOrInactiveConfig(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.registry.Open(ctx, "teacher-2", f.cfg.ID, activity.Origin{}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("foreign owner err = %v, want not found", err)
	}
	if _, err := f.registry.Open(ctx, "teacher-1", "missing", activity.Origin{}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("missing config err = %v, want not found", err)
	}
	_ = f.mem.DeactivateConfig(ctx, "teacher-1", f.cfg.ID)
	if _, err := f.registry.Open(ctx, "teacher-1", f.cfg.ID, activity.Origin{}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("inactive config err = %v, want not found", err)
	}
}

func TestResolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opened, err := f.registry.Open(ctx, "teacher-1", f.cfg.ID, activity.Origin{})
	if err != nil {
		t.Fatal(err)
	}

	s, claim, err := f.registry.Resolve(ctx, opened.Token)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.ID != opened.Session.ID || claim.ConfigID != f.cfg.ID {
		t.Fatalf("resolved %+v / %+v", s, claim)
	}

	if _, _, err := f.registry.Resolve(ctx, "garbage"); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("garbage token err = %v, want validation", err)
	}

	if live, err := f.registry.Live(ctx, "teacher-1", s.ID); err != nil || live.Token != opened.Token {
		t.Fatalf("Live = %+v, %v", live, err)
	}
	if _, err := f.registry.Live(ctx, "teacher-2", s.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("foreign Live err = %v", err)
	}
	if err := f.registry.Close(ctx, "teacher-1", s.ID, activity.Origin{}); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := f.registry.Live(ctx, "teacher-1", s.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("closed Live err = %v", err)
	}
	if _, _, err := f.registry.Resolve(ctx, opened.Token); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("closed session err = %v, want not found", err)
	}

	f.clock.Advance(91 * time.Second)
	if _, _, err := f.registry.Resolve(ctx, opened.Token); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expired token err = %v, want validation", err)
	}
}

func TestStatsAndCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opened, err := f.registry.Open(ctx, "teacher-1", f.cfg.ID, activity.Origin{})
	if err != nil {
		t.Fatal(err)
	}
	for i, name := range []string{"Ada", "Grace"} {
		if _, err := f.mem.InsertRecord(ctx, model.Record{
			SessionID: opened.Session.ID,
			Student:   model.Student{ID: name, Name: name, StudentNumber: name + "-no"},
			MarkedAt:  f.clock.Now().Add(time.Duration(i) * time.Second),
			Status:    model.StatusPresent,
		}); err != nil {
			t.Fatal(err)
		}
		_ = f.registry.RecordScan(ctx, opened.Session.ID)
		_ = f.registry.RecordAttendee(ctx, opened.Session.ID)
	}
	_ = f.registry.RecordScan(ctx, opened.Session.ID)

	stats, err := f.registry.Stats(ctx, "teacher-1", opened.Session.ID)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.AttendanceCount != 2 || len(stats.RecentAttendees) != 2 || stats.RecentAttendees[0].StudentName != "Grace" {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.Session.TotalScans != 3 || stats.Session.UniqueAttendees != 2 || !stats.Active {
		t.Fatalf("counters = %+v", stats.Session)
	}
	if _, err := f.registry.Stats(ctx, "teacher-2", opened.Session.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("foreign stats err = %v", err)
	}
}

func TestPurgeHonoursRetention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.registry.Open(ctx, "teacher-1", f.cfg.ID, activity.Origin{}); err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(30 * time.Minute)
	if n, err := f.registry.Purge(ctx); err != nil || n != 0 {
		t.Fatalf("early purge = %d, %v", n, err)
	}
	f.clock.Advance(time.Hour)
	if n, err := f.registry.Purge(ctx); err != nil || n != 1 {
		t.Fatalf("purge = %d, %v", n, err)
	}
}
