package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/model"
)

// newTestDB connects to TEST_DATABASE_URL; tests are skipped without it.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := NewDB(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestPostgresSessionSlot(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	cfg, err := db.CreateConfig(ctx, model.ClassConfig{
		OwnerID: uuid.NewString(), Department: "CSE", Batch: "2022", Course: "Networks", ClassType: model.ClassLab,
	})
	if err != nil {
		t.Fatalf("CreateConfig: %v", err)
	}
	if _, err := db.CreateConfig(ctx, model.ClassConfig{
		OwnerID: cfg.OwnerID, Department: "CSE", Batch: "2022", Course: "Networks", ClassType: model.ClassLab,
	}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate config err = %v, want ErrConflict", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := model.Session{
				ID: uuid.NewString(), ConfigID: cfg.ID, OwnerID: cfg.OwnerID, Token: uuid.NewString(),
				CreatedAt: now, ExpiresAt: now.Add(90 * time.Second),
			}
			_, err := db.CreateSession(ctx, s, now)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				created++
			} else if !errors.Is(err, ErrConflict) {
				t.Errorf("CreateSession: %v", err)
			}
		}()
	}
	wg.Wait()
	if created != 1 {
		t.Fatalf("created %d live sessions, want 1", created)
	}

	live, err := db.FindLiveSession(ctx, cfg.ID, now.Add(time.Second))
	if err != nil {
		t.Fatalf("FindLiveSession: %v", err)
	}
	if _, err := db.FindLiveSession(ctx, cfg.ID, now.Add(2*time.Minute)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired lookup err = %v, want ErrNotFound", err)
	}
	if _, err := db.GetSession(ctx, "not-a-uuid"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("malformed id err = %v, want ErrNotFound", err)
	}

	rec := model.Record{
		SessionID: live.ID, ConfigID: cfg.ID, Course: cfg.Course, MarkedAt: now, Status: model.StatusPresent,
		Student:     model.Student{ID: uuid.NewString(), Name: "Ada", StudentNumber: "S1", Department: "CSE", Batch: "2022"},
		Fingerprint: "fp", IPAddress: "10.0.0.1", Location: &model.Location{Latitude: 1, Longitude: 2},
		Verified: true,
	}
	if _, err := db.InsertRecord(ctx, rec); err != nil {
		t.Fatalf("InsertRecord: %v", err)
	}
	rec.ID = ""
	if _, err := db.InsertRecord(ctx, rec); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate record err = %v, want ErrConflict", err)
	}
	got, err := db.GetRecord(ctx, live.ID, rec.Student.ID)
	if err != nil || got.Location == nil || got.Location.Longitude != 2 {
		t.Fatalf("GetRecord = %+v, %v", got, err)
	}
}
