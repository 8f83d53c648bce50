package activity

import (
	"context"
	"testing"
	"time"

	"qrattend/internal/model"
	"qrattend/internal/queue"
	"qrattend/internal/store"
	"qrattend/internal/testutil"
)

func TestRecordPublishesSuspiciousOnly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := testutil.NewClock(time.Time{})
	mem := store.NewMemory()
	q := queue.NewInMemory(8)
	rec := NewRecorder(mem, q, clock.Now, nil)

	origin := Origin{IPAddress: "10.0.0.9", Fingerprint: "fp", UserAgent: "test"}
	if err := rec.Record(ctx, Event("s-1", model.ActionAttendanceMarked, origin, nil)); err != nil {
		t.Fatal(err)
	}
	flag := Event("s-1", model.ActionSuspicious, origin, map[string]any{"reason": "cohort_mismatch"})
	flag.RiskScore = 90
	if err := rec.Record(ctx, flag); err != nil {
		t.Fatal(err)
	}

	msgs, _ := q.Consume(ctx)
	select {
	case msg := <-msgs:
		got, err := DecodeFlag(msg)
		if err != nil {
			t.Fatal(err)
		}
		if msg.Type != MessageType || got.RiskScore != 90 || !got.Suspicious || got.IPAddress != "10.0.0.9" {
			t.Fatalf("unexpected flag %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("flag not published")
	}

	flagged, err := rec.Flagged(ctx, nil, 10)
	if err != nil || len(flagged) != 1 {
		t.Fatalf("Flagged = %+v, %v", flagged, err)
	}
	if !flagged[0].CreatedAt.Equal(clock.Now()) {
		t.Fatalf("created at = %v", flagged[0].CreatedAt)
	}
}

func TestPurgeUsesRetention(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(time.Time{})
	mem := store.NewMemory()
	rec := NewRecorder(mem, nil, clock.Now, nil)

	_ = rec.Record(ctx, Event("u", model.ActionQRGenerated, Origin{}, nil))
	clock.Advance(91 * 24 * time.Hour)
	_ = rec.Record(ctx, Event("u", model.ActionQRGenerated, Origin{}, nil))

	n, err := rec.Purge(ctx, 90*24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("Purge = %d, %v", n, err)
	}
	left, _ := rec.List(ctx, model.ActivityFilter{UserID: "u"})
	if len(left) != 1 {
		t.Fatalf("left %d events, want 1", len(left))
	}
}
