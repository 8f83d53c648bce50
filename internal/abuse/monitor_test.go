package abuse

import (
	"context"
	"testing"
	"time"

	"qrattend/internal/model"
	"qrattend/internal/store"
	"qrattend/internal/testutil"
)

func TestCohortPredicate(t *testing.T) {
	cfg := model.ClassConfig{Department: "CSE", Batch: "2022"}
	m := NewMonitor(store.NewMemory(), DefaultCooldown)
	cases := []struct {
		name    string
		student model.Student
		flagged bool
	}{
		{"same cohort", model.Student{Department: "CSE", Batch: "2022"}, false},
		{"other batch", model.Student{Department: "CSE", Batch: "2023"}, true},
		{"other department", model.Student{Department: "EEE", Batch: "2022"}, true},
		{"section is not checked", model.Student{Department: "CSE", Batch: "2022", Section: "B"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, err := Cohort()(context.Background(), Subject{Student: tc.student, Config: cfg})
			if err != nil {
				t.Fatal(err)
			}
			if (f != nil) != tc.flagged {
				t.Fatalf("finding = %+v, flagged want %v", f, tc.flagged)
			}
			if f != nil && (f.Risk != RiskCohortMismatch || f.Reason != ReasonCohortMismatch) {
				t.Fatalf("unexpected finding %+v", f)
			}
			if got := m.CheckCohort(tc.student, cfg); got == tc.flagged {
				t.Fatalf("CheckCohort = %v, flagged %v", got, tc.flagged)
			}
		})
	}
}

func TestVelocityWindow(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	now := testutil.ReferenceTime()
	if _, err := mem.InsertRecord(ctx, model.Record{
		SessionID: "other-session", Student: model.Student{ID: "s-1"}, Fingerprint: "fp", MarkedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	m := NewMonitor(mem, 5*time.Minute)

	cases := []struct {
		name    string
		student string
		fp      string
		at      time.Time
		want    bool
	}{
		{"same device inside window", "s-1", "fp", now.Add(4 * time.Minute), true},
		{"window edge", "s-1", "fp", now.Add(5 * time.Minute), true},
		{"after window", "s-1", "fp", now.Add(5*time.Minute + time.Second), false},
		{"other device", "s-1", "fp-2", now.Add(time.Minute), false},
		{"other student", "s-2", "fp", now.Add(time.Minute), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := m.CheckVelocity(ctx, tc.student, tc.fp, tc.at)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Fatalf("CheckVelocity = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSharedDevice(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	now := testutil.ReferenceTime()
	_, _ = mem.InsertRecord(ctx, model.Record{SessionID: "s", Student: model.Student{ID: "a"}, Fingerprint: "fp", MarkedAt: now})
	m := NewMonitor(mem, 0)

	f, err := m.ScreenDevice(ctx, Subject{SessionID: "s", Student: model.Student{ID: "b"}, Fingerprint: "fp"})
	if err != nil || f == nil || f.Risk != RiskSharedDevice {
		t.Fatalf("ScreenDevice = %+v, %v", f, err)
	}
	f, err = m.ScreenDevice(ctx, Subject{SessionID: "s", Student: model.Student{ID: "a"}, Fingerprint: "fp"})
	if err != nil || f != nil {
		t.Fatalf("own device flagged: %+v, %v", f, err)
	}
	if m.Cooldown() != DefaultCooldown {
		t.Fatalf("cooldown = %v", m.Cooldown())
	}
}
