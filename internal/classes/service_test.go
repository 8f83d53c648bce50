package classes

import (
	"context"
	"errors"
	"testing"
	"time"

	"qrattend/internal/activity"
	"qrattend/internal/apperr"
	"qrattend/internal/model"
	"qrattend/internal/store"
	"qrattend/internal/testutil"
)

func newService(t *testing.T) (*Service, *store.Memory, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(time.Time{})
	mem := store.NewMemory()
	rec := activity.NewRecorder(mem, nil, clock.Now, nil)
	return NewService(mem, rec, clock.Now, nil), mem, clock
}

func validInput() Input {
	return Input{Department: "cse ", Batch: "2022", Section: "b", Course: "Networks", ClassType: model.ClassTheory}
}

func TestCreate(t *testing.T) {
	svc, mem, clock := newService(t)
	ctx := context.Background()

	cfg, err := svc.Create(ctx, "teacher-1", validInput(), activity.Origin{IPAddress: "10.0.0.9"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if cfg.Department != "CSE" || cfg.Section != "B" || !cfg.Active || !cfg.CreatedAt.Equal(clock.Now()) {
		t.Fatalf("cfg = %+v", cfg)
	}

	_, err = svc.Create(ctx, "teacher-1", validInput(), activity.Origin{})
	if !errors.Is(err, apperr.ErrConflict) || apperr.PublicMessage(err) != "duplicate preset" {
		t.Fatalf("duplicate err = %v", err)
	}
	if _, err := svc.Create(ctx, "teacher-2", validInput(), activity.Origin{}); err != nil {
		t.Fatalf("other owner: %v", err)
	}

	events, _ := mem.ListEvents(ctx, model.ActivityFilter{UserID: "teacher-1"})
	if len(events) != 1 || events[0].Action != model.ActionPresetCreated || events[0].IPAddress != "10.0.0.9" {
		t.Fatalf("events = %+v", events)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		edit  func(*Input)
		field string
	}{
		{"missing department", func(in *Input) { in.Department = "" }, "department"},
		{"short batch", func(in *Input) { in.Batch = "22" }, "batch"},
		{"unknown section", func(in *Input) { in.Section = "Z" }, "section"},
		{"unknown class type", func(in *Input) { in.ClassType = "Workshop" }, "classtype"},
		{"missing course", func(in *Input) { in.Course = "  " }, "course"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.edit(&in)
			_, err := svc.Create(ctx, "teacher-1", in, activity.Origin{})
			var ae *apperr.Error
			if !errors.As(err, &ae) || ae.Kind != apperr.KindValidation {
				t.Fatalf("err = %v, want validation", err)
			}
			fields, _ := ae.Payload.(map[string]string)
			if _, ok := fields[tt.field]; !ok {
				t.Fatalf("payload = %v, want field %s", ae.Payload, tt.field)
			}
		})
	}

	if _, err := svc.Create(ctx, "", validInput(), activity.Origin{}); !errors.Is(err, apperr.ErrAuthentication) {
		t.Fatalf("anonymous err = %v", err)
	}
}

func TestListAndDeactivate(t *testing.T) {
	svc, mem, _ := newService(t)
	ctx := context.Background()

	cfgs, err := svc.List(ctx, "teacher-1")
	if err != nil || cfgs == nil || len(cfgs) != 0 {
		t.Fatalf("empty list = %v, %v", cfgs, err)
	}

	cfg, err := svc.Create(ctx, "teacher-1", validInput(), activity.Origin{})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Deactivate(ctx, "teacher-2", cfg.ID, activity.Origin{}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("foreign deactivate err = %v", err)
	}
	if err := svc.Deactivate(ctx, "teacher-1", cfg.ID, activity.Origin{}); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if err := svc.Deactivate(ctx, "teacher-1", cfg.ID, activity.Origin{}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("second deactivate err = %v", err)
	}
	cfgs, _ = svc.List(ctx, "teacher-1")
	if len(cfgs) != 0 {
		t.Fatalf("list after deactivate = %+v", cfgs)
	}

	// the tuple is free again once the old preset is inactive
	if _, err := svc.Create(ctx, "teacher-1", validInput(), activity.Origin{}); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	events, _ := mem.ListEvents(ctx, model.ActivityFilter{UserID: "teacher-1"})
	if len(events) != 3 || events[1].Action != model.ActionPresetDeleted {
		t.Fatalf("events = %+v", events)
	}
}
