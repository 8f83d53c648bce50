// Package classes manages teachers' reusable class configurations.
package classes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"qrattend/internal/activity"
	"qrattend/internal/apperr"
	"qrattend/internal/logging"
	"qrattend/internal/model"
	"qrattend/internal/store"
)

// Store persists class configurations.
type Store interface {
	CreateConfig(ctx context.Context, cfg model.ClassConfig) (model.ClassConfig, error)
	GetConfig(ctx context.Context, id string) (model.ClassConfig, error)
	ListConfigs(ctx context.Context, ownerID string) ([]model.ClassConfig, error)
	DeactivateConfig(ctx context.Context, ownerID, id string) error
}

// EventRecorder appends audit events.
type EventRecorder interface {
	Record(ctx context.Context, e model.ActivityEvent) error
}

// Input is a class configuration as submitted by a teacher.
type Input struct {
	Department string `json:"department" validate:"required,max=64"`
	Batch      string `json:"batch" validate:"required,numeric,len=4"`
	Section    string `json:"section" validate:"omitempty,oneof=A B C D"`
	Course     string `json:"course" validate:"required,max=128"`
	ClassType  string `json:"class_type" validate:"required,oneof=Theory Lab Tutorial Seminar"`
}

// Service creates, lists and deactivates class configurations.
type Service struct {
	store    Store
	events   EventRecorder
	validate *validator.Validate
	now      func() time.Time
	log      *slog.Logger
}

// NewService builds a service. now and logger may be nil.
func NewService(st Store, events EventRecorder, now func() time.Time, logger *slog.Logger) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:    st,
		events:   events,
		validate: validator.New(),
		now:      now,
		log:      logger,
	}
}

// Create stores a new configuration owned by ownerID. An active
// configuration with the same tuple is a conflict.
func (s *Service) Create(ctx context.Context, ownerID string, in Input, origin activity.Origin) (model.ClassConfig, error) {
	if ownerID == "" {
		return model.ClassConfig{}, apperr.Authentication("teacher identity required")
	}
	in = normalize(in)
	if err := s.validate.Struct(in); err != nil {
		return model.ClassConfig{}, validationError(err)
	}

	cfg, err := s.store.CreateConfig(ctx, model.ClassConfig{
		OwnerID:    ownerID,
		Department: in.Department,
		Batch:      in.Batch,
		Section:    in.Section,
		Course:     in.Course,
		ClassType:  in.ClassType,
		CreatedAt:  s.now().UTC(),
	})
	if errors.Is(err, store.ErrConflict) {
		return model.ClassConfig{}, apperr.Conflict("duplicate preset", nil)
	}
	if err != nil {
		return model.ClassConfig{}, apperr.Internal("config create failed", err)
	}

	s.audit(ctx, activity.Event(ownerID, model.ActionPresetCreated, origin, map[string]any{
		"config_id":  cfg.ID,
		"course":     cfg.Course,
		"department": cfg.Department,
		"batch":      cfg.Batch,
	}))
	return cfg, nil
}

// List returns ownerID's active configurations, most recently used first.
func (s *Service) List(ctx context.Context, ownerID string) ([]model.ClassConfig, error) {
	cfgs, err := s.store.ListConfigs(ctx, ownerID)
	if err != nil {
		return nil, apperr.Internal("config list failed", err)
	}
	if cfgs == nil {
		cfgs = []model.ClassConfig{}
	}
	return cfgs, nil
}

// Deactivate soft-deletes a configuration. Records and past sessions keep
// referring to it.
func (s *Service) Deactivate(ctx context.Context, ownerID, id string, origin activity.Origin) error {
	err := s.store.DeactivateConfig(ctx, ownerID, id)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("class configuration not found")
	}
	if err != nil {
		return apperr.Internal("config deactivate failed", err)
	}
	s.audit(ctx, activity.Event(ownerID, model.ActionPresetDeleted, origin, map[string]any{"config_id": id}))
	return nil
}

func normalize(in Input) Input {
	in.Department = strings.ToUpper(strings.TrimSpace(in.Department))
	in.Batch = strings.TrimSpace(in.Batch)
	in.Section = strings.ToUpper(strings.TrimSpace(in.Section))
	in.Course = strings.TrimSpace(in.Course)
	in.ClassType = strings.TrimSpace(in.ClassType)
	return in
}

func validationError(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return apperr.Validation("invalid class configuration")
	}
	fields := make(map[string]string, len(ve))
	for _, fe := range ve {
		fields[strings.ToLower(fe.Field())] = fe.Tag()
	}
	e := apperr.Validation(fmt.Sprintf("invalid class configuration: %s", ve[0].Field()))
	e.Payload = fields
	return e
}

func (s *Service) audit(ctx context.Context, e model.ActivityEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Record(ctx, e); err != nil {
		logging.FromContext(ctx, s.log).ErrorContext(ctx, "activity write failed", "action", e.Action, "error", err)
	}
}
