package experiment

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/kalambet/expd/internal/storage"
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("category", func(fl validator.FieldLevel) bool {
		return storage.Category(fl.Field().String()).Valid()
	}); err != nil {
		panic(err)
	}
	return v
}

// CreateParams describes a new experiment. It doubles as the on-disk
// definition format read by `expd experiment create --file`.
type CreateParams struct {
	Name          string           `json:"name" yaml:"name" validate:"required,max=200"`
	Description   string           `json:"description,omitempty" yaml:"description,omitempty" validate:"max=2000"`
	Category      storage.Category `json:"category" yaml:"category" validate:"required,category"`
	ControlConfig map[string]any   `json:"control_config" yaml:"control_config" validate:"required"`
	VariantConfig map[string]any   `json:"variant_config" yaml:"variant_config" validate:"required"`
	// TrafficSplit is the fraction routed to the variant; nil means DefaultTrafficSplit.
	TrafficSplit *float64 `json:"traffic_split,omitempty" yaml:"traffic_split,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// Validate reports the first problem with p in a form suitable for API clients.
func (p CreateParams) Validate() error {
	err := validate.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describeFieldError(fe))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "category":
		return field + " must be one of: " + storage.CategoryList()
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gte", "lte":
		return field + " must be between 0 and 1"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// CreateExperiment stores a new draft experiment and returns it, or nil when
// the parameters are invalid or the store fails.
func (s *Service) CreateExperiment(ctx context.Context, p CreateParams) *storage.Experiment {
	if err := p.Validate(); err != nil {
		s.logger.Warn("rejecting experiment", "name", p.Name, "error", err)
		return nil
	}

	split := DefaultTrafficSplit
	if p.TrafficSplit != nil {
		split = *p.TrafficSplit
	}
	now := s.now()
	e := storage.Experiment{
		ID:            uuid.New().String(),
		Name:          p.Name,
		Description:   p.Description,
		Category:      p.Category,
		ControlConfig: p.ControlConfig,
		VariantConfig: p.VariantConfig,
		TrafficSplit:  split,
		Status:        storage.StatusDraft,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.InsertExperiment(ctx, e); err != nil {
		storeErrors.WithLabelValues("insert_experiment").Inc()
		s.logger.Error("creating experiment", "name", p.Name, "error", err)
		return nil
	}

	s.logger.Info("experiment created", "experiment_id", e.ID, "category", e.Category, "traffic_split", split)
	return &e
}

// StartExperiment moves a draft experiment to running and makes it visible
// to GetAssignment immediately. It refuses when another experiment of the
// same category is already running.
func (s *Service) StartExperiment(ctx context.Context, id string) bool {
	return s.transition(ctx, id, []storage.Status{storage.StatusDraft}, storage.StatusRunning)
}

// StopExperiment completes a running (or paused) experiment. Its history
// stays queryable but it no longer receives assignments.
func (s *Service) StopExperiment(ctx context.Context, id string) bool {
	return s.transition(ctx, id, []storage.Status{storage.StatusRunning, storage.StatusPaused}, storage.StatusCompleted)
}

func (s *Service) transition(ctx context.Context, id string, from []storage.Status, to storage.Status) bool {
	err := s.store.TransitionExperiment(ctx, id, from, to, s.now())
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrConflict),
		errors.Is(err, storage.ErrInvalidTransition):
		s.logger.Warn("experiment transition refused", "experiment_id", id, "to", to, "error", err)
		return false
	default:
		storeErrors.WithLabelValues("transition").Inc()
		s.logger.Error("experiment transition failed", "experiment_id", id, "to", to, "error", err)
		return false
	}

	s.cache.invalidate()
	s.logger.Info("experiment transitioned", "experiment_id", id, "status", to)
	return true
}
