package storage

import (
	"errors"
	"slices"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when another experiment of the same category is already running.
	ErrConflict = errors.New("another experiment of this category is running")
	// ErrInvalidTransition is returned when a status change is not allowed from the current status.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Category is the call-site axis used to find the running experiment.
type Category string

const (
	CategoryPrompt       Category = "prompt"
	CategoryHumanizer    Category = "humanizer"
	CategoryModel        Category = "model"
	CategoryFullPipeline Category = "full_pipeline"
)

// Categories lists every valid category.
func Categories() []Category {
	return []Category{CategoryPrompt, CategoryHumanizer, CategoryModel, CategoryFullPipeline}
}

func (c Category) Valid() bool {
	return slices.Contains(Categories(), c)
}

// CategoryList renders Categories for error messages.
func CategoryList() string {
	names := make([]string, 0, len(Categories()))
	for _, c := range Categories() {
		names = append(names, string(c))
	}
	return strings.Join(names, ", ")
}

type Status string

const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// Arm is one of the two treatments a subject can be bucketed into.
type Arm string

const (
	ArmControl Arm = "control"
	ArmVariant Arm = "variant"
)

// Valid reports whether a is control or variant.
func (a Arm) Valid() bool {
	return a == ArmControl || a == ArmVariant
}

// Winner values stored in experiments.winner. An empty Winner means no verdict.
const (
	WinnerControl = "control"
	WinnerVariant = "variant"
	WinnerTie     = "tie"
)

type Experiment struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	Description        string         `json:"description"`
	Category           Category       `json:"category"`
	ControlConfig      map[string]any `json:"control_config"`
	VariantConfig      map[string]any `json:"variant_config"`
	TrafficSplit       float64        `json:"traffic_split"`
	Status             Status         `json:"status"`
	ControlImpressions int            `json:"control_impressions"`
	VariantImpressions int            `json:"variant_impressions"`
	ControlAvgRating   float64        `json:"control_avg_rating"`
	VariantAvgRating   float64        `json:"variant_avg_rating"`
	ControlConversions int            `json:"control_conversions"`
	VariantConversions int            `json:"variant_conversions"`
	IsSignificant      bool           `json:"is_significant"`
	PValue             *float64       `json:"p_value"`
	Winner             string         `json:"winner,omitempty"`
	StartDate          *time.Time     `json:"start_date,omitempty"`
	EndDate            *time.Time     `json:"end_date,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Assignment is a persisted outcome for one response served under an experiment.
type Assignment struct {
	ID            string    `json:"id"`
	ExperimentID  string    `json:"experiment_id"`
	ResponseLogID string    `json:"response_log_id"`
	Variant       Arm       `json:"variant"`
	Rating        float64   `json:"rating"`
	WasPositive   bool      `json:"was_positive"`
	CreatedAt     time.Time `json:"created_at"`
}

// ExperimentMetrics is the aggregate written back after a recompute.
// An empty Winner clears the stored winner.
type ExperimentMetrics struct {
	ControlAvgRating   float64
	VariantAvgRating   float64
	ControlConversions int
	VariantConversions int
	IsSignificant      bool
	PValue             float64
	Winner             string
	UpdatedAt          time.Time
}
