package experiment

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/expd/internal/storage"
)

func validParams() CreateParams {
	return CreateParams{
		Name:          "shorter system prompt",
		Category:      storage.CategoryPrompt,
		ControlConfig: map[string]any{"system_prompt": "v1"},
		VariantConfig: map[string]any{"system_prompt": "v2"},
	}
}

func floatPtr(f float64) *float64 { return &f }

func TestCreateParams_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *CreateParams)
		wantErr string
	}{
		{"valid", func(p *CreateParams) {}, ""},
		{"missing name", func(p *CreateParams) { p.Name = "" }, "name is required"},
		{"unknown category", func(p *CreateParams) { p.Category = "layout" }, "category must be one of: prompt, humanizer, model, full_pipeline"},
		{"missing control", func(p *CreateParams) { p.ControlConfig = nil }, "control_config is required"},
		{"missing variant", func(p *CreateParams) { p.VariantConfig = nil }, "variant_config is required"},
		{"split above one", func(p *CreateParams) { p.TrafficSplit = floatPtr(1.5) }, "traffic_split must be between 0 and 1"},
		{"negative split", func(p *CreateParams) { p.TrafficSplit = floatPtr(-0.1) }, "traffic_split must be between 0 and 1"},
		{"zero split", func(p *CreateParams) { p.TrafficSplit = floatPtr(0) }, ""},
		{"full split", func(p *CreateParams) { p.TrafficSplit = floatPtr(1) }, ""},
		{"empty configs allowed", func(p *CreateParams) {
			p.ControlConfig = map[string]any{}
			p.VariantConfig = map[string]any{}
		}, ""},
		{"long name", func(p *CreateParams) { p.Name = strings.Repeat("x", 201) }, "name must be at most 200 characters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validParams()
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestCreateExperiment_Defaults(t *testing.T) {
	store := newFakeStore()
	svc, clock := newTestService(store, time.Minute)

	e := svc.CreateExperiment(context.Background(), validParams())
	if e == nil {
		t.Fatal("CreateExperiment returned nil")
	}
	if _, err := uuid.Parse(e.ID); err != nil {
		t.Errorf("id %q is not a UUID: %v", e.ID, err)
	}
	if e.Status != storage.StatusDraft {
		t.Errorf("status = %s, want draft", e.Status)
	}
	if e.TrafficSplit != DefaultTrafficSplit {
		t.Errorf("traffic split = %v, want %v", e.TrafficSplit, DefaultTrafficSplit)
	}
	if !e.CreatedAt.Equal(clock.Now()) {
		t.Errorf("created_at = %v, want %v", e.CreatedAt, clock.Now())
	}
	if _, ok := store.experiments[e.ID]; !ok {
		t.Error("experiment not persisted")
	}
}

func TestCreateExperiment_ZeroSplitKept(t *testing.T) {
	svc, _ := newTestService(newFakeStore(), time.Minute)

	p := validParams()
	p.TrafficSplit = floatPtr(0)
	e := svc.CreateExperiment(context.Background(), p)
	if e == nil {
		t.Fatal("CreateExperiment returned nil")
	}
	if e.TrafficSplit != 0 {
		t.Errorf("traffic split = %v, want 0", e.TrafficSplit)
	}
}

func TestCreateExperiment_Invalid(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(store, time.Minute)

	p := validParams()
	p.Category = "layout"
	if e := svc.CreateExperiment(context.Background(), p); e != nil {
		t.Errorf("expected nil for invalid params, got %+v", e)
	}
	if len(store.experiments) != 0 {
		t.Error("invalid experiment was persisted")
	}
}

func TestCreateExperiment_StoreFailure(t *testing.T) {
	store := newFakeStore()
	store.insertErr = errors.New("disk full")
	svc, _ := newTestService(store, time.Minute)

	if e := svc.CreateExperiment(context.Background(), validParams()); e != nil {
		t.Errorf("expected nil on store failure, got %+v", e)
	}
}

func TestLifecycle_Transitions(t *testing.T) {
	store := newFakeStore(storage.Experiment{ID: "e1", Category: storage.CategoryModel, Status: storage.StatusDraft})
	svc, _ := newTestService(store, time.Minute)
	ctx := context.Background()

	if svc.StopExperiment(ctx, "e1") {
		t.Error("stopping a draft should be refused")
	}
	if !svc.StartExperiment(ctx, "e1") {
		t.Fatal("start from draft failed")
	}
	if svc.StartExperiment(ctx, "e1") {
		t.Error("starting a running experiment should be refused")
	}
	if !svc.StopExperiment(ctx, "e1") {
		t.Fatal("stop from running failed")
	}
	if svc.StopExperiment(ctx, "e1") {
		t.Error("stopping a completed experiment should be refused")
	}
	if svc.StartExperiment(ctx, "e1") {
		t.Error("restarting a completed experiment should be refused")
	}
	if svc.StartExperiment(ctx, "missing") || svc.StopExperiment(ctx, "missing") {
		t.Error("transitions of an unknown id should be refused")
	}
}

func TestLifecycle_StopFromPaused(t *testing.T) {
	store := newFakeStore(storage.Experiment{ID: "e1", Category: storage.CategoryModel, Status: storage.StatusPaused})
	svc, _ := newTestService(store, time.Minute)

	if svc.StartExperiment(context.Background(), "e1") {
		t.Error("starting a paused experiment should be refused")
	}
	if !svc.StopExperiment(context.Background(), "e1") {
		t.Error("stop from paused failed")
	}
}

func TestLifecycle_OneRunningPerCategory(t *testing.T) {
	store := newFakeStore(
		runningExperiment("a", storage.CategoryPrompt, 0.5),
		storage.Experiment{ID: "b", Category: storage.CategoryPrompt, Status: storage.StatusDraft},
		storage.Experiment{ID: "c", Category: storage.CategoryHumanizer, Status: storage.StatusDraft},
	)
	svc, _ := newTestService(store, time.Minute)
	ctx := context.Background()

	if svc.StartExperiment(ctx, "b") {
		t.Error("second running experiment in the same category should be refused")
	}
	if !svc.StartExperiment(ctx, "c") {
		t.Error("a different category should start")
	}
	if !svc.StopExperiment(ctx, "a") {
		t.Fatal("stop a failed")
	}
	if !svc.StartExperiment(ctx, "b") {
		t.Error("b should start once a is stopped")
	}
}

func TestLifecycle_InvalidatesCache(t *testing.T) {
	store := newFakeStore(storage.Experiment{
		ID:            "e1",
		Category:      storage.CategoryPrompt,
		ControlConfig: map[string]any{},
		VariantConfig: map[string]any{},
		TrafficSplit:  0.5,
		Status:        storage.StatusDraft,
	})
	svc, _ := newTestService(store, time.Hour)
	ctx := context.Background()

	if svc.GetAssignment(ctx, strPtr("u"), storage.CategoryPrompt) != nil {
		t.Fatal("draft experiment must not be assigned")
	}
	if !svc.StartExperiment(ctx, "e1") {
		t.Fatal("start failed")
	}
	if svc.GetAssignment(ctx, strPtr("u"), storage.CategoryPrompt) == nil {
		t.Error("started experiment not visible without waiting for the TTL")
	}
	if !svc.StopExperiment(ctx, "e1") {
		t.Fatal("stop failed")
	}
	if got := svc.GetAssignment(ctx, strPtr("u"), storage.CategoryPrompt); got != nil {
		t.Errorf("stopped experiment still assigned: %+v", got)
	}
}

func TestLifecycle_RefusedTransitionKeepsCache(t *testing.T) {
	store := newFakeStore(runningExperiment("a", storage.CategoryPrompt, 0.5))
	svc, _ := newTestService(store, time.Hour)
	ctx := context.Background()

	svc.GetAssignment(ctx, strPtr("u"), storage.CategoryPrompt)
	svc.StartExperiment(ctx, "a")
	svc.GetAssignment(ctx, strPtr("u"), storage.CategoryPrompt)
	if n := store.runningCalls(); n != 1 {
		t.Errorf("store queried %d times, want 1", n)
	}
}
