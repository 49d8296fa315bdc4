package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/expd/internal/experiment"
	"github.com/kalambet/expd/internal/storage"
)

type mockLister struct {
	exps []storage.Experiment
	err  error
}

func (m *mockLister) ListRunningExperiments(ctx context.Context) ([]storage.Experiment, error) {
	return m.exps, m.err
}

type mockRecomputer struct {
	mu    sync.Mutex
	ids   []string
	calls chan string
}

func (m *mockRecomputer) RecomputeMetrics(ctx context.Context, id string) {
	m.mu.Lock()
	m.ids = append(m.ids, id)
	m.mu.Unlock()
	if m.calls != nil {
		m.calls <- id
	}
}

func (m *mockRecomputer) recorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ids...)
}

func TestRunOnce_VisitsEveryRunningExperiment(t *testing.T) {
	lister := &mockLister{exps: []storage.Experiment{{ID: "a"}, {ID: "b"}}}
	rec := &mockRecomputer{}
	w := NewWorker(lister, rec, time.Minute)

	n, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("visited %d, want 2", n)
	}
	got := rec.recorded()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("recomputed %v, want [a b]", got)
	}
}

func TestRunOnce_ListError(t *testing.T) {
	w := NewWorker(&mockLister{err: errors.New("db locked")}, &mockRecomputer{}, time.Minute)

	n, err := w.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if n != 0 {
		t.Errorf("visited %d, want 0", n)
	}
}

func TestRunOnce_CancelledContext(t *testing.T) {
	lister := &mockLister{exps: []storage.Experiment{{ID: "a"}, {ID: "b"}}}
	rec := &mockRecomputer{}
	w := NewWorker(lister, rec, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := w.RunOnce(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if got := rec.recorded(); len(got) != 0 {
		t.Errorf("recomputed %v after cancellation", got)
	}
}

func TestNewWorker_DefaultInterval(t *testing.T) {
	w := NewWorker(&mockLister{}, &mockRecomputer{}, 0)
	if w.interval != 10*time.Minute {
		t.Errorf("interval = %v, want 10m", w.interval)
	}
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	lister := &mockLister{exps: []storage.Experiment{{ID: "a"}}}
	rec := &mockRecomputer{calls: make(chan string, 16)}
	w := NewWorker(lister, rec, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-rec.calls:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for a reconcile pass")
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunOnce_RepairsStaleMetrics(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	svc := experiment.NewService(store, time.Minute, 4)
	ctx := context.Background()
	e := svc.CreateExperiment(ctx, experiment.CreateParams{
		Name:          "tone",
		Category:      storage.CategoryHumanizer,
		ControlConfig: map[string]any{"tone": "neutral"},
		VariantConfig: map[string]any{"tone": "warm"},
	})
	if e == nil || !svc.StartExperiment(ctx, e.ID) {
		t.Fatal("could not create and start experiment")
	}

	now := time.Now().UTC()
	for i, rating := range []float64{5, 3} {
		err := store.InsertAssignment(ctx, storage.Assignment{
			ID:           "as-" + string(rune('a'+i)),
			ExperimentID: e.ID,
			Variant:      storage.ArmControl,
			Rating:       rating,
			CreatedAt:    now,
		})
		if err != nil {
			t.Fatalf("InsertAssignment: %v", err)
		}
	}

	if _, err := NewWorker(store, svc, time.Minute).RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, err := store.GetExperiment(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetExperiment: %v", err)
	}
	if got.ControlAvgRating != 4 {
		t.Errorf("ControlAvgRating = %v, want 4", got.ControlAvgRating)
	}
	if got.ControlConversions != 1 {
		t.Errorf("ControlConversions = %d, want 1", got.ControlConversions)
	}
}
