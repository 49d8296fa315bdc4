package api

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/expd/internal/experiment"
	"github.com/kalambet/expd/internal/storage"
)

// ExperimentReader is the read side of the store used by the admin routes.
type ExperimentReader interface {
	GetExperiment(ctx context.Context, id string) (storage.Experiment, error)
	ListExperiments(ctx context.Context, statuses []storage.Status, limit int) ([]storage.Experiment, error)
	Ping(ctx context.Context) error
}

type Deps struct {
	Engine *experiment.Service
	Store  ExperimentReader
	Token  string
}

type AssignmentRequest struct {
	SubjectID *string          `json:"subject_id"`
	Category  storage.Category `json:"category" validate:"required,category"`
}

type ImpressionRequest struct {
	Variant storage.Arm `json:"variant" validate:"required,oneof=control variant"`
}

type ResultRequest struct {
	Variant       storage.Arm `json:"variant" validate:"required,oneof=control variant"`
	Rating        *float64    `json:"rating" validate:"required,gte=1,lte=5"`
	ResponseLogID string      `json:"response_log_id,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		return name
	})
	if err := v.RegisterValidation("category", func(fl validator.FieldLevel) bool {
		return storage.Category(fl.Field().String()).Valid()
	}); err != nil {
		panic(err)
	}
	return v
}

// validationMessage flattens validator errors into one client-facing line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "category":
			msgs = append(msgs, fe.Field()+" must be one of: "+storage.CategoryList())
		case "oneof":
			msgs = append(msgs, fe.Field()+" must be one of: "+strings.ReplaceAll(fe.Param(), " ", ", "))
		default:
			msgs = append(msgs, fe.Field()+" must be "+fe.Tag()+" "+fe.Param())
		}
	}
	return strings.Join(msgs, "; ")
}

// NewHandler returns the expd REST API. /health and /metrics are open;
// everything else requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/assignments", handleAssign(deps))
		r.Post("/experiments", handleCreateExperiment(deps))
		r.Get("/experiments", handleListExperiments(deps))
		r.Route("/experiments/{id}", func(r chi.Router) {
			r.Get("/", handleGetExperiment(deps))
			r.Get("/report", handleReport(deps))
			r.Post("/start", handleTransition(deps, "start", deps.Engine.StartExperiment))
			r.Post("/stop", handleTransition(deps, "stop", deps.Engine.StopExperiment))
			r.Post("/impressions", handleImpression(deps))
			r.Post("/results", handleResult(deps))
			r.Post("/recompute", handleRecompute(deps))
		})
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.Ping(r.Context()); err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "store unavailable: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleAssign(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AssignmentRequest
		if err := decodeBody(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := validate.Struct(req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", validationMessage(err))
			return
		}

		a := deps.Engine.GetAssignment(r.Context(), req.SubjectID, req.Category)
		if a == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func handleCreateExperiment(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p experiment.CreateParams
		if err := decodeBody(w, r, &p); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := p.Validate(); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		e := deps.Engine.CreateExperiment(r.Context(), p)
		if e == nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create experiment")
			return
		}
		writeJSON(w, http.StatusCreated, e)
	}
}

func handleListExperiments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses, err := parseStatuses(r.URL.Query()["status"])
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)
		if limit == 0 {
			limit = 20
		}

		exps, err := deps.Store.ListExperiments(r.Context(), statuses, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list experiments: %v", err)
			return
		}
		if exps == nil {
			exps = []storage.Experiment{}
		}
		writeJSON(w, http.StatusOK, exps)
	}
}

// parseStatuses accepts repeated and comma-separated status parameters.
func parseStatuses(values []string) ([]storage.Status, error) {
	var out []storage.Status
	for _, v := range values {
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			st := storage.Status(s)
			switch st {
			case storage.StatusDraft, storage.StatusRunning, storage.StatusPaused, storage.StatusCompleted:
				out = append(out, st)
			default:
				return nil, errors.New("unknown status " + s)
			}
		}
	}
	return out, nil
}

// loadExperiment writes a 404 or 500 and returns false when the experiment
// named in the path cannot be loaded.
func loadExperiment(deps Deps, w http.ResponseWriter, r *http.Request) (storage.Experiment, bool) {
	id := chi.URLParam(r, "id")
	e, err := deps.Store.GetExperiment(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "experiment not found")
		return e, false
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to get experiment: %v", err)
		return e, false
	}
	return e, true
}

func handleGetExperiment(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, ok := loadExperiment(deps, w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func handleReport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, ok := loadExperiment(deps, w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, experiment.BuildReport(e))
	}
}

func handleTransition(deps Deps, verb string, apply func(context.Context, string) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, ok := loadExperiment(deps, w, r)
		if !ok {
			return
		}
		if !apply(r.Context(), e.ID) {
			httpError(w, http.StatusConflict, "conflict_error",
				"cannot %s experiment in status %s (another %s experiment may be running)", verb, e.Status, e.Category)
			return
		}
		updated, ok := loadExperiment(deps, w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

func handleImpression(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ImpressionRequest
		if err := decodeBody(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := validate.Struct(req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", validationMessage(err))
			return
		}
		e, ok := loadExperiment(deps, w, r)
		if !ok {
			return
		}

		deps.Engine.LogImpression(r.Context(), e.ID, req.Variant)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

func handleResult(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ResultRequest
		if err := decodeBody(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := validate.Struct(req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", validationMessage(err))
			return
		}
		e, ok := loadExperiment(deps, w, r)
		if !ok {
			return
		}

		deps.Engine.LogResult(r.Context(), e.ID, req.Variant, *req.Rating, req.ResponseLogID)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

func handleRecompute(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, ok := loadExperiment(deps, w, r)
		if !ok {
			return
		}
		deps.Engine.RecomputeMetrics(r.Context(), e.ID)

		updated, ok := loadExperiment(deps, w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, experiment.BuildReport(updated))
	}
}
