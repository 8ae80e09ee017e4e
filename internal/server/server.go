// Package server exposes a project's engine and work items over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/metalagman/evolve/internal/config"
	"github.com/metalagman/evolve/internal/db"
	"github.com/metalagman/evolve/internal/evolution"
	"github.com/metalagman/evolve/internal/phase"
	"github.com/metalagman/evolve/internal/workitem"
)

// ItemSaver persists manual work item edits.
type ItemSaver interface {
	SaveItem(ctx context.Context, projectID string, item workitem.Item) error
}

// EventLister reads the persisted event log.
type EventLister interface {
	Events(ctx context.Context, projectID string, limit int) ([]db.EventRecord, error)
}

// Config for the HTTP handler.
type Config struct {
	ProjectID string
	Engine    *evolution.Engine
	Items     ItemSaver
	Events    EventLister
}

type server struct {
	cfg   Config
	store *workitem.Store
}

type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiError struct {
	Body apiErrorBody `json:"error"`
}

// New returns an HTTP handler for one project.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	s := &server{cfg: cfg, store: cfg.Engine.Store()}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger)

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	router.Get("/status", s.handleStatus)
	router.Get("/events", s.handleEvents)
	router.Post("/evaluate", s.handleEvaluate)
	router.Post("/approve", s.handleApprove)
	router.Route("/items", func(r chi.Router) {
		r.Get("/", s.handleListItems)
		r.Post("/", s.handleCreateItem)
		r.Get("/{id}", s.handleGetItem)
		r.Patch("/{id}", s.handlePatchItem)
	})
	return router, nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

type statusResponse struct {
	Tracker  *evolution.Tracker `json:"tracker"`
	Phases   []phase.Phase      `json:"phases"`
	Settings config.Settings    `json:"settings"`
}

func (s *server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.cfg.Engine.Status()
	writeJSON(w, http.StatusOK, statusResponse{Tracker: st.Tracker, Phases: st.Phases, Settings: st.Settings})
}

func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		writeError(w, http.StatusNotFound, "not_found", "event log not available")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	events, err := s.cfg.Events.Events(r.Context(), s.cfg.ProjectID, limit)
	if err != nil {
		handleError(w, err)
		return
	}
	if events == nil {
		events = []db.EventRecord{}
	}
	writeJSON(w, http.StatusOK, events)
}

type changeSetResponse struct {
	Items         []string `json:"items"`
	Criteria      []string `json:"criteria"`
	TrackerFields []string `json:"tracker_fields"`
	RuleErrors    []string `json:"rule_errors"`
	CurrentPhase  string   `json:"current_phase_id"`
}

func (s *server) summarize(cs evolution.ChangeSet) changeSetResponse {
	out := changeSetResponse{
		Items:         []string{},
		Criteria:      []string{},
		TrackerFields: append([]string{}, cs.TrackerFields...),
		RuleErrors:    []string{},
		CurrentPhase:  s.cfg.Engine.Status().Tracker.CurrentPhaseID,
	}
	for _, item := range cs.Items {
		out.Items = append(out.Items, item.ID)
	}
	for _, c := range cs.Criteria {
		out.Criteria = append(out.Criteria, c.PhaseID+"/"+c.Criterion.ID)
	}
	for _, err := range cs.RuleErrors {
		out.RuleErrors = append(out.RuleErrors, err.Error())
	}
	return out
}

func (s *server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	cs, err := s.cfg.Engine.EvaluateOnce(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.summarize(cs))
}

func (s *server) handleApprove(w http.ResponseWriter, r *http.Request) {
	cs, err := s.cfg.Engine.Approve(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.summarize(cs))
}

func (s *server) handleListItems(w http.ResponseWriter, r *http.Request) {
	phaseID := r.URL.Query().Get("phase")
	status := r.URL.Query().Get("status")
	out := []workitem.Item{}
	for _, item := range s.store.List() {
		if phaseID != "" && item.PhaseID != phaseID {
			continue
		}
		if status != "" && string(item.Status) != status {
			continue
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.store.Get(chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type createItemRequest struct {
	ID                string   `json:"id"`
	Title             string   `json:"title"`
	Kind              string   `json:"kind"`
	Priority          string   `json:"priority"`
	Category          string   `json:"category"`
	Tags              []string `json:"tags"`
	Dependencies      []string `json:"dependencies"`
	RelatedComponents []string `json:"related_components"`
	PhaseID           string   `json:"phase_id"`
	EstimatedEffort   float64  `json:"estimated_effort"`
}

func (s *server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var req createItemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "title is required")
		return
	}
	kind, err := workitem.ParseKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	priority, err := workitem.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.PhaseID != "" && !s.knownPhase(req.PhaseID) {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown phase %q", req.PhaseID))
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	item, err := s.store.Add(workitem.Item{
		ID:                req.ID,
		Title:             req.Title,
		Kind:              kind,
		Priority:          priority,
		Category:          req.Category,
		Tags:              req.Tags,
		Dependencies:      req.Dependencies,
		RelatedComponents: req.RelatedComponents,
		EstimatedEffort:   req.EstimatedEffort,
	})
	if err != nil {
		handleError(w, err)
		return
	}
	if req.PhaseID != "" {
		if item, err = s.store.AssignPhase(item.ID, req.PhaseID, false); err != nil {
			handleError(w, err)
			return
		}
	}
	if err := s.persist(r.Context(), item); err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

type patchItemRequest struct {
	Title             *string   `json:"title"`
	Status            *string   `json:"status"`
	Priority          *string   `json:"priority"`
	Category          *string   `json:"category"`
	Tags              *[]string `json:"tags"`
	Dependencies      *[]string `json:"dependencies"`
	RelatedComponents *[]string `json:"related_components"`
	EstimatedEffort   *float64  `json:"estimated_effort"`
	ActualEffort      *float64  `json:"actual_effort"`
	PhaseID           *string   `json:"phase_id"`
	Note              string    `json:"note"`
}

func (s *server) handlePatchItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req patchItemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	patch := workitem.Patch{
		Title:             req.Title,
		Category:          req.Category,
		Tags:              req.Tags,
		Dependencies:      req.Dependencies,
		RelatedComponents: req.RelatedComponents,
		EstimatedEffort:   req.EstimatedEffort,
		ActualEffort:      req.ActualEffort,
		Note:              req.Note,
	}
	if req.Status != nil {
		status, err := workitem.ParseStatus(*req.Status)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		patch.Status = &status
	}
	if req.Priority != nil {
		priority, err := workitem.ParsePriority(*req.Priority)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		patch.Priority = &priority
	}
	if req.PhaseID != nil && !s.knownPhase(*req.PhaseID) {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown phase %q", *req.PhaseID))
		return
	}

	item, err := s.store.Update(id, patch)
	if err != nil {
		handleError(w, err)
		return
	}
	if req.PhaseID != nil {
		if item, err = s.store.AssignPhase(id, *req.PhaseID, true); err != nil {
			handleError(w, err)
			return
		}
	}
	if err := s.persist(r.Context(), item); err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *server) knownPhase(id string) bool {
	for _, p := range s.cfg.Engine.Status().Phases {
		if p.ID == id {
			return true
		}
	}
	return false
}

func (s *server) persist(ctx context.Context, item workitem.Item) error {
	if s.cfg.Items == nil {
		return nil
	}
	if err := s.cfg.Items.SaveItem(ctx, s.cfg.ProjectID, item); err != nil {
		return fmt.Errorf("save work item: %w", err)
	}
	return nil
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func handleError(w http.ResponseWriter, err error) {
	var missing *evolution.MissingPhaseError
	var persist *evolution.PersistenceError
	switch {
	case errors.Is(err, workitem.ErrNotFound), errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, workitem.ErrDuplicate):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, workitem.ErrPhaseAssigned):
		writeError(w, http.StatusConflict, "phase_assigned", err.Error())
	case errors.Is(err, evolution.ErrPassInProgress):
		writeError(w, http.StatusConflict, "pass_in_progress", err.Error())
	case errors.Is(err, evolution.ErrNoPendingAdvance):
		writeError(w, http.StatusConflict, "no_pending_advance", err.Error())
	case errors.As(err, &missing):
		writeError(w, http.StatusInternalServerError, "missing_phase", err.Error())
	case errors.As(err, &persist):
		writeError(w, http.StatusServiceUnavailable, "persistence_failed", err.Error())
	default:
		log.Error().Err(err).Msg("http handler failed")
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Body: apiErrorBody{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("write http response")
	}
}
