package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/artifact"
	"github.com/nidhogg/overseer/internal/eventlog"
	"github.com/nidhogg/overseer/internal/lease"
	"github.com/nidhogg/overseer/internal/policy"
	"github.com/nidhogg/overseer/internal/projection"
	"github.com/nidhogg/overseer/internal/scheduler"
	"github.com/nidhogg/overseer/internal/workflow"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	sched     *scheduler.Scheduler
	store     projection.Store
	log       *eventlog.Log
	artifacts *artifact.Store
	approvals *policy.Approvals
	leader    lease.Leadership
	logger    *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(
	sched *scheduler.Scheduler,
	store projection.Store,
	log *eventlog.Log,
	artifacts *artifact.Store,
	approvals *policy.Approvals,
	leader lease.Leadership,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		sched:     sched,
		store:     store,
		log:       log,
		artifacts: artifacts,
		approvals: approvals,
		leader:    leader,
		logger:    logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/runs", h.submitRun)
		r.Get("/runs", h.listRuns)
		r.Get("/runs/{id}", h.getRun)
		r.Post("/runs/{id}/cancel", h.cancelRun)
		r.Get("/runs/{id}/events", h.listEvents)

		r.Get("/artifacts/{hash}", h.getArtifact)

		r.Get("/approvals", h.listApprovals)
		r.Post("/approvals/{id}/vote", h.voteApproval)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"leader": h.leader.IsLeader(),
	})
}

type submitRequest struct {
	WorkItemID string         `json:"work_item_id"`
	Spec       *workflow.Spec `json:"spec"`
}

func (h *Handler) submitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRequest

	// YAML submissions carry the spec as the whole body; the work item id
	// comes from a header.
	if ct := r.Header.Get("Content-Type"); strings.Contains(ct, "yaml") {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		spec, err := workflow.ParseYAML(body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		req.Spec = spec
		req.WorkItemID = r.Header.Get("X-Work-Item")
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if req.Spec == nil || len(req.Spec.Steps) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "spec with at least one step is required"})
		return
	}

	runID, err := h.sched.Submit(r.Context(), req.Spec, req.WorkItemID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"run_id": runID})
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	filter := projection.Filter{
		WorkItemID: r.URL.Query().Get("work_item"),
	}
	if s := r.URL.Query().Get("status"); s != "" {
		filter.Status = workflow.RunStatus(s)
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		filter.Limit = n
	}

	runs, err := h.store.ListRuns(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []*workflow.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := h.store.GetRun(r.Context(), id)
	if errors.Is(err, projection.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req cancelRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}

	if err := h.sched.Cancel(id, req.Reason); err != nil {
		if errors.Is(err, scheduler.ErrRunNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found or already finished"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var from uint64
	if f := r.URL.Query().Get("from"); f != "" {
		n, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid from sequence"})
			return
		}
		from = n
	}

	events, err := h.log.Read(r.Context(), id, from)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if len(events) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) getArtifact(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	data, err := h.artifacts.Get(hash)
	if errors.Is(err, artifact.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "artifact not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *Handler) listApprovals(w http.ResponseWriter, r *http.Request) {
	pending := h.approvals.Pending()
	if pending == nil {
		pending = []*policy.Approval{}
	}
	writeJSON(w, http.StatusOK, pending)
}

type voteRequest struct {
	DecidedBy string `json:"decided_by"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
}

func (h *Handler) voteApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var decision policy.VoteDecision
	switch req.Decision {
	case "approve":
		decision = policy.VoteApprove
	case "deny":
		decision = policy.VoteDeny
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "decision must be approve or deny"})
		return
	}
	if req.DecidedBy == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "decided_by is required"})
		return
	}

	if err := h.approvals.Vote(id, req.DecidedBy, decision, req.Reason); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
