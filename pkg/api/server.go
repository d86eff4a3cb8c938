// Package api exposes the subsystem over HTTP: detection, replication, and
// optimization as dry-runnable operations, workflows as async jobs, and the
// change history for compliance queries.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"adpilot/pkg/changequeue"
	"adpilot/pkg/detector"
	"adpilot/pkg/models"
	"adpilot/pkg/optimizer"
	"adpilot/pkg/replication"
	"adpilot/pkg/workflow"
)

// Server bundles the HTTP handlers and their dependencies.
type Server struct {
	detector  *detector.Detector
	planner   *replication.Planner
	optimizer *optimizer.Optimizer
	orch      *workflow.Orchestrator
	registry  *workflow.Registry
	queue     changequeue.Queue
	history   changequeue.HistoryReader
	budgets   workflow.BudgetSource
	logger    *zap.Logger
	gatherer  prometheus.Gatherer
}

// New builds a server. gatherer backs /metrics; pass
// prometheus.DefaultGatherer in production.
func New(d *detector.Detector, p *replication.Planner, o *optimizer.Optimizer,
	orch *workflow.Orchestrator, registry *workflow.Registry,
	queue changequeue.Queue, history changequeue.HistoryReader,
	budgets workflow.BudgetSource, logger *zap.Logger,
	gatherer prometheus.Gatherer) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		detector:  d,
		planner:   p,
		optimizer: o,
		orch:      orch,
		registry:  registry,
		queue:     queue,
		history:   history,
		budgets:   budgets,
		logger:    logger,
		gatherer:  gatherer,
	}
}

// Router mounts all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/detect", s.handleDetect)
		r.Post("/winners/{id}/replicate", s.handleReplicate)
		r.Post("/budget/optimize", s.handleOptimize)
		r.Post("/workflows/winner", s.handleWorkflow)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/ads/{id}/history", s.handleAdHistory)
		r.Get("/history", s.handleHistoryRange)
	})
	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var criteria models.DetectionCriteria
	if !s.decode(w, r, &criteria) {
		return
	}
	verdicts, err := s.detector.Detect(r.Context(), criteria)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"account_id": criteria.AccountID,
		"verdicts":   verdicts,
	})
}

type replicateRequest struct {
	Criteria models.DetectionCriteria `json:"criteria"`
	Axes     []models.VariationAxis   `json:"variation_axes"`
	Count    int                      `json:"count"`
	Limits   models.SafetyLimits      `json:"limits"`
	DryRun   bool                     `json:"dry_run"`
}

// handleReplicate re-runs detection for the account, requires the named ad
// to currently classify as a winner, and enqueues its replicas.
func (s *Server) handleReplicate(w http.ResponseWriter, r *http.Request) {
	adID := chi.URLParam(r, "id")
	var req replicateRequest
	if !s.decode(w, r, &req) {
		return
	}

	verdicts, err := s.detector.Detect(r.Context(), req.Criteria)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var winner *models.WinnerVerdict
	for i := range verdicts {
		if verdicts[i].AdID == adID {
			winner = &verdicts[i]
			break
		}
	}
	if winner == nil {
		s.writeError(w, http.StatusNotFound, errors.New("ad not found in detection window"))
		return
	}

	budgets, err := s.budgets.Budgets(r.Context(), req.Criteria.AccountID, []string{adID})
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	plans, err := s.planner.Plan(*winner, replication.PlanRequest{
		Axes:          req.Axes,
		Count:         req.Count,
		CurrentBudget: budgets[adID],
		Limits:        req.Limits,
	})
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	enqueued := 0
	if !req.DryRun {
		for _, c := range plans {
			if _, err := s.queue.Enqueue(r.Context(), c); err != nil {
				s.writeError(w, http.StatusInternalServerError, err)
				return
			}
			enqueued++
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"source_ad_id": adID,
		"replicas":     plans,
		"enqueued":     enqueued,
		"dry_run":      req.DryRun,
	})
}

type optimizeRequest struct {
	AccountID      string                   `json:"account_id"`
	Criteria       models.DetectionCriteria `json:"criteria"`
	Strategy       string                   `json:"strategy"`
	StrategyConfig optimizer.StrategyConfig `json:"strategy_config"`
	Limits         models.SafetyLimits      `json:"limits"`
	Seed           *int64                   `json:"seed,omitempty"`
	DryRun         bool                     `json:"dry_run"`
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req optimizeRequest
	if !s.decode(w, r, &req) {
		return
	}
	strategy, err := optimizer.ParseStrategy(req.Strategy)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	verdicts, err := s.detector.Detect(r.Context(), req.Criteria)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	adIDs := make([]string, 0, len(verdicts))
	for _, v := range verdicts {
		adIDs = append(adIDs, v.AdID)
	}
	budgets, err := s.budgets.Budgets(r.Context(), req.AccountID, adIDs)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}

	var rng *rand.Rand
	if strategy == optimizer.StrategyThompsonExploration {
		seed := time.Now().UnixNano()
		if req.Seed != nil {
			seed = *req.Seed
		}
		rng = rand.New(rand.NewSource(seed))
	}

	var obsByAd map[string][]models.PerformanceObservation
	if strategy == optimizer.StrategyThompsonExploration {
		obs, err := s.detector.Observations(r.Context(), req.Criteria)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		obsByAd = make(map[string][]models.PerformanceObservation)
		for _, o := range obs {
			obsByAd[o.AdID] = append(obsByAd[o.AdID], o)
		}
	}

	result, err := s.optimizer.Optimize(optimizer.OptimizeInput{
		AccountID:    req.AccountID,
		Verdicts:     verdicts,
		Budgets:      budgets,
		Observations: obsByAd,
		Strategy:     strategy,
		Config:       req.StrategyConfig,
		Limits:       req.Limits,
		Rand:         rng,
	})
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	enqueued := 0
	if !req.DryRun {
		for _, c := range result.Changes {
			if _, err := s.queue.Enqueue(r.Context(), c); err != nil {
				s.writeError(w, http.StatusInternalServerError, err)
				return
			}
			enqueued++
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"changes":  result.Changes,
		"totals":   result.Totals,
		"enqueued": enqueued,
		"dry_run":  req.DryRun,
	})
}

type workflowRequest struct {
	workflow.RunConfig
	Seed *int64 `json:"seed,omitempty"`
}

// handleWorkflow runs synchronously for dry runs and as an async job
// otherwise: live runs call the platform and can take minutes of jitter
// and retries.
func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflowRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Strategy == optimizer.StrategyThompsonExploration {
		seed := time.Now().UnixNano()
		if req.Seed != nil {
			seed = *req.Seed
		}
		req.Rand = rand.New(rand.NewSource(seed))
	}

	if req.DryRun {
		res, err := s.orch.Run(r.Context(), req.RunConfig)
		if err != nil {
			s.writeJSON(w, http.StatusUnprocessableEntity, res)
			return
		}
		s.writeJSON(w, http.StatusOK, res)
		return
	}

	jobID := s.registry.Submit(context.WithoutCancel(r.Context()), req.RunConfig)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, errors.New("job not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleAdHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.history.HistoryByAd(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleHistoryRange(w http.ResponseWriter, r *http.Request) {
	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("from must be RFC3339"))
		return
	}
	to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("to must be RFC3339"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.history.HistoryByRange(r.Context(), from, to, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"queue_depth": depth,
	})
}
