// Package workflow chains detection, replication, budget optimization, and
// queue execution into the end-to-end winner pipeline.
package workflow

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"adpilot/pkg/changequeue"
	"adpilot/pkg/detector"
	"adpilot/pkg/executor"
	"adpilot/pkg/metrics"
	"adpilot/pkg/models"
	"adpilot/pkg/optimizer"
	"adpilot/pkg/replication"
)

// BudgetSource reports current daily budgets. In production this is backed
// by the platform client; tests inject a map.
type BudgetSource interface {
	Budgets(ctx context.Context, accountID string, adIDs []string) (map[string]decimal.Decimal, error)
}

// Drainer processes queued changes one at a time. Satisfied by
// *executor.Executor.
type Drainer interface {
	ProcessOne(ctx context.Context, workerID string) (executor.Outcome, error)
}

// RunConfig is one workflow invocation. Criteria and Limits are always
// caller-supplied; the orchestrator holds no default thresholds.
type RunConfig struct {
	AccountID string                   `json:"account_id"`
	Criteria  models.DetectionCriteria `json:"criteria"`
	Limits    models.SafetyLimits      `json:"limits"`

	// Replication settings. ReplicaCount <= 0 skips the replicate step.
	ReplicaAxes  []models.VariationAxis `json:"replica_axes"`
	ReplicaCount int                    `json:"replica_count"`

	// Optimization settings. Empty Strategy skips the optimize step.
	Strategy       optimizer.StrategyKind   `json:"strategy"`
	StrategyConfig optimizer.StrategyConfig `json:"strategy_config"`

	// DryRun stops before enqueue and returns the proposed set.
	DryRun bool `json:"dry_run"`

	// Rand drives exploration sampling when the strategy needs it.
	Rand *rand.Rand `json:"-"`
}

// StepStatus reports one step's outcome. Steps that did not run are absent.
type StepStatus struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Result is the full workflow outcome.
type Result struct {
	AccountID       string                  `json:"account_id"`
	Steps           []StepStatus            `json:"steps"`
	WinnersDetected int                     `json:"winners_detected"`
	ReplicasCreated int                     `json:"replicas_created"`
	BudgetOptimized int                     `json:"budget_optimized"`
	Enqueued        int                     `json:"enqueued"`
	Drained         int                     `json:"drained"`
	DryRun          bool                    `json:"dry_run"`
	Proposed        []models.ProposedChange `json:"proposed,omitempty"`
	ExecutionTimeMS int64                   `json:"execution_time_ms"`
}

func (r *Result) step(name string, err error) bool {
	s := StepStatus{Name: name, OK: err == nil}
	if err != nil {
		s.Error = err.Error()
	}
	r.Steps = append(r.Steps, s)
	return err == nil
}

// Orchestrator wires the pipeline components.
type Orchestrator struct {
	detector  *detector.Detector
	planner   *replication.Planner
	optimizer *optimizer.Optimizer
	queue     changequeue.Queue
	budgets   BudgetSource
	drainer   Drainer
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New creates an orchestrator. drainer may be nil, in which case the drain
// step is skipped and background workers pick the queue up instead.
func New(d *detector.Detector, p *replication.Planner, o *optimizer.Optimizer,
	q changequeue.Queue, budgets BudgetSource, drainer Drainer,
	logger *zap.Logger, m *metrics.Metrics) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Orchestrator{
		detector:  d,
		planner:   p,
		optimizer: o,
		queue:     q,
		budgets:   budgets,
		drainer:   drainer,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

// Run executes detect, replicate, optimize, enqueue, drain. Replicate and
// optimize are independent: one failing does not stop the other, and
// whatever proposals exist still get enqueued.
func (o *Orchestrator) Run(ctx context.Context, cfg RunConfig) (Result, error) {
	start := o.now()
	res := Result{AccountID: cfg.AccountID, DryRun: cfg.DryRun}
	log := o.logger.With(zap.String("account_id", cfg.AccountID))

	verdicts, err := o.detector.Detect(ctx, cfg.Criteria)
	if !res.step("detect", err) {
		res.ExecutionTimeMS = o.now().Sub(start).Milliseconds()
		return res, err
	}

	var winners []models.WinnerVerdict
	for _, v := range verdicts {
		o.metrics.WinnersDetected.WithLabelValues(string(v.Classification)).Inc()
		if v.Classification == models.ClassWinner {
			winners = append(winners, v)
		}
	}
	res.WinnersDetected = len(winners)

	adIDs := make([]string, 0, len(verdicts))
	for _, v := range verdicts {
		adIDs = append(adIDs, v.AdID)
	}
	budgets, err := o.budgets.Budgets(ctx, cfg.AccountID, adIDs)
	if !res.step("budgets", err) {
		budgets = nil
	}

	var proposed []models.ProposedChange

	if cfg.ReplicaCount > 0 {
		var replicateErr error
		for _, w := range winners {
			budget := budgets[w.AdID]
			plans, err := o.planner.Plan(w, replication.PlanRequest{
				Axes:          cfg.ReplicaAxes,
				Count:         cfg.ReplicaCount,
				CurrentBudget: budget,
				Limits:        cfg.Limits,
			})
			if err != nil {
				replicateErr = errors.Join(replicateErr, err)
				continue
			}
			proposed = append(proposed, plans...)
			res.ReplicasCreated += len(plans)
		}
		res.step("replicate", replicateErr)
	}

	if cfg.Strategy != "" {
		if len(budgets) == 0 {
			res.step("optimize", errors.New("workflow: no budget snapshot available"))
		} else {
			out, err := o.optimizer.Optimize(optimizer.OptimizeInput{
				AccountID:    cfg.AccountID,
				Verdicts:     verdicts,
				Budgets:      budgets,
				Observations: o.observationsFor(ctx, cfg),
				Strategy:     cfg.Strategy,
				Config:       cfg.StrategyConfig,
				Limits:       cfg.Limits,
				Rand:         cfg.Rand,
			})
			if res.step("optimize", err) {
				proposed = append(proposed, out.Changes...)
				res.BudgetOptimized = len(out.Changes)
				for i := 0; i < out.Totals.Dropped; i++ {
					o.metrics.ChangesDropped.Inc()
				}
			}
		}
	}

	if cfg.DryRun {
		res.Proposed = proposed
		res.ExecutionTimeMS = o.now().Sub(start).Milliseconds()
		o.metrics.WorkflowDuration.Observe(o.now().Sub(start).Seconds())
		return res, nil
	}

	var enqueueErr error
	for _, c := range proposed {
		if _, err := o.queue.Enqueue(ctx, c); err != nil {
			enqueueErr = errors.Join(enqueueErr, err)
			continue
		}
		o.metrics.ChangesProposed.WithLabelValues(string(c.Kind)).Inc()
		res.Enqueued++
	}
	if len(proposed) > 0 {
		res.step("enqueue", enqueueErr)
	}

	if o.drainer != nil && res.Enqueued > 0 {
		var drainErr error
		for {
			_, err := o.drainer.ProcessOne(ctx, "workflow-drain")
			if errors.Is(err, changequeue.ErrNoPending) {
				break
			}
			if err != nil {
				drainErr = err
				break
			}
			res.Drained++
		}
		res.step("drain", drainErr)
	}

	res.ExecutionTimeMS = o.now().Sub(start).Milliseconds()
	o.metrics.WorkflowDuration.Observe(o.now().Sub(start).Seconds())
	log.Info("workflow finished",
		zap.Int("winners", res.WinnersDetected),
		zap.Int("replicas", res.ReplicasCreated),
		zap.Int("optimized", res.BudgetOptimized),
		zap.Int("enqueued", res.Enqueued),
		zap.Int("drained", res.Drained))
	return res, nil
}

// observationsFor reloads the raw windows behind the verdicts so the
// exploration strategy can rebuild its posterior.
func (o *Orchestrator) observationsFor(ctx context.Context, cfg RunConfig) map[string][]models.PerformanceObservation {
	if cfg.Strategy != optimizer.StrategyThompsonExploration {
		return nil
	}
	obs, err := o.detector.Observations(ctx, cfg.Criteria)
	if err != nil {
		o.logger.Warn("observation reload failed, exploration will use priors only", zap.Error(err))
		return nil
	}
	out := make(map[string][]models.PerformanceObservation)
	for _, ob := range obs {
		out[ob.AdID] = append(out[ob.AdID], ob)
	}
	return out
}
