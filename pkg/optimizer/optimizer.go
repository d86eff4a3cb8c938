// Package optimizer computes budget reallocation proposals from winner
// verdicts. Strategies decide desired targets; the optimizer owns the
// safety clamps (velocity, per-ad bounds, account cap) and is the only
// component that turns targets into budget_update proposals.
package optimizer

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"adpilot/pkg/models"
)

// OptimizeInput is everything one optimization pass depends on. The
// optimizer itself holds no mutable state between calls.
type OptimizeInput struct {
	AccountID string
	Verdicts  []models.WinnerVerdict
	// Budgets maps ad ID to its current daily budget. Ads without a budget
	// entry are skipped: there is nothing safe to change.
	Budgets map[string]decimal.Decimal
	// Observations back the exploration posterior, keyed by ad ID.
	Observations map[string][]models.PerformanceObservation
	Strategy     StrategyKind
	Config       StrategyConfig
	Limits       models.SafetyLimits
	// Rand drives exploration sampling. Injected so tests can fix a seed;
	// required for thompson_exploration, ignored by the other strategies.
	Rand *rand.Rand
}

// Totals summarizes one optimization pass.
type Totals struct {
	Proposed       int             `json:"proposed"`
	Dropped        int             `json:"dropped"`
	TotalIncrease  decimal.Decimal `json:"total_increase"`
	TotalDecrease  decimal.Decimal `json:"total_decrease"`
	ProjectedSpend decimal.Decimal `json:"projected_spend"`
}

// Result is the emitted change set plus accounting.
type Result struct {
	Changes []models.ProposedChange `json:"changes"`
	Totals  Totals                  `json:"totals"`
}

// Optimizer applies a strategy under non-bypassable safety limits.
type Optimizer struct {
	log *zap.Logger
	now func() time.Time
}

// New creates an optimizer. A nil logger disables logging.
func New(log *zap.Logger) *Optimizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Optimizer{log: log, now: time.Now}
}

// Optimize runs the selected strategy and clamps every proposed delta to
// satisfy all safety limits. Deltas that clamp to zero or invert direction
// are dropped, never emitted as no-ops.
func (o *Optimizer) Optimize(in OptimizeInput) (Result, error) {
	if in.AccountID == "" {
		return Result{}, fmt.Errorf("optimizer: account_id is required")
	}
	if err := in.Limits.Validate(); err != nil {
		return Result{}, err
	}
	in.Config.applyDefaults()
	strat, err := strategyFor(in.Strategy, in.Config)
	if err != nil {
		return Result{}, err
	}
	if in.Strategy == StrategyThompsonExploration && in.Rand == nil {
		return Result{}, fmt.Errorf("optimizer: thompson_exploration requires a random source")
	}

	raw := strat.propose(in)
	changes, totals, err := o.applySafety(in, raw)
	if err != nil {
		return Result{}, err
	}

	o.log.Info("budget optimization complete",
		zap.String("account_id", in.AccountID),
		zap.String("strategy", string(in.Strategy)),
		zap.Int("proposed", totals.Proposed),
		zap.Int("dropped", totals.Dropped),
		zap.String("total_increase", totals.TotalIncrease.StringFixed(2)),
		zap.String("total_decrease", totals.TotalDecrease.StringFixed(2)))
	return Result{Changes: changes, Totals: totals}, nil
}

// applySafety clamps raw proposals in a deterministic order: decreases
// first (they free cap headroom), then increases by descending ROAS. The
// projected account spend starts from the full current budget sum so the
// cap holds over ads the strategy never touched.
func (o *Optimizer) applySafety(in OptimizeInput, raw []proposal) ([]models.ProposedChange, Totals, error) {
	totals := Totals{TotalIncrease: decimal.Zero, TotalDecrease: decimal.Zero}

	projected := decimal.Zero
	for _, b := range in.Budgets {
		projected = projected.Add(b)
	}

	seen := make(map[string]bool, len(raw))
	var decreases, increases []proposal
	for _, p := range raw {
		if seen[p.adID] {
			continue
		}
		seen[p.adID] = true
		old, ok := in.Budgets[p.adID]
		if !ok || !old.IsPositive() {
			continue
		}
		if p.target.LessThan(old) {
			decreases = append(decreases, p)
		} else {
			increases = append(increases, p)
		}
	}
	sort.Slice(decreases, func(i, j int) bool { return decreases[i].adID < decreases[j].adID })
	sort.Slice(increases, func(i, j int) bool {
		if increases[i].roas != increases[j].roas {
			return increases[i].roas > increases[j].roas
		}
		return increases[i].adID < increases[j].adID
	})

	at := o.now().UTC()
	var changes []models.ProposedChange
	for _, p := range append(decreases, increases...) {
		old := in.Budgets[p.adID]
		target, note := clampTarget(old, p.target, in.Limits)

		// Account cap: increases only spend remaining headroom.
		if target.GreaterThan(old) {
			headroom := in.Limits.TotalBudgetCap.Sub(projected)
			if headroom.IsNegative() {
				headroom = decimal.Zero
			}
			if target.Sub(old).GreaterThan(headroom) {
				target = old.Add(headroom)
				note = appendNote(note, "capped by total_budget_cap")
			}
		}

		target = target.Round(2)
		delta := target.Sub(old)
		desired := p.target.Sub(old)
		if delta.IsZero() || delta.Sign() != desired.Sign() {
			totals.Dropped++
			o.log.Debug("proposal dropped by safety clamps",
				zap.String("ad_id", p.adID),
				zap.String("desired", p.target.StringFixed(2)),
				zap.String("clamped", target.StringFixed(2)))
			continue
		}

		reasoning := p.reasoning
		if note != "" {
			reasoning = reasoning + " [" + note + "]"
		}
		change, err := models.NewProposedChange(in.AccountID, p.adID, models.KindBudgetUpdate,
			models.BudgetUpdatePayload{CurrentBudget: old, NewBudget: target}, reasoning, at)
		if err != nil {
			return nil, totals, err
		}
		changes = append(changes, change)

		projected = projected.Add(delta)
		if delta.IsPositive() {
			totals.TotalIncrease = totals.TotalIncrease.Add(delta)
		} else {
			totals.TotalDecrease = totals.TotalDecrease.Add(delta.Neg())
		}
		totals.Proposed++
	}
	totals.ProjectedSpend = projected
	return changes, totals, nil
}

// clampTarget applies the velocity limit and per-ad bounds.
func clampTarget(old, target decimal.Decimal, limits models.SafetyLimits) (decimal.Decimal, string) {
	note := ""
	maxDelta := old.Mul(decimal.NewFromFloat(limits.MaxDailyChangePercent))
	if target.GreaterThan(old.Add(maxDelta)) {
		target = old.Add(maxDelta)
		note = appendNote(note, "clamped by velocity limit")
	}
	if target.LessThan(old.Sub(maxDelta)) {
		target = old.Sub(maxDelta)
		note = appendNote(note, "clamped by velocity limit")
	}
	clamped := limits.ClampBudget(target)
	if !clamped.Equal(target) {
		note = appendNote(note, "clamped by budget bounds")
		target = clamped
	}
	return target, note
}

func appendNote(existing, add string) string {
	if existing == "" {
		return add
	}
	return existing + "; " + add
}
