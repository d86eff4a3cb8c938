// Package replication turns a detected winner into deterministic ad_create
// proposals varied along audience, hook, and budget axes.
package replication

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"adpilot/pkg/models"
)

// Variant tables are fixed so that plans are reproducible for the same
// inputs. Axis priority when truncating: audience > hook > budget.
var (
	axisPriority = []models.VariationAxis{models.AxisAudience, models.AxisHook, models.AxisBudget}

	audienceVariants = []string{"lookalike_expansion", "interest_expansion", "age_range_shift"}
	hookVariants     = []string{"question_rewrite", "urgency_rewrite", "benefit_rewrite"}

	budgetMultipliers = []decimal.Decimal{
		decimal.RequireFromString("0.75"),
		decimal.RequireFromString("1.5"),
		decimal.RequireFromString("2.0"),
	}
)

// PlanRequest configures one planning call for one winner.
type PlanRequest struct {
	Axes []models.VariationAxis
	// Count caps the number of generated proposals.
	Count int
	// CurrentBudget is the winner's live budget; budget-axis replicas are
	// multiples of it, other axes inherit it.
	CurrentBudget decimal.Decimal
	// Limits bound the initial budget of every replica.
	Limits models.SafetyLimits
}

// Planner generates replica proposals for winners.
type Planner struct {
	log *zap.Logger
	now func() time.Time
}

// New creates a planner. A nil logger disables logging.
func New(log *zap.Logger) *Planner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Planner{log: log, now: time.Now}
}

// Plan produces at most req.Count ad_create proposals for the winner,
// walking axes in fixed priority order so truncation is reproducible.
func (p *Planner) Plan(winner models.WinnerVerdict, req PlanRequest) ([]models.ProposedChange, error) {
	if winner.Classification != models.ClassWinner {
		return nil, fmt.Errorf("replication: ad %s is %s, only winners are replicated", winner.AdID, winner.Classification)
	}
	if req.Count <= 0 {
		return nil, fmt.Errorf("replication: count must be positive, got %d", req.Count)
	}
	if len(req.Axes) == 0 {
		return nil, fmt.Errorf("replication: at least one variation axis is required")
	}
	if req.CurrentBudget.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("replication: current budget must be positive")
	}
	if err := req.Limits.Validate(); err != nil {
		return nil, fmt.Errorf("replication: %w", err)
	}
	requested := make(map[models.VariationAxis]bool, len(req.Axes))
	for _, a := range req.Axes {
		switch a {
		case models.AxisAudience, models.AxisHook, models.AxisBudget:
			requested[a] = true
		default:
			return nil, fmt.Errorf("replication: unknown variation axis %q", a)
		}
	}

	at := p.now().UTC()
	var out []models.ProposedChange
	for _, axis := range axisPriority {
		if !requested[axis] {
			continue
		}
		for _, variation := range variantsFor(axis) {
			if len(out) >= req.Count {
				break
			}
			change, err := p.replica(winner, req, axis, variation, at)
			if err != nil {
				return nil, err
			}
			out = append(out, change)
		}
	}

	p.log.Info("replication planned",
		zap.String("source_ad_id", winner.AdID),
		zap.Int("replicas", len(out)))
	return out, nil
}

func variantsFor(axis models.VariationAxis) []string {
	switch axis {
	case models.AxisAudience:
		return audienceVariants
	case models.AxisHook:
		return hookVariants
	case models.AxisBudget:
		names := make([]string, len(budgetMultipliers))
		for i, m := range budgetMultipliers {
			names[i] = "budget_x" + m.String()
		}
		return names
	}
	return nil
}

func (p *Planner) replica(winner models.WinnerVerdict, req PlanRequest, axis models.VariationAxis, variation string, at time.Time) (models.ProposedChange, error) {
	budget := req.CurrentBudget
	if axis == models.AxisBudget {
		for i, m := range budgetMultipliers {
			if variation == "budget_x"+m.String() {
				budget = req.CurrentBudget.Mul(budgetMultipliers[i])
				break
			}
		}
	}
	budget = req.Limits.ClampBudget(budget)

	payload := models.AdCreatePayload{
		SourceAdID:    winner.AdID,
		Name:          fmt.Sprintf("%s %s %s", winner.AdID, axis, variation),
		Axis:          axis,
		Variation:     variation,
		InitialBudget: budget,
	}
	reasoning := fmt.Sprintf("replicating winner %s (roas %.2f, ctr %.4f): %s variation %q with initial budget %s",
		winner.AdID, winner.ROAS, winner.CTR, axis, variation, budget.StringFixed(2))
	return models.NewProposedChange(winner.AccountID, winner.AdID, models.KindAdCreate, payload, reasoning, at)
}
