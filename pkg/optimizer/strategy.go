package optimizer

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"adpilot/pkg/models"
)

// StrategyKind is the closed set of allocation policies. Adding a strategy
// means adding a constant here and a case in strategyFor.
type StrategyKind string

const (
	StrategyWinnerFocused       StrategyKind = "winner_focused"
	StrategyPerformanceBased    StrategyKind = "performance_based"
	StrategyThompsonExploration StrategyKind = "thompson_exploration"
)

// ParseStrategy maps a wire string onto the closed enum.
func ParseStrategy(s string) (StrategyKind, error) {
	switch StrategyKind(s) {
	case StrategyWinnerFocused:
		return StrategyWinnerFocused, nil
	case StrategyPerformanceBased:
		return StrategyPerformanceBased, nil
	case StrategyThompsonExploration:
		return StrategyThompsonExploration, nil
	}
	return "", fmt.Errorf("optimizer: unknown strategy %q", s)
}

// StrategyConfig carries per-strategy tunables. Zero values take the
// documented defaults.
type StrategyConfig struct {
	// winner_focused: increase fraction per unit of (roas - min_roas),
	// capped at MaxIncreaseFraction.
	Gain                float64 `json:"gain"`
	MaxIncreaseFraction float64 `json:"max_increase_fraction"`

	// performance_based: fraction of each loser's budget reclaimed and
	// redistributed across winners.
	ReallocationFraction float64 `json:"reallocation_fraction"`

	// thompson_exploration posterior parameters. A window counts as a
	// success when its ROAS meets RewardThreshold.
	PriorAlpha            float64 `json:"prior_alpha"`
	PriorBeta             float64 `json:"prior_beta"`
	RewardThreshold       float64 `json:"reward_threshold"`
	TrialIncreaseFraction float64 `json:"trial_increase_fraction"`
	MaxTrials             int     `json:"max_trials"`
}

func (c *StrategyConfig) applyDefaults() {
	if c.Gain == 0 {
		c.Gain = 0.1
	}
	if c.MaxIncreaseFraction == 0 {
		c.MaxIncreaseFraction = 0.5
	}
	if c.ReallocationFraction == 0 {
		c.ReallocationFraction = 0.2
	}
	if c.PriorAlpha == 0 {
		c.PriorAlpha = 1
	}
	if c.PriorBeta == 0 {
		c.PriorBeta = 1
	}
	if c.RewardThreshold == 0 {
		c.RewardThreshold = 1.0
	}
	if c.TrialIncreaseFraction == 0 {
		c.TrialIncreaseFraction = 0.15
	}
	if c.MaxTrials == 0 {
		c.MaxTrials = 3
	}
}

// proposal is a desired pre-clamp budget target. Strategies emit these;
// the optimizer alone turns them into ProposedChanges, so safety clamps
// cannot be bypassed by any policy.
type proposal struct {
	adID      string
	target    decimal.Decimal
	reasoning string
	roas      float64
}

type strategy interface {
	propose(in OptimizeInput) []proposal
}

func strategyFor(kind StrategyKind, cfg StrategyConfig) (strategy, error) {
	switch kind {
	case StrategyWinnerFocused:
		return winnerFocused{cfg: cfg}, nil
	case StrategyPerformanceBased:
		return performanceBased{cfg: cfg}, nil
	case StrategyThompsonExploration:
		return thompsonExploration{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("optimizer: unknown strategy %q", kind)
	}
}

// winnerFocused raises winner budgets proportional to how far their ROAS
// clears the threshold.
type winnerFocused struct {
	cfg StrategyConfig
}

func (s winnerFocused) propose(in OptimizeInput) []proposal {
	var out []proposal
	for _, v := range in.Verdicts {
		if v.Classification != models.ClassWinner {
			continue
		}
		old, ok := in.Budgets[v.AdID]
		if !ok || !old.IsPositive() {
			continue
		}
		frac := s.cfg.Gain * (v.ROAS - v.Thresholds.MinROAS)
		if frac > s.cfg.MaxIncreaseFraction {
			frac = s.cfg.MaxIncreaseFraction
		}
		if frac <= 0 {
			continue
		}
		target := old.Mul(decimal.NewFromFloat(1 + frac))
		out = append(out, proposal{
			adID:   v.AdID,
			target: target,
			roas:   v.ROAS,
			reasoning: fmt.Sprintf("winner_focused: ad %s roas %.2f clears threshold %.2f; raising budget %s -> %s (+%.1f%%)",
				v.AdID, v.ROAS, v.Thresholds.MinROAS, old.StringFixed(2), target.StringFixed(2), frac*100),
		})
	}
	return out
}

// performanceBased reclaims budget from losers and hands it to winners,
// holding total account spend roughly constant.
type performanceBased struct {
	cfg StrategyConfig
}

func (s performanceBased) propose(in OptimizeInput) []proposal {
	reallocFrac := decimal.NewFromFloat(s.cfg.ReallocationFraction)
	reclaimed := decimal.Zero

	var winners []models.WinnerVerdict
	var out []proposal
	for _, v := range in.Verdicts {
		old, ok := in.Budgets[v.AdID]
		if !ok || !old.IsPositive() {
			continue
		}
		switch v.Classification {
		case models.ClassLoser:
			cut := old.Mul(reallocFrac)
			target := old.Sub(cut)
			reclaimed = reclaimed.Add(cut)
			out = append(out, proposal{
				adID:   v.AdID,
				target: target,
				roas:   v.ROAS,
				reasoning: fmt.Sprintf("performance_based: ad %s roas %.2f below breakeven; cutting budget %s -> %s to reallocate",
					v.AdID, v.ROAS, old.StringFixed(2), target.StringFixed(2)),
			})
		case models.ClassWinner:
			winners = append(winners, v)
		}
	}

	// The strategy only moves spend, it never grows it: without both
	// winners and reclaimed budget there is nothing to distribute.
	if len(winners) == 0 || !reclaimed.IsPositive() {
		return out
	}

	// Sorted for a stable distribution regardless of verdict order.
	sort.Slice(winners, func(i, j int) bool { return winners[i].AdID < winners[j].AdID })
	share := reclaimed.Div(decimal.NewFromInt(int64(len(winners))))
	for _, v := range winners {
		old := in.Budgets[v.AdID]
		target := old.Add(share)
		out = append(out, proposal{
			adID:   v.AdID,
			target: target,
			roas:   v.ROAS,
			reasoning: fmt.Sprintf("performance_based: ad %s roas %.2f; receiving %s reallocated from losers (budget %s -> %s)",
				v.AdID, v.ROAS, share.StringFixed(2), old.StringFixed(2), target.StringFixed(2)),
		})
	}
	return out
}
