package optimizer

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"adpilot/pkg/models"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func limits() models.SafetyLimits {
	return models.SafetyLimits{
		MaxDailyChangePercent: 0.3,
		MinBudgetPerAd:        dec("10"),
		MaxBudgetPerAd:        dec("1000"),
		TotalBudgetCap:        dec("5000"),
	}
}

func verdict(adID string, class models.Classification, roas float64) models.WinnerVerdict {
	return models.WinnerVerdict{
		AdID:           adID,
		AccountID:      "acct-1",
		Classification: class,
		ROAS:           roas,
		CTR:            0.03,
		Thresholds:     models.DetectionCriteria{MinROAS: 2.0, MinCTR: 0.02},
	}
}

func budgetOf(t *testing.T, c models.ProposedChange) models.BudgetUpdatePayload {
	t.Helper()
	p, err := c.BudgetUpdate()
	require.NoError(t, err)
	return p
}

func TestVelocityLimitClampsIncrease(t *testing.T) {
	// Desired 100 -> 250 with max_daily_change_percent=0.3 must clamp to 130.
	o := New(nil)
	res, err := o.Optimize(OptimizeInput{
		AccountID: "acct-1",
		Verdicts:  []models.WinnerVerdict{verdict("ad-1", models.ClassWinner, 3.5)},
		Budgets:   map[string]decimal.Decimal{"ad-1": dec("100")},
		Strategy:  StrategyWinnerFocused,
		Config:    StrategyConfig{Gain: 1.0, MaxIncreaseFraction: 1.5}, // desired +150%
		Limits:    limits(),
	})
	require.NoError(t, err)
	require.Len(t, res.Changes, 1)

	p := budgetOf(t, res.Changes[0])
	require.True(t, p.NewBudget.Equal(dec("130")), "got %s", p.NewBudget)
	require.Contains(t, res.Changes[0].Reasoning, "velocity limit")
}

func TestEmittedChangesRespectAllBounds(t *testing.T) {
	o := New(nil)
	lim := limits()
	res, err := o.Optimize(OptimizeInput{
		AccountID: "acct-1",
		Verdicts: []models.WinnerVerdict{
			verdict("ad-1", models.ClassWinner, 4.0),
			verdict("ad-2", models.ClassWinner, 2.5),
			verdict("ad-3", models.ClassLoser, 0.6),
		},
		Budgets: map[string]decimal.Decimal{
			"ad-1": dec("900"), "ad-2": dec("300"), "ad-3": dec("400"),
		},
		Strategy: StrategyPerformanceBased,
		Limits:   lim,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Changes)

	for _, c := range res.Changes {
		p := budgetOf(t, c)
		require.True(t, p.NewBudget.GreaterThanOrEqual(lim.MinBudgetPerAd))
		require.True(t, p.NewBudget.LessThanOrEqual(lim.MaxBudgetPerAd))
		maxDelta := p.CurrentBudget.Mul(decimal.NewFromFloat(lim.MaxDailyChangePercent))
		require.True(t, p.NewBudget.Sub(p.CurrentBudget).Abs().LessThanOrEqual(maxDelta.Add(dec("0.01"))),
			"velocity violated for %s: %s -> %s", c.AdID, p.CurrentBudget, p.NewBudget)
		require.NotEmpty(t, c.Reasoning)
	}
}

func TestTotalBudgetCapNeverExceeded(t *testing.T) {
	o := New(nil)
	lim := limits()
	lim.TotalBudgetCap = dec("1250") // current total is 1200, little headroom
	res, err := o.Optimize(OptimizeInput{
		AccountID: "acct-1",
		Verdicts: []models.WinnerVerdict{
			verdict("ad-1", models.ClassWinner, 4.0),
			verdict("ad-2", models.ClassWinner, 3.0),
		},
		Budgets: map[string]decimal.Decimal{
			"ad-1": dec("600"), "ad-2": dec("400"), "ad-idle": dec("200"),
		},
		Strategy: StrategyWinnerFocused,
		Limits:   lim,
	})
	require.NoError(t, err)

	total := dec("1200") // includes the untouched ad-idle
	for _, c := range res.Changes {
		p := budgetOf(t, c)
		total = total.Add(p.NewBudget.Sub(p.CurrentBudget))
	}
	require.True(t, total.LessThanOrEqual(lim.TotalBudgetCap), "projected %s > cap %s", total, lim.TotalBudgetCap)
	// Highest-ROAS winner gets the headroom first.
	require.Equal(t, "ad-1", res.Changes[0].AdID)
}

func TestZeroDeltaDroppedNotEmitted(t *testing.T) {
	o := New(nil)
	lim := limits()
	lim.TotalBudgetCap = dec("1000") // no headroom at all: total already 1000
	res, err := o.Optimize(OptimizeInput{
		AccountID: "acct-1",
		Verdicts:  []models.WinnerVerdict{verdict("ad-1", models.ClassWinner, 4.0)},
		Budgets:   map[string]decimal.Decimal{"ad-1": dec("600"), "ad-2": dec("400")},
		Strategy:  StrategyWinnerFocused,
		Limits:    lim,
	})
	require.NoError(t, err)
	require.Empty(t, res.Changes, "no-op changes must be dropped")
	require.Equal(t, 1, res.Totals.Dropped)
}

func TestPerformanceBasedRoughlyHoldsSpend(t *testing.T) {
	o := New(nil)
	res, err := o.Optimize(OptimizeInput{
		AccountID: "acct-1",
		Verdicts: []models.WinnerVerdict{
			verdict("ad-w", models.ClassWinner, 3.0),
			verdict("ad-l", models.ClassLoser, 0.5),
		},
		Budgets:  map[string]decimal.Decimal{"ad-w": dec("500"), "ad-l": dec("500")},
		Strategy: StrategyPerformanceBased,
		Limits:   limits(),
	})
	require.NoError(t, err)
	require.Len(t, res.Changes, 2)
	// 20% of the loser's 500 moves to the winner.
	require.True(t, res.Totals.TotalIncrease.Equal(res.Totals.TotalDecrease),
		"increase %s != decrease %s", res.Totals.TotalIncrease, res.Totals.TotalDecrease)
}

func TestPerformanceBasedNoWinnersOnlyCuts(t *testing.T) {
	o := New(nil)
	res, err := o.Optimize(OptimizeInput{
		AccountID: "acct-1",
		Verdicts:  []models.WinnerVerdict{verdict("ad-l", models.ClassLoser, 0.4)},
		Budgets:   map[string]decimal.Decimal{"ad-l": dec("500")},
		Strategy:  StrategyPerformanceBased,
		Limits:    limits(),
	})
	require.NoError(t, err)
	require.Len(t, res.Changes, 1)
	p := budgetOf(t, res.Changes[0])
	require.True(t, p.NewBudget.LessThan(p.CurrentBudget))
}

func TestThompsonDeterministicWithFixedSeed(t *testing.T) {
	obs := map[string][]models.PerformanceObservation{
		"ad-m1": {{Spend: dec("100"), Revenue: dec("150")}, {Spend: dec("100"), Revenue: dec("90")}},
		"ad-m2": {{Spend: dec("100"), Revenue: dec("40")}},
		"ad-m3": {{Spend: dec("100"), Revenue: dec("120")}, {Spend: dec("100"), Revenue: dec("130")}},
	}
	input := func(seed int64) OptimizeInput {
		return OptimizeInput{
			AccountID: "acct-1",
			Verdicts: []models.WinnerVerdict{
				verdict("ad-m1", models.ClassMarginal, 1.2),
				verdict("ad-m2", models.ClassMarginal, 0.4),
				verdict("ad-m3", models.ClassMarginal, 1.25),
			},
			Budgets: map[string]decimal.Decimal{
				"ad-m1": dec("100"), "ad-m2": dec("100"), "ad-m3": dec("100"),
			},
			Observations: obs,
			Strategy:     StrategyThompsonExploration,
			Config:       StrategyConfig{MaxTrials: 2},
			Limits:       limits(),
			Rand:         rand.New(rand.NewSource(seed)),
		}
	}

	o := New(nil)
	first, err := o.Optimize(input(42))
	require.NoError(t, err)
	second, err := o.Optimize(input(42))
	require.NoError(t, err)

	require.Len(t, first.Changes, 2)
	var firstAds, secondAds []string
	for _, c := range first.Changes {
		firstAds = append(firstAds, c.AdID)
		require.Contains(t, c.Reasoning, "thompson_exploration")
	}
	for _, c := range second.Changes {
		secondAds = append(secondAds, c.AdID)
	}
	require.Equal(t, firstAds, secondAds, "fixed seed must select the same trial candidates")
}

func TestThompsonRequiresRandomSource(t *testing.T) {
	o := New(nil)
	_, err := o.Optimize(OptimizeInput{
		AccountID: "acct-1",
		Verdicts:  []models.WinnerVerdict{verdict("ad-m", models.ClassMarginal, 1.1)},
		Budgets:   map[string]decimal.Decimal{"ad-m": dec("100")},
		Strategy:  StrategyThompsonExploration,
		Limits:    limits(),
	})
	require.Error(t, err)
}

func TestUnknownStrategyRejected(t *testing.T) {
	o := New(nil)
	_, err := o.Optimize(OptimizeInput{
		AccountID: "acct-1",
		Budgets:   map[string]decimal.Decimal{},
		Strategy:  StrategyKind("yolo"),
		Limits:    limits(),
	})
	require.Error(t, err)

	_, err = ParseStrategy("winner_focused")
	require.NoError(t, err)
	_, err = ParseStrategy("nope")
	require.Error(t, err)
}

func TestInvalidLimitsRejected(t *testing.T) {
	o := New(nil)
	bad := limits()
	bad.MaxDailyChangePercent = 0
	_, err := o.Optimize(OptimizeInput{
		AccountID: "acct-1",
		Budgets:   map[string]decimal.Decimal{},
		Strategy:  StrategyWinnerFocused,
		Limits:    bad,
	})
	require.Error(t, err)
}
