package optimizer

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/shopspring/decimal"

	"adpilot/pkg/models"
)

// thompsonExploration trades regret for discovery: instead of always
// exploiting the current best, it samples each marginal ad's Beta posterior
// over "window met the reward threshold" and grants budget trials to the
// highest draws. Winners already get budget through the other strategies;
// this policy is how a future winner earns its first real test.
type thompsonExploration struct {
	cfg StrategyConfig
}

func (s thompsonExploration) propose(in OptimizeInput) []proposal {
	type draw struct {
		adID   string
		sample float64
		alpha  float64
		beta   float64
		roas   float64
	}

	// Verdicts arrive sorted by ad ID, so the rng consumption order (and
	// therefore the whole plan for a fixed seed) is deterministic.
	var draws []draw
	for _, v := range in.Verdicts {
		if v.Classification != models.ClassMarginal {
			continue
		}
		old, ok := in.Budgets[v.AdID]
		if !ok || !old.IsPositive() {
			continue
		}
		successes, failures := s.outcomes(in.Observations[v.AdID])
		alpha := s.cfg.PriorAlpha + float64(successes)
		beta := s.cfg.PriorBeta + float64(failures)
		draws = append(draws, draw{
			adID:   v.AdID,
			sample: sampleBeta(in.Rand, alpha, beta),
			alpha:  alpha,
			beta:   beta,
			roas:   v.ROAS,
		})
	}

	sort.Slice(draws, func(i, j int) bool {
		if draws[i].sample != draws[j].sample {
			return draws[i].sample > draws[j].sample
		}
		return draws[i].adID < draws[j].adID
	})
	if len(draws) > s.cfg.MaxTrials {
		draws = draws[:s.cfg.MaxTrials]
	}

	var out []proposal
	for _, d := range draws {
		old := in.Budgets[d.adID]
		target := old.Mul(decimal.NewFromFloat(1 + s.cfg.TrialIncreaseFraction))
		out = append(out, proposal{
			adID:   d.adID,
			target: target,
			roas:   d.roas,
			reasoning: fmt.Sprintf("thompson_exploration: ad %s posterior Beta(%.1f, %.1f) sampled %.3f; granting %.0f%% trial increase (budget %s -> %s)",
				d.adID, d.alpha, d.beta, d.sample, s.cfg.TrialIncreaseFraction*100, old.StringFixed(2), target.StringFixed(2)),
		})
	}
	return out
}

// outcomes counts observation windows at or above the reward threshold.
func (s thompsonExploration) outcomes(obs []models.PerformanceObservation) (successes, failures int) {
	for _, o := range obs {
		if o.ROAS() >= s.cfg.RewardThreshold {
			successes++
		} else {
			failures++
		}
	}
	return successes, failures
}

// sampleBeta draws from Beta(alpha, beta) as a ratio of Gamma draws.
func sampleBeta(rng *rand.Rand, alpha, beta float64) float64 {
	if alpha <= 0 || beta <= 0 {
		return 0.5
	}
	x := sampleGamma(rng, alpha)
	y := sampleGamma(rng, beta)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// sampleGamma draws from Gamma(shape, 1) using Marsaglia-Tsang; shapes
// below 1 are boosted and rescaled.
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		return sampleGamma(rng, shape+1) * math.Pow(rng.Float64(), 1.0/shape)
	}
	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9.0*d)
	for {
		var x, v float64
		for {
			x = rng.NormFloat64()
			v = 1.0 + c*x
			if v > 0 {
				break
			}
		}
		v = v * v * v
		u := rng.Float64()
		x2 := x * x
		if u < 1.0-0.0331*x2*x2 {
			return d * v
		}
		if math.Log(u) < 0.5*x2+d*(1.0-v+math.Log(v)) {
			return d * v
		}
	}
}
