// Package detector classifies running ads as winner/loser/marginal from
// aggregated performance observations. Detection is a pure function of the
// store contents and criteria: identical inputs yield identical verdicts.
package detector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"adpilot/pkg/metricstore"
	"adpilot/pkg/models"
)

// Detector evaluates detection criteria against the metrics store.
type Detector struct {
	store metricstore.Store
	log   *zap.Logger
	now   func() time.Time
}

// New creates a detector. A nil logger disables logging.
func New(store metricstore.Store, log *zap.Logger) *Detector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Detector{store: store, log: log, now: time.Now}
}

type adAggregate struct {
	impressions int64
	clicks      int64
	spend       decimal.Decimal
	revenue     decimal.Decimal
}

// Detect aggregates the lookback window per ad and classifies each ad with
// sufficient spend. Ads with spend below MinSpend are excluded entirely:
// they carry too little signal to be judged either way.
func (d *Detector) Detect(ctx context.Context, c models.DetectionCriteria) ([]models.WinnerVerdict, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	evaluatedAt := d.now().UTC()
	from := evaluatedAt.AddDate(0, 0, -c.LookbackDays)
	obs, err := d.store.GetObservations(ctx, c.AccountID, from, evaluatedAt)
	if err != nil {
		return nil, fmt.Errorf("detector: load observations: %w", err)
	}

	agg := make(map[string]*adAggregate)
	for _, o := range obs {
		a := agg[o.AdID]
		if a == nil {
			a = &adAggregate{spend: decimal.Zero, revenue: decimal.Zero}
			agg[o.AdID] = a
		}
		a.impressions += o.Impressions
		a.clicks += o.Clicks
		a.spend = a.spend.Add(o.Spend)
		a.revenue = a.revenue.Add(o.Revenue)
	}

	adIDs := make([]string, 0, len(agg))
	for id := range agg {
		adIDs = append(adIDs, id)
	}
	sort.Strings(adIDs)

	verdicts := make([]models.WinnerVerdict, 0, len(adIDs))
	for _, adID := range adIDs {
		a := agg[adID]
		if a.spend.LessThan(c.MinSpend) {
			continue // insufficient signal, not even marginal
		}

		var ctr, roas float64
		if a.impressions > 0 {
			ctr = float64(a.clicks) / float64(a.impressions)
		}
		if a.spend.IsPositive() {
			roas = a.revenue.Div(a.spend).InexactFloat64()
		}

		verdicts = append(verdicts, models.WinnerVerdict{
			AdID:           adID,
			AccountID:      c.AccountID,
			EvaluatedAt:    evaluatedAt,
			Classification: classify(c, a, ctr, roas),
			ROAS:           roas,
			CTR:            ctr,
			Spend:          a.spend,
			Revenue:        a.revenue,
			Impressions:    a.impressions,
			Clicks:         a.clicks,
			Thresholds:     c,
		})
	}

	d.log.Info("detection complete",
		zap.String("account_id", c.AccountID),
		zap.Int("ads_evaluated", len(verdicts)),
		zap.Int("ads_excluded", len(agg)-len(verdicts)),
		zap.Int("winners", countClass(verdicts, models.ClassWinner)))
	return verdicts, nil
}

// Observations returns the raw windows behind a detection run, for callers
// that need per-window data rather than the aggregate (e.g. exploration
// posteriors).
func (d *Detector) Observations(ctx context.Context, c models.DetectionCriteria) ([]models.PerformanceObservation, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	to := d.now().UTC()
	from := to.AddDate(0, 0, -c.LookbackDays)
	obs, err := d.store.GetObservations(ctx, c.AccountID, from, to)
	if err != nil {
		return nil, fmt.Errorf("detector: load observations: %w", err)
	}
	return obs, nil
}

// classify applies the conjunctive winner test. Boundary ties count as
// winners (>=, not >). Losers are ads whose spend exceeds revenue.
func classify(c models.DetectionCriteria, a *adAggregate, ctr, roas float64) models.Classification {
	if roas >= c.MinROAS && ctr >= c.MinCTR &&
		a.spend.GreaterThanOrEqual(c.MinSpend) && a.revenue.GreaterThanOrEqual(c.MinRevenue) {
		return models.ClassWinner
	}
	if roas < 1.0 {
		return models.ClassLoser
	}
	return models.ClassMarginal
}

func countClass(vs []models.WinnerVerdict, c models.Classification) int {
	n := 0
	for _, v := range vs {
		if v.Classification == c {
			n++
		}
	}
	return n
}
