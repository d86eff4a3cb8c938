package detector

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"adpilot/pkg/metricstore"
	"adpilot/pkg/models"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func seedStore(t *testing.T, obs []models.PerformanceObservation) *metricstore.MemoryStore {
	t.Helper()
	store := metricstore.NewMemoryStore()
	require.NoError(t, store.RecordObservations(context.Background(), obs))
	return store
}

func window(adID string, daysAgo int, impressions, clicks int64, spend, revenue string) models.PerformanceObservation {
	end := time.Now().UTC().AddDate(0, 0, -daysAgo)
	return models.PerformanceObservation{
		AdID:        adID,
		AccountID:   "acct-1",
		WindowStart: end.Add(-24 * time.Hour),
		WindowEnd:   end,
		Impressions: impressions,
		Clicks:      clicks,
		Spend:       dec(spend),
		Revenue:     dec(revenue),
	}
}

func criteria() models.DetectionCriteria {
	return models.DetectionCriteria{
		AccountID:    "acct-1",
		MinROAS:      2.0,
		MinCTR:       0.02,
		MinSpend:     dec("100"),
		MinRevenue:   dec("0"),
		LookbackDays: 7,
	}
}

func TestDetectClassifiesWinner(t *testing.T) {
	// roas=4.2, ctr=0.052, spend=800 against {2.0, 0.02, 100}
	store := seedStore(t, []models.PerformanceObservation{
		window("ad-x", 1, 100000, 5200, "800", "3360"),
	})
	d := New(store, nil)

	verdicts, err := d.Detect(context.Background(), criteria())
	require.NoError(t, err)
	require.Len(t, verdicts, 1)

	v := verdicts[0]
	require.Equal(t, models.ClassWinner, v.Classification)
	require.InDelta(t, 4.2, v.ROAS, 1e-9)
	require.InDelta(t, 0.052, v.CTR, 1e-9)
}

func TestDetectClassifiesLoser(t *testing.T) {
	// roas=0.8 with spend=200 >= min_spend=100
	store := seedStore(t, []models.PerformanceObservation{
		window("ad-y", 1, 50000, 2000, "200", "160"),
	})
	d := New(store, nil)

	verdicts, err := d.Detect(context.Background(), criteria())
	require.NoError(t, err)
	require.Len(t, verdicts, 1)
	require.Equal(t, models.ClassLoser, verdicts[0].Classification)
}

func TestDetectExcludesLowSpendEntirely(t *testing.T) {
	store := seedStore(t, []models.PerformanceObservation{
		window("ad-thin", 1, 1000, 100, "40", "400"), // great roas, spend < min
		window("ad-big", 1, 100000, 5000, "500", "1500"),
	})
	d := New(store, nil)

	verdicts, err := d.Detect(context.Background(), criteria())
	require.NoError(t, err)
	require.Len(t, verdicts, 1)
	require.Equal(t, "ad-big", verdicts[0].AdID)
	for _, v := range verdicts {
		require.NotEqual(t, "ad-thin", v.AdID, "below-min-spend ads must not appear in any bucket")
	}
}

func TestDetectBoundaryTieIsWinner(t *testing.T) {
	// roas exactly 2.0, ctr exactly 0.02, spend exactly 100
	store := seedStore(t, []models.PerformanceObservation{
		window("ad-edge", 1, 100000, 2000, "100", "200"),
	})
	d := New(store, nil)

	verdicts, err := d.Detect(context.Background(), criteria())
	require.NoError(t, err)
	require.Len(t, verdicts, 1)
	require.Equal(t, models.ClassWinner, verdicts[0].Classification)
}

func TestDetectMarginalWhenProfitableButBelowThresholds(t *testing.T) {
	// roas=1.5 (profitable, not a loser) but below min_roas=2.0
	store := seedStore(t, []models.PerformanceObservation{
		window("ad-mid", 1, 100000, 3000, "200", "300"),
	})
	d := New(store, nil)

	verdicts, err := d.Detect(context.Background(), criteria())
	require.NoError(t, err)
	require.Len(t, verdicts, 1)
	require.Equal(t, models.ClassMarginal, verdicts[0].Classification)
}

func TestDetectAggregatesAcrossWindows(t *testing.T) {
	store := seedStore(t, []models.PerformanceObservation{
		window("ad-z", 1, 40000, 1200, "300", "900"),
		window("ad-z", 2, 60000, 1800, "200", "600"),
	})
	d := New(store, nil)

	verdicts, err := d.Detect(context.Background(), criteria())
	require.NoError(t, err)
	require.Len(t, verdicts, 1)

	v := verdicts[0]
	require.Equal(t, int64(100000), v.Impressions)
	require.Equal(t, int64(3000), v.Clicks)
	require.True(t, v.Spend.Equal(dec("500")))
	require.InDelta(t, 3.0, v.ROAS, 1e-9)
}

func TestDetectIsDeterministic(t *testing.T) {
	store := seedStore(t, []models.PerformanceObservation{
		window("ad-a", 1, 80000, 2400, "400", "1300"),
		window("ad-b", 1, 90000, 1700, "300", "250"),
		window("ad-c", 2, 70000, 2100, "250", "600"),
	})
	d := New(store, nil)
	fixed := time.Now().UTC()
	d.now = func() time.Time { return fixed }

	first, err := d.Detect(context.Background(), criteria())
	require.NoError(t, err)
	second, err := d.Detect(context.Background(), criteria())
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestDetectRejectsInvalidCriteria(t *testing.T) {
	d := New(metricstore.NewMemoryStore(), nil)

	bad := criteria()
	bad.LookbackDays = 0
	_, err := d.Detect(context.Background(), bad)
	require.Error(t, err)

	bad = criteria()
	bad.AccountID = ""
	_, err = d.Detect(context.Background(), bad)
	require.Error(t, err)

	bad = criteria()
	bad.MinROAS = -1
	_, err = d.Detect(context.Background(), bad)
	require.Error(t, err)
}
