package executor

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"adpilot/pkg/changequeue"
	"adpilot/pkg/circuitbreaker"
	"adpilot/pkg/models"
	"adpilot/pkg/platform"
	"adpilot/pkg/ratelimit"
)

type fakePlatform struct {
	mu      sync.Mutex
	err     error
	budgets []decimal.Decimal
	created []models.AdCreatePayload
	paused  []string
	calls   int
}

func (f *fakePlatform) UpdateBudget(_ context.Context, _, _ string, b decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.budgets = append(f.budgets, b)
	return nil
}

func (f *fakePlatform) CreateAd(_ context.Context, _ string, spec models.AdCreatePayload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	f.created = append(f.created, spec)
	return "ad-created", nil
}

func (f *fakePlatform) PauseAd(_ context.Context, _, adID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.paused = append(f.paused, adID)
	return nil
}

func (f *fakePlatform) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testLimits() models.SafetyLimits {
	return models.SafetyLimits{
		MaxDailyChangePercent: 0.3,
		MinBudgetPerAd:        decimal.RequireFromString("10"),
		MaxBudgetPerAd:        decimal.RequireFromString("1000"),
		TotalBudgetCap:        decimal.RequireFromString("5000"),
	}
}

type harness struct {
	exec     *Executor
	queue    *changequeue.MemoryQueue
	client   *fakePlatform
	breakers *circuitbreaker.Pool
	jitters  []time.Duration
}

func newHarness(t *testing.T, maxAttempts int) *harness {
	t.Helper()
	h := &harness{
		queue:    changequeue.NewMemoryQueue(maxAttempts),
		client:   &fakePlatform{},
		breakers: circuitbreaker.NewPool(circuitbreaker.Config{MaxFailures: 5, CoolDown: 5 * time.Minute}),
	}
	limiter := ratelimit.NewLocalLimiter(ratelimit.PerHour(1000))
	h.exec = New(Config{
		WorkerID:    "test",
		JitterMin:   3 * time.Second,
		JitterMax:   18 * time.Second,
		BackoffBase: 30 * time.Second,
		BackoffCap:  30 * time.Minute,
	}, h.queue, h.client, limiter, h.breakers, testLimits(), nil, nil,
		rand.New(rand.NewSource(1)))
	h.exec.SetSleep(func(_ context.Context, d time.Duration) error {
		h.jitters = append(h.jitters, d)
		return nil
	})
	return h
}

func (h *harness) enqueueBudget(t *testing.T, adID string, current, next string) *models.QueuedChange {
	t.Helper()
	c, err := models.NewProposedChange("acct-1", adID, models.KindBudgetUpdate,
		models.BudgetUpdatePayload{
			CurrentBudget: decimal.RequireFromString(current),
			NewBudget:     decimal.RequireFromString(next),
		}, "raising budget on strong performance", time.Now().UTC())
	require.NoError(t, err)
	row, err := h.queue.Enqueue(context.Background(), c)
	require.NoError(t, err)
	return row
}

func TestAppliedHappyPath(t *testing.T) {
	h := newHarness(t, 3)
	row := h.enqueueBudget(t, "ad-1", "100", "120")

	out, err := h.exec.ProcessOne(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, out)

	got, ok := h.queue.Get(row.ChangeID)
	require.True(t, ok)
	require.Equal(t, models.StatusApplied, got.Status)
	require.Len(t, h.client.budgets, 1)
	require.True(t, h.client.budgets[0].Equal(decimal.RequireFromString("120")))
}

func TestJitterAlwaysInsideWindow(t *testing.T) {
	h := newHarness(t, 3)
	for i := 0; i < 10; i++ {
		h.enqueueBudget(t, "ad-1", "100", "120")
		_, err := h.exec.ProcessOne(context.Background(), "w1")
		require.NoError(t, err)
	}
	require.Len(t, h.jitters, 10)
	for _, d := range h.jitters {
		require.GreaterOrEqual(t, d, 3*time.Second)
		require.LessOrEqual(t, d, 18*time.Second)
	}
}

func TestRevalidationRejectsWithoutPlatformCall(t *testing.T) {
	h := newHarness(t, 3)
	// 100 -> 200 is +100%, past the 30% velocity limit. A change like this
	// can only exist if limits tightened after proposal; it must die here.
	row := h.enqueueBudget(t, "ad-1", "100", "200")

	out, err := h.exec.ProcessOne(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, out)
	require.Zero(t, h.client.callCount(), "rejected before touching the platform")

	got, _ := h.queue.Get(row.ChangeID)
	require.Equal(t, models.StatusRejected, got.Status)
}

func TestTerminalPlatformErrorRejects(t *testing.T) {
	h := newHarness(t, 3)
	h.client.err = &platform.APIError{StatusCode: http.StatusBadRequest, Code: "invalid_budget"}
	row := h.enqueueBudget(t, "ad-1", "100", "120")

	out, err := h.exec.ProcessOne(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, out)

	got, _ := h.queue.Get(row.ChangeID)
	require.Equal(t, models.StatusRejected, got.Status)
	require.Zero(t, got.Attempts, "terminal rejection is not a retry")
}

func TestRetryableErrorConsumesAttemptWithBackoff(t *testing.T) {
	h := newHarness(t, 3)
	h.client.err = &platform.APIError{StatusCode: http.StatusInternalServerError, Code: "server_error"}
	row := h.enqueueBudget(t, "ad-1", "100", "120")

	out, err := h.exec.ProcessOne(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, out)

	got, _ := h.queue.Get(row.ChangeID)
	require.Equal(t, models.StatusPending, got.Status)
	require.Equal(t, 1, got.Attempts)
	require.True(t, got.NextAttemptAt.After(time.Now().Add(20*time.Second)), "backoff applied")
}

func TestBackoffGrowsExponentiallyWithCap(t *testing.T) {
	h := newHarness(t, 3)
	require.Equal(t, 30*time.Second, h.exec.backoffFor(0))
	require.Equal(t, time.Minute, h.exec.backoffFor(1))
	require.Equal(t, 2*time.Minute, h.exec.backoffFor(2))
	require.Equal(t, 30*time.Minute, h.exec.backoffFor(10), "capped")
}

func TestBreakerOpensAndDefersWithoutAttempt(t *testing.T) {
	h := newHarness(t, 10)
	h.client.err = &platform.APIError{StatusCode: http.StatusInternalServerError, Code: "server_error"}

	// Five consecutive failures for the account open its breaker.
	for i := 0; i < 5; i++ {
		h.enqueueBudget(t, "ad-1", "100", "120")
	}
	for i := 0; i < 5; i++ {
		out, err := h.exec.ProcessOne(context.Background(), "w1")
		require.NoError(t, err)
		require.Equal(t, OutcomeFailed, out)
	}
	require.Equal(t, circuitbreaker.StateOpen, h.breakers.For("acct-1").State())

	// The sixth change is deferred, not attempted, and costs no attempt.
	calls := h.client.callCount()
	row := h.enqueueBudget(t, "ad-2", "100", "120")
	out, err := h.exec.ProcessOne(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, OutcomeDeferred, out)
	require.Equal(t, calls, h.client.callCount())

	got, _ := h.queue.Get(row.ChangeID)
	require.Equal(t, models.StatusPending, got.Status)
	require.Zero(t, got.Attempts)
	require.True(t, got.NextAttemptAt.After(time.Now().Add(4*time.Minute)), "deferred past the cool-down")
}

func TestRateLimitExhaustionDefers(t *testing.T) {
	h := newHarness(t, 3)
	limiter := ratelimit.NewLocalLimiter(ratelimit.Config{Capacity: 1, RefillRate: 1, RefillInterval: time.Hour})
	h.exec.limiter = limiter

	h.enqueueBudget(t, "ad-1", "100", "120")
	out, err := h.exec.ProcessOne(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, out)

	row := h.enqueueBudget(t, "ad-2", "100", "120")
	out, err = h.exec.ProcessOne(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, OutcomeDeferred, out)

	got, _ := h.queue.Get(row.ChangeID)
	require.Equal(t, models.StatusPending, got.Status)
	require.Zero(t, got.Attempts, "rate limit deferral costs no attempt")
}

func TestAttemptsCeilingEndsInRejected(t *testing.T) {
	h := newHarness(t, 3)
	h.client.err = errors.New("connection reset by peer")
	row := h.enqueueBudget(t, "ad-1", "100", "120")

	for i := 0; i < 3; i++ {
		// Clear the backoff so the row is claimable immediately.
		if got, ok := h.queue.Get(row.ChangeID); ok && got.Status == models.StatusPending {
			fixed := got.NextAttemptAt.Add(time.Second)
			h.queue.SetClock(func() time.Time { return fixed })
		}
		out, err := h.exec.ProcessOne(context.Background(), "w1")
		require.NoError(t, err)
		require.Equal(t, OutcomeFailed, out)
	}

	got, _ := h.queue.Get(row.ChangeID)
	require.Equal(t, models.StatusRejected, got.Status)
	require.Equal(t, 3, got.Attempts)
}

func TestAdCreateAndPauseDispatch(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	create, err := models.NewProposedChange("acct-1", "ad-1", models.KindAdCreate,
		models.AdCreatePayload{
			SourceAdID:    "ad-1",
			Name:          "ad-1 broad lookalike",
			Axis:          models.AxisAudience,
			Variation:     "broad_lookalike",
			InitialBudget: decimal.RequireFromString("50"),
		}, "replicating winner on audience axis", time.Now().UTC())
	require.NoError(t, err)
	_, err = h.queue.Enqueue(ctx, create)
	require.NoError(t, err)

	pause, err := models.NewProposedChange("acct-1", "ad-9", models.KindAdPause,
		models.AdPausePayload{Reason: "sustained roas below breakeven"},
		"pausing loser", time.Now().UTC())
	require.NoError(t, err)
	_, err = h.queue.Enqueue(ctx, pause)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := h.exec.ProcessOne(ctx, "w1")
		require.NoError(t, err)
	}
	require.Len(t, h.client.created, 1)
	require.Equal(t, "broad_lookalike", h.client.created[0].Variation)
	require.Equal(t, []string{"ad-9"}, h.client.paused)
}

func TestEmptyQueueReturnsNoPending(t *testing.T) {
	h := newHarness(t, 3)
	_, err := h.exec.ProcessOne(context.Background(), "w1")
	require.ErrorIs(t, err, changequeue.ErrNoPending)
}
