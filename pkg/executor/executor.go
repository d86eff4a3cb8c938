// Package executor drains the change queue and applies changes to the ad
// platform. It is the only component that calls the platform, and it
// re-checks safety at execution time: a change that passed validation at
// proposal time can still violate limits minutes later.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"adpilot/pkg/changequeue"
	"adpilot/pkg/circuitbreaker"
	"adpilot/pkg/metrics"
	"adpilot/pkg/models"
	"adpilot/pkg/platform"
	"adpilot/pkg/ratelimit"
)

// Config tunes one executor instance.
type Config struct {
	WorkerID       string
	Workers        int
	PollInterval   time.Duration
	ClaimLease     time.Duration
	JitterMin      time.Duration
	JitterMax      time.Duration
	RequestTimeout time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
}

func (c *Config) applyDefaults() {
	if c.WorkerID == "" {
		c.WorkerID = "executor"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = 2 * time.Minute
	}
	if c.JitterMin <= 0 {
		c.JitterMin = 3 * time.Second
	}
	if c.JitterMax <= c.JitterMin {
		c.JitterMax = c.JitterMin + 15*time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Minute
	}
}

// Outcome is what happened to one claimed change.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeRejected Outcome = "rejected"
	OutcomeDeferred Outcome = "deferred"
	OutcomeFailed   Outcome = "failed"
)

// Executor runs the claim/validate/throttle/apply pipeline.
type Executor struct {
	cfg      Config
	queue    changequeue.Queue
	client   platform.Client
	limiter  ratelimit.AccountLimiter
	breakers *circuitbreaker.Pool
	limits   models.SafetyLimits
	logger   *zap.Logger
	metrics  *metrics.Metrics

	now   func() time.Time
	rng   *rand.Rand
	rngMu sync.Mutex
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires an executor. limits are the account safety limits enforced at
// execution time; rng drives jitter and may be nil for a time-seeded source.
func New(cfg Config, queue changequeue.Queue, client platform.Client,
	limiter ratelimit.AccountLimiter, breakers *circuitbreaker.Pool,
	limits models.SafetyLimits, logger *zap.Logger, m *metrics.Metrics,
	rng *rand.Rand) *Executor {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Executor{
		cfg:      cfg,
		queue:    queue,
		client:   client,
		limiter:  limiter,
		breakers: breakers,
		limits:   limits,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
		rng:      rng,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetClock overrides the clock, for tests.
func (e *Executor) SetClock(now func() time.Time) { e.now = now }

// SetSleep overrides the jitter sleep, for tests.
func (e *Executor) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	e.sleep = sleep
}

func (e *Executor) jitter() time.Duration {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	window := e.cfg.JitterMax - e.cfg.JitterMin
	return e.cfg.JitterMin + time.Duration(e.rng.Int63n(int64(window)+1))
}

// backoffFor grows exponentially with the attempts already consumed and
// is capped so a change never waits longer than BackoffCap.
func (e *Executor) backoffFor(attempts int) time.Duration {
	d := e.cfg.BackoffBase
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= e.cfg.BackoffCap {
			return e.cfg.BackoffCap
		}
	}
	if d > e.cfg.BackoffCap {
		d = e.cfg.BackoffCap
	}
	return d
}

// ProcessOne claims and fully resolves a single change. Returns
// changequeue.ErrNoPending when the queue is drained.
func (e *Executor) ProcessOne(ctx context.Context, workerID string) (Outcome, error) {
	row, err := e.queue.Claim(ctx, workerID)
	if err != nil {
		return "", err
	}

	start := e.now()
	outcome, err := e.resolve(ctx, workerID, row)
	e.metrics.ExecuteDuration.Observe(e.now().Sub(start).Seconds())
	if err != nil {
		return outcome, err
	}
	e.metrics.ChangesExecuted.WithLabelValues(string(outcome)).Inc()
	return outcome, nil
}

func (e *Executor) resolve(ctx context.Context, workerID string, row *models.QueuedChange) (Outcome, error) {
	log := e.logger.With(
		zap.String("change_id", row.ChangeID),
		zap.String("account_id", row.AccountID),
		zap.String("ad_id", row.AdID),
		zap.String("kind", string(row.Kind)),
		zap.String("worker_id", workerID),
	)

	// Breaker gate before anything costs an attempt or a token.
	breaker := e.breakers.For(row.AccountID)
	if ok, retryAt := breaker.Allow(); !ok {
		log.Info("breaker open, deferring", zap.Time("retry_at", retryAt))
		if err := e.queue.Defer(ctx, row.ChangeID, row.ClaimToken, retryAt, "circuit breaker open"); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeDeferred, nil
	}
	probe := breaker.State() == circuitbreaker.StateHalfOpen

	// Execution-time safety re-validation. Limits may have tightened since
	// the change was proposed, and stale CurrentBudget means the velocity
	// math no longer holds.
	if reason, ok := e.revalidate(row); !ok {
		log.Warn("safety re-validation failed, rejecting", zap.String("reason", reason))
		if probe {
			breaker.CancelProbe()
		}
		if err := e.queue.Complete(ctx, row.ChangeID, row.ClaimToken, models.StatusRejected, "safety re-validation failed: "+reason); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeRejected, nil
	}

	// Humanlike jitter before touching the platform.
	if err := e.sleep(ctx, e.jitter()); err != nil {
		if probe {
			breaker.CancelProbe()
		}
		if derr := e.queue.Defer(ctx, row.ChangeID, row.ClaimToken, e.now(), "shutdown during jitter"); derr != nil {
			return OutcomeFailed, derr
		}
		return OutcomeDeferred, err
	}

	// Account rate limit; deferral costs no attempt.
	decision, err := e.limiter.Allow(ctx, row.AccountID)
	if err != nil {
		log.Warn("rate limiter unavailable, deferring", zap.Error(err))
	}
	if !decision.Allowed {
		e.metrics.RateLimitDefers.Inc()
		retryAt := decision.RetryAt
		if retryAt.IsZero() {
			retryAt = e.now().Add(time.Minute)
		}
		if probe {
			breaker.CancelProbe()
		}
		if err := e.queue.Defer(ctx, row.ChangeID, row.ClaimToken, retryAt, "account rate limit reached"); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeDeferred, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	err = e.apply(callCtx, row)
	cancel()

	if err == nil {
		breaker.RecordSuccess()
		log.Info("change applied")
		if cerr := e.queue.Complete(ctx, row.ChangeID, row.ClaimToken, models.StatusApplied, "applied to platform"); cerr != nil {
			return OutcomeFailed, cerr
		}
		return OutcomeApplied, nil
	}

	wasOpen := breaker.State() == circuitbreaker.StateOpen
	breaker.RecordFailure()
	if !wasOpen && breaker.State() == circuitbreaker.StateOpen {
		e.metrics.BreakerOpens.WithLabelValues(row.AccountID).Inc()
	}

	if !platform.IsRetryable(err) {
		log.Warn("terminal platform error, rejecting", zap.Error(err))
		if cerr := e.queue.Complete(ctx, row.ChangeID, row.ClaimToken, models.StatusRejected, "terminal platform error: "+err.Error()); cerr != nil {
			return OutcomeFailed, cerr
		}
		return OutcomeRejected, nil
	}

	backoff := e.backoffFor(row.Attempts)
	log.Warn("retryable platform error", zap.Error(err), zap.Duration("backoff", backoff))
	if ferr := e.queue.Fail(ctx, row.ChangeID, row.ClaimToken, backoff, "platform error: "+err.Error()); ferr != nil {
		return OutcomeFailed, ferr
	}
	return OutcomeFailed, nil
}

// revalidate re-runs the safety checks a budget change passed at proposal
// time. Non-budget changes only need their payload to still decode.
func (e *Executor) revalidate(row *models.QueuedChange) (string, bool) {
	switch row.Kind {
	case models.KindBudgetUpdate:
		p, err := row.BudgetUpdate()
		if err != nil {
			return err.Error(), false
		}
		if p.NewBudget.LessThan(e.limits.MinBudgetPerAd) {
			return fmt.Sprintf("new budget %s below floor %s", p.NewBudget, e.limits.MinBudgetPerAd), false
		}
		if p.NewBudget.GreaterThan(e.limits.MaxBudgetPerAd) {
			return fmt.Sprintf("new budget %s above ceiling %s", p.NewBudget, e.limits.MaxBudgetPerAd), false
		}
		if p.CurrentBudget.IsPositive() {
			maxDelta := p.CurrentBudget.Mul(decimal.NewFromFloat(e.limits.MaxDailyChangePercent))
			// A cent of slack absorbs rounding from the proposal side.
			if p.NewBudget.Sub(p.CurrentBudget).Abs().GreaterThan(maxDelta.Add(decimal.New(1, -2))) {
				return fmt.Sprintf("delta exceeds %.0f%% velocity limit", e.limits.MaxDailyChangePercent*100), false
			}
		}
		return "", true
	case models.KindAdCreate:
		p, err := row.AdCreate()
		if err != nil {
			return err.Error(), false
		}
		if p.InitialBudget.LessThan(e.limits.MinBudgetPerAd) || p.InitialBudget.GreaterThan(e.limits.MaxBudgetPerAd) {
			return fmt.Sprintf("initial budget %s outside [%s, %s]", p.InitialBudget, e.limits.MinBudgetPerAd, e.limits.MaxBudgetPerAd), false
		}
		return "", true
	case models.KindAdPause:
		if _, err := row.AdPause(); err != nil {
			return err.Error(), false
		}
		return "", true
	default:
		return fmt.Sprintf("unknown change kind %q", row.Kind), false
	}
}

func (e *Executor) apply(ctx context.Context, row *models.QueuedChange) error {
	switch row.Kind {
	case models.KindBudgetUpdate:
		p, err := row.BudgetUpdate()
		if err != nil {
			return err
		}
		return e.client.UpdateBudget(ctx, row.AccountID, row.AdID, p.NewBudget)
	case models.KindAdCreate:
		p, err := row.AdCreate()
		if err != nil {
			return err
		}
		_, err = e.client.CreateAd(ctx, row.AccountID, p)
		return err
	case models.KindAdPause:
		p, err := row.AdPause()
		if err != nil {
			return err
		}
		return e.client.PauseAd(ctx, row.AccountID, row.AdID, p.Reason)
	default:
		return fmt.Errorf("executor: unknown change kind %q", row.Kind)
	}
}

// Run drives the worker pool plus the stale-claim janitor until ctx ends.
func (e *Executor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("%s-%d", e.cfg.WorkerID, i)
		go func() {
			defer wg.Done()
			e.runWorker(ctx, workerID)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.runJanitor(ctx)
	}()
	wg.Wait()
}

func (e *Executor) runWorker(ctx context.Context, workerID string) {
	for {
		_, err := e.ProcessOne(ctx, workerID)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, changequeue.ErrNoPending):
			if sleepCtx(ctx, e.cfg.PollInterval) != nil {
				return
			}
		case err != nil:
			e.logger.Error("executor pipeline error", zap.String("worker_id", workerID), zap.Error(err))
			if sleepCtx(ctx, e.cfg.PollInterval) != nil {
				return
			}
		}
	}
}

// runJanitor reclaims expired leases and keeps the depth gauge fresh.
func (e *Executor) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ClaimLease / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := e.queue.ReleaseStaleClaims(ctx, e.cfg.ClaimLease)
			if err != nil {
				e.logger.Error("stale claim release failed", zap.Error(err))
			} else if released > 0 {
				e.logger.Warn("released stale claims", zap.Int("count", released))
			}
			if depth, err := e.queue.Depth(ctx); err == nil {
				e.metrics.QueueDepth.Set(float64(depth))
			}
		}
	}
}
