// Package models defines the data model shared by the winner detection,
// budget optimization, and safe execution components.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Classification buckets an ad's aggregate performance against thresholds.
type Classification string

const (
	ClassWinner   Classification = "winner"
	ClassLoser    Classification = "loser"
	ClassMarginal Classification = "marginal"
)

// ChangeKind identifies the external-platform mutation a change performs.
type ChangeKind string

const (
	KindBudgetUpdate ChangeKind = "budget_update"
	KindAdCreate     ChangeKind = "ad_create"
	KindAdPause      ChangeKind = "ad_pause"
)

// ChangeStatus is the lifecycle state of a queued change.
//
// pending -> claimed -> applied | failed -> pending (requeue) | rejected
type ChangeStatus string

const (
	StatusPending  ChangeStatus = "pending"
	StatusClaimed  ChangeStatus = "claimed"
	StatusApplied  ChangeStatus = "applied"
	StatusFailed   ChangeStatus = "failed"
	StatusRejected ChangeStatus = "rejected"
)

// Terminal reports whether the status admits no further transitions.
func (s ChangeStatus) Terminal() bool {
	return s == StatusApplied || s == StatusRejected
}

// VariationAxis names a replication dimension for winner cloning.
type VariationAxis string

const (
	AxisAudience VariationAxis = "audience"
	AxisHook     VariationAxis = "hook"
	AxisBudget   VariationAxis = "budget"
)

// PerformanceObservation is one per-ad performance window. Rows are
// append-only; a given (ad_id, window_start, window_end) is never rewritten.
type PerformanceObservation struct {
	AdID        string          `json:"ad_id"`
	AccountID   string          `json:"account_id"`
	WindowStart time.Time       `json:"window_start"`
	WindowEnd   time.Time       `json:"window_end"`
	Impressions int64           `json:"impressions"`
	Clicks      int64           `json:"clicks"`
	Spend       decimal.Decimal `json:"spend"`
	Revenue     decimal.Decimal `json:"revenue"`
}

// CTR returns clicks/impressions, 0 when there are no impressions.
func (o PerformanceObservation) CTR() float64 {
	if o.Impressions == 0 {
		return 0
	}
	return float64(o.Clicks) / float64(o.Impressions)
}

// ROAS returns revenue/spend, 0 when nothing was spent.
func (o PerformanceObservation) ROAS() float64 {
	if o.Spend.IsZero() {
		return 0
	}
	return o.Revenue.Div(o.Spend).InexactFloat64()
}

// DetectionCriteria are the thresholds a detection run evaluates against.
// All supplied thresholds must hold for an ad to be a winner (conjunctive).
type DetectionCriteria struct {
	AccountID    string          `json:"account_id"`
	MinROAS      float64         `json:"min_roas"`
	MinCTR       float64         `json:"min_ctr"`
	MinSpend     decimal.Decimal `json:"min_spend"`
	MinRevenue   decimal.Decimal `json:"min_revenue"`
	LookbackDays int             `json:"lookback_days"`
}

// Validate rejects malformed criteria before any store access.
func (c DetectionCriteria) Validate() error {
	if c.AccountID == "" {
		return fmt.Errorf("criteria: account_id is required")
	}
	if c.LookbackDays <= 0 {
		return fmt.Errorf("criteria: lookback_days must be positive, got %d", c.LookbackDays)
	}
	if c.MinROAS < 0 || c.MinCTR < 0 {
		return fmt.Errorf("criteria: thresholds must be non-negative")
	}
	if c.MinSpend.IsNegative() || c.MinRevenue.IsNegative() {
		return fmt.Errorf("criteria: spend/revenue thresholds must be non-negative")
	}
	return nil
}

// WinnerVerdict is the output of one detection pass for one ad. It is a
// pure function's output and is not persisted as authoritative state.
type WinnerVerdict struct {
	AdID           string            `json:"ad_id"`
	AccountID      string            `json:"account_id"`
	EvaluatedAt    time.Time         `json:"evaluated_at"`
	Classification Classification    `json:"classification"`
	ROAS           float64           `json:"roas"`
	CTR            float64           `json:"ctr"`
	Spend          decimal.Decimal   `json:"spend"`
	Revenue        decimal.Decimal   `json:"revenue"`
	Impressions    int64             `json:"impressions"`
	Clicks         int64             `json:"clicks"`
	Thresholds     DetectionCriteria `json:"thresholds_used"`
}

// SafetyLimits bound every budget mutation. They are enforced at proposal
// time and re-validated at execution time; no code path may bypass them.
type SafetyLimits struct {
	// MaxDailyChangePercent caps |new-old|/old for a single change within
	// 24h (the velocity limit). Expressed as a fraction, e.g. 0.3 = 30%.
	MaxDailyChangePercent float64         `json:"max_daily_change_percent"`
	MinBudgetPerAd        decimal.Decimal `json:"min_budget_per_ad"`
	MaxBudgetPerAd        decimal.Decimal `json:"max_budget_per_ad"`
	// TotalBudgetCap bounds the sum of post-change budgets for the account.
	TotalBudgetCap decimal.Decimal `json:"total_budget_cap"`
}

// Validate rejects unusable limit sets.
func (l SafetyLimits) Validate() error {
	if l.MaxDailyChangePercent <= 0 || l.MaxDailyChangePercent > 1 {
		return fmt.Errorf("safety limits: max_daily_change_percent must be in (0,1], got %g", l.MaxDailyChangePercent)
	}
	if l.MinBudgetPerAd.IsNegative() {
		return fmt.Errorf("safety limits: min_budget_per_ad must be non-negative")
	}
	if l.MaxBudgetPerAd.LessThanOrEqual(l.MinBudgetPerAd) {
		return fmt.Errorf("safety limits: max_budget_per_ad must exceed min_budget_per_ad")
	}
	if l.TotalBudgetCap.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("safety limits: total_budget_cap must be positive")
	}
	return nil
}

// ClampBudget forces a budget into [MinBudgetPerAd, MaxBudgetPerAd].
func (l SafetyLimits) ClampBudget(b decimal.Decimal) decimal.Decimal {
	if b.LessThan(l.MinBudgetPerAd) {
		return l.MinBudgetPerAd
	}
	if b.GreaterThan(l.MaxBudgetPerAd) {
		return l.MaxBudgetPerAd
	}
	return b
}

// BudgetUpdatePayload carries a budget mutation. CurrentBudget is the value
// observed at proposal time and is what the velocity limit is checked
// against at execution time.
type BudgetUpdatePayload struct {
	CurrentBudget decimal.Decimal `json:"current_budget"`
	NewBudget     decimal.Decimal `json:"new_budget"`
}

// AdCreatePayload carries a winner replica to be created on the platform.
type AdCreatePayload struct {
	SourceAdID    string          `json:"source_ad_id"`
	Name          string          `json:"name"`
	Axis          VariationAxis   `json:"axis"`
	Variation     string          `json:"variation"`
	InitialBudget decimal.Decimal `json:"initial_budget"`
}

// AdPausePayload carries an ad pause with its justification.
type AdPausePayload struct {
	Reason string `json:"reason"`
}

// ProposedChange is a not-yet-enqueued platform mutation. The proposing
// component owns it until Enqueue, after which the queue owns the record.
type ProposedChange struct {
	ChangeID           string          `json:"change_id"`
	AccountID          string          `json:"account_id"`
	AdID               string          `json:"ad_id"`
	Kind               ChangeKind      `json:"kind"`
	Payload            json.RawMessage `json:"payload"`
	ProposedAt         time.Time       `json:"proposed_at"`
	Reasoning          string          `json:"reasoning"`
	SafetyChecksPassed bool            `json:"safety_checks_passed"`
}

// NewProposedChange builds a change with a fresh ID and marshaled payload.
func NewProposedChange(accountID, adID string, kind ChangeKind, payload any, reasoning string, at time.Time) (ProposedChange, error) {
	if reasoning == "" {
		return ProposedChange{}, fmt.Errorf("proposed change: reasoning must not be empty")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return ProposedChange{}, fmt.Errorf("proposed change: marshal payload: %w", err)
	}
	return ProposedChange{
		ChangeID:           uuid.New().String(),
		AccountID:          accountID,
		AdID:               adID,
		Kind:               kind,
		Payload:            raw,
		ProposedAt:         at,
		Reasoning:          reasoning,
		SafetyChecksPassed: true,
	}, nil
}

// BudgetUpdate decodes the payload of a budget_update change.
func (c ProposedChange) BudgetUpdate() (BudgetUpdatePayload, error) {
	var p BudgetUpdatePayload
	if c.Kind != KindBudgetUpdate {
		return p, fmt.Errorf("change %s is %s, not %s", c.ChangeID, c.Kind, KindBudgetUpdate)
	}
	if err := json.Unmarshal(c.Payload, &p); err != nil {
		return p, fmt.Errorf("decode budget_update payload: %w", err)
	}
	return p, nil
}

// AdCreate decodes the payload of an ad_create change.
func (c ProposedChange) AdCreate() (AdCreatePayload, error) {
	var p AdCreatePayload
	if c.Kind != KindAdCreate {
		return p, fmt.Errorf("change %s is %s, not %s", c.ChangeID, c.Kind, KindAdCreate)
	}
	if err := json.Unmarshal(c.Payload, &p); err != nil {
		return p, fmt.Errorf("decode ad_create payload: %w", err)
	}
	return p, nil
}

// AdPause decodes the payload of an ad_pause change.
func (c ProposedChange) AdPause() (AdPausePayload, error) {
	var p AdPausePayload
	if c.Kind != KindAdPause {
		return p, fmt.Errorf("change %s is %s, not %s", c.ChangeID, c.Kind, KindAdPause)
	}
	if err := json.Unmarshal(c.Payload, &p); err != nil {
		return p, fmt.Errorf("decode ad_pause payload: %w", err)
	}
	return p, nil
}

// QueuedChange is a ProposedChange under queue ownership.
type QueuedChange struct {
	ProposedChange
	Status        ChangeStatus `json:"status"`
	ClaimToken    string       `json:"claim_token,omitempty"`
	ClaimedBy     string       `json:"claimed_by,omitempty"`
	ClaimedAt     *time.Time   `json:"claimed_at,omitempty"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt time.Time    `json:"next_attempt_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// ChangeHistoryEntry is one immutable audit row per queue state transition.
type ChangeHistoryEntry struct {
	ID         int64        `json:"id"`
	ChangeID   string       `json:"change_id"`
	AccountID  string       `json:"account_id"`
	AdID       string       `json:"ad_id"`
	Kind       ChangeKind   `json:"kind"`
	FromStatus ChangeStatus `json:"from_status"`
	ToStatus   ChangeStatus `json:"to_status"`
	Detail     string       `json:"detail"`
	WorkerID   string       `json:"worker_id,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// ReplicaSpec describes a replication request. It exists only for the
// duration of one planner call and is translated into ad_create changes.
type ReplicaSpec struct {
	SourceAdID string          `json:"source_ad_id"`
	Axes       []VariationAxis `json:"variation_axes"`
	Count      int             `json:"generated_count"`
}
