// Package platform is the outbound client for the ad platform's management
// API. The executor is its only caller; everything here is side-effecting
// and counted against the account's API quota.
package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"adpilot/pkg/models"
)

// Client mutates ads on the external platform. Implementations must return
// *APIError for platform-reported failures so the executor can distinguish
// retryable from terminal outcomes.
type Client interface {
	// UpdateBudget sets the daily budget of an ad.
	UpdateBudget(ctx context.Context, accountID, adID string, newBudget decimal.Decimal) error

	// CreateAd creates a new ad from a winner replica spec and returns the
	// platform-assigned ad ID.
	CreateAd(ctx context.Context, accountID string, spec models.AdCreatePayload) (string, error)

	// PauseAd pauses a running ad.
	PauseAd(ctx context.Context, accountID, adID string, reason string) error
}

// APIError is a failure reported by the platform API.
type APIError struct {
	StatusCode int    `json:"status_code"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Retryable reports whether the failure is transient. Rate limiting and
// server errors are retryable; any other client error means the request
// itself is bad and retrying cannot help.
func (e *APIError) Retryable() bool {
	if e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return e.StatusCode >= 500
}

// IsRetryable classifies any executor-facing error. Timeouts and transport
// failures are retryable; platform errors delegate to Retryable; anything
// unrecognized is treated as retryable so a transient bug does not
// permanently reject a change.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return true
}
