package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"adpilot/pkg/models"
)

// HTTPClient talks to the platform's REST management API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

// NewHTTPClient builds a client. httpClient controls the per-request
// timeout; pass one with Timeout set or rely on request contexts.
func NewHTTPClient(baseURL, apiKey string, httpClient *http.Client, logger *zap.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{baseURL: baseURL, apiKey: apiKey, http: httpClient, logger: logger}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("platform: marshal request: %w", err)
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("platform: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("platform: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Code: "unknown"}
		var wire struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&wire); err == nil && wire.Error.Code != "" {
			apiErr.Code = wire.Error.Code
			apiErr.Message = wire.Error.Message
		}
		c.logger.Warn("platform api error",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("code", apiErr.Code))
		return apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("platform: decode response: %w", err)
		}
	}
	return nil
}

// UpdateBudget sets the daily budget of an ad.
func (c *HTTPClient) UpdateBudget(ctx context.Context, accountID, adID string, newBudget decimal.Decimal) error {
	path := fmt.Sprintf("/v1/accounts/%s/ads/%s/budget", accountID, adID)
	return c.do(ctx, http.MethodPut, path, map[string]string{
		"daily_budget": newBudget.StringFixed(2),
	}, nil)
}

// CreateAd creates a replica ad and returns its platform-assigned ID.
func (c *HTTPClient) CreateAd(ctx context.Context, accountID string, spec models.AdCreatePayload) (string, error) {
	path := fmt.Sprintf("/v1/accounts/%s/ads", accountID)
	var out struct {
		AdID string `json:"ad_id"`
	}
	if err := c.do(ctx, http.MethodPost, path, spec, &out); err != nil {
		return "", err
	}
	if out.AdID == "" {
		return "", fmt.Errorf("platform: create ad returned no ad_id")
	}
	return out.AdID, nil
}

// Budgets fetches current daily budgets for a set of ads. Read-only, so it
// is not part of the executor-facing Client interface; the workflow uses it
// as its budget snapshot source.
func (c *HTTPClient) Budgets(ctx context.Context, accountID string, adIDs []string) (map[string]decimal.Decimal, error) {
	path := fmt.Sprintf("/v1/accounts/%s/ads/budgets", accountID)
	var out struct {
		Budgets map[string]string `json:"budgets"`
	}
	if err := c.do(ctx, http.MethodPost, path, map[string][]string{"ad_ids": adIDs}, &out); err != nil {
		return nil, err
	}
	budgets := make(map[string]decimal.Decimal, len(out.Budgets))
	for adID, raw := range out.Budgets {
		b, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("platform: budget for ad %s: %w", adID, err)
		}
		budgets[adID] = b
	}
	return budgets, nil
}

// PauseAd pauses a running ad.
func (c *HTTPClient) PauseAd(ctx context.Context, accountID, adID, reason string) error {
	path := fmt.Sprintf("/v1/accounts/%s/ads/%s/pause", accountID, adID)
	return c.do(ctx, http.MethodPost, path, map[string]string{"reason": reason}, nil)
}
