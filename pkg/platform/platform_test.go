package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"adpilot/pkg/models"
)

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
		{http.StatusConflict, false},
	}
	for _, c := range cases {
		err := &APIError{StatusCode: c.status}
		require.Equal(t, c.retryable, err.Retryable(), "status %d", c.status)
		require.Equal(t, c.retryable, IsRetryable(err), "status %d via IsRetryable", c.status)
	}

	require.True(t, IsRetryable(context.DeadlineExceeded))
	require.True(t, IsRetryable(fmt.Errorf("connection refused")))
	require.False(t, IsRetryable(nil))
}

func TestUpdateBudgetRequestShape(t *testing.T) {
	var gotPath, gotAuth, gotBudget string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotBudget = body["daily_budget"]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "key-123", srv.Client(), nil)
	err := c.UpdateBudget(context.Background(), "acct-1", "ad-9", decimal.RequireFromString("130.5"))
	require.NoError(t, err)
	require.Equal(t, "PUT /v1/accounts/acct-1/ads/ad-9/budget", gotPath)
	require.Equal(t, "Bearer key-123", gotAuth)
	require.Equal(t, "130.50", gotBudget)
}

func TestCreateAdReturnsAssignedID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST", r.Method)
		var spec models.AdCreatePayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&spec))
		json.NewEncoder(w).Encode(map[string]string{"ad_id": "ad-new-77"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "key", srv.Client(), nil)
	id, err := c.CreateAd(context.Background(), "acct-1", models.AdCreatePayload{
		SourceAdID: "ad-1",
	})
	require.NoError(t, err)
	require.Equal(t, "ad-new-77", id)
}

func TestErrorBodyDecodedIntoAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"code": "rate_limited", "message": "account quota exceeded"},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "key", srv.Client(), nil)
	err := c.PauseAd(context.Background(), "acct-1", "ad-1", "underperforming")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	require.Equal(t, "rate_limited", apiErr.Code)
	require.True(t, apiErr.Retryable())
}

func TestTerminalErrorNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"code": "invalid_budget", "message": "budget below platform minimum"},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "key", srv.Client(), nil)
	err := c.UpdateBudget(context.Background(), "acct-1", "ad-1", decimal.RequireFromString("0.01"))
	require.Error(t, err)
	require.False(t, IsRetryable(err))
}
