package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saeidz70/urban-energy-simulation-backend/internal/config"
)

func thresholds() config.MonitoringConfig {
	return config.MonitoringConfig{
		FailureRateThreshold:    0.5,
		UnresolvedRateThreshold: 0.2,
	}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	snap := &MetricsSnapshot{
		RunsTotal:    10,
		RunsComplete: 9,
		RunsFailed:   1,
		FailRate:     0.1,
		Features: []FeatureHealth{
			{Feature: "height", Resolutions: 10, Buildings: 100, Unresolved: 5, UnresolvedRate: 0.05},
		},
		LookbackHours: 24,
	}
	assert.Empty(t, NewAlerter(thresholds()).Evaluate(snap))
}

func TestAlerter_Evaluate_RunFailureRate(t *testing.T) {
	snap := &MetricsSnapshot{
		RunsTotal:     4,
		RunsComplete:  1,
		RunsFailed:    3,
		FailRate:      0.75,
		LookbackHours: 24,
	}
	alerts := NewAlerter(thresholds()).Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRunFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "75.0%")
}

func TestAlerter_Evaluate_TooFewRunsForRate(t *testing.T) {
	snap := &MetricsSnapshot{RunsTotal: 2, RunsFailed: 2, FailRate: 1, LookbackHours: 24}
	assert.Empty(t, NewAlerter(thresholds()).Evaluate(snap))
}

func TestAlerter_Evaluate_UnresolvedRate(t *testing.T) {
	snap := &MetricsSnapshot{
		Features: []FeatureHealth{
			{Feature: "height", Resolutions: 2, Buildings: 20, Unresolved: 8, UnresolvedRate: 0.4},
			{Feature: "area", Resolutions: 2, Buildings: 20},
		},
		LookbackHours: 12,
	}
	alerts := NewAlerter(thresholds()).Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertUnresolvedRate, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "height left 40.0%")
	assert.Equal(t, "height", alerts[0].Details["feature"])
}

func TestAlerter_Evaluate_ProviderFailure(t *testing.T) {
	snap := &MetricsSnapshot{
		Features: []FeatureHealth{
			{Feature: "height", Resolutions: 2, Buildings: 20, ProviderErrors: 2},
			{Feature: "n_floor", Resolutions: 4, Buildings: 20, ProviderErrors: 1},
		},
		LookbackHours: 24,
	}
	alerts := NewAlerter(thresholds()).Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertProviderFailure, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "2 provider failure(s) while resolving height")
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	var got Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := thresholds()
	cfg.WebhookURL = srv.URL
	a := NewAlerter(cfg)

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertUnresolvedRate, Severity: "medium", Message: "x"}})
	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(1), received.Load())
	assert.Equal(t, AlertUnresolvedRate, got.Type)
}

func TestAlerter_SendAlerts_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := thresholds()
	cfg.WebhookURL = srv.URL
	sent := NewAlerter(cfg).SendAlerts(context.Background(), []Alert{{Type: AlertRunFailureRate}})
	assert.Zero(t, sent)
}

func TestAlerter_SendAlerts_NoWebhook(t *testing.T) {
	sent := NewAlerter(thresholds()).SendAlerts(context.Background(), []Alert{{Type: AlertRunFailureRate}})
	assert.Zero(t, sent)
}
