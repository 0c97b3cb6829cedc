package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCreditPros/virtuous-cycle/alertbus"
	"github.com/TheCreditPros/virtuous-cycle/deployment"
	"github.com/TheCreditPros/virtuous-cycle/internal/trace"
	"github.com/TheCreditPros/virtuous-cycle/learningstore"
	"github.com/TheCreditPros/virtuous-cycle/monitor"
	"github.com/TheCreditPros/virtuous-cycle/optimizer"
	"github.com/TheCreditPros/virtuous-cycle/traceclient"
	"github.com/TheCreditPros/virtuous-cycle/vcconfig"
)

func buildTestOrchestrator(t *testing.T) (*Orchestrator, *Handler) {
	t.Helper()
	dir := t.TempDir()

	cfg := &vcconfig.Config{
		TraceClient: vcconfig.TraceClientConfig{BaseURL: "http://example.invalid", APIKey: "k", OrgID: "o"},
		Optimization: vcconfig.OptimizationConfig{
			ConcurrencyCap: 3, TopNTraces: 10, CycleBudget: 0,
			ABTestMinSamplesPerArm: 2, ABTestTargetSamplesPerArm: 3,
		},
		HTTP: vcconfig.HTTPConfig{ControlRateLimit: 1000},
	}

	tc := traceclient.New(traceclient.Config{BaseURL: cfg.TraceClient.BaseURL}, nil, nil)

	bus := alertbus.New(100, 0, nil, nil)
	mon := monitor.New(vcconfig.MonitorConfig{WindowCapacity: 50}, bus, nil, nil)

	store, err := learningstore.Open(learningstore.Config{StoragePath: filepath.Join(dir, "learning.store")}, nil)
	require.NoError(t, err)

	depCfg := vcconfig.DeploymentConfig{
		SnapshotDir:          filepath.Join(dir, "snapshots"),
		DeploymentsLogPath:   filepath.Join(dir, "deployments.log"),
		ServingConfigPath:    filepath.Join(dir, "serving-config.yaml"),
		ValidationMinMean:    0.90,
		ValidationMaxRegress: 0.05,
	}
	golden := []deployment.GoldenTrace{
		{
			Spectrum: trace.CreditAnalysis,
			Trace: trace.Trace{
				ID: "g-1", Model: "gpt-4", Spectrum: trace.CreditAnalysis,
				Input:  "explain credit score utilization delinquency inquiry details",
				Output: "Score: explain the credit score clearly. Factors: utilization delinquency inquiry details are strong today.",
			},
		},
	}
	deployer, err := deployment.NewManager(depCfg, golden, nil, nil)
	require.NoError(t, err)

	buffer := NewTraceBuffer(40)
	engine := optimizer.New(cfg.Optimization, store, buffer, deployer, bus, nil, nil)

	orch := New(cfg, tc, buffer, mon, bus, store, engine, deployer, nil, nil)
	handler := NewHandler(orch, nil, cfg.HTTP.ControlRateLimit)
	return orch, handler
}

func TestHandleStatusAlwaysReturns200(t *testing.T) {
	_, handler := buildTestOrchestrator(t)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, controlSurfacePrefix+"/status", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var snap StatusSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Len(t, snap.Health, 4)
}

func TestHandleTriggerWithExplicitTargetReturns202(t *testing.T) {
	_, handler := buildTestOrchestrator(t)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	body := `{"model":"gpt-4","spectrum":"credit_analysis"}`
	req := httptest.NewRequest(http.MethodPost, controlSurfacePrefix+"/trigger", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var resp triggerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.CycleID)
}

func TestHandleRollbackReturns409WhenNoEligibleDeployment(t *testing.T) {
	_, handler := buildTestOrchestrator(t)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, controlSurfacePrefix+"/rollback", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "no_eligible_deployment", env.Code)
}

func TestHandleClearHistoryDefaultsRetention(t *testing.T) {
	_, handler := buildTestOrchestrator(t)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, controlSurfacePrefix+"/clear-history", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp clearHistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, defaultHistoryRetention, resp.Kept)
	assert.Equal(t, 0, resp.Removed)
}

func TestMethodNotAllowedOnWrongVerb(t *testing.T) {
	_, handler := buildTestOrchestrator(t)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, controlSurfacePrefix+"/status", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestTraceBufferReturnsNewestLast(t *testing.T) {
	b := NewTraceBuffer(2)
	b.Observe(trace.Trace{ID: "1", Model: "gpt-4", Spectrum: trace.CreditAnalysis})
	b.Observe(trace.Trace{ID: "2", Model: "gpt-4", Spectrum: trace.CreditAnalysis})
	b.Observe(trace.Trace{ID: "3", Model: "gpt-4", Spectrum: trace.CreditAnalysis})

	out, err := b.RecentTraces(context.Background(), "gpt-4", trace.CreditAnalysis, 10)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "2", out[0].ID)
	assert.Equal(t, "3", out[1].ID)
}

func TestHealthRegistrySnapshot(t *testing.T) {
	h := newHealthRegistry("a", "b")
	h.set("a", TaskRunning, "")
	snap := h.snapshot()
	assert.Len(t, snap, 2)
}
