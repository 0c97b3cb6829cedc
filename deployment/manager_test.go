package deployment

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCreditPros/virtuous-cycle/internal/trace"
	"github.com/TheCreditPros/virtuous-cycle/optimizer"
	"github.com/TheCreditPros/virtuous-cycle/vcconfig"
)

func strongGoldenTraces() []GoldenTrace {
	return []GoldenTrace{
		{
			Spectrum: trace.CreditAnalysis,
			Trace: trace.Trace{
				ID: "g-1", Model: "gpt-4", Spectrum: trace.CreditAnalysis,
				Input:     "explain credit score utilization delinquency inquiry details for this applicant account",
				Output:    "Score: explain the credit score clearly. Factors: utilization delinquency inquiry details are strong for this applicant account today.",
				LatencyMs: 300,
			},
		},
		{
			Spectrum: trace.FinancialAnalysis,
			Trace: trace.Trace{
				ID: "g-2", Model: "gpt-4", Spectrum: trace.FinancialAnalysis,
				Input:     "explain balance income expense trends for this account history",
				Output:    "Summary: explain the balance income expense and net worth clearly. Analysis: trends for this account history are strong today.",
				LatencyMs: 300,
			},
		},
	}
}

func testDeploymentConfig(t *testing.T) vcconfig.DeploymentConfig {
	dir := t.TempDir()
	return vcconfig.DeploymentConfig{
		SnapshotDir:          filepath.Join(dir, "snapshots"),
		DeploymentsLogPath:   filepath.Join(dir, "deployments.log"),
		ServingConfigPath:    filepath.Join(dir, "serving-config.yaml"),
		ValidationMinMean:    0.90,
		ValidationMaxRegress: 0.05,
	}
}

func TestApplyDeploysWhenValidationPasses(t *testing.T) {
	cfg := testDeploymentConfig(t)
	m, err := NewManager(cfg, strongGoldenTraces(), nil, nil)
	require.NoError(t, err)

	variant := optimizer.PromptVariant{
		ID: "v-1", Spectrum: trace.CreditAnalysis, Text: "Always lead with the numeric score.",
		GenerationStrategy: optimizer.StrategyClarity,
	}

	outcome, err := m.Apply(context.Background(), "manual", variant, "test deploy")
	require.NoError(t, err)
	assert.True(t, outcome.Deployed)
	assert.NotEmpty(t, outcome.RecordID)

	records := m.Records()
	require.Len(t, records, 1)
	assert.Equal(t, StatusDeployed, records[0].Status)
	assert.NotEqual(t, records[0].PreSnapshotRef, records[0].PostSnapshotRef)

	_, text := m.CurrentPrompt(trace.CreditAnalysis)
	assert.Equal(t, variant.Text, text)
}

func TestApplyValidationFailureLeavesConfigUnchanged(t *testing.T) {
	cfg := testDeploymentConfig(t)
	cfg.ValidationMinMean = 0.999 // unreachable, forces failure
	m, err := NewManager(cfg, strongGoldenTraces(), nil, nil)
	require.NoError(t, err)

	_, before := m.CurrentPrompt(trace.CreditAnalysis)

	variant := optimizer.PromptVariant{
		ID: "v-2", Spectrum: trace.CreditAnalysis, Text: "new prompt text",
		GenerationStrategy: optimizer.StrategyClarity,
	}
	outcome, err := m.Apply(context.Background(), "auto", variant, "test deploy")
	require.NoError(t, err)
	assert.False(t, outcome.Deployed)

	records := m.Records()
	require.Len(t, records, 1)
	assert.Equal(t, StatusFailed, records[0].Status)
	assert.Empty(t, records[0].PostSnapshotRef)

	_, after := m.CurrentPrompt(trace.CreditAnalysis)
	assert.Equal(t, before, after, "config must be unchanged after a failed validation")
}

func TestRollbackRestoresPriorConfigAndIsIdempotentlyGuarded(t *testing.T) {
	cfg := testDeploymentConfig(t)
	m, err := NewManager(cfg, strongGoldenTraces(), nil, nil)
	require.NoError(t, err)

	_, originalPrompt := m.CurrentPrompt(trace.CreditAnalysis)

	variant := optimizer.PromptVariant{
		ID: "v-3", Spectrum: trace.CreditAnalysis, Text: "deployed prompt",
		GenerationStrategy: optimizer.StrategyClarity,
	}
	_, err = m.Apply(context.Background(), "auto", variant, "test deploy")
	require.NoError(t, err)

	rec, err := m.Rollback(context.Background(), "manual")
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, rec.Status)

	_, restored := m.CurrentPrompt(trace.CreditAnalysis)
	assert.Equal(t, originalPrompt, restored)

	// No second deployed record remains eligible for rollback.
	_, err = m.Rollback(context.Background(), "manual")
	assert.Error(t, err)
}

func TestRollbackWithNoDeploymentReturnsError(t *testing.T) {
	cfg := testDeploymentConfig(t)
	m, err := NewManager(cfg, strongGoldenTraces(), nil, nil)
	require.NoError(t, err)

	_, err = m.Rollback(context.Background(), "manual")
	assert.Error(t, err)
}
