package deployment

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TheCreditPros/virtuous-cycle/internal/trace"
	"github.com/TheCreditPros/virtuous-cycle/optimizer"
	"github.com/TheCreditPros/virtuous-cycle/scorer"
	"github.com/TheCreditPros/virtuous-cycle/telemetry"
	"github.com/TheCreditPros/virtuous-cycle/vcconfig"
	"github.com/TheCreditPros/virtuous-cycle/vcerrors"
)

// Manager implements C7. It owns the global deployment lock: it is the
// only writer of the serving-layer configuration, and every Apply/Rollback
// is atomic from an observer's viewpoint — a reader never sees a
// partially-applied config, and DeploymentRecords are append-only.
type Manager struct {
	servingConfigPath string
	snapshotDir       string
	deploymentsPath   string
	minMean           float64
	maxRegress        float64
	goldenTraces      []GoldenTrace

	logger  telemetry.Logger
	metrics *telemetry.Metrics

	mu      sync.Mutex
	records []DeploymentRecord
}

// NewManager loads any existing audit log from deploymentsPath and returns
// a Manager ready to Apply/Rollback. goldenTraces is the fixed probe set
// run through the scorer before every Apply.
func NewManager(cfg vcconfig.DeploymentConfig, goldenTraces []GoldenTrace, logger telemetry.ComponentAwareLogger, metrics *telemetry.Metrics) (*Manager, error) {
	var lg telemetry.Logger = telemetry.NoOpLogger{}
	if logger != nil {
		lg = logger.WithComponent("virtuouscycle/deployment")
	}
	if metrics == nil {
		metrics = telemetry.NoOpMetrics()
	}
	m := &Manager{
		servingConfigPath: cfg.ServingConfigPath,
		snapshotDir:       cfg.SnapshotDir,
		deploymentsPath:   cfg.DeploymentsLogPath,
		minMean:           cfg.ValidationMinMean,
		maxRegress:        cfg.ValidationMaxRegress,
		goldenTraces:      goldenTraces,
		logger:            lg,
		metrics:           metrics,
	}
	if m.minMean <= 0 {
		m.minMean = 0.90
	}
	if m.maxRegress <= 0 {
		m.maxRegress = 0.05
	}
	if err := m.loadRecords(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) loadRecords() error {
	f, err := os.Open(m.deploymentsPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deployment: open %s: %w", m.deploymentsPath, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec DeploymentRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("deployment: parse %s: %w", m.deploymentsPath, err)
		}
		m.records = append(m.records, rec)
	}
	return scanner.Err()
}

func (m *Manager) appendRecordLocked(rec DeploymentRecord) error {
	dir := filepath.Dir(m.deploymentsPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("deployment: create %s: %w", dir, err)
	}
	f, err := os.OpenFile(m.deploymentsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("deployment: open %s: %w", m.deploymentsPath, err)
	}
	defer f.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("deployment: marshal record: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("deployment: append record: %w", err)
	}
	m.records = append(m.records, rec)
	return nil
}

// CurrentPrompt implements optimizer.Deployer: it reports the currently
// deployed prompt text for sp, used as the A/B test's baseline arm. The
// baseline "variant id" is a fixed sentinel, since the deployed config is
// not itself a PromptVariant the optimizer generated.
func (m *Manager) CurrentPrompt(sp trace.Spectrum) (id, text string) {
	cfg, err := LoadServingConfig(m.servingConfigPath)
	if err != nil {
		return "baseline", ""
	}
	return "baseline", cfg.Spectrums[sp].SystemPrompt
}

// Apply implements optimizer.Deployer. It runs the full §4.7 sequence:
// acquire the global lock, snapshot current config, validate the candidate
// against golden traces, atomically swap on success, and append a terminal
// DeploymentRecord — deployed or failed, never pending. An error from
// reading the config, writing a snapshot or writing the serving config
// returns without appending a record.
func (m *Manager) Apply(ctx context.Context, actor string, variant optimizer.PromptVariant, reason string) (optimizer.DeploymentOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := LoadServingConfig(m.servingConfigPath)
	if err != nil {
		return optimizer.DeploymentOutcome{}, vcerrors.New("deployment.Apply", "transient_remote", err)
	}

	preHash, preBody, err := current.ContentHash()
	if err != nil {
		return optimizer.DeploymentOutcome{}, vcerrors.New("deployment.Apply", "contract_violation", err)
	}
	if err := writeSnapshot(m.snapshotDir, preHash, preBody); err != nil {
		return optimizer.DeploymentOutcome{}, vcerrors.New("deployment.Apply", "transient_remote", err)
	}

	before := current.Spectrums[variant.Spectrum]
	candidate := current.Clone()
	after := before
	after.SystemPrompt = variant.Text
	candidate.Spectrums[variant.Spectrum] = after

	delta := ConfigDelta{
		Type:           DeltaSystemPrompt,
		Component:      string(variant.Spectrum),
		Before:         before.SystemPrompt,
		After:          after.SystemPrompt,
		Reason:         reason,
		ExpectedImpact: fmt.Sprintf("generation_strategy=%s", variant.GenerationStrategy),
	}

	validation := m.validate(current, candidate, variant)

	recordID := uuid.NewString()
	if !validation.Passed {
		rec := DeploymentRecord{
			ID: recordID, Timestamp: time.Now(), Actor: actor,
			Changes: []ConfigDelta{delta}, PreSnapshotRef: preHash,
			ValidationResult: validation, Status: StatusFailed,
		}
		if err := m.appendRecordLocked(rec); err != nil {
			return optimizer.DeploymentOutcome{}, err
		}
		m.metrics.RecordDeployment(ctx, string(StatusFailed))
		m.logger.WarnWithContext(ctx, "deployment validation failed, config unchanged", map[string]interface{}{
			"record_id": recordID, "reason": validation.FailureReason,
		})
		return optimizer.DeploymentOutcome{RecordID: recordID, Deployed: false}, nil
	}

	if err := writeServingConfigAtomic(m.servingConfigPath, candidate); err != nil {
		return optimizer.DeploymentOutcome{}, vcerrors.New("deployment.Apply", "transient_remote", err)
	}

	postHash, postBody, err := candidate.ContentHash()
	if err != nil {
		return optimizer.DeploymentOutcome{}, vcerrors.New("deployment.Apply", "contract_violation", err)
	}
	if err := writeSnapshot(m.snapshotDir, postHash, postBody); err != nil {
		return optimizer.DeploymentOutcome{}, vcerrors.New("deployment.Apply", "transient_remote", err)
	}

	rec := DeploymentRecord{
		ID: recordID, Timestamp: time.Now(), Actor: actor,
		Changes: []ConfigDelta{delta}, PreSnapshotRef: preHash, PostSnapshotRef: postHash,
		ValidationResult: validation, Status: StatusDeployed,
	}
	if err := m.appendRecordLocked(rec); err != nil {
		return optimizer.DeploymentOutcome{}, err
	}
	m.metrics.RecordDeployment(ctx, string(StatusDeployed))
	m.logger.InfoWithContext(ctx, "deployment applied", map[string]interface{}{
		"record_id": recordID, "spectrum": string(variant.Spectrum),
	})
	return optimizer.DeploymentOutcome{RecordID: recordID, Deployed: true}, nil
}

// Rollback reverses the most recent deployed record to its pre_snapshot_ref
// and appends a new rolled_back record. Always available for the most
// recent deployed record; returns ErrInvalidState otherwise.
func (m *Manager) Rollback(ctx context.Context, actor string) (DeploymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := m.mostRecentDeployedLocked()
	if target == nil {
		return DeploymentRecord{}, vcerrors.New("deployment.Rollback", "invalid_state", vcerrors.ErrInvalidState)
	}

	restored, err := readSnapshot(m.snapshotDir, target.PreSnapshotRef)
	if err != nil {
		return DeploymentRecord{}, vcerrors.New("deployment.Rollback", "transient_remote", err)
	}
	if err := writeServingConfigAtomic(m.servingConfigPath, restored); err != nil {
		return DeploymentRecord{}, vcerrors.New("deployment.Rollback", "transient_remote", err)
	}

	rec := DeploymentRecord{
		ID: uuid.NewString(), Timestamp: time.Now(), Actor: actor,
		Changes:         reverseDeltas(target.Changes),
		PreSnapshotRef:  target.PostSnapshotRef,
		PostSnapshotRef: target.PreSnapshotRef,
		ValidationResult: ValidationResult{Passed: true},
		Status:          StatusRolledBack,
		RollsBack:       target.ID,
	}
	if err := m.appendRecordLocked(rec); err != nil {
		return DeploymentRecord{}, err
	}
	m.metrics.RecordDeployment(ctx, string(StatusRolledBack))
	m.logger.InfoWithContext(ctx, "deployment rolled back", map[string]interface{}{
		"record_id": rec.ID, "rolls_back": target.ID,
	})
	return rec, nil
}

func reverseDeltas(deltas []ConfigDelta) []ConfigDelta {
	out := make([]ConfigDelta, len(deltas))
	for i, d := range deltas {
		out[i] = ConfigDelta{
			Type: d.Type, Component: d.Component,
			Before: d.After, After: d.Before,
			Reason: "rollback", ExpectedImpact: "restore pre-deploy configuration",
		}
	}
	return out
}

// mostRecentDeployedLocked returns the most recent record with status
// deployed that has not itself already been rolled back, or nil. Caller
// holds m.mu.
func (m *Manager) mostRecentDeployedLocked() *DeploymentRecord {
	rolledBack := make(map[string]bool)
	for _, r := range m.records {
		if r.Status == StatusRolledBack {
			rolledBack[r.RollsBack] = true
		}
	}
	for i := len(m.records) - 1; i >= 0; i-- {
		r := m.records[i]
		if r.Status == StatusDeployed && !rolledBack[r.ID] {
			cp := r
			return &cp
		}
	}
	return nil
}

// Records returns a copy of the full append-only audit log, oldest first.
func (m *Manager) Records() []DeploymentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeploymentRecord, len(m.records))
	copy(out, m.records)
	return out
}

// Prune discards all but the most recent keep audit records, rewriting
// deploymentsPath atomically so a crash mid-rewrite never leaves a
// truncated file. The most recent deployed record that has not been rolled
// back, and every record after it, are always kept, so Rollback
// eligibility (mostRecentDeployedLocked) is unaffected; more than keep
// records remain in that case.
func (m *Manager) Prune(keep int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if keep < 0 {
		keep = 0
	}
	if len(m.records) <= keep {
		return 0, nil
	}
	removed := len(m.records) - keep
	if target := m.mostRecentDeployedLocked(); target != nil {
		for i := 0; i < removed; i++ {
			if m.records[i].ID == target.ID {
				removed = i
				break
			}
		}
	}
	if removed == 0 {
		return 0, nil
	}
	retained := make([]DeploymentRecord, len(m.records)-removed)
	copy(retained, m.records[removed:])

	dir := filepath.Dir(m.deploymentsPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("deployment: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".deployments-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("deployment: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	for _, rec := range retained {
		data, err := json.Marshal(rec)
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return 0, fmt.Errorf("deployment: marshal record: %w", err)
		}
		if _, err := tmp.Write(append(data, '\n')); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return 0, fmt.Errorf("deployment: write temp file: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("deployment: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, m.deploymentsPath); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("deployment: commit %s: %w", m.deploymentsPath, err)
	}

	m.records = retained
	return removed, nil
}

// validate runs the golden-trace probe against current vs candidate,
// modeling the candidate's effect deterministically, with no live model
// invocation, like the optimizer's A/B simulation (optimizer/evaluate.go)
// but with a simpler rule: for any non-empty strategy, golden traces of
// the changed spectrum are nudged 10% of the way toward a perfect score,
// and traces of other spectrums keep their baseline score, so an
// unrelated spectrum never regresses from an unrelated change.
func (m *Manager) validate(current, candidate ServingConfig, variant optimizer.PromptVariant) ValidationResult {
	if len(m.goldenTraces) == 0 {
		return ValidationResult{Passed: false, FailureReason: "no golden traces configured"}
	}

	baselinePerSpectrum := map[string][]float64{}
	candidatePerSpectrum := map[string][]float64{}

	for _, gt := range m.goldenTraces {
		base := scorer.Score(gt.Trace, gt.Spectrum).Overall
		cand := base
		if gt.Spectrum == variant.Spectrum {
			cand = validationNudge(base, variant.GenerationStrategy)
		}
		key := string(gt.Spectrum)
		baselinePerSpectrum[key] = append(baselinePerSpectrum[key], base)
		candidatePerSpectrum[key] = append(candidatePerSpectrum[key], cand)
	}

	var candSum float64
	var candCount int
	perSpectrumMean := map[string]float64{}
	regressions := map[string]float64{}
	for key, candScores := range candidatePerSpectrum {
		cm := mean(candScores)
		bm := mean(baselinePerSpectrum[key])
		perSpectrumMean[key] = cm
		if bm-cm > m.maxRegress {
			regressions[key] = bm - cm
		}
		for _, v := range candScores {
			candSum += v
			candCount++
		}
	}
	overallMean := 0.0
	if candCount > 0 {
		overallMean = candSum / float64(candCount)
	}

	result := ValidationResult{MeanOverall: overallMean, PerSpectrum: perSpectrumMean}
	if overallMean < m.minMean {
		result.FailureReason = fmt.Sprintf("mean overall %.4f below required %.4f", overallMean, m.minMean)
		return result
	}
	if len(regressions) > 0 {
		result.Regressions = regressions
		result.FailureReason = "per-spectrum regression exceeds allowed threshold"
		return result
	}
	result.Passed = true
	return result
}

func validationNudge(base float64, strategy optimizer.GenerationStrategy) float64 {
	if strategy == "" {
		return base
	}
	v := base + (1.0-base)*0.1
	if v > 1 {
		v = 1
	}
	return v
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
