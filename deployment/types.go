// Package deployment implements C7: snapshot, validate, atomically swap,
// and roll back the external serving layer's prompt configuration, with an
// append-only audit log. Every mutation goes through the global deployment
// lock; no other component writes the serving configuration.
package deployment

import (
	"time"

	"github.com/TheCreditPros/virtuous-cycle/internal/trace"
)

// DeltaType is the closed set of configuration change kinds a deployment
// can carry.
type DeltaType string

const (
	DeltaSystemPrompt   DeltaType = "system_prompt"
	DeltaTemperature    DeltaType = "temperature"
	DeltaModelSelection DeltaType = "model_selection"
	DeltaTimeout        DeltaType = "timeout"
)

// ConfigDelta describes one field-level change a deployment makes, with
// enough context for an operator reviewing the audit log to see exactly
// what moved and why.
type ConfigDelta struct {
	Type           DeltaType `json:"type"`
	Component      string    `json:"component"` // e.g. spectrum name
	Before         string    `json:"before"`
	After          string    `json:"after"`
	Reason         string    `json:"reason"`
	ExpectedImpact string    `json:"expected_impact"`
}

// Status is the closed set of terminal/in-flight states a DeploymentRecord
// can hold. Manager writes each record once, already in a terminal status;
// it never writes a pending record.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDeployed    Status = "deployed"
	StatusRolledBack  Status = "rolled_back"
	StatusFailed      Status = "failed"
)

func (s Status) Terminal() bool { return s != StatusPending }

// ValidationResult records the outcome of the golden-trace probe run
// against a candidate configuration before it is allowed to deploy.
type ValidationResult struct {
	Passed        bool               `json:"passed"`
	MeanOverall   float64            `json:"mean_overall"`
	PerSpectrum   map[string]float64 `json:"per_spectrum"`
	Regressions   map[string]float64 `json:"regressions,omitempty"`
	FailureReason string             `json:"failure_reason,omitempty"`
}

// DeploymentRecord is one append-only audit entry describing a deploy or
// rollback event. Manager appends it once, already in a terminal status
// (deployed, failed or rolled_back); no record is written as pending and
// later updated.
type DeploymentRecord struct {
	ID               string            `json:"id"`
	Timestamp        time.Time         `json:"timestamp"`
	Actor            string            `json:"actor"` // "auto" or "manual"
	Changes          []ConfigDelta     `json:"changes"`
	PreSnapshotRef   string            `json:"pre_snapshot_ref"`
	PostSnapshotRef  string            `json:"post_snapshot_ref,omitempty"`
	ValidationResult ValidationResult  `json:"validation_result"`
	Status           Status            `json:"status"`
	RollsBack        string            `json:"rolls_back,omitempty"` // original record id, set on rollback records
}

// GoldenTrace is one fixed probe trace used to validate a candidate
// configuration before it may deploy.
type GoldenTrace struct {
	Trace    trace.Trace
	Spectrum trace.Spectrum
}
