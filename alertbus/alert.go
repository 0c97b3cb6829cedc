// Package alertbus implements C4: a bounded, deduplicating, fan-out event
// bus for quality alerts raised by the monitor and the deployment manager.
package alertbus

import (
	"time"

	"github.com/TheCreditPros/virtuous-cycle/internal/trace"
)

type Severity string

const (
	Critical Severity = "CRITICAL"
	High     Severity = "HIGH"
	Medium   Severity = "MEDIUM"
	Low      Severity = "LOW"
)

// severityRank orders severities for the drop-oldest-lowest-severity
// overflow policy; lower rank is dropped first.
var severityRank = map[Severity]int{Low: 0, Medium: 1, High: 2, Critical: 3}

type Kind string

const (
	ThresholdBreach    Kind = "threshold_breach"
	TrendDown          Kind = "trend_down"
	VarianceHigh       Kind = "variance_high"
	ForecastRegression Kind = "forecast_regression"
	DeploymentFailed   Kind = "deployment_failed"
	IngestionHalted    Kind = "ingestion_halted"
)

// Subject identifies the (model, spectrum) pair or deployment an alert is
// about. Spectrum is empty for deployment-scoped alerts.
type Subject struct {
	Model    string        `json:"model"`
	Spectrum trace.Spectrum `json:"spectrum,omitempty"`
}

// Alert is one de-duplicated, severity-tagged event.
type Alert struct {
	ID            string    `json:"id"`
	Severity      Severity  `json:"severity"`
	Kind          Kind      `json:"kind"`
	Subject       Subject   `json:"subject"`
	MeasuredValue float64   `json:"measured_value"`
	Threshold     float64   `json:"threshold"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	Count         int       `json:"count"`
}

func dedupKey(kind Kind, subject Subject) string {
	return string(kind) + "|" + subject.Model + "|" + string(subject.Spectrum)
}
