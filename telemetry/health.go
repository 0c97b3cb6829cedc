package telemetry

// Health reports the telemetry subsystem's own state, separate from the
// per-task health the orchestrator's status endpoint reports for C1-C6.
type Health struct {
	Enabled bool  `json:"enabled"`
	Emitted int64 `json:"emitted"`
	Errors  int64 `json:"errors"`
}

func (m *Metrics) Health() Health {
	if m == nil {
		return Health{}
	}
	return Health{
		Enabled: m.enabled,
		Emitted: m.emitted.Load(),
		Errors:  m.errors.Load(),
	}
}
