package vcconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileOverlay mirrors the subset of Config fields an operator is likely to
// hand-tune in a checked-in YAML file rather than via environment variables
// (thresholds, cadences, caps) - credentials stay environment-only.
type fileOverlay struct {
	Monitor      *MonitorConfig      `yaml:"monitor,omitempty"`
	Optimization *OptimizationConfig `yaml:"optimization,omitempty"`
	AlertBus     *AlertBusConfig     `yaml:"alert_bus,omitempty"`
}

// LoadFromFile applies a YAML overlay on top of cfg, for the thresholds and
// cadences operators tune without touching environment configuration.
// Fields the file omits keep their current values. Missing file is not an
// error; an unreadable or malformed one is.
func LoadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("vcconfig: read %s: %w", path, err)
	}

	mon, opt, bus := cfg.Monitor, cfg.Optimization, cfg.AlertBus
	overlay := fileOverlay{Monitor: &mon, Optimization: &opt, AlertBus: &bus}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("vcconfig: parse %s: %w", path, err)
	}

	if overlay.Monitor != nil {
		cfg.Monitor = *overlay.Monitor
	}
	if overlay.Optimization != nil {
		cfg.Optimization = *overlay.Optimization
	}
	if overlay.AlertBus != nil {
		cfg.AlertBus = *overlay.AlertBus
	}
	return nil
}
