package deployment

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/TheCreditPros/virtuous-cycle/internal/trace"
)

// SpectrumPromptConfig is the serving-layer knob set for one spectrum: the
// system prompt text plus the model-selection/temperature/timeout knobs a
// ConfigDelta can target.
type SpectrumPromptConfig struct {
	SystemPrompt string  `yaml:"system_prompt"`
	Model        string  `yaml:"model"`
	Temperature  float64 `yaml:"temperature"`
	TimeoutMs    int     `yaml:"timeout_ms"`
}

// ServingConfig is the entire external serving-layer configuration this
// system is allowed to mutate: one SpectrumPromptConfig per spectrum. It is
// the thing C7 snapshots, validates a candidate change against, and
// atomically swaps.
type ServingConfig struct {
	Spectrums map[trace.Spectrum]SpectrumPromptConfig `yaml:"spectrums"`
}

// Clone returns a deep copy, used to build a candidate in-memory mutation
// without touching the config the validation probe compares against.
func (c ServingConfig) Clone() ServingConfig {
	out := ServingConfig{Spectrums: make(map[trace.Spectrum]SpectrumPromptConfig, len(c.Spectrums))}
	for k, v := range c.Spectrums {
		out.Spectrums[k] = v
	}
	return out
}

// ContentHash computes the stable content-addressed reference this system
// uses for pre_snapshot_ref/post_snapshot_ref, the same sha256-over-
// canonical-bytes approach the learning store uses for pattern
// fingerprints, applied here to a whole config body instead of a feature
// vector.
func (c ServingConfig) ContentHash() (string, []byte, error) {
	body, err := marshalCanonical(c)
	if err != nil {
		return "", nil, err
	}
	h := sha256.Sum256(body)
	return hex.EncodeToString(h[:]), body, nil
}

// marshalCanonical serializes spectrums in sorted key order so the same
// logical config always hashes to the same bytes regardless of map
// iteration order.
func marshalCanonical(c ServingConfig) ([]byte, error) {
	keys := make([]string, 0, len(c.Spectrums))
	for k := range c.Spectrums {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	type entry struct {
		Spectrum string               `yaml:"spectrum"`
		Config   SpectrumPromptConfig `yaml:"config"`
	}
	ordered := make([]entry, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, entry{Spectrum: k, Config: c.Spectrums[trace.Spectrum(k)]})
	}
	return yaml.Marshal(ordered)
}

// LoadServingConfig reads path if present, returning an empty ServingConfig
// (not an error) if it does not yet exist — the first deployment in a
// fresh environment starts from nothing.
func LoadServingConfig(path string) (ServingConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ServingConfig{Spectrums: map[trace.Spectrum]SpectrumPromptConfig{}}, nil
	}
	if err != nil {
		return ServingConfig{}, fmt.Errorf("deployment: read serving config %s: %w", path, err)
	}
	var cfg ServingConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ServingConfig{}, fmt.Errorf("deployment: parse serving config %s: %w", path, err)
	}
	if cfg.Spectrums == nil {
		cfg.Spectrums = map[trace.Spectrum]SpectrumPromptConfig{}
	}
	return cfg, nil
}

// writeServingConfigAtomic writes cfg to path via a temp-file-plus-rename,
// so a reader never observes a partially-written file — the single atomic
// commit step §4.7 step 4 requires even though the in-memory mutation may
// touch several fields.
func writeServingConfigAtomic(path string, cfg ServingConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("deployment: marshal serving config: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("deployment: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".serving-config-*.tmp")
	if err != nil {
		return fmt.Errorf("deployment: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("deployment: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("deployment: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("deployment: commit %s: %w", path, err)
	}
	return nil
}

// snapshotPath returns the path a content-hashed snapshot body is stored
// at under dir.
func snapshotPath(dir, hash string) string {
	return filepath.Join(dir, hash+".yaml")
}

func writeSnapshot(dir, hash string, body []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("deployment: create snapshot dir %s: %w", dir, err)
	}
	path := snapshotPath(dir, hash)
	if _, err := os.Stat(path); err == nil {
		return nil // identical content already snapshotted
	}
	return os.WriteFile(path, body, 0o644)
}

func readSnapshot(dir, hash string) (ServingConfig, error) {
	path := snapshotPath(dir, hash)
	data, err := os.ReadFile(path)
	if err != nil {
		return ServingConfig{}, fmt.Errorf("deployment: read snapshot %s: %w", hash, err)
	}
	var entries []struct {
		Spectrum string               `yaml:"spectrum"`
		Config   SpectrumPromptConfig `yaml:"config"`
	}
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return ServingConfig{}, fmt.Errorf("deployment: parse snapshot %s: %w", hash, err)
	}
	cfg := ServingConfig{Spectrums: make(map[trace.Spectrum]SpectrumPromptConfig, len(entries))}
	for _, e := range entries {
		cfg.Spectrums[trace.Spectrum(e.Spectrum)] = e.Config
	}
	return cfg, nil
}
