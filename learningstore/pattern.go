// Package learningstore implements C5: the persistent, append-only store of
// learned prompt-improvement patterns the optimizer mines from scored
// traces and later queries when assembling context for a new optimization
// cycle.
package learningstore

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/TheCreditPros/virtuous-cycle/internal/trace"
)

// Pattern is one learned observation: a feature fingerprint (a stable hash
// over the spectrum and a normalized feature vector) paired with a label,
// a Laplace-smoothed confidence, and the support count behind it.
type Pattern struct {
	ID                 string          `json:"id"`
	FeatureFingerprint string          `json:"feature_fingerprint"`
	Label              string          `json:"label"`
	Spectrum           trace.Spectrum  `json:"spectrum"`
	Features           []float64       `json:"features"`
	Confidence         float64         `json:"confidence"`
	Support            int             `json:"support"`
	Successes          int             `json:"successes"`
	LastUsed           time.Time       `json:"last_used"`
}

// Observation is one raw data point fed to Record: did applying Label to a
// trace with these Features (under this Spectrum) succeed or not.
type Observation struct {
	Spectrum trace.Spectrum
	Label    string
	Features []float64
	Success  bool
	At       time.Time
}

// Fingerprint computes the stable hash identifying a (spectrum, label,
// feature vector) triple. Features are rounded to 3 decimal places before
// hashing so near-identical observations collapse onto the same pattern
// instead of each minting a new low-support entry.
func Fingerprint(spectrum trace.Spectrum, label string, features []float64) string {
	h := sha256.New()
	h.Write([]byte(spectrum))
	h.Write([]byte{0})
	h.Write([]byte(label))
	for _, f := range features {
		rounded := int64(f*1000 + 0.5)
		h.Write([]byte{
			byte(rounded), byte(rounded >> 8), byte(rounded >> 16), byte(rounded >> 24),
		})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func laplaceConfidence(successes, support int) float64 {
	return float64(successes+1) / float64(support+2)
}

// sortByConfidenceDesc sorts patterns by confidence, ties broken by
// support then most-recently-used, all descending.
func sortByConfidenceDesc(patterns []Pattern) {
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Confidence != patterns[j].Confidence {
			return patterns[i].Confidence > patterns[j].Confidence
		}
		if patterns[i].Support != patterns[j].Support {
			return patterns[i].Support > patterns[j].Support
		}
		return patterns[i].LastUsed.After(patterns[j].LastUsed)
	})
}
