package learningstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/TheCreditPros/virtuous-cycle/internal/trace"
	"github.com/TheCreditPros/virtuous-cycle/telemetry"
)

// Store is the in-memory, file-backed pattern store. It owns a single
// append-only file on disk; Record writes each updated pattern to the file
// before updating the in-memory map, so callers never observe a pattern
// the file does not hold. Eviction at MaxEntries removes a pattern from
// the in-memory map only; its records stay in the file.
type Store struct {
	path       string
	minSupport int
	maxEntries int

	mu       sync.RWMutex
	patterns map[string]Pattern // keyed by feature fingerprint

	cache  *redisCache // optional, nil if not configured
	logger telemetry.Logger
}

// Config mirrors the fields of vcconfig.LearningStoreConfig this package
// needs, kept separate so learningstore has no import-time dependency on
// vcconfig.
type Config struct {
	StoragePath string
	MinSupport  int
	MaxEntries  int
	RedisURL    string
}

// Open loads an existing store from StoragePath (if present) and returns a
// Store ready to accept Record/Query/Similar calls. A missing file is not
// an error; the store starts empty.
func Open(cfg Config, logger telemetry.ComponentAwareLogger) (*Store, error) {
	if logger == nil {
		logger = telemetry.NoOpLogger{}
	}
	if cfg.MinSupport <= 0 {
		cfg.MinSupport = 3
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 100000
	}

	s := &Store{
		path:       cfg.StoragePath,
		minSupport: cfg.MinSupport,
		maxEntries: cfg.MaxEntries,
		patterns:   make(map[string]Pattern),
		logger:     logger.WithComponent("virtuouscycle/learningstore"),
	}

	if cfg.RedisURL != "" {
		c, err := newRedisCache(cfg.RedisURL, logger)
		if err != nil {
			return nil, fmt.Errorf("learningstore: redis cache: %w", err)
		}
		s.cache = c
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("learningstore: open %s: %w", s.path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var p Pattern
		if err := json.Unmarshal(scanner.Bytes(), &p); err != nil {
			s.logger.Warn("skipping malformed pattern record", map[string]interface{}{"error": err.Error()})
			continue
		}
		s.patterns[p.FeatureFingerprint] = p
	}
	return scanner.Err()
}

// appendLocked writes one pattern record to the end of the store file.
// Caller holds s.mu for writing.
func (s *Store) appendLocked(p Pattern) error {
	if s.path == "" {
		return nil
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("learningstore: mkdir %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("learningstore: open %s: %w", s.path, err)
	}
	defer f.Close()

	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

// Record folds one observation into the pattern it matches (by feature
// fingerprint), creating a new entry if none exists, and appends the
// updated record to the on-disk log. The log is append-only: updates are
// represented as a newer record for the same fingerprint, and load()
// keeps only the last record seen per fingerprint (last write wins).
func (s *Store) Record(ctx context.Context, obs Observation) (Pattern, error) {
	fp := Fingerprint(obs.Spectrum, obs.Label, obs.Features)

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patterns[fp]
	if !ok {
		if len(s.patterns) >= s.maxEntries {
			s.evictOldestLocked()
		}
		p = Pattern{
			ID:                 uuid.NewString(),
			FeatureFingerprint: fp,
			Label:              obs.Label,
			Spectrum:           obs.Spectrum,
			Features:           obs.Features,
		}
	}

	p.Support++
	if obs.Success {
		p.Successes++
	}
	p.Confidence = laplaceConfidence(p.Successes, p.Support)
	p.LastUsed = obs.At

	if err := s.appendLocked(p); err != nil {
		return Pattern{}, err
	}
	s.patterns[fp] = p

	if s.cache != nil {
		s.cache.put(ctx, p)
	}

	return p, nil
}

// evictOldestLocked drops the least-recently-used pattern to make room for
// a new one when MaxEntries is reached. Caller holds s.mu.
func (s *Store) evictOldestLocked() {
	var oldestKey string
	first := true
	var oldest Pattern
	for k, p := range s.patterns {
		if first || p.LastUsed.Before(oldest.LastUsed) {
			oldestKey = k
			oldest = p
			first = false
		}
	}
	if oldestKey != "" {
		delete(s.patterns, oldestKey)
	}
}

// Query returns patterns for a spectrum with confidence at or above
// minConfidence and support at or above the store's MinSupport (patterns
// below min-support are hidden from query results entirely since they
// carry too little evidence to act on), sorted by confidence descending
// and capped at limit.
func (s *Store) Query(spectrum trace.Spectrum, minConfidence float64, limit int) []Pattern {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Pattern
	for _, p := range s.patterns {
		if p.Spectrum != spectrum {
			continue
		}
		if p.Support < s.minSupport {
			continue
		}
		if p.Confidence < minConfidence {
			continue
		}
		out = append(out, p)
	}
	sortByConfidenceDesc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Similar returns the k nearest patterns to features by Euclidean
// distance, restricted to a spectrum and to patterns meeting min-support.
// Linear scan is sufficient at the store's bounded size (<=MaxEntries,
// default 10^5).
func (s *Store) Similar(spectrum trace.Spectrum, features []float64, k int) []Pattern {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		p    Pattern
		dist float64
	}
	var candidates []scored
	for _, p := range s.patterns {
		if p.Spectrum != spectrum || p.Support < s.minSupport {
			continue
		}
		candidates = append(candidates, scored{p: p, dist: euclidean(features, p.Features)})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]Pattern, len(candidates))
	for i, c := range candidates {
		out[i] = c.p
	}
	return out
}

func euclidean(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	// Penalize length mismatch so feature vectors of different shape never
	// rank as coincidentally close.
	sum += math.Abs(float64(len(a) - len(b)))
	return math.Sqrt(sum)
}

// Len returns the number of distinct patterns currently held, regardless
// of min-support visibility.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.patterns)
}
