// Package llmassist models the "external LLM assistance is optional" seam
// from §4.6 step 2 as a capability-flag interface with a deterministic
// fallback, the same pattern the teacher framework uses for its AI
// provider registry: DetectEnvironment reports priority/availability
// instead of the caller probing package-level globals at runtime, and a
// provider that is never available still gets a correct, fully
// deterministic implementation to fall back to.
//
// No network calls are made anywhere in this package — per §1's Non-goals
// this system never authenticates to a third-party model provider — but
// the seam is real: a future provider only needs to satisfy Generator and
// report DetectEnvironment() (priority, true).
package llmassist

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Request is everything a Generator needs to draft one variant's prompt
// text for a given strategy.
type Request struct {
	Spectrum         string
	Strategy         string
	Seed             int64
	SuccessSnippets  []string
	FailureSnippets  []string
	CurrentPrompt    string
}

// Generator drafts prompt text for one (spectrum, strategy) request.
// Deterministic given the same Request: no implementation may introduce
// randomness or wall-clock dependence, since variant generation must be
// reproducible given the context bundle, strategy, and seed.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)

	// DetectEnvironment reports whether this generator can run right now
	// and at what priority, mirroring ai.ProviderFactory.DetectEnvironment
	// in the reference framework. No attribute probing at call sites: the
	// registry decides once, here.
	DetectEnvironment() (priority int, available bool)

	Name() string
}

// Registry holds the closed set of registered generators and picks the
// highest-priority available one, falling back to the deterministic
// templated generator if nothing else is available (which, in this
// build, is always — no external provider ships in this repo).
type Registry struct {
	generators []Generator
}

// NewRegistry builds a registry seeded with the deterministic templated
// fallback. Callers may Register additional generators (e.g. a future
// real provider) ahead of it.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Register(&TemplatedGenerator{})
	return r
}

func (r *Registry) Register(g Generator) {
	r.generators = append(r.generators, g)
}

// Select returns the highest-priority available generator. Always
// succeeds because TemplatedGenerator reports itself available at
// priority 0.
func (r *Registry) Select() Generator {
	type candidate struct {
		g        Generator
		priority int
	}
	var candidates []candidate
	for _, g := range r.generators {
		if p, ok := g.DetectEnvironment(); ok {
			candidates = append(candidates, candidate{g, p})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].priority > candidates[j].priority })
	if len(candidates) == 0 {
		return &TemplatedGenerator{}
	}
	return candidates[0].g
}

// TemplatedGenerator is the deterministic fallback: it composes prompt
// text from the request's strategy and evidence snippets using fixed
// templates, never an LLM call. It is always available at the lowest
// priority so real providers (should one ever be registered) are
// preferred when present.
type TemplatedGenerator struct{}

func (TemplatedGenerator) Name() string                          { return "templated" }
func (TemplatedGenerator) DetectEnvironment() (int, bool)         { return 0, true }

func (TemplatedGenerator) Generate(ctx context.Context, req Request) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "You are assisting with %s. ", req.Spectrum)

	switch req.Strategy {
	case "pattern_merge":
		b.WriteString("Synthesize the common structure of the following successful responses into your answer.\n")
		writeSnippets(&b, "Successful examples", req.SuccessSnippets)
	case "clarity":
		b.WriteString("Respond in short, unambiguous sentences. Avoid jargon and define any domain terms you use.\n")
		writeSnippets(&b, "Avoid patterns like", req.FailureSnippets)
	case "structure":
		b.WriteString("Organize your response into clearly labeled sections matching the request's required fields.\n")
	case "examples":
		b.WriteString("Illustrate your answer with a brief worked example drawn from the request context.\n")
		writeSnippets(&b, "Style reference", req.SuccessSnippets)
	case "meta_learned":
		b.WriteString("Apply the following learned adjustments from prior evaluation cycles before answering.\n")
		writeSnippets(&b, "Learned corrections", req.FailureSnippets)
	default:
		b.WriteString("Answer accurately and completely.\n")
	}

	if req.CurrentPrompt != "" {
		fmt.Fprintf(&b, "\nBase instructions:\n%s\n", req.CurrentPrompt)
	}
	return b.String(), nil
}

func writeSnippets(b *strings.Builder, label string, snippets []string) {
	if len(snippets) == 0 {
		return
	}
	fmt.Fprintf(b, "%s:\n", label)
	max := len(snippets)
	if max > 3 {
		max = 3
	}
	for _, s := range snippets[:max] {
		trimmed := s
		if len(trimmed) > 160 {
			trimmed = trimmed[:160]
		}
		fmt.Fprintf(b, "- %s\n", trimmed)
	}
}
