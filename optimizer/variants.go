package optimizer

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/TheCreditPros/virtuous-cycle/optimizer/llmassist"
)

// generateVariants produces up to maxCandidates PromptVariants, each using
// a distinct strategy from the closed set, in AllStrategies order.
// Generation is deterministic given bundle + strategy + seed: the seed is
// simply the strategy's position, so re-running a cycle against the same
// context bundle reproduces the same variant set.
func generateVariants(ctx context.Context, registry *llmassist.Registry, bundle ContextBundle, currentPrompt string, maxCandidates int, now time.Time) ([]PromptVariant, error) {
	gen := registry.Select()

	strategies := AllStrategies
	if maxCandidates > 0 && maxCandidates < len(strategies) {
		strategies = strategies[:maxCandidates]
	}

	successSnippets := make([]string, 0, len(bundle.SuccessPatterns))
	for _, p := range bundle.SuccessPatterns {
		successSnippets = append(successSnippets, p.SampleOutput)
	}
	failureSnippets := make([]string, 0, len(bundle.FailurePatterns))
	for _, p := range bundle.FailurePatterns {
		failureSnippets = append(failureSnippets, p.SampleOutput)
	}

	variants := make([]PromptVariant, 0, len(strategies))
	for i, strat := range strategies {
		text, err := gen.Generate(ctx, llmassist.Request{
			Spectrum:        string(bundle.Spectrum),
			Strategy:        string(strat),
			Seed:            int64(i),
			SuccessSnippets: successSnippets,
			FailureSnippets: failureSnippets,
			CurrentPrompt:   currentPrompt,
		})
		if err != nil {
			return variants, err
		}
		variants = append(variants, PromptVariant{
			ID:                 uuid.NewString(),
			Spectrum:           bundle.Spectrum,
			Text:               text,
			GenerationStrategy: strat,
			CreatedAt:          now,
		})
	}
	return variants, nil
}
