package identify

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
)

// DefaultEscalationThreshold is the library-tier confidence above which
// resolution short-circuits without consulting the AI tier.
const DefaultEscalationThreshold = 80

// LibrarySearcher is the cheap cached tier backed by the local product
// library.
type LibrarySearcher interface {
	// Search returns library candidates for a free-text query, best first.
	Search(ctx context.Context, query string, limit int) ([]CandidateProduct, error)
}

// EnrichmentRequest is the AI-text tier input.
type EnrichmentRequest struct {
	UserInput  string
	BagContext string
	Answers    map[string]string
	// LibrarySeeds are library candidates passed as context; when present
	// the enricher's results are tagged library+ai instead of ai.
	LibrarySeeds []CandidateProduct
	ForceAI      bool
}

// EnrichmentResult is the AI-text tier output.
type EnrichmentResult struct {
	Suggestions []CandidateProduct
	Questions   []ClarificationQuestion
	Tier        SourceTier
	Learning    *LearningSignal
}

// Enricher is the AI-text tier.
type Enricher interface {
	Enrich(ctx context.Context, req EnrichmentRequest) (*EnrichmentResult, error)
}

// PhotoResolver runs the vision pipeline for photo queries. Its terminal
// candidates are tagged vision.
type PhotoResolver interface {
	ResolvePhoto(ctx context.Context, query SearchQuery) (*Resolution, error)
}

// Resolver escalates a query through library, AI-text and vision tiers.
type Resolver struct {
	library   LibrarySearcher
	enricher  Enricher
	photos    PhotoResolver
	threshold int
}

func NewResolver(library LibrarySearcher, enricher Enricher, photos PhotoResolver) *Resolver {
	return &Resolver{
		library:   library,
		enricher:  enricher,
		photos:    photos,
		threshold: DefaultEscalationThreshold,
	}
}

// WithThreshold overrides the library short-circuit threshold.
func (r *Resolver) WithThreshold(threshold int) *Resolver {
	r.threshold = threshold
	return r
}

// Resolve runs one tier resolution for a query. Tier failures are never
// fatal: they degrade the result to the fallback tier with a best-effort
// candidate set and a soft, user-visible message. The returned tier never
// downgrades below query.PriorTier.
func (r *Resolver) Resolve(ctx context.Context, query SearchQuery, forceEscalate bool) (*Resolution, error) {
	if query.Kind == KindPhoto {
		if r.photos == nil {
			return nil, errors.New("no photo resolver configured")
		}
		return r.photos.ResolvePhoto(ctx, query)
	}

	// Empty input retracts the query and clears prior clarification state.
	if strings.TrimSpace(query.Raw) == "" {
		return &Resolution{Retracted: true, Generation: query.Generation}, nil
	}

	var seeds []CandidateProduct
	if !forceEscalate {
		libCandidates, err := r.library.Search(ctx, query.Raw, 5)
		if err != nil {
			log.Warn().Err(err).Str("query", query.Raw).Msg("library tier failed, escalating")
		} else if len(libCandidates) > 0 {
			clampAll(libCandidates, TierLibrary)
			if libCandidates[0].Confidence > r.threshold {
				return &Resolution{
					Candidates: libCandidates,
					TierUsed:   EscalateTier(query.PriorTier, TierLibrary),
					Generation: query.Generation,
				}, nil
			}
			seeds = libCandidates
		}
	}

	result, err := r.enricher.Enrich(ctx, EnrichmentRequest{
		UserInput:    query.Raw,
		BagContext:   query.BagContext,
		Answers:      query.Answers,
		LibrarySeeds: seeds,
		ForceAI:      forceEscalate,
	})
	if err != nil {
		log.Error().Err(err).Str("query", query.Raw).Msg("enrichment tier failed")
		// Degrade to fallback with whatever the library produced.
		clampAll(seeds, TierFallback)
		return &Resolution{
			Candidates: seeds,
			TierUsed:   EscalateTier(query.PriorTier, TierFallback),
			Generation: query.Generation,
			SoftError:  "Identification is temporarily unavailable, showing cached matches only.",
		}, nil
	}

	tier := result.Tier
	if tier == "" {
		if len(seeds) > 0 {
			tier = TierLibraryAI
		} else {
			tier = TierAI
		}
	}
	clampAll(result.Suggestions, tier)

	return &Resolution{
		Candidates: result.Suggestions,
		Questions:  result.Questions,
		TierUsed:   EscalateTier(query.PriorTier, tier),
		Generation: query.Generation,
		Learning:   result.Learning,
	}, nil
}

func clampAll(candidates []CandidateProduct, tier SourceTier) {
	for i := range candidates {
		candidates[i].Confidence = ClampConfidence(candidates[i].Confidence)
		candidates[i].SourceTier = tier
		for j := range candidates[i].Alternatives {
			candidates[i].Alternatives[j].Confidence = ClampConfidence(candidates[i].Alternatives[j].Confidence)
		}
	}
}
