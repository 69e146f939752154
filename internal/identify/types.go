package identify

// QueryKind classifies what a raw user input is.
type QueryKind string

const (
	KindText  QueryKind = "text"
	KindURL   QueryKind = "url"
	KindPhoto QueryKind = "photo"
)

// SourceTier identifies which identification strategy produced a candidate.
// Tiers are ordered by escalation cost: library is cheapest, vision most
// expensive. Fallback and error are terminal degradations, not strategies.
type SourceTier string

const (
	TierLibrary   SourceTier = "library"
	TierLibraryAI SourceTier = "library+ai"
	TierAI        SourceTier = "ai"
	TierVision    SourceTier = "vision"
	TierFallback  SourceTier = "fallback"
	TierError     SourceTier = "error"
)

// tierRank orders tiers for the escalation invariant: within one query's
// lifecycle a result tier never moves down this ordering.
func tierRank(t SourceTier) int {
	switch t {
	case TierLibrary:
		return 1
	case TierLibraryAI:
		return 2
	case TierAI:
		return 3
	case TierVision:
		return 4
	case TierFallback:
		return 5
	case TierError:
		return 6
	default:
		return 0
	}
}

// EscalateTier returns the higher of two tiers so a query's tier tag never
// silently downgrades across re-resolutions.
func EscalateTier(prev, next SourceTier) SourceTier {
	if tierRank(prev) > tierRank(next) {
		return prev
	}
	return next
}

// SearchQuery is one identification request. It is immutable once issued;
// a newer query for the same input slot supersedes it via Generation.
type SearchQuery struct {
	Raw        string
	Kind       QueryKind
	Hint       string            // accompanying text demoted to a hint for photo queries
	BagContext string            // e.g. "golf", biases identification
	Answers    map[string]string // accumulated clarification answers, keyed by question ID
	Image      []byte            // set only for Kind == KindPhoto
	Generation uint64            // monotonic, assigned by the Debouncer
	PriorTier  SourceTier        // highest tier already used in this query's lifecycle
}

// ValidationVerdict is the advisory cross-check result for a vision
// candidate. It is a UI signal only and never excludes a candidate.
type ValidationVerdict string

const (
	VerdictVerified   ValidationVerdict = "verified"
	VerdictUnverified ValidationVerdict = "unverified"
	VerdictMismatch   ValidationVerdict = "mismatch"
)

// Alternative is a lower-ranked guess attached to a candidate.
type Alternative struct {
	Name       string
	Brand      string
	Confidence int
	Reason     string
}

// CandidateProduct is an unconfirmed, scored product guess produced by a
// tier. Confidence is producer-supplied and clamped to [0,100], never
// independently verified.
type CandidateProduct struct {
	Name            string
	Brand           string
	Category        string
	Description     string
	Confidence      int
	SourceTier      SourceTier
	ImageCandidates []string // ordered by preference
	Specs           []string
	Alternatives    []Alternative

	// Vision-only fields.
	SourceCrop []byte
	Verdict    ValidationVerdict
}

// ClampConfidence forces a producer-supplied score into [0,100].
func ClampConfidence(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// ConfidenceBand buckets a score for display.
type ConfidenceBand string

const (
	BandStrong  ConfidenceBand = "strong"
	BandGood    ConfidenceBand = "good"
	BandMinimal ConfidenceBand = "minimal"
)

// BandFor is a pure function of the confidence score.
func BandFor(confidence int) ConfidenceBand {
	switch {
	case confidence >= 90:
		return BandStrong
	case confidence >= 70:
		return BandGood
	default:
		return BandMinimal
	}
}

// ClarificationQuestion is a structured question used to disambiguate
// low-confidence results. A question set belongs to exactly one
// resolution result.
type ClarificationQuestion struct {
	ID      string
	Prompt  string
	Options []string
}

// LearningSignal indicates the enrichment backend wants the accepted
// candidate recorded into the library so future lookups stay cheap.
type LearningSignal struct {
	IsLearning bool
	Message    string
}

// Resolution is the outcome of resolving one SearchQuery.
type Resolution struct {
	Candidates []CandidateProduct
	Questions  []ClarificationQuestion
	TierUsed   SourceTier
	Generation uint64
	Retracted  bool // empty input: clear prior suggestions and clarification state
	Learning   *LearningSignal

	// SoftError carries a user-visible message when a tier failed and the
	// resolution degraded to fallback. It is never fatal to the flow.
	SoftError string
}

// ClarificationNeeded reports whether this resolution should open a
// clarification dialogue.
func (r *Resolution) ClarificationNeeded() bool {
	return len(r.Questions) > 0
}
