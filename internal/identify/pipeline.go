package identify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// PipelineStage is one phase of the photo identification pipeline.
type PipelineStage int

const (
	StageIdle PipelineStage = iota
	StageScanning
	StageIdentifying
	StageValidating
	StageComplete
	StageError
)

func (s PipelineStage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageScanning:
		return "scanning"
	case StageIdentifying:
		return "identifying"
	case StageValidating:
		return "validating"
	case StageComplete:
		return "complete"
	case StageError:
		return "error"
	default:
		return "unknown"
	}
}

// StageCounts are the per-stage item counters carried on transitions.
type StageCounts struct {
	Detected   int
	Identified int
	Verified   int
}

// StageUpdate is delivered to the tracker's observer on every transition.
// Advisory is set for transitions driven by timers while the single
// identification call is still in flight; such updates approximate
// progress and must not be read as proof of backend stage completion.
type StageUpdate struct {
	Stage    PipelineStage
	Counts   StageCounts
	Partial  bool
	Advisory bool
	Err      error
}

// Tracker enforces the pipeline stage machine: idle, scanning,
// identifying, validating, complete. Transitions are forward-only with no
// skipping; error is reachable from any non-terminal stage. Observers see
// every transition the instant it occurs.
type Tracker struct {
	mu       sync.Mutex
	stage    PipelineStage
	counts   StageCounts
	partial  bool
	observer func(StageUpdate)
}

func NewTracker(observer func(StageUpdate)) *Tracker {
	return &Tracker{stage: StageIdle, observer: observer}
}

func (t *Tracker) Stage() PipelineStage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stage
}

func (t *Tracker) Counts() StageCounts {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts
}

// Advance moves to the next working stage. Backward moves and stage
// skipping are rejected.
func (t *Tracker) Advance(next PipelineStage, counts StageCounts) error {
	return t.advance(next, counts, false)
}

// AdvanceAdvisory is Advance for timer-driven approximations; the observer
// sees the update flagged as advisory. A rejected advisory advance (the
// real result already moved the machine past it) is not an error for the
// caller.
func (t *Tracker) AdvanceAdvisory(next PipelineStage, counts StageCounts) {
	_ = t.advance(next, counts, true)
}

func (t *Tracker) advance(next PipelineStage, counts StageCounts, advisory bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stage == StageComplete || t.stage == StageError {
		return fmt.Errorf("pipeline already terminal in stage %s", t.stage)
	}
	if next != t.stage+1 || next > StageValidating {
		return fmt.Errorf("invalid transition %s -> %s", t.stage, next)
	}
	t.stage = next
	t.counts = counts
	t.notify(StageUpdate{Stage: next, Counts: counts, Advisory: advisory})
	return nil
}

// Complete terminates the pipeline with final counts. Any stage not yet
// passed is walked through first so observers never see a skip, and
// partial marks a run where validation could not cover every item.
func (t *Tracker) Complete(counts StageCounts, partial bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stage == StageComplete || t.stage == StageError {
		return fmt.Errorf("pipeline already terminal in stage %s", t.stage)
	}
	for s := t.stage + 1; s <= StageValidating; s++ {
		t.stage = s
		t.notify(StageUpdate{Stage: s, Counts: counts})
	}
	t.stage = StageComplete
	t.counts = counts
	t.partial = partial
	t.notify(StageUpdate{Stage: StageComplete, Counts: counts, Partial: partial})
	return nil
}

// Fail terminates the pipeline in the error stage.
func (t *Tracker) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stage == StageComplete || t.stage == StageError {
		return
	}
	t.stage = StageError
	t.notify(StageUpdate{Stage: StageError, Counts: t.counts, Err: err})
}

func (t *Tracker) notify(u StageUpdate) {
	if t.observer != nil {
		t.observer(u)
	}
}

// PhotoIdentification is the terminal result of the single identification
// call behind the pipeline.
type PhotoIdentification struct {
	Products        []CandidateProduct
	Counts          StageCounts
	StageTimings    map[string]time.Duration
	Partial         bool
	TotalConfidence int
	ProcessingTime  time.Duration
}

// PhotoIdentifier performs the actual vision identification.
type PhotoIdentifier interface {
	Identify(ctx context.Context, image []byte, bagType string) (*PhotoIdentification, error)
}

// defaultAdvisoryDelay paces the approximated stage progress shown while
// the identification call is in flight.
const defaultAdvisoryDelay = 2 * time.Second

// PipelineRunner resolves photo queries: it drives a Tracker through the
// stage machine around one identification call, pacing the intermediate
// stages with advisory timers because the backend reports no incremental
// progress.
type PipelineRunner struct {
	identifier    PhotoIdentifier
	observer      func(StageUpdate)
	advisoryDelay time.Duration
}

func NewPipelineRunner(identifier PhotoIdentifier, observer func(StageUpdate)) *PipelineRunner {
	return &PipelineRunner{
		identifier:    identifier,
		observer:      observer,
		advisoryDelay: defaultAdvisoryDelay,
	}
}

// WithAdvisoryDelay overrides the advisory pacing, mainly for tests.
func (p *PipelineRunner) WithAdvisoryDelay(d time.Duration) *PipelineRunner {
	p.advisoryDelay = d
	return p
}

// ResolvePhoto runs the pipeline for one photo query. Identification
// failures terminate the tracker in the error stage and degrade the
// resolution to a soft failure; they are never fatal to the flow.
func (p *PipelineRunner) ResolvePhoto(ctx context.Context, query SearchQuery) (*Resolution, error) {
	tracker := NewTracker(p.observer)
	if err := tracker.Advance(StageScanning, StageCounts{}); err != nil {
		return nil, err
	}

	t1 := time.AfterFunc(p.advisoryDelay, func() {
		tracker.AdvanceAdvisory(StageIdentifying, tracker.Counts())
	})
	t2 := time.AfterFunc(2*p.advisoryDelay, func() {
		tracker.AdvanceAdvisory(StageValidating, tracker.Counts())
	})
	defer t1.Stop()
	defer t2.Stop()

	result, err := p.identifier.Identify(ctx, query.Image, query.BagContext)
	if err != nil {
		tracker.Fail(err)
		log.Error().Err(err).Uint64("generation", query.Generation).Msg("photo identification failed")
		return &Resolution{
			TierUsed:   EscalateTier(query.PriorTier, TierError),
			Generation: query.Generation,
			SoftError:  "Photo identification failed, try another photo or type the item name.",
		}, nil
	}

	if err := tracker.Complete(result.Counts, result.Partial); err != nil {
		return nil, err
	}

	candidates := result.Products
	for i := range candidates {
		candidates[i].Confidence = ClampConfidence(candidates[i].Confidence)
		candidates[i].SourceTier = TierVision
		if candidates[i].Verdict == "" {
			candidates[i].Verdict = VerdictUnverified
		}
	}

	log.Info().
		Int("detected", result.Counts.Detected).
		Int("identified", result.Counts.Identified).
		Int("verified", result.Counts.Verified).
		Bool("partial", result.Partial).
		Dur("processingTime", result.ProcessingTime).
		Msg("photo pipeline complete")

	return &Resolution{
		Candidates: candidates,
		TierUsed:   EscalateTier(query.PriorTier, TierVision),
		Generation: query.Generation,
	}, nil
}
