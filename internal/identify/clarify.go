package identify

// ClarifyState is the clarification dialogue state for one input slot.
type ClarifyState int

const (
	StateNoQuestions ClarifyState = iota
	StateOffered
	StateAnswering
	StateAnswered
	StateDismissed
)

func (s ClarifyState) String() string {
	switch s {
	case StateNoQuestions:
		return "no_questions"
	case StateOffered:
		return "offered"
	case StateAnswering:
		return "answering"
	case StateAnswered:
		return "answered"
	case StateDismissed:
		return "dismissed"
	default:
		return "unknown"
	}
}

// Clarifier tracks one clarification dialogue. A question set belongs to
// exactly one resolution result; answering every question triggers exactly
// one re-resolution carrying the accumulated answer map. A dismissed set
// is never re-shown, and a newer query resets everything.
//
// Not safe for concurrent use; callers own it from a single goroutine.
type Clarifier struct {
	state      ClarifyState
	questions  []ClarificationQuestion
	answers    map[string]string
	generation uint64 // generation of the resolution that offered the set
}

func NewClarifier() *Clarifier {
	return &Clarifier{answers: make(map[string]string)}
}

func (c *Clarifier) State() ClarifyState { return c.state }

// Questions returns the currently offered set, nil when none is active.
func (c *Clarifier) Questions() []ClarificationQuestion {
	if c.state == StateOffered || c.state == StateAnswering {
		return c.questions
	}
	return nil
}

// Offer installs a question set from a resolution. It is a no-op when the
// set is empty or when the previous set for this result was dismissed and
// the generation has not moved on.
func (c *Clarifier) Offer(questions []ClarificationQuestion, generation uint64) {
	if len(questions) == 0 {
		return
	}
	if c.state == StateDismissed && generation == c.generation {
		return
	}
	c.state = StateOffered
	c.questions = questions
	c.generation = generation
}

// Answer records one answer. It returns true exactly once: when the last
// open question has been answered, which is the caller's cue to issue the
// single re-resolution.
func (c *Clarifier) Answer(questionID, answer string) bool {
	if c.state != StateOffered && c.state != StateAnswering {
		return false
	}
	if !c.hasQuestion(questionID) {
		return false
	}
	c.answers[questionID] = answer
	c.state = StateAnswering

	for _, q := range c.questions {
		if _, ok := c.answers[q.ID]; !ok {
			return false
		}
	}
	c.state = StateAnswered
	return true
}

// Dismiss drops the offered set without answering. The same set will not
// be re-shown.
func (c *Clarifier) Dismiss() {
	if c.state == StateOffered || c.state == StateAnswering {
		c.state = StateDismissed
		c.questions = nil
	}
}

// Reset returns to NoQuestions for a new query. Accumulated answers are
// discarded together with the superseded question set.
func (c *Clarifier) Reset() {
	c.state = StateNoQuestions
	c.questions = nil
	c.answers = make(map[string]string)
	c.generation = 0
}

// Answers returns a copy of the accumulated answer map, merged across
// partial answering rounds for the same logical query.
func (c *Clarifier) Answers() map[string]string {
	out := make(map[string]string, len(c.answers))
	for k, v := range c.answers {
		out[k] = v
	}
	return out
}

func (c *Clarifier) hasQuestion(id string) bool {
	for _, q := range c.questions {
		if q.ID == id {
			return true
		}
	}
	return false
}
