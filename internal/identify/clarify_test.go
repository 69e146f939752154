package identify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func twoQuestions() []ClarificationQuestion {
	return []ClarificationQuestion{
		{ID: "hand", Prompt: "Left or right handed?", Options: []string{"Left", "Right"}},
		{ID: "flex", Prompt: "Shaft flex?", Options: []string{"Regular", "Stiff"}},
	}
}

func TestClarifier_AnswerAllTriggersExactlyOnce(t *testing.T) {
	c := NewClarifier()
	c.Offer(twoQuestions(), 1)
	assert.Equal(t, StateOffered, c.State())

	assert.False(t, c.Answer("hand", "Right"), "first answer must not complete the set")
	assert.Equal(t, StateAnswering, c.State())

	assert.True(t, c.Answer("flex", "Stiff"), "last answer completes the set")
	assert.Equal(t, StateAnswered, c.State())

	// Re-answering an already-complete set never triggers again.
	assert.False(t, c.Answer("flex", "Regular"))

	assert.Equal(t, map[string]string{"hand": "Right", "flex": "Stiff"}, c.Answers())
}

func TestClarifier_AnswersMergeAcrossRounds(t *testing.T) {
	c := NewClarifier()
	c.Offer(twoQuestions(), 1)
	c.Answer("hand", "Left")
	c.Answer("flex", "Regular")

	// The re-resolution produced a narrower follow-up question.
	c.Offer([]ClarificationQuestion{
		{ID: "loft", Prompt: "Loft?", Options: []string{"9", "10.5"}},
	}, 2)

	assert.True(t, c.Answer("loft", "10.5"))
	assert.Equal(t, map[string]string{"hand": "Left", "flex": "Regular", "loft": "10.5"}, c.Answers())
}

func TestClarifier_DismissedSetNotReshown(t *testing.T) {
	c := NewClarifier()
	c.Offer(twoQuestions(), 3)
	c.Dismiss()
	assert.Equal(t, StateDismissed, c.State())
	assert.Nil(t, c.Questions())

	// Same resolution result offering again is ignored.
	c.Offer(twoQuestions(), 3)
	assert.Equal(t, StateDismissed, c.State())

	// A newer resolution may offer a fresh set.
	c.Offer(twoQuestions(), 4)
	assert.Equal(t, StateOffered, c.State())
}

func TestClarifier_AnswerIgnoredWithoutOffer(t *testing.T) {
	c := NewClarifier()
	assert.False(t, c.Answer("hand", "Right"))
	assert.Empty(t, c.Answers())
}

func TestClarifier_UnknownQuestionIgnored(t *testing.T) {
	c := NewClarifier()
	c.Offer(twoQuestions(), 1)
	assert.False(t, c.Answer("nonexistent", "x"))
	assert.Empty(t, c.Answers())
	assert.Equal(t, StateOffered, c.State())
}

func TestClarifier_EmptyOfferIsNoop(t *testing.T) {
	c := NewClarifier()
	c.Offer(nil, 1)
	assert.Equal(t, StateNoQuestions, c.State())
}

func TestClarifier_ResetClearsEverything(t *testing.T) {
	c := NewClarifier()
	c.Offer(twoQuestions(), 1)
	c.Answer("hand", "Left")
	c.Reset()

	assert.Equal(t, StateNoQuestions, c.State())
	assert.Empty(t, c.Answers())
	assert.Nil(t, c.Questions())
}
