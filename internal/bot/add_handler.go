package bot

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/raine/telegram-bag-bot/internal/identify"
	"github.com/rs/zerolog/log"
)

// AddHandler drives the text/URL identification flow: debounced tier
// resolution, suggestion rendering, clarification dialogue and selection.
type AddHandler struct {
	tg       BotAPI
	resolver *identify.Resolver
}

func NewAddHandler(tg BotAPI, resolver *identify.Resolver) *AddHandler {
	return &AddHandler{tg: tg, resolver: resolver}
}

// HandleText takes a raw text message as a new identification input. The
// resolution itself fires only after the debounce delay; typing again
// before that supersedes this input.
func (h *AddHandler) HandleText(ctx context.Context, session *UserSession, text string) {
	cls := identify.Classify(text, false)
	if cls.Inert {
		// Too short to act on; issue no query.
		return
	}

	// A new input supersedes the previous one entirely.
	session.slot.reset()
	session.slot.lastQuery = identify.SearchQuery{
		Raw:        cls.Normalized,
		Kind:       cls.Kind,
		BagContext: session.prefs.BagType,
	}

	session.slot.debouncer.Trigger(func(gen uint64) {
		session.Send(SessionMessage{Type: "debounce_fire", DebounceGen: gen})
	})
}

// HandleDebounceFire issues the tier resolution for a settled input.
func (h *AddHandler) HandleDebounceFire(ctx context.Context, session *UserSession, gen uint64) {
	if !session.slot.debouncer.IsCurrent(gen) {
		return
	}
	h.startResolution(session, gen, false)
}

// HandleRetry re-issues the current query with forced AI escalation.
func (h *AddHandler) HandleRetry(ctx context.Context, session *UserSession) {
	if session.slot.lastQuery.Raw == "" {
		session.reply(MsgNothingToDo)
		return
	}
	gen := session.slot.debouncer.Bump()
	h.startResolution(session, gen, true)
}

// startResolution launches the tier resolution in the background and
// posts the result back to the session worker. Worker-only.
func (h *AddHandler) startResolution(session *UserSession, gen uint64, forceEscalate bool) {
	query := session.slot.lastQuery
	query.Generation = gen
	query.Answers = session.slot.clarifier.Answers()
	if session.slot.resolution != nil {
		query.PriorTier = session.slot.resolution.TierUsed
	}

	if session.slot.statusMsgID == 0 {
		if sent, err := session.replyWithMessage(MsgIdentifying); err == nil {
			session.slot.statusMsgID = sent.MessageID
		}
	} else {
		session.editMessage(session.slot.statusMsgID, MsgIdentifying)
	}

	if session.slot.cancelResolve != nil {
		session.slot.cancelResolve()
	}
	rctx, cancel := context.WithCancel(session.ctx)
	session.slot.cancelResolve = cancel

	go func() {
		resolution, err := h.resolver.Resolve(rctx, query, forceEscalate)
		if err != nil {
			log.Error().Err(err).Str("query", query.Raw).Msg("resolution failed")
			return
		}
		session.Send(SessionMessage{Type: "resolution", Resolution: resolution, DebounceGen: gen})
	}()
}

// ApplyResolution renders a resolution that survived the generation
// check. sourcePhotos and capturedPhoto are set for photo resolutions.
func (h *AddHandler) ApplyResolution(
	ctx context.Context,
	session *UserSession,
	resolution *identify.Resolution,
	sourcePhotos map[int][]byte,
	capturedPhoto []byte,
	commits *CommitHandler,
) {
	if resolution.Retracted {
		session.slot.reset()
		return
	}

	session.slot.resolution = resolution
	session.slot.selected = make(map[int]bool)
	if sourcePhotos != nil {
		session.slot.sourcePhotos = sourcePhotos
	}
	if capturedPhoto != nil {
		session.slot.capturedPhoto = capturedPhoto
	}

	if resolution.SoftError != "" {
		session.reply(MsgSoftFailure, resolution.SoftError)
	}

	if len(resolution.Candidates) == 0 {
		if session.slot.statusMsgID != 0 {
			session.editMessage(session.slot.statusMsgID, MsgNoMatches)
			session.slot.statusMsgID = 0
		} else if resolution.SoftError == "" {
			session.reply(MsgNoMatches)
		}
		return
	}

	// Auto-accept: a single unambiguous suggestion at or above the
	// configured threshold commits without review. Disabled at 0.
	if threshold := session.prefs.AutoAcceptThreshold; threshold > 0 &&
		len(resolution.Candidates) == 1 &&
		!resolution.ClarificationNeeded() &&
		resolution.Candidates[0].Confidence >= threshold {
		session.slot.selected[0] = true
		session.reply(MsgSuggestionAccepted, resolution.Candidates[0].Name)
		commits.CommitSelected(ctx, session)
		return
	}

	h.renderSuggestions(session)

	if resolution.ClarificationNeeded() {
		session.slot.clarifier.Offer(resolution.Questions, resolution.Generation)
		h.renderClarification(session)
	}

	if resolution.Learning != nil && resolution.Learning.IsLearning {
		session.reply(MsgLearningNote, resolution.Learning.Message)
	}
}

// renderSuggestions draws (or redraws) the suggestion list with its
// selection keyboard. Worker-only.
func (h *AddHandler) renderSuggestions(session *UserSession) {
	resolution := session.slot.resolution
	var sb strings.Builder
	sb.WriteString(MsgSuggestionsHeader + "\n")

	minimal := false
	for i, candidate := range resolution.Candidates {
		sb.WriteString(fmt.Sprintf("\n%d. %s", i+1, formatCandidate(candidate)))
		if identify.BandFor(candidate.Confidence) == identify.BandMinimal {
			minimal = true
		}
		for _, alt := range candidate.Alternatives {
			sb.WriteString(fmt.Sprintf("\n    or: %s (%d%%)", alt.Name, alt.Confidence))
		}
	}
	if minimal {
		sb.WriteString("\n\n" + MsgMinimalMatch)
	}

	keyboard := h.suggestionKeyboard(session)
	if session.slot.statusMsgID != 0 {
		session.editMessageWithKeyboard(session.slot.statusMsgID, sb.String(), keyboard)
		session.slot.suggestionsMsgID = session.slot.statusMsgID
		session.slot.statusMsgID = 0
	} else if session.slot.suggestionsMsgID != 0 {
		session.editMessageWithKeyboard(session.slot.suggestionsMsgID, sb.String(), keyboard)
	} else {
		// The rendered list contains literal percent signs.
		if sent, err := session.replyWithKeyboard("%s", keyboard, sb.String()); err == nil {
			session.slot.suggestionsMsgID = sent.MessageID
		}
	}
}

// formatCandidate is a pure function of the candidate's confidence and
// tier: it decorates a suggestion line with its badge and band marker.
func formatCandidate(candidate identify.CandidateProduct) string {
	name := candidate.Name
	if candidate.Brand != "" && !strings.Contains(name, candidate.Brand) {
		name = candidate.Brand + " " + name
	}
	line := fmt.Sprintf("%s %s (%d%%) [%s]", bandIcon(identify.BandFor(candidate.Confidence)), name, candidate.Confidence, tierBadge(candidate.SourceTier))
	if candidate.Verdict == identify.VerdictMismatch {
		line += " ⚠️"
	}
	return line
}

func bandIcon(band identify.ConfidenceBand) string {
	switch band {
	case identify.BandStrong:
		return "🟢"
	case identify.BandGood:
		return "🟡"
	default:
		return "🔴"
	}
}

func tierBadge(tier identify.SourceTier) string {
	switch tier {
	case identify.TierLibrary:
		return "library"
	case identify.TierLibraryAI:
		return "library+AI"
	case identify.TierAI:
		return "AI"
	case identify.TierVision:
		return "photo"
	case identify.TierFallback:
		return "cached"
	default:
		return string(tier)
	}
}

func (h *AddHandler) suggestionKeyboard(session *UserSession) tgbotapi.InlineKeyboardMarkup {
	resolution := session.slot.resolution
	var rows [][]tgbotapi.InlineKeyboardButton

	var row []tgbotapi.InlineKeyboardButton
	for i := range resolution.Candidates {
		label := strconv.Itoa(i + 1)
		if session.slot.selected[i] {
			label = "☑️ " + label
		}
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(label, fmt.Sprintf("sel:toggle:%d", i)))
		if len(row) == 5 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}

	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("➕ Add selected", "sel:add"),
		tgbotapi.NewInlineKeyboardButtonData("🔄 Try AI", "sel:retry"),
	))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// renderClarification shows the offered question set as one message per
// question with answer buttons. Worker-only.
func (h *AddHandler) renderClarification(session *UserSession) {
	questions := session.slot.clarifier.Questions()
	if len(questions) == 0 {
		return
	}
	session.reply(MsgClarifyHeader)
	for _, q := range questions {
		var row []tgbotapi.InlineKeyboardButton
		for i, option := range q.Options {
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(option, fmt.Sprintf("clar:%s:%d", q.ID, i)))
		}
		keyboard := tgbotapi.NewInlineKeyboardMarkup(
			row,
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Skip questions", "clar:skip:0"),
			),
		)
		_, _ = session.replyWithKeyboard("%s", keyboard, q.Prompt)
	}
}

// HandleSelectionCallback processes sel:* callbacks.
func (h *AddHandler) HandleSelectionCallback(ctx context.Context, session *UserSession, parts []string, commits *CommitHandler) {
	if session.slot.resolution == nil {
		return
	}
	switch parts[0] {
	case "toggle":
		if len(parts) < 2 {
			return
		}
		idx, err := strconv.Atoi(parts[1])
		if err != nil || idx < 0 || idx >= len(session.slot.resolution.Candidates) {
			return
		}
		session.slot.selected[idx] = !session.slot.selected[idx]
		h.renderSuggestions(session)
	case "add":
		commits.CommitSelected(ctx, session)
	case "retry":
		h.HandleRetry(ctx, session)
	}
}

// HandleClarifyCallback processes clar:* callbacks. Answering the last
// open question triggers exactly one re-resolution with the merged
// answer map.
func (h *AddHandler) HandleClarifyCallback(ctx context.Context, session *UserSession, parts []string) {
	if parts[0] == "skip" {
		session.slot.clarifier.Dismiss()
		session.reply(MsgClarifyDismissed)
		return
	}

	if len(parts) < 2 {
		return
	}
	questionID := parts[0]
	optIdx, err := strconv.Atoi(parts[1])
	if err != nil {
		return
	}

	var answer string
	for _, q := range session.slot.clarifier.Questions() {
		if q.ID == questionID && optIdx >= 0 && optIdx < len(q.Options) {
			answer = q.Options[optIdx]
		}
	}
	if answer == "" {
		return
	}

	if session.slot.clarifier.Answer(questionID, answer) {
		gen := session.slot.debouncer.Bump()
		h.startResolution(session, gen, false)
	}
}

// sortedSelection returns the selected candidate indexes in submission
// order.
func sortedSelection(selected map[int]bool) []int {
	var indexes []int
	for idx, on := range selected {
		if on {
			indexes = append(indexes, idx)
		}
	}
	sort.Ints(indexes)
	return indexes
}
