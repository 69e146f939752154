package bot

import (
	"context"
	"errors"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/raine/telegram-bag-bot/internal/bag"
	"github.com/raine/telegram-bag-bot/internal/identify"
	"github.com/raine/telegram-bag-bot/internal/storage"
	"github.com/rs/zerolog/log"
)

// CommitResult carries a settled batch back to the session worker.
type CommitResult struct {
	Outcomes   []bag.Outcome
	Report     bag.Report
	TempIDs    []string
	Candidates []bag.Candidate
}

// CommitHandler turns approved candidates into bag items: optimistic
// summary rendering, the concurrent batch commit, reconciliation and the
// follow-up photo application.
type CommitHandler struct {
	tg     BotAPI
	store  storage.Store
	filler bag.DetailFiller
}

func NewCommitHandler(tg BotAPI, store storage.Store, filler bag.DetailFiller) *CommitHandler {
	return &CommitHandler{tg: tg, store: store, filler: filler}
}

// HandleAddCommand commits the current selection via the /add command.
func (h *CommitHandler) HandleAddCommand(ctx context.Context, session *UserSession) {
	h.CommitSelected(ctx, session)
}

// CommitSelected commits all selected candidates. Provisional entries
// appear in the bag summary immediately; the batch itself runs in the
// background and reconciles through a commit_settled message.
func (h *CommitHandler) CommitSelected(ctx context.Context, session *UserSession) {
	resolution := session.slot.resolution
	if resolution == nil {
		session.reply(MsgCommitNothingSelected)
		return
	}
	indexes := sortedSelection(session.slot.selected)
	if len(indexes) == 0 {
		session.reply(MsgCommitNothingSelected)
		return
	}
	if session.prefs.BagCode == "" {
		session.reply(MsgBagNotSet)
		return
	}
	if !session.isLoggedIn() {
		session.reply(MsgLoginRequired)
		return
	}

	candidates := make([]bag.Candidate, 0, len(indexes))
	tempIDs := make([]string, 0, len(indexes))
	for _, idx := range indexes {
		product := resolution.Candidates[idx]
		candidates = append(candidates, bag.Candidate{
			Product:     product,
			Quantity:    1,
			SourcePhoto: session.slot.sourcePhotos[idx],
		})
		tempID := session.collection.InsertProvisional(bag.Item{
			Name:        product.Name,
			Brand:       product.Brand,
			Description: product.Description,
			Quantity:    1,
		})
		tempIDs = append(tempIDs, tempID)
	}

	h.recordLearning(resolution, candidates)

	src := bag.SourceContext{
		BagCode:       session.prefs.BagCode,
		CapturedPhoto: session.slot.capturedPhoto,
	}

	h.RenderBagSummary(session, true)
	session.reply(MsgCommitStarted, pluralize("item", "items", len(candidates)))

	creator := bag.NewCreator(session.bagClient, h.filler)
	session.slot.reset()

	go func() {
		outcomes, report := creator.Commit(session.ctx, candidates, src)
		session.Send(SessionMessage{Type: "commit_settled", CommitResult: &CommitResult{
			Outcomes:   outcomes,
			Report:     report,
			TempIDs:    tempIDs,
			Candidates: candidates,
		}})
	}()
}

// recordLearning persists accepted candidates into the product library
// when the enrichment tier flagged the result as novel. Failures are
// logged only.
func (h *CommitHandler) recordLearning(resolution *identify.Resolution, candidates []bag.Candidate) {
	if resolution.Learning == nil || !resolution.Learning.IsLearning {
		return
	}
	for _, candidate := range candidates {
		err := h.store.RecordProduct(storage.LibraryProduct{
			Name:        candidate.Product.Name,
			Brand:       candidate.Product.Brand,
			Category:    candidate.Product.Category,
			Description: candidate.Product.Description,
			Specs:       candidate.Product.Specs,
			ImageURLs:   candidate.Product.ImageCandidates,
			Keywords:    strings.ToLower(candidate.Product.Category),
		})
		if err != nil {
			log.Warn().Err(err).Str("name", candidate.Product.Name).Msg("failed to record learned product")
		}
	}
}

// HandleCommitSettled reconciles every provisional entry against its
// outcome, re-renders the summary and reports the batch result.
func (h *CommitHandler) HandleCommitSettled(ctx context.Context, session *UserSession, result *CommitResult) {
	if result == nil {
		return
	}

	for i, outcome := range result.Outcomes {
		var item *bag.Item
		if outcome.Succeeded {
			item = outcome.Item
		}
		err := session.collection.Reconcile(result.TempIDs[i], item, outcome.Err)
		var rollback *bag.OptimisticRollbackError
		if errors.As(err, &rollback) {
			session.reply(MsgCommitRolledBack, result.Candidates[i].Product.Name)
		} else if err != nil {
			log.Error().Err(err).Str("tempId", result.TempIDs[i]).Msg("reconciliation failed")
		}
	}

	h.RenderBagSummary(session, false)

	report := result.Report
	switch {
	case report.FailedCount == 0:
		h.replyWithPhotoOffer(session, result, formatReplyText(MsgCommitAllOk, pluralize("item", "items", report.SucceededCount)))
	case report.SucceededCount == 0:
		session.reply(MsgCommitAllFailed, report.Err(result.Outcomes))
	default:
		h.replyWithPhotoOffer(session, result, formatReplyText(MsgCommitPartial, report.SucceededCount, report.FailedCount))
	}

	session.lastCommit = result
}

// replyWithPhotoOffer appends an "apply catalog photos" button when some
// created items ended up without a photo but have external candidates.
func (h *CommitHandler) replyWithPhotoOffer(session *UserSession, result *CommitResult, text string) {
	if len(h.pendingPhotoSelections(result)) == 0 {
		session.reply("%s", text)
		return
	}
	keyboard := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("🖼 Apply catalog photos", "sel:photos"),
	))
	_, _ = session.replyWithKeyboard("%s", keyboard, text)
}

// pendingPhotoSelections pairs photo-less created items with their best
// external image candidate.
func (h *CommitHandler) pendingPhotoSelections(result *CommitResult) []bag.PhotoSelection {
	var selections []bag.PhotoSelection
	for i, outcome := range result.Outcomes {
		if !outcome.Succeeded || outcome.PhotoAttached {
			continue
		}
		images := result.Candidates[i].Product.ImageCandidates
		if len(images) == 0 {
			continue
		}
		selections = append(selections, bag.PhotoSelection{
			ItemID:   outcome.Item.ID,
			ImageURL: images[0],
		})
	}
	return selections
}

// HandleApplyPhotosCallback launches the batch photo application for the
// last settled commit.
func (h *CommitHandler) HandleApplyPhotosCallback(ctx context.Context, session *UserSession) {
	result := session.lastCommit
	if result == nil || !session.isLoggedIn() {
		return
	}
	selections := h.pendingPhotoSelections(result)
	if len(selections) == 0 {
		return
	}

	client := session.bagClient
	go func() {
		results := client.ApplyPhotos(session.ctx, selections)
		session.Send(SessionMessage{Type: "photos_applied", PhotoResults: results})
	}()
}

// HandlePhotosApplied folds per-entry photo results into the local
// collection: successes update their item, failures leave theirs
// untouched.
func (h *CommitHandler) HandlePhotosApplied(session *UserSession, results []bag.PhotoApplyResult) {
	succeeded, failed := 0, 0
	for _, result := range results {
		if result.Err != nil {
			failed++
			continue
		}
		succeeded++
		session.collection.ApplyPhotoURL(result.ItemID, result.PhotoURL)
	}
	h.RenderBagSummary(session, false)
	session.reply(MsgPhotosApplied, succeeded, failed)
}

// RenderBagSummary redraws the live bag summary message. With create set,
// a missing summary message is sent fresh.
func (h *CommitHandler) RenderBagSummary(session *UserSession, create bool) {
	items := session.collection.Items()
	var sb strings.Builder

	if len(items) == 0 {
		sb.WriteString(MsgBagEmpty)
	} else {
		bagCode := session.prefs.BagCode
		if bagCode == "" {
			bagCode = "unset"
		}
		sb.WriteString(formatReplyText(MsgBagSummaryHeader, bagCode))
		for _, item := range items {
			name := item.Name
			if item.Brand != "" && !strings.Contains(name, item.Brand) {
				name = item.Brand + " " + name
			}
			switch {
			case item.Pending:
				sb.WriteString(formatReplyText(MsgBagSummaryPending, name) + "\n")
			case item.PhotoURL != "":
				sb.WriteString(formatReplyText(MsgBagSummaryWithPhoto, name) + "\n")
			default:
				sb.WriteString(formatReplyText(MsgBagSummaryItem, name) + "\n")
			}
		}
	}

	if session.bagSummaryMsgID != 0 {
		session.editMessage(session.bagSummaryMsgID, sb.String())
		return
	}
	if !create {
		return
	}
	if sent, err := session.replyWithMessage("%s", sb.String()); err == nil {
		session.bagSummaryMsgID = sent.MessageID
	}
}
