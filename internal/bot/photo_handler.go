package bot

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/raine/telegram-bag-bot/internal/identify"
	"github.com/rs/zerolog/log"
)

// PhotoHandler drives photo-based identification: album buffering, the
// staged pipeline with live progress edits, and handing the terminal
// candidates to the same selection flow text queries use.
type PhotoHandler struct {
	tg            BotAPI
	identifier    identify.PhotoIdentifier
	advisoryDelay time.Duration
}

func NewPhotoHandler(tg BotAPI, identifier identify.PhotoIdentifier, advisoryDelay time.Duration) *PhotoHandler {
	return &PhotoHandler{tg: tg, identifier: identifier, advisoryDelay: advisoryDelay}
}

// HandlePhoto processes an incoming photo message. Album photos are
// buffered until the media group settles; single photos start
// identification immediately.
func (h *PhotoHandler) HandlePhoto(ctx context.Context, session *UserSession, message *tgbotapi.Message) {
	photo := largestPhoto(message.Photo)
	caption := message.Caption

	if message.MediaGroupID != "" {
		session.bufferAlbumPhoto(message.MediaGroupID, albumPhoto{FileID: photo.FileID, Caption: caption})
		return
	}

	h.startPhotoResolution(session, []albumPhoto{{FileID: photo.FileID, Caption: caption}})
}

// ProcessAlbumTimeout runs identification over a settled album.
func (h *PhotoHandler) ProcessAlbumTimeout(ctx context.Context, session *UserSession) {
	photos := session.takeAlbum()
	if len(photos) == 0 {
		return
	}
	h.startPhotoResolution(session, photos)
}

// startPhotoResolution supersedes any current input and launches the
// pipeline in the background. Worker-only.
func (h *PhotoHandler) startPhotoResolution(session *UserSession, photos []albumPhoto) {
	session.slot.reset()
	gen := session.slot.debouncer.Bump()

	var hint string
	for _, photo := range photos {
		if photo.Caption != "" {
			hint = photo.Caption
			break
		}
	}
	session.slot.lastQuery = identify.SearchQuery{
		Kind:       identify.KindPhoto,
		Hint:       hint,
		BagContext: session.prefs.BagType,
	}

	if sent, err := session.replyWithMessage(MsgPipelineScanning); err == nil {
		session.slot.statusMsgID = sent.MessageID
	}

	rctx, cancel := context.WithCancel(session.ctx)
	session.slot.cancelResolve = cancel

	bagType := session.prefs.BagType
	getFileDirectURL := h.tg.GetFileDirectURL

	go func() {
		merged := &identify.Resolution{TierUsed: identify.TierVision, Generation: gen}
		sourcePhotos := make(map[int][]byte)
		var capturedPhoto []byte

		for i, photo := range photos {
			note := ""
			if len(photos) > 1 {
				note = fmt.Sprintf(MsgPhotoNthOfBatch, i+1, len(photos))
			}

			data, err := downloadTelegramPhoto(rctx, getFileDirectURL, photo.FileID)
			if err != nil {
				log.Error().Err(err).Str("fileID", photo.FileID).Msg("photo download failed")
				merged.SoftError = "Could not download the photo from Telegram."
				continue
			}
			if len(photos) == 1 {
				capturedPhoto = data
			}

			runner := identify.NewPipelineRunner(h.identifier, func(update identify.StageUpdate) {
				u := update
				session.Send(SessionMessage{
					Type:         "pipeline_update",
					StageUpdate:  &u,
					PipelineNote: note,
					DebounceGen:  gen,
				})
			})
			if h.advisoryDelay > 0 {
				runner.WithAdvisoryDelay(h.advisoryDelay)
			}

			resolution, err := runner.ResolvePhoto(rctx, identify.SearchQuery{
				Raw:        photo.Caption,
				Kind:       identify.KindPhoto,
				Hint:       hint,
				BagContext: bagType,
				Image:      data,
				Generation: gen,
			})
			if err != nil {
				log.Error().Err(err).Msg("photo resolution failed")
				continue
			}
			if resolution.SoftError != "" {
				merged.SoftError = resolution.SoftError
			}
			for _, candidate := range resolution.Candidates {
				sourcePhotos[len(merged.Candidates)] = data
				merged.Candidates = append(merged.Candidates, candidate)
			}
		}

		session.Send(SessionMessage{
			Type:          "resolution",
			Resolution:    merged,
			DebounceGen:   gen,
			SourcePhotos:  sourcePhotos,
			CapturedPhoto: capturedPhoto,
		})
	}()
}

// HandleStageUpdate renders pipeline progress by editing the status
// message in place. Stale generations are dropped.
func (h *PhotoHandler) HandleStageUpdate(session *UserSession, msg SessionMessage) {
	update := msg.StageUpdate
	if update == nil || session.slot.statusMsgID == 0 {
		return
	}
	if !session.slot.debouncer.IsCurrent(msg.DebounceGen) {
		return
	}

	var text string
	switch update.Stage {
	case identify.StageScanning:
		text = MsgPipelineScanning
	case identify.StageIdentifying:
		text = MsgPipelineIdentifying
	case identify.StageValidating:
		text = MsgPipelineValidating
	case identify.StageComplete:
		partialNote := ""
		if update.Partial {
			partialNote = MsgPipelinePartialNote
		}
		text = fmt.Sprintf(MsgPipelineComplete,
			update.Counts.Detected, update.Counts.Identified, update.Counts.Verified, partialNote)
	case identify.StageError:
		text = fmt.Sprintf(MsgPipelineFailed, update.Err)
	default:
		return
	}

	session.editMessage(session.slot.statusMsgID, msg.PipelineNote+text)
}
