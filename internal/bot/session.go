package bot

import (
	"context"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/raine/telegram-bag-bot/internal/bag"
	"github.com/raine/telegram-bag-bot/internal/identify"
	"github.com/raine/telegram-bag-bot/internal/storage"
	"github.com/rs/zerolog/log"
)

// SessionMessage is a message sent to a session worker for sequential
// processing. Type determines which payload fields are set.
type SessionMessage struct {
	Type string
	Ctx  context.Context
	// Done is closed when processing completes (used by SendSync).
	Done chan struct{}

	Message       *tgbotapi.Message
	CallbackQuery *tgbotapi.CallbackQuery

	DebounceGen  uint64
	Resolution   *identify.Resolution
	StageUpdate  *identify.StageUpdate
	PipelineNote string
	CommitResult *CommitResult
	PhotoResults []bag.PhotoApplyResult

	// Photo resolutions carry the images the candidates came from.
	SourcePhotos  map[int][]byte
	CapturedPhoto []byte
}

// MessageHandler processes session messages sequentially.
type MessageHandler interface {
	HandleSessionMessage(ctx context.Context, session *UserSession, msg SessionMessage)
}

// albumPhoto is one buffered photo from a Telegram media group.
type albumPhoto struct {
	FileID  string
	Caption string
}

// albumBuffer collects photos that arrive as an album so they can be
// processed as one batch once the group has settled.
type albumBuffer struct {
	MediaGroupID string
	Photos       []albumPhoto
	Timer        *time.Timer
}

const albumBufferTimeout = 1500 * time.Millisecond

// slotState is the identification state for the user's single logical
// input slot. A new input supersedes everything here.
type slotState struct {
	debouncer *identify.Debouncer
	clarifier *identify.Clarifier

	lastQuery  identify.SearchQuery
	resolution *identify.Resolution
	// selected marks candidate indexes approved for commit.
	selected map[int]bool
	// sourcePhotos ties candidate indexes to the photo they came from.
	sourcePhotos map[int][]byte
	// capturedPhoto is the original single photo, used as the item photo
	// for single-candidate commits.
	capturedPhoto []byte

	suggestionsMsgID int
	statusMsgID      int

	cancelResolve context.CancelFunc
}

// reset clears the slot for a new logical input. The debouncer survives:
// bumping it invalidates in-flight generations.
func (s *slotState) reset() {
	if s.cancelResolve != nil {
		s.cancelResolve()
		s.cancelResolve = nil
	}
	s.debouncer.Bump()
	s.clarifier.Reset()
	s.lastQuery = identify.SearchQuery{}
	s.resolution = nil
	s.selected = make(map[int]bool)
	s.sourcePhotos = make(map[int][]byte)
	s.capturedPhoto = nil
	s.suggestionsMsgID = 0
	s.statusMsgID = 0
}

// UserSession holds all state for one user. A dedicated worker goroutine
// consumes the inbox, so handlers access session state without locks; the
// mutex only guards the handler pointer and lifecycle fields touched from
// outside the worker.
type UserSession struct {
	userId int64
	sender BotAPI

	inbox   chan SessionMessage
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	handler MessageHandler

	// Worker-owned state below.
	prefs         *storage.UserPrefs
	bagClient     *bag.Client
	awaitingToken bool

	slot            slotState
	collection      *bag.Collection
	bagSummaryMsgID int
	lastCommit      *CommitResult
	album           *albumBuffer
}

func newUserSession(userId int64, sender BotAPI, debounce time.Duration) *UserSession {
	ctx, cancel := context.WithCancel(context.Background())
	session := &UserSession{
		userId: userId,
		sender: sender,
		inbox:  make(chan SessionMessage, 16),
		ctx:    ctx,
		cancel: cancel,
		slot: slotState{
			debouncer:    identify.NewDebouncer(debounce),
			clarifier:    identify.NewClarifier(),
			selected:     make(map[int]bool),
			sourcePhotos: make(map[int][]byte),
		},
		collection: bag.NewCollection(),
	}
	return session
}

// SetHandler sets the message handler. Must be called before StartWorker.
func (s *UserSession) SetHandler(handler MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// StartWorker starts the session's worker goroutine.
func (s *UserSession) StartWorker() {
	s.wg.Add(1)
	go s.runWorker()
}

func (s *UserSession) runWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			// Drain remaining messages so SendSync callers are released.
			for {
				select {
				case msg := <-s.inbox:
					if msg.Done != nil {
						close(msg.Done)
					}
				default:
					return
				}
			}
		case msg := <-s.inbox:
			s.processMessage(msg)
		}
	}
}

func (s *UserSession) processMessage(msg SessionMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Int64("userId", s.userId).
				Str("type", msg.Type).
				Msg("session worker recovered from panic")
		}
		if msg.Done != nil {
			close(msg.Done)
		}
	}()

	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()

	if handler == nil {
		log.Warn().Int64("userId", s.userId).Msg("no handler set, dropping message")
		return
	}

	ctx := msg.Ctx
	if ctx == nil {
		ctx = s.ctx
	}
	handler.HandleSessionMessage(ctx, s, msg)
}

// Send queues a message for the worker without blocking. Messages are
// dropped when the inbox is full or the session is stopping.
func (s *UserSession) Send(msg SessionMessage) {
	select {
	case <-s.ctx.Done():
	case s.inbox <- msg:
	default:
		log.Warn().Int64("userId", s.userId).Str("type", msg.Type).Msg("session inbox full, dropping message")
	}
}

// SendSync queues a message and waits until the worker has processed it.
func (s *UserSession) SendSync(msg SessionMessage) {
	msg.Done = make(chan struct{})
	select {
	case <-s.ctx.Done():
		return
	case s.inbox <- msg:
	}
	<-msg.Done
}

// Stop terminates the worker and waits for it to exit.
func (s *UserSession) Stop() {
	s.cancel()
	s.wg.Wait()
}

// isLoggedIn reports whether the user has a connected bag backend.
// Worker-only.
func (s *UserSession) isLoggedIn() bool {
	return s.bagClient != nil
}

// bufferAlbumPhoto collects an album photo and (re)arms the settle timer.
// Worker-only.
func (s *UserSession) bufferAlbumPhoto(mediaGroupID string, photo albumPhoto) {
	if s.album == nil || s.album.MediaGroupID != mediaGroupID {
		if s.album != nil && s.album.Timer != nil {
			s.album.Timer.Stop()
		}
		s.album = &albumBuffer{MediaGroupID: mediaGroupID}
	}
	s.album.Photos = append(s.album.Photos, photo)

	if s.album.Timer != nil {
		s.album.Timer.Stop()
	}
	s.album.Timer = time.AfterFunc(albumBufferTimeout, func() {
		s.Send(SessionMessage{Type: "album_timeout"})
	})
}

// takeAlbum returns and clears the buffered album. Worker-only.
func (s *UserSession) takeAlbum() []albumPhoto {
	if s.album == nil {
		return nil
	}
	photos := s.album.Photos
	s.album = nil
	return photos
}

func (s *UserSession) reply(text string, a ...any) {
	_, _ = s.replyWithMessage(text, a...)
}

func (s *UserSession) replyWithMessage(text string, a ...any) (tgbotapi.Message, error) {
	msg := tgbotapi.NewMessage(s.userId, formatReplyText(text, a...))
	msg.ParseMode = tgbotapi.ModeMarkdown
	sent, err := s.sender.Send(msg)
	if err != nil {
		log.Error().Err(err).Int64("userId", s.userId).Msg("failed to send message")
	}
	return sent, err
}

func (s *UserSession) replyWithKeyboard(text string, keyboard tgbotapi.InlineKeyboardMarkup, a ...any) (tgbotapi.Message, error) {
	msg := tgbotapi.NewMessage(s.userId, formatReplyText(text, a...))
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.ReplyMarkup = keyboard
	sent, err := s.sender.Send(msg)
	if err != nil {
		log.Error().Err(err).Int64("userId", s.userId).Msg("failed to send message")
	}
	return sent, err
}

func (s *UserSession) editMessage(messageID int, text string) {
	edit := tgbotapi.NewEditMessageText(s.userId, messageID, text)
	edit.ParseMode = tgbotapi.ModeMarkdown
	if _, err := s.sender.Send(edit); err != nil {
		log.Warn().Err(err).Int64("userId", s.userId).Int("messageId", messageID).Msg("failed to edit message")
	}
}

func (s *UserSession) editMessageWithKeyboard(messageID int, text string, keyboard tgbotapi.InlineKeyboardMarkup) {
	edit := tgbotapi.NewEditMessageTextAndMarkup(s.userId, messageID, text, keyboard)
	edit.ParseMode = tgbotapi.ModeMarkdown
	if _, err := s.sender.Send(edit); err != nil {
		log.Warn().Err(err).Int64("userId", s.userId).Int("messageId", messageID).Msg("failed to edit message")
	}
}

func (s *UserSession) replyWithError(err error) {
	s.reply(MsgUnexpectedErr, err)
}
