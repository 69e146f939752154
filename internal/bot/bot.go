package bot

import (
	"context"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/raine/telegram-bag-bot/internal/bag"
	"github.com/raine/telegram-bag-bot/internal/identify"
	"github.com/raine/telegram-bag-bot/internal/storage"
	"github.com/rs/zerolog/log"
)

// Set via ldflags at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Config carries bot-level settings.
type Config struct {
	BagBaseURL    string
	Debounce      time.Duration
	AdvisoryDelay time.Duration
}

// Bot is the main Telegram bot handler.
type Bot struct {
	tg     BotAPI
	state  *BotState
	store  storage.Store
	config Config

	resolver   *identify.Resolver
	identifier identify.PhotoIdentifier
	filler     bag.DetailFiller

	addHandler    *AddHandler
	photoHandler  *PhotoHandler
	commitHandler *CommitHandler
}

// NewBot creates a new Bot instance. SetLLMClients must be called before
// the bot receives updates.
func NewBot(tg BotAPI, store storage.Store, config Config) *Bot {
	if config.Debounce == 0 {
		config.Debounce = identify.DefaultDebounce
	}
	bot := &Bot{
		tg:     tg,
		store:  store,
		config: config,
	}
	bot.state = bot.NewBotState(config.Debounce)
	return bot
}

// SetLLMClients wires the identification tiers.
// enricher: AI-text tier. identifier: vision tier (can be cached).
// filler: background detail enrichment after commits.
func (b *Bot) SetLLMClients(enricher identify.Enricher, identifier identify.PhotoIdentifier, filler bag.DetailFiller) {
	b.identifier = identifier
	b.filler = filler
	b.resolver = identify.NewResolver(b.store, enricher, nil)
	b.addHandler = NewAddHandler(b.tg, b.resolver)
	b.photoHandler = NewPhotoHandler(b.tg, identifier, b.config.AdvisoryDelay)
	b.commitHandler = NewCommitHandler(b.tg, b.store, filler)
}

// Shutdown stops all session workers.
func (b *Bot) Shutdown() {
	b.state.Shutdown()
}

// HandleUpdate is the main update router. It dispatches to the user's
// session worker for sequential processing.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	b.dispatchUpdate(ctx, update, false)
}

// handleUpdateSync waits for processing to complete. Used in tests.
func (b *Bot) handleUpdateSync(ctx context.Context, update tgbotapi.Update) {
	b.dispatchUpdate(ctx, update, true)
}

func (b *Bot) dispatchUpdate(ctx context.Context, update tgbotapi.Update, sync bool) {
	var userId int64
	if update.CallbackQuery != nil {
		userId = update.CallbackQuery.From.ID
	} else if update.Message != nil {
		userId = update.Message.From.ID
	} else {
		return
	}

	session := b.state.getUserSession(userId)

	send := func(msg SessionMessage) {
		if sync {
			session.SendSync(msg)
		} else {
			session.Send(msg)
		}
	}

	if update.CallbackQuery != nil {
		send(SessionMessage{Type: "callback", Ctx: ctx, CallbackQuery: update.CallbackQuery})
		return
	}

	log.Info().Str("text", update.Message.Text).Str("caption", update.Message.Caption).Msg("got message")
	if len(update.Message.Photo) > 0 {
		send(SessionMessage{Type: "photo", Ctx: ctx, Message: update.Message})
	} else {
		send(SessionMessage{Type: "text", Ctx: ctx, Message: update.Message})
	}
}

// HandleSessionMessage implements MessageHandler. It runs on the session
// worker goroutine, so session state needs no locking here.
func (b *Bot) HandleSessionMessage(ctx context.Context, session *UserSession, msg SessionMessage) {
	b.ensureLoaded(session)

	switch msg.Type {
	case "callback":
		b.handleCallbackQuery(ctx, session, msg.CallbackQuery)
	case "photo":
		b.handlePhotoMessage(ctx, session, msg.Message)
	case "text":
		b.handleTextMessage(ctx, session, msg.Message)
	case "album_timeout":
		b.photoHandler.ProcessAlbumTimeout(ctx, session)
	case "debounce_fire":
		b.addHandler.HandleDebounceFire(ctx, session, msg.DebounceGen)
	case "resolution":
		b.handleResolution(ctx, session, msg)
	case "pipeline_update":
		b.photoHandler.HandleStageUpdate(session, msg)
	case "commit_settled":
		b.commitHandler.HandleCommitSettled(ctx, session, msg.CommitResult)
	case "photos_applied":
		b.commitHandler.HandlePhotosApplied(session, msg.PhotoResults)
	}
}

// handleResolution applies a finished tier resolution, photo or text.
func (b *Bot) handleResolution(ctx context.Context, session *UserSession, msg SessionMessage) {
	if msg.Resolution == nil {
		return
	}
	// Last request wins: a stale generation is discarded, never applied.
	if !session.slot.debouncer.IsCurrent(msg.Resolution.Generation) {
		log.Debug().
			Uint64("generation", msg.Resolution.Generation).
			Uint64("current", session.slot.debouncer.Current()).
			Msg("discarding superseded resolution")
		return
	}
	b.addHandler.ApplyResolution(ctx, session, msg.Resolution, msg.SourcePhotos, msg.CapturedPhoto, b.commitHandler)
}

// ensureLoaded lazily loads stored credentials and prefs into the session
// on its first message.
func (b *Bot) ensureLoaded(session *UserSession) {
	if session.prefs != nil {
		return
	}
	prefs, err := b.store.GetPrefs(session.userId)
	if err != nil {
		log.Error().Err(err).Int64("userId", session.userId).Msg("failed to load prefs")
		prefs = &storage.UserPrefs{TelegramID: session.userId}
	}
	session.prefs = prefs

	creds, err := b.store.GetCredentials(session.userId)
	if err != nil {
		log.Error().Err(err).Int64("userId", session.userId).Msg("failed to load credentials")
	} else if creds != nil {
		session.bagClient = bag.NewClient(bag.ClientOpts{BaseURL: b.config.BagBaseURL, Token: creds.BagToken})
		log.Info().Int64("userId", session.userId).Msg("loaded bag credentials from database")
	}
}

func (b *Bot) handlePhotoMessage(ctx context.Context, session *UserSession, message *tgbotapi.Message) {
	if !session.isLoggedIn() {
		session.reply(MsgLoginRequired)
		return
	}
	b.photoHandler.HandlePhoto(ctx, session, message)
}

func (b *Bot) handleTextMessage(ctx context.Context, session *UserSession, message *tgbotapi.Message) {
	if session.awaitingToken && !strings.HasPrefix(message.Text, "/") {
		b.handleTokenInput(session, message.Text)
		return
	}

	if strings.HasPrefix(message.Text, "/") {
		b.handleCommand(ctx, session, message)
		return
	}

	if !session.isLoggedIn() {
		session.reply(MsgLoginRequired)
		return
	}

	b.addHandler.HandleText(ctx, session, message.Text)
}

func (b *Bot) handleTokenInput(session *UserSession, token string) {
	token = strings.TrimSpace(token)
	session.awaitingToken = false
	if token == "" {
		session.reply(MsgLoginCancelled)
		return
	}

	if err := b.store.SaveCredentials(&storage.StoredCredentials{
		TelegramID: session.userId,
		BagToken:   token,
	}); err != nil {
		session.replyWithError(err)
		return
	}

	session.bagClient = bag.NewClient(bag.ClientOpts{BaseURL: b.config.BagBaseURL, Token: token})
	bagCode := session.prefs.BagCode
	if bagCode == "" {
		bagCode = "(not set, use /bag)"
	}
	session.reply(MsgLoginSuccess, bagCode)
}

func (b *Bot) handleCommand(ctx context.Context, session *UserSession, message *tgbotapi.Message) {
	command, args := parseCommand(message.Text)
	argsStr := strings.Join(args, " ")

	switch command {
	case "/start":
		if !session.isLoggedIn() {
			session.reply(MsgLoginRequired)
		} else {
			session.reply(MsgStartPrompt)
		}
	case "/login":
		session.awaitingToken = true
		session.reply(MsgLoginPrompt)
	case "/logout":
		session.awaitingToken = false
		session.bagClient = nil
		if err := b.store.DeleteCredentials(session.userId); err != nil {
			session.replyWithError(err)
			return
		}
		session.reply(MsgLogoutDone)
	case "/bag":
		b.handleBagCommand(session, argsStr)
	case "/bagtype":
		b.handleBagTypeCommand(session, argsStr)
	case "/items":
		b.commitHandler.RenderBagSummary(session, true)
	case "/add":
		b.commitHandler.HandleAddCommand(ctx, session)
	case "/retry":
		b.addHandler.HandleRetry(ctx, session)
	case "/autoaccept":
		b.handleAutoAcceptCommand(session, argsStr)
	case "/cancel":
		if session.slot.resolution == nil && session.slot.lastQuery.Raw == "" {
			session.reply(MsgNothingToDo)
			return
		}
		session.slot.reset()
		session.reply(MsgCancelled)
	case "/version":
		session.reply(MsgVersionInfo, Version, BuildTime)
	default:
		if !session.isLoggedIn() {
			session.reply(MsgLoginRequired)
			return
		}
		session.reply(MsgStartPrompt)
	}
}

func (b *Bot) handleBagCommand(session *UserSession, arg string) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		session.reply(MsgBagUsage)
		return
	}
	session.prefs.BagCode = arg
	if err := b.store.SavePrefs(session.prefs); err != nil {
		session.replyWithError(err)
		return
	}
	session.reply(MsgBagSet, arg)
}

func (b *Bot) handleBagTypeCommand(session *UserSession, arg string) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		session.reply(MsgBagTypeUsage)
		return
	}
	session.prefs.BagType = arg
	if err := b.store.SavePrefs(session.prefs); err != nil {
		session.replyWithError(err)
		return
	}
	session.reply(MsgBagTypeSet, arg)
}

func (b *Bot) handleAutoAcceptCommand(session *UserSession, arg string) {
	arg = strings.TrimSpace(arg)
	threshold, err := strconv.Atoi(arg)
	if err != nil || threshold < 0 || threshold > 100 {
		session.reply(MsgAutoAcceptUse)
		return
	}
	session.prefs.AutoAcceptThreshold = threshold
	if err := b.store.SavePrefs(session.prefs); err != nil {
		session.replyWithError(err)
		return
	}
	if threshold == 0 {
		session.reply(MsgAutoAcceptOff)
	} else {
		session.reply(MsgAutoAcceptSet, threshold)
	}
}

// handleCallbackQuery handles inline keyboard button presses.
func (b *Bot) handleCallbackQuery(ctx context.Context, session *UserSession, query *tgbotapi.CallbackQuery) {
	// Answer the callback to remove the loading state
	callback := tgbotapi.NewCallback(query.ID, "")
	_, _ = b.tg.Request(callback)

	parts := strings.SplitN(query.Data, ":", 3)
	if len(parts) < 2 {
		return
	}

	switch parts[0] {
	case "sel":
		if parts[1] == "photos" {
			b.commitHandler.HandleApplyPhotosCallback(ctx, session)
			return
		}
		b.addHandler.HandleSelectionCallback(ctx, session, parts[1:], b.commitHandler)
	case "clar":
		b.addHandler.HandleClarifyCallback(ctx, session, parts[1:])
	}
}
