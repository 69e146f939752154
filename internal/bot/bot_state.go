package bot

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// BotState tracks active user sessions.
type BotState struct {
	bot      *Bot
	mu       sync.Mutex
	sessions map[int64]*UserSession
	debounce time.Duration
}

func (b *Bot) NewBotState(debounce time.Duration) *BotState {
	return &BotState{
		bot:      b,
		sessions: make(map[int64]*UserSession),
		debounce: debounce,
	}
}

func (bs *BotState) getUserSession(userId int64) *UserSession {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if session, ok := bs.sessions[userId]; ok {
		return session
	}

	session := newUserSession(userId, bs.bot.tg, bs.debounce)
	session.SetHandler(bs.bot)
	session.StartWorker()
	bs.sessions[userId] = session
	log.Info().Int64("userId", userId).Msg("new user session created")
	return session
}

// Shutdown stops all session workers gracefully.
func (bs *BotState) Shutdown() {
	bs.mu.Lock()
	sessions := make([]*UserSession, 0, len(bs.sessions))
	for _, session := range bs.sessions {
		sessions = append(sessions, session)
	}
	bs.mu.Unlock()

	// Stop outside the lock to avoid blocking new lookups
	for _, session := range sessions {
		session.Stop()
	}
	log.Info().Int("count", len(sessions)).Msg("stopped all session workers")
}
