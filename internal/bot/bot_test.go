package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/raine/telegram-bag-bot/internal/identify"
	"github.com/raine/telegram-bag-bot/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type botApiMock struct {
	mock.Mock
}

func (m *botApiMock) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	args := m.Called(c)
	return args.Get(0).(tgbotapi.Message), args.Error(1)
}

func (m *botApiMock) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	args := m.Called(c)
	return args.Get(0).(*tgbotapi.APIResponse), args.Error(1)
}

func (m *botApiMock) GetFileDirectURL(fileID string) (string, error) {
	args := m.Called(fileID)
	return args.Get(0).(string), args.Error(1)
}

// sentLog records message texts across goroutines. Background resolutions
// post their renders from the session worker, so tests poll it.
type sentLog struct {
	mu    sync.Mutex
	texts []string
}

func (l *sentLog) add(c tgbotapi.Chattable) {
	var text string
	switch m := c.(type) {
	case tgbotapi.MessageConfig:
		text = m.Text
	case tgbotapi.EditMessageTextConfig:
		text = m.Text
	default:
		return
	}
	l.mu.Lock()
	l.texts = append(l.texts, text)
	l.mu.Unlock()
}

func (l *sentLog) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, text := range l.texts {
		if strings.Contains(text, substr) {
			return true
		}
	}
	return false
}

func (l *sentLog) count(substr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, text := range l.texts {
		if strings.Contains(text, substr) {
			n++
		}
	}
	return n
}

// recordSends sets a catch-all expectation that logs every outgoing text.
func recordSends(tg *botApiMock) *sentLog {
	sent := &sentLog{}
	tg.On("Send", mock.Anything).Run(func(args mock.Arguments) {
		sent.add(args.Get(0).(tgbotapi.Chattable))
	}).Return(tgbotapi.Message{MessageID: 1}, nil)
	tg.On("Request", mock.Anything).Return(&tgbotapi.APIResponse{Ok: true}, nil).Maybe()
	return sent
}

// mockBagStore implements storage.Store in memory for bot tests.
type mockBagStore struct {
	mu            sync.Mutex
	creds         map[int64]*storage.StoredCredentials
	prefs         map[int64]*storage.UserPrefs
	searchResults []identify.CandidateProduct
	searchQueries []string
	recorded      []storage.LibraryProduct
}

func newMockBagStore() *mockBagStore {
	return &mockBagStore{
		creds: make(map[int64]*storage.StoredCredentials),
		prefs: make(map[int64]*storage.UserPrefs),
	}
}

func (m *mockBagStore) GetCredentials(telegramID int64) (*storage.StoredCredentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds[telegramID], nil
}

func (m *mockBagStore) SaveCredentials(creds *storage.StoredCredentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[creds.TelegramID] = creds
	return nil
}

func (m *mockBagStore) DeleteCredentials(telegramID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, telegramID)
	return nil
}

func (m *mockBagStore) GetPrefs(telegramID int64) (*storage.UserPrefs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prefs, ok := m.prefs[telegramID]; ok {
		copied := *prefs
		return &copied, nil
	}
	return &storage.UserPrefs{TelegramID: telegramID}, nil
}

func (m *mockBagStore) SavePrefs(prefs *storage.UserPrefs) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *prefs
	m.prefs[prefs.TelegramID] = &copied
	return nil
}

func (m *mockBagStore) Search(ctx context.Context, query string, limit int) ([]identify.CandidateProduct, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searchQueries = append(m.searchQueries, query)
	results := make([]identify.CandidateProduct, len(m.searchResults))
	copy(results, m.searchResults)
	return results, nil
}

func (m *mockBagStore) RecordProduct(product storage.LibraryProduct) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded = append(m.recorded, product)
	return nil
}

func (m *mockBagStore) GetVisionResult(hash string) (*identify.PhotoIdentification, error) {
	return nil, nil
}

func (m *mockBagStore) SetVisionResult(hash string, result *identify.PhotoIdentification) error {
	return nil
}

func (m *mockBagStore) Close() error { return nil }

func (m *mockBagStore) setSearchResults(results ...identify.CandidateProduct) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searchResults = results
}

func (m *mockBagStore) queries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	queries := make([]string, len(m.searchQueries))
	copy(queries, m.searchQueries)
	return queries
}

// enricherStub is a canned AI-text tier.
type enricherStub struct {
	mu     sync.Mutex
	result *identify.EnrichmentResult
	calls  int
}

func (s *enricherStub) Enrich(ctx context.Context, req identify.EnrichmentRequest) (*identify.EnrichmentResult, error) {
	s.mu.Lock()
	s.calls++
	result := s.result
	s.mu.Unlock()
	if result == nil {
		return &identify.EnrichmentResult{Tier: identify.TierAI}, nil
	}
	return result, nil
}

func makeUpdateWithMessageText(userId int64, text string) tgbotapi.Update {
	return tgbotapi.Update{
		Message: &tgbotapi.Message{
			From: &tgbotapi.User{
				ID: userId,
			},
			Text: text,
		},
	}
}

func makeUpdateWithCallbackData(userId int64, data string) tgbotapi.Update {
	return tgbotapi.Update{
		CallbackQuery: &tgbotapi.CallbackQuery{
			ID:   "cb-1",
			From: &tgbotapi.User{ID: userId},
			Data: data,
		},
	}
}

const testUserID = int64(1)

// setup builds a bot with a logged-in user whose bag is configured.
func setup(t *testing.T, baseURL string) (*sentLog, *mockBagStore, *Bot, *UserSession) {
	tg := new(botApiMock)
	sent := recordSends(tg)

	store := newMockBagStore()
	store.creds[testUserID] = &storage.StoredCredentials{TelegramID: testUserID, BagToken: "test-token"}
	store.prefs[testUserID] = &storage.UserPrefs{TelegramID: testUserID, BagCode: "summer-trip", BagType: "golf"}

	bot := NewBot(tg, store, Config{BagBaseURL: baseURL, Debounce: 30 * time.Millisecond})
	bot.SetLLMClients(&enricherStub{}, nil, nil)
	t.Cleanup(bot.Shutdown)

	session := bot.state.getUserSession(testUserID)
	return sent, store, bot, session
}

func TestHandleUpdate_UnauthenticatedUser(t *testing.T) {
	tg := new(botApiMock)
	sent := recordSends(tg)
	store := newMockBagStore() // no credentials
	bot := NewBot(tg, store, Config{})
	bot.SetLLMClients(&enricherStub{}, nil, nil)
	defer bot.Shutdown()

	bot.handleUpdateSync(context.Background(), makeUpdateWithMessageText(99, "golf balls"))

	assert.True(t, sent.contains(formatReplyText(MsgLoginRequired)))
}

func TestHandleUpdate_LoginFlow(t *testing.T) {
	tg := new(botApiMock)
	sent := recordSends(tg)
	store := newMockBagStore()
	bot := NewBot(tg, store, Config{})
	bot.SetLLMClients(&enricherStub{}, nil, nil)
	defer bot.Shutdown()

	ctx := context.Background()
	bot.handleUpdateSync(ctx, makeUpdateWithMessageText(testUserID, "/login"))
	assert.True(t, sent.contains("access token"))

	bot.handleUpdateSync(ctx, makeUpdateWithMessageText(testUserID, "secret-token"))

	creds, err := store.GetCredentials(testUserID)
	assert.NoError(t, err)
	assert.NotNil(t, creds)
	assert.Equal(t, "secret-token", creds.BagToken)

	session := bot.state.getUserSession(testUserID)
	assert.True(t, session.isLoggedIn())
}

func TestHandleUpdate_LogoutClearsCredentials(t *testing.T) {
	_, store, bot, session := setup(t, "")

	bot.handleUpdateSync(context.Background(), makeUpdateWithMessageText(testUserID, "/logout"))

	creds, _ := store.GetCredentials(testUserID)
	assert.Nil(t, creds)
	assert.False(t, session.isLoggedIn())
}

func TestHandleCommand_BagAndBagType(t *testing.T) {
	sent, store, bot, _ := setup(t, "")
	ctx := context.Background()

	bot.handleUpdateSync(ctx, makeUpdateWithMessageText(testUserID, "/bag winter-hike"))
	bot.handleUpdateSync(ctx, makeUpdateWithMessageText(testUserID, "/bagtype hiking"))

	prefs, _ := store.GetPrefs(testUserID)
	assert.Equal(t, "winter-hike", prefs.BagCode)
	assert.Equal(t, "hiking", prefs.BagType)
	assert.True(t, sent.contains("winter-hike"))
}

func TestHandleCommand_AutoAccept(t *testing.T) {
	sent, store, bot, _ := setup(t, "")
	ctx := context.Background()

	bot.handleUpdateSync(ctx, makeUpdateWithMessageText(testUserID, "/autoaccept banana"))
	assert.True(t, sent.contains(formatReplyText(MsgAutoAcceptUse)))

	bot.handleUpdateSync(ctx, makeUpdateWithMessageText(testUserID, "/autoaccept 95"))
	prefs, _ := store.GetPrefs(testUserID)
	assert.Equal(t, 95, prefs.AutoAcceptThreshold)

	bot.handleUpdateSync(ctx, makeUpdateWithMessageText(testUserID, "/autoaccept 0"))
	prefs, _ = store.GetPrefs(testUserID)
	assert.Equal(t, 0, prefs.AutoAcceptThreshold)
	assert.True(t, sent.contains(formatReplyText(MsgAutoAcceptOff)))
}

func TestHandleText_DebounceCollapsesRapidInputs(t *testing.T) {
	sent, store, bot, _ := setup(t, "")
	store.setSearchResults(identify.CandidateProduct{Name: "Trek Fuel EX 8", Confidence: 95})

	ctx := context.Background()
	bot.handleUpdateSync(ctx, makeUpdateWithMessageText(testUserID, "trek"))
	bot.handleUpdateSync(ctx, makeUpdateWithMessageText(testUserID, "trek fuel"))

	assert.Eventually(t, func() bool {
		return sent.contains("Trek Fuel EX 8")
	}, 2*time.Second, 10*time.Millisecond)

	// The first input was superseded before its debounce fired: the
	// library saw only the final query.
	assert.Equal(t, []string{"trek fuel"}, store.queries())
}

func TestHandleText_InertInputIsSilent(t *testing.T) {
	sent, store, bot, _ := setup(t, "")

	bot.handleUpdateSync(context.Background(), makeUpdateWithMessageText(testUserID, "a"))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, store.queries())
	assert.False(t, sent.contains(formatReplyText(MsgIdentifying)))
}

// newBagTestServer mocks the bag backend. failNames lists item names
// whose creation returns a server error.
func newBagTestServer(t *testing.T, failNames ...string) *httptest.Server {
	var mu sync.Mutex
	nextID := 0
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == "POST" && strings.HasSuffix(r.URL.Path, "/items"):
			var req struct {
				Name string `json:"name"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			for _, name := range failNames {
				if req.Name == name {
					w.WriteHeader(http.StatusInternalServerError)
					return
				}
			}
			mu.Lock()
			nextID++
			id := nextID
			mu.Unlock()
			fmt.Fprintf(w, `{"id":"item-%d","name":%q,"quantity":1}`, id, req.Name)
		case r.Method == "POST" && strings.HasSuffix(r.URL.Path, "/media/from-url"):
			w.Write([]byte(`{"mediaAssetId":"asset-1","url":"https://cdn.example.com/asset-1.jpg"}`))
		default:
			w.Write([]byte(`{}`))
		}
	}))
}

func TestHandleText_AutoAcceptCommitsWithoutReview(t *testing.T) {
	ts := newBagTestServer(t)
	defer ts.Close()

	sent, store, bot, session := setup(t, ts.URL)
	store.prefs[testUserID].AutoAcceptThreshold = 90
	store.setSearchResults(identify.CandidateProduct{Name: "Pro V1 Golf Balls", Confidence: 95})

	bot.handleUpdateSync(context.Background(), makeUpdateWithMessageText(testUserID, "pro v1"))

	assert.Eventually(t, func() bool {
		return sent.contains("Added 1 item")
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, sent.contains(formatReplyText(MsgSuggestionAccepted, "Pro V1 Golf Balls")))

	// Wait for the settle message to be reconciled on the worker.
	session.SendSync(SessionMessage{Type: "barrier"})
	items := session.collection.Items()
	if assert.Len(t, items, 1) {
		assert.False(t, items[0].Pending)
		assert.Equal(t, "Pro V1 Golf Balls", items[0].Name)
	}
}

func TestHandleText_BelowThresholdShowsSuggestions(t *testing.T) {
	sent, store, bot, _ := setup(t, "")
	store.prefs[testUserID].AutoAcceptThreshold = 90
	store.setSearchResults(identify.CandidateProduct{Name: "Generic Tee Pack", Confidence: 85})

	bot.handleUpdateSync(context.Background(), makeUpdateWithMessageText(testUserID, "tees"))

	assert.Eventually(t, func() bool {
		return sent.contains("Generic Tee Pack")
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, sent.contains(formatReplyText(MsgCommitStarted, "1 item")))
}

func TestHandleCallback_CommitPartialFailure(t *testing.T) {
	ts := newBagTestServer(t, "Bad Rangefinder")
	defer ts.Close()

	sent, _, bot, session := setup(t, ts.URL)

	// Force-load prefs and client, then stage a reviewed resolution.
	bot.handleUpdateSync(context.Background(), makeUpdateWithMessageText(testUserID, "/start"))
	session.slot.resolution = &identify.Resolution{
		Candidates: []identify.CandidateProduct{
			{Name: "Golf Glove", Confidence: 92, SourceTier: identify.TierLibrary},
			{Name: "Bad Rangefinder", Confidence: 88, SourceTier: identify.TierLibrary},
		},
	}
	session.slot.selected = map[int]bool{0: true, 1: true}

	bot.handleUpdateSync(context.Background(), makeUpdateWithCallbackData(testUserID, "sel:add"))

	assert.Eventually(t, func() bool {
		return sent.contains("Added 1 items, 1 failed")
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, sent.contains(formatReplyText(MsgCommitRolledBack, "Bad Rangefinder")))

	session.SendSync(SessionMessage{Type: "barrier"})
	items := session.collection.Items()
	if assert.Len(t, items, 1) {
		assert.Equal(t, "Golf Glove", items[0].Name)
		assert.False(t, items[0].Pending)
	}
}

func TestHandleCallback_ToggleRedrawsSelection(t *testing.T) {
	sent, _, bot, session := setup(t, "")

	bot.handleUpdateSync(context.Background(), makeUpdateWithMessageText(testUserID, "/start"))
	session.slot.resolution = &identify.Resolution{
		Candidates: []identify.CandidateProduct{
			{Name: "Golf Glove", Confidence: 92, SourceTier: identify.TierLibrary},
		},
	}
	session.slot.selected = map[int]bool{}

	bot.handleUpdateSync(context.Background(), makeUpdateWithCallbackData(testUserID, "sel:toggle:0"))

	assert.True(t, session.slot.selected[0])
	assert.True(t, sent.contains("Golf Glove"))
}

func TestHandleCommand_CancelResetsSlot(t *testing.T) {
	sent, _, bot, session := setup(t, "")

	bot.handleUpdateSync(context.Background(), makeUpdateWithMessageText(testUserID, "/start"))
	session.slot.resolution = &identify.Resolution{
		Candidates: []identify.CandidateProduct{{Name: "Golf Glove", Confidence: 92}},
	}

	bot.handleUpdateSync(context.Background(), makeUpdateWithMessageText(testUserID, "/cancel"))

	assert.Nil(t, session.slot.resolution)
	assert.True(t, sent.contains(formatReplyText(MsgCancelled)))
}
