package bot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/raine/telegram-bag-bot/internal/identify"
	"github.com/raine/telegram-bag-bot/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// visionStub is a canned vision tier.
type visionStub struct {
	mu     sync.Mutex
	result *identify.PhotoIdentification
	err    error
	calls  int
}

func (s *visionStub) Identify(ctx context.Context, image []byte, bagType string) (*identify.PhotoIdentification, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func makeUpdateWithPhoto(userId int64, fileID, caption, mediaGroupID string) tgbotapi.Update {
	return tgbotapi.Update{
		Message: &tgbotapi.Message{
			From:         &tgbotapi.User{ID: userId},
			Caption:      caption,
			MediaGroupID: mediaGroupID,
			Photo: []tgbotapi.PhotoSize{
				{FileID: fileID + "-small", Width: 90, Height: 90},
				{FileID: fileID, Width: 800, Height: 800},
			},
		},
	}
}

// setupPhotoTest wires a bot with a stub vision tier and a server that
// serves photo bytes for download.
func setupPhotoTest(t *testing.T, vision *visionStub) (*botApiMock, *sentLog, *Bot, *UserSession) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("jpeg-bytes"))
	}))
	t.Cleanup(ts.Close)

	tg := new(botApiMock)
	sent := recordSends(tg)
	tg.On("GetFileDirectURL", mock.Anything).Return(ts.URL+"/photo.jpg", nil).Maybe()

	store := newMockBagStore()
	store.creds[testUserID] = &storage.StoredCredentials{TelegramID: testUserID, BagToken: "test-token"}
	store.prefs[testUserID] = &storage.UserPrefs{TelegramID: testUserID, BagCode: "summer-trip", BagType: "golf"}

	bot := NewBot(tg, store, Config{Debounce: 30 * time.Millisecond})
	bot.SetLLMClients(&enricherStub{}, vision, nil)
	t.Cleanup(bot.Shutdown)

	session := bot.state.getUserSession(testUserID)
	return tg, sent, bot, session
}

func TestHandlePhoto_SinglePhotoIdentifies(t *testing.T) {
	vision := &visionStub{result: &identify.PhotoIdentification{
		Products: []identify.CandidateProduct{
			{Name: "Stealth 2 Driver", Brand: "TaylorMade", Confidence: 88, Verdict: identify.VerdictVerified},
		},
		Counts: identify.StageCounts{Detected: 1, Identified: 1, Verified: 1},
	}}
	_, sent, bot, session := setupPhotoTest(t, vision)

	bot.handleUpdateSync(context.Background(), makeUpdateWithPhoto(testUserID, "file-1", "", ""))

	assert.Eventually(t, func() bool {
		return sent.contains("Stealth 2 Driver")
	}, 2*time.Second, 10*time.Millisecond)

	// Vision candidates enter the same review flow, tagged as photo tier.
	assert.True(t, sent.contains("[photo]"))

	session.SendSync(SessionMessage{Type: "barrier"})
	assert.NotNil(t, session.slot.resolution)
	assert.Equal(t, identify.TierVision, session.slot.resolution.TierUsed)
	assert.NotNil(t, session.slot.capturedPhoto)
}

func TestHandlePhoto_AlbumBuffersUntilSettled(t *testing.T) {
	vision := &visionStub{result: &identify.PhotoIdentification{
		Products: []identify.CandidateProduct{
			{Name: "Album Item", Confidence: 80},
		},
		Counts: identify.StageCounts{Detected: 1, Identified: 1},
	}}
	_, sent, bot, session := setupPhotoTest(t, vision)

	ctx := context.Background()
	bot.handleUpdateSync(ctx, makeUpdateWithPhoto(testUserID, "file-1", "golf stuff", "album-1"))
	bot.handleUpdateSync(ctx, makeUpdateWithPhoto(testUserID, "file-2", "", "album-1"))

	// Nothing runs until the media group settles.
	assert.Equal(t, 0, visionCalls(vision))
	assert.Len(t, session.album.Photos, 2)

	assert.Eventually(t, func() bool {
		return visionCalls(vision) == 2
	}, 4*time.Second, 25*time.Millisecond)

	assert.Eventually(t, func() bool {
		return sent.count("Album Item") >= 1
	}, 2*time.Second, 10*time.Millisecond)

	// Batched photos never become the item photo directly.
	session.SendSync(SessionMessage{Type: "barrier"})
	assert.Nil(t, session.slot.capturedPhoto)
}

func visionCalls(s *visionStub) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestHandlePhoto_FailureDegradesToSoftError(t *testing.T) {
	vision := &visionStub{err: assert.AnError}
	_, sent, bot, _ := setupPhotoTest(t, vision)

	bot.handleUpdateSync(context.Background(), makeUpdateWithPhoto(testUserID, "file-1", "", ""))

	assert.Eventually(t, func() bool {
		return sent.contains("Photo identification failed")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleStageUpdate_RendersProgress(t *testing.T) {
	_, sent, bot, session := setupPhotoTest(t, &visionStub{})
	loadSession(bot)
	session.slot.statusMsgID = 5

	gen := session.slot.debouncer.Current()
	stages := []identify.StageUpdate{
		{Stage: identify.StageScanning},
		{Stage: identify.StageIdentifying, Advisory: true},
		{Stage: identify.StageValidating, Advisory: true},
		{Stage: identify.StageComplete, Counts: identify.StageCounts{Detected: 3, Identified: 2, Verified: 1}},
	}
	for i := range stages {
		bot.photoHandler.HandleStageUpdate(session, SessionMessage{
			StageUpdate: &stages[i],
			DebounceGen: gen,
		})
	}

	assert.True(t, sent.contains(MsgPipelineIdentifying))
	assert.True(t, sent.contains(MsgPipelineValidating))
	assert.True(t, sent.contains("Found 3 items (2 identified, 1 verified)"))
}

func TestHandleStageUpdate_DropsStaleGeneration(t *testing.T) {
	_, sent, bot, session := setupPhotoTest(t, &visionStub{})
	loadSession(bot)
	session.slot.statusMsgID = 5

	session.slot.debouncer.Bump()
	update := identify.StageUpdate{Stage: identify.StageIdentifying}
	bot.photoHandler.HandleStageUpdate(session, SessionMessage{
		StageUpdate: &update,
		DebounceGen: 0, // superseded
	})

	assert.False(t, sent.contains(MsgPipelineIdentifying))
}

func TestHandleStageUpdate_RequiresStatusMessage(t *testing.T) {
	_, sent, bot, session := setupPhotoTest(t, &visionStub{})
	loadSession(bot)

	update := identify.StageUpdate{Stage: identify.StageIdentifying}
	bot.photoHandler.HandleStageUpdate(session, SessionMessage{
		StageUpdate: &update,
		DebounceGen: session.slot.debouncer.Current(),
	})

	assert.False(t, sent.contains(MsgPipelineIdentifying))
}

func TestProcessAlbumTimeout_EmptyIsNoop(t *testing.T) {
	_, sent, bot, session := setupPhotoTest(t, &visionStub{})
	loadSession(bot)

	before := sent.count("")
	bot.photoHandler.ProcessAlbumTimeout(context.Background(), session)
	assert.Equal(t, before, sent.count(""))
}

func TestLargestPhoto(t *testing.T) {
	photos := []tgbotapi.PhotoSize{
		{FileID: "small", Width: 90, Height: 90},
		{FileID: "large", Width: 1280, Height: 960},
		{FileID: "medium", Width: 320, Height: 240},
	}
	assert.Equal(t, "large", largestPhoto(photos).FileID)
}
