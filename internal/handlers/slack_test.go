package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pulse-backend/internal/config"
	"pulse-backend/internal/feedback"
	"pulse-backend/internal/models"
)

const testSigningSecret = "8f742231b10e8888abcd99yyyzzz85a5"

// recordingSlack captures outbound Slack calls for assertions.
type recordingSlack struct {
	mu    sync.Mutex
	posts []struct {
		ChannelID string
		ThreadTS  string
		Text      string
	}
}

func (r *recordingSlack) PostMessage(_ context.Context, channelID, threadTS, text string, _ ...slack.Block) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.posts = append(r.posts, struct {
		ChannelID string
		ThreadTS  string
		Text      string
	}{channelID, threadTS, text})
	return fmt.Sprintf("200.%06d", len(r.posts)), nil
}

func (r *recordingSlack) UpdateMessage(context.Context, string, string, string, ...slack.Block) error {
	return nil
}

func (r *recordingSlack) UserDisplayName(context.Context, string) (string, error) {
	return "Dana", nil
}

func (r *recordingSlack) ChannelName(context.Context, string) (string, error) {
	return "support", nil
}

func (r *recordingSlack) postCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.posts)
}

func testHandler(t *testing.T) (*SlackHandler, *recordingSlack, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared",
		strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Feedback{}))

	cfg := &config.Config{}
	cfg.Slack.SigningSecret = testSigningSecret
	cfg.Feedback.TriggerPhrase = "feedback"
	cfg.Feedback.ResolutionPhrase = "ticket resolved"
	cfg.Feedback.RatingMax = 5
	cfg.Feedback.SessionTTL = 24 * time.Hour

	e := echo.New()
	fake := &recordingSlack{}
	engine := feedback.NewEngine(feedback.NewStore(), fake, db, cfg, e.Logger)
	return NewSlackHandler(db, cfg, nil, engine, e.Logger), fake, db
}

func signAt(req *http.Request, secret, body string, ts int64) {
	stamp := strconv.FormatInt(ts, 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + stamp + ":" + body))
	req.Header.Set("X-Slack-Request-Timestamp", stamp)
	req.Header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))
}

func signedRequest(path, contentType, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, contentType)
	signAt(req, testSigningSecret, body, time.Now().Unix())
	return req
}

func doEvents(t *testing.T, h *SlackHandler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	require.NoError(t, h.HandleEvents(c))
	return rec
}

func messageEventBody(eventID, text, extraFields string) string {
	return fmt.Sprintf(`{
		"type": "event_callback",
		"event_id": %q,
		"event": {
			"type": "message",
			"channel": "C1",
			"user": "U1",
			"text": %q,
			"ts": "111.222"%s
		}
	}`, eventID, text, extraFields)
}

func TestHandleEventsRejectsBadSignature(t *testing.T) {
	h, fake, _ := testHandler(t)

	body := messageEventBody("Ev001", "feedback please", "")
	req := httptest.NewRequest(http.MethodPost, "/api/slack/events", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	signAt(req, "wrong-secret", body, time.Now().Unix())

	rec := doEvents(t, h, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid signature")
	assert.Equal(t, 0, fake.postCount())
}

func TestHandleEventsRejectsStaleTimestamp(t *testing.T) {
	h, fake, _ := testHandler(t)

	// Correctly signed, but outside the replay window
	body := messageEventBody("Ev002", "feedback please", "")
	req := httptest.NewRequest(http.MethodPost, "/api/slack/events", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	signAt(req, testSigningSecret, body, time.Now().Add(-10*time.Minute).Unix())

	rec := doEvents(t, h, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, fake.postCount())
}

func TestHandleEventsChallenge(t *testing.T) {
	h, _, _ := testHandler(t)

	body := `{"type": "url_verification", "challenge": "abc123xyz", "token": "deprecated"}`
	rec := doEvents(t, h, signedRequest("/api/slack/events", echo.MIMEApplicationJSON, body))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"challenge": "abc123xyz"}`, rec.Body.String())
}

func TestHandleEventsTriggerPostsPrompt(t *testing.T) {
	h, fake, _ := testHandler(t)

	body := messageEventBody("Ev003", "hey, can I give some FEEDBACK?", "")
	rec := doEvents(t, h, signedRequest("/api/slack/events", echo.MIMEApplicationJSON, body))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, fake.postCount())
	// A top-level message anchors the thread at its own ts
	assert.Equal(t, "C1", fake.posts[0].ChannelID)
	assert.Equal(t, "111.222", fake.posts[0].ThreadTS)
}

func TestHandleEventsThreadedReplyKeepsThread(t *testing.T) {
	h, fake, _ := testHandler(t)

	body := messageEventBody("Ev004", "ticket resolved, see ticket SUP-42", `,
			"thread_ts": "100.000"`)
	rec := doEvents(t, h, signedRequest("/api/slack/events", echo.MIMEApplicationJSON, body))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, fake.postCount())
	assert.Equal(t, "100.000", fake.posts[0].ThreadTS)
}

func TestHandleEventsFiltersBotAndSubtypeMessages(t *testing.T) {
	h, fake, _ := testHandler(t)

	for name, extra := range map[string]string{
		"subtype": `,
			"subtype": "message_changed"`,
		"bot": `,
			"bot_id": "B123"`,
	} {
		t.Run(name, func(t *testing.T) {
			body := messageEventBody("Ev005"+name, "feedback please", extra)
			rec := doEvents(t, h, signedRequest("/api/slack/events", echo.MIMEApplicationJSON, body))

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, 0, fake.postCount())
		})
	}
}

func TestHandleEventsIgnoresNonMessageEvents(t *testing.T) {
	h, fake, _ := testHandler(t)

	body := `{
		"type": "event_callback",
		"event_id": "Ev006",
		"event": {"type": "reaction_added", "user": "U1"}
	}`
	rec := doEvents(t, h, signedRequest("/api/slack/events", echo.MIMEApplicationJSON, body))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, fake.postCount())
}

func TestHandleEventsIgnoresNonTriggerMessages(t *testing.T) {
	h, fake, _ := testHandler(t)

	body := messageEventBody("Ev007", "just checking in on the deploy", "")
	rec := doEvents(t, h, signedRequest("/api/slack/events", echo.MIMEApplicationJSON, body))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, fake.postCount())
}

func TestHandleEventsWithoutRedisTreatsRedeliveryAsFresh(t *testing.T) {
	h, fake, _ := testHandler(t)

	// Same event_id delivered twice; with no Redis each delivery is processed
	body := messageEventBody("Ev008", "feedback please", "")
	for i := 0; i < 2; i++ {
		rec := doEvents(t, h, signedRequest("/api/slack/events", echo.MIMEApplicationJSON, body))
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, 2, fake.postCount())
}

func TestHandleEventsDeduplicatesRedeliveries(t *testing.T) {
	h, fake, _ := testHandler(t)

	mr := miniredis.RunT(t)
	h.Redis = redis.NewClient(&redis.Options{Addr: mr.Addr()})

	body := messageEventBody("Ev009", "feedback please", "")
	rec := doEvents(t, h, signedRequest("/api/slack/events", echo.MIMEApplicationJSON, body))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, fake.postCount())
	assert.True(t, mr.Exists("slack:event:Ev009"))

	// Slack redelivers the same event_id; it must be acked without reprocessing
	rec = doEvents(t, h, signedRequest("/api/slack/events", echo.MIMEApplicationJSON, body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, fake.postCount())

	// Once the dedup key ages out, the same id counts as a fresh delivery
	mr.FastForward(eventDedupTTL + time.Second)
	rec = doEvents(t, h, signedRequest("/api/slack/events", echo.MIMEApplicationJSON, body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, fake.postCount())
}

func interactionBody(actionID, blockID, valueField string) string {
	payload := fmt.Sprintf(`{
		"type": "block_actions",
		"user": {"id": "U1"},
		"channel": {"id": "C1"},
		"container": {
			"type": "message",
			"message_ts": "200.001",
			"thread_ts": "111.222",
			"channel_id": "C1"
		},
		"actions": [{"action_id": %q, "block_id": %q%s}]
	}`, actionID, blockID, valueField)
	return "payload=" + url.QueryEscape(payload)
}

func doInteraction(t *testing.T, h *SlackHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := signedRequest("/api/slack/interactions", echo.MIMEApplicationForm, body)
	c := echo.New().NewContext(req, rec)
	require.NoError(t, h.HandleInteraction(c))
	return rec
}

func TestHandleInteractionRejectsBadSignature(t *testing.T) {
	h, _, _ := testHandler(t)

	body := interactionBody(feedback.ActionShowForm, "feedback_prompt", `, "value": "show_form"`)
	req := httptest.NewRequest(http.MethodPost, "/api/slack/interactions", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	signAt(req, "wrong-secret", body, time.Now().Unix())

	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	require.NoError(t, h.HandleInteraction(c))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleInteractionMissingPayload(t *testing.T) {
	h, _, _ := testHandler(t)

	req := signedRequest("/api/slack/interactions", echo.MIMEApplicationForm, "")
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)

	err := h.HandleInteraction(c)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.Code)
}

func TestHandleInteractionShowFormPostsForm(t *testing.T) {
	h, fake, _ := testHandler(t)

	body := interactionBody(feedback.ActionShowForm, "feedback_prompt", `, "value": "show_form"`)
	rec := doInteraction(t, h, body)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	require.Equal(t, 1, fake.postCount())
	assert.Equal(t, "111.222", fake.posts[0].ThreadTS)
}

func TestHandleInteractionSubmitWithoutRating(t *testing.T) {
	h, _, db := testHandler(t)

	// Opening the form creates the session; submitting before rating is refused
	rec := doInteraction(t, h, interactionBody(feedback.ActionShowForm, "feedback_prompt", `, "value": "show_form"`))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doInteraction(t, h, interactionBody(feedback.ActionSubmit, "feedback_submit", `, "value": "submit"`))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), feedback.MsgRatingRequired)

	records, err := models.ListFeedback(db)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestHandleInteractionFullFlowOverWebhook(t *testing.T) {
	h, _, db := testHandler(t)

	doInteraction(t, h, interactionBody(feedback.ActionShowForm, "feedback_prompt", `, "value": "show_form"`))
	doInteraction(t, h, interactionBody(feedback.ActionRatingSelect, "feedback_rating",
		`, "selected_option": {"value": "4"}`))
	doInteraction(t, h, interactionBody(feedback.ActionFeedbackText, "feedback_comment", `, "value": "great support"`))

	rec := doInteraction(t, h, interactionBody(feedback.ActionSubmit, "feedback_submit", `, "value": "submit"`))
	assert.Equal(t, http.StatusOK, rec.Code)

	records, err := models.ListFeedback(db)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 4, records[0].Rating)
	assert.Equal(t, "great support", records[0].Comments)
	assert.Equal(t, "111.222", records[0].ThreadTS)
}

func TestHandleInteractionUnknownActionAcknowledged(t *testing.T) {
	h, fake, _ := testHandler(t)

	rec := doInteraction(t, h, interactionBody("open_settings", "some_block", `, "value": "x"`))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, 0, fake.postCount())
}

func TestHandleInteractionNonBlockActionsAcknowledged(t *testing.T) {
	h, _, _ := testHandler(t)

	payload := `{"type": "view_submission", "user": {"id": "U1"}}`
	rec := doInteraction(t, h, "payload="+url.QueryEscape(payload))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}
