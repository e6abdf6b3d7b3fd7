package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/slack-go/slack"
	"github.com/tidwall/gjson"
	"gorm.io/gorm"

	"pulse-backend/internal/common"
	"pulse-backend/internal/config"
	"pulse-backend/internal/feedback"
)

// How long a delivered event_id stays in Redis for redelivery suppression.
const eventDedupTTL = 10 * time.Minute

// SlackHandler handles the signed Slack webhook endpoints.
type SlackHandler struct {
	common.ServerState
	logger echo.Logger
}

// NewSlackHandler creates a new SlackHandler.
func NewSlackHandler(db *gorm.DB, cfg *config.Config, redis *redis.Client, engine *feedback.Engine, logger echo.Logger) *SlackHandler {
	return &SlackHandler{
		ServerState: common.ServerState{
			DB:     db,
			Config: cfg,
			Redis:  redis,
			Engine: engine,
		},
		logger: logger,
	}
}

// verifySlackRequest verifies the Slack request signature using the SDK's
// SecretsVerifier: the v0 HMAC-SHA256 over "v0:<timestamp>:<body>" compared in
// constant time, with the 5 minute replay window on the timestamp header.
// It returns the raw body and restores it for further processing.
func verifySlackRequest(c echo.Context, signingSecret string) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	c.Request().Body = io.NopCloser(bytes.NewReader(body))

	sv, err := slack.NewSecretsVerifier(c.Request().Header, signingSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create secrets verifier: %w", err)
	}
	if _, err := sv.Write(body); err != nil {
		return nil, fmt.Errorf("failed to write body to Slack verifier: %w", err)
	}
	if err := sv.Ensure(); err != nil {
		return nil, fmt.Errorf("invalid Slack signature: %w", err)
	}
	return body, nil
}

// HandleEvents handles the Slack Events API webhook: the one-time
// url_verification handshake and message events that may trigger the
// feedback flow.
func (h *SlackHandler) HandleEvents(c echo.Context) error {
	body, err := verifySlackRequest(c, h.Config.Slack.SigningSecret)
	if err != nil {
		h.logger.Warnf("Slack signature verification failed: %v", err)
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
	}

	root := gjson.ParseBytes(body)

	switch root.Get("type").String() {
	case "url_verification":
		// Handshake: echo the challenge token verbatim
		return c.JSON(http.StatusOK, map[string]string{"challenge": root.Get("challenge").String()})

	case "event_callback":
		if h.alreadyDelivered(c.Request().Context(), root.Get("event_id").String()) {
			return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
		}

		event := root.Get("event")
		if event.Get("type").String() != "message" {
			break
		}
		// Messages with a subtype include our bot's own replies; processing
		// them would feed the flow its own prompts.
		if event.Get("subtype").Exists() || event.Get("bot_id").Exists() {
			break
		}

		msg := feedback.MessageEvent{
			ChannelID: event.Get("channel").String(),
			UserID:    event.Get("user").String(),
			Text:      event.Get("text").String(),
			EventTS:   event.Get("ts").String(),
		}
		msg.ThreadTS = event.Get("thread_ts").String()
		if msg.ThreadTS == "" {
			msg.ThreadTS = msg.EventTS
		}

		if err := h.dispatchMessage(c.Request().Context(), msg); err != nil {
			h.logger.Errorf("failed to handle message event: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
		}
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// dispatchMessage starts the feedback flow when the message text matches a
// configured trigger. The resolution trigger additionally carries optional
// ticket/session references extracted from the text.
func (h *SlackHandler) dispatchMessage(ctx context.Context, msg feedback.MessageEvent) error {
	cfg := h.Config.Feedback

	switch {
	case feedback.MatchesTrigger(msg.Text, cfg.ResolutionPhrase):
		return h.Engine.HandleTrigger(ctx, msg, feedback.ExtractMetadata(msg.Text))
	case feedback.MatchesTrigger(msg.Text, cfg.TriggerPhrase):
		return h.Engine.HandleTrigger(ctx, msg, feedback.Metadata{})
	}
	return nil
}

// alreadyDelivered reports whether this event_id was seen recently. Slack
// retries deliveries it considers failed; without dedup a slow first attempt
// produces duplicate prompts. Redis is optional, without it every delivery is
// treated as fresh.
func (h *SlackHandler) alreadyDelivered(ctx context.Context, eventID string) bool {
	if h.Redis == nil || eventID == "" {
		return false
	}

	fresh, err := h.Redis.SetNX(ctx, "slack:event:"+eventID, "1", eventDedupTTL).Result()
	if err != nil {
		h.logger.Warnf("event dedup check failed, processing anyway: %v", err)
		return false
	}
	return !fresh
}

// HandleInteraction handles interactive component callbacks from Slack: the
// prompt button, the rating select, the comment input and the submit button.
func (h *SlackHandler) HandleInteraction(c echo.Context) error {
	if _, err := verifySlackRequest(c, h.Config.Slack.SigningSecret); err != nil {
		h.logger.Warnf("Slack signature verification failed for interaction: %v", err)
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
	}

	payload := c.FormValue("payload")
	if payload == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing payload")
	}

	var interaction slack.InteractionCallback
	if err := json.Unmarshal([]byte(payload), &interaction); err != nil {
		h.logger.Errorf("failed to parse interaction payload: %v", err)
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid payload")
	}

	if interaction.Type != slack.InteractionTypeBlockActions ||
		len(interaction.ActionCallback.BlockActions) == 0 {
		return c.String(http.StatusOK, "")
	}

	act := actionFromCallback(&interaction)
	h.logger.Infof("received Slack interaction: action=%s user=%s thread=%s", act.ID, act.UserID, act.ThreadTS)

	text, err := h.Engine.HandleAction(c.Request().Context(), act)
	if err != nil {
		h.logger.Errorf("failed to handle %s action: %v", act.ID, err)
		return c.JSON(http.StatusOK, map[string]string{"text": "Something went wrong, please try again."})
	}

	if text != "" {
		return c.JSON(http.StatusOK, map[string]string{"text": text})
	}
	return c.String(http.StatusOK, "")
}

// actionFromCallback maps the first block action of a callback to the engine's
// typed action. The session thread is the container's thread when present,
// falling back to the message itself for top-level form messages.
func actionFromCallback(interaction *slack.InteractionCallback) feedback.Action {
	blockAction := interaction.ActionCallback.BlockActions[0]

	value := blockAction.Value
	if blockAction.SelectedOption.Value != "" {
		value = blockAction.SelectedOption.Value
	}

	threadTS := interaction.Container.ThreadTs
	if threadTS == "" {
		threadTS = interaction.Container.MessageTs
	}

	channelID := interaction.Channel.ID
	if channelID == "" {
		channelID = interaction.Container.ChannelID
	}

	return feedback.Action{
		ID:        blockAction.ActionID,
		UserID:    interaction.User.ID,
		ChannelID: channelID,
		ThreadTS:  threadTS,
		MessageTS: interaction.Container.MessageTs,
		Value:     value,
	}
}
