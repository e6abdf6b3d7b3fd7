package feedback

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"

	"pulse-backend/internal/config"
	"pulse-backend/internal/models"
	"pulse-backend/internal/notifications"
	"pulse-backend/internal/slackclient"
)

var (
	ErrRatingRequired   = errors.New("rating is required before submitting")
	ErrAlreadySubmitted = errors.New("feedback already submitted for this session")
)

// User-visible acknowledgement texts returned to the interactions webhook.
const (
	MsgRatingRequired   = "Please select a rating before submitting."
	MsgAlreadySubmitted = "You've already submitted feedback for this conversation. Thank you!"
)

var validate = validator.New()

var submissionsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Subsystem: "feedback",
	Name:      "submissions_total",
	Help:      "The number of finalized feedback submissions",
})

// Engine drives a feedback conversation through prompt, form, rating/comment
// updates and the final submission. All state transitions are synchronous and
// in-memory; only the Slack API and the database calls block.
type Engine struct {
	store  *Store
	slack  slackclient.Client
	db     *gorm.DB
	cfg    *config.Config
	logger echo.Logger
}

func NewEngine(store *Store, client slackclient.Client, db *gorm.DB, cfg *config.Config, logger echo.Logger) *Engine {
	return &Engine{
		store:  store,
		slack:  client,
		db:     db,
		cfg:    cfg,
		logger: logger,
	}
}

// ActiveSessions reports the number of live sessions, for metrics.
func (e *Engine) ActiveSessions() int {
	return e.store.Len()
}

// HandleTrigger starts (or re-prompts) the feedback flow for the message's
// user+thread key. Re-triggering before any interaction re-sends the prompt
// and overwrites the prompt reference, but never creates a second session.
func (e *Engine) HandleTrigger(ctx context.Context, ev MessageEvent, meta Metadata) error {
	key := SessionKey{UserID: ev.UserID, ThreadTS: ev.ThreadTS}

	displayName, err := e.slack.UserDisplayName(ctx, ev.UserID)
	if err != nil {
		e.logger.Warnf("failed to resolve display name for %s: %v", ev.UserID, err)
		displayName = ""
	}

	ts, err := e.slack.PostMessage(ctx, ev.ChannelID, ev.ThreadTS,
		"Would you like to share feedback on this conversation?",
		PromptBlocks(displayName)...)
	if err != nil {
		return fmt.Errorf("posting feedback prompt: %w", err)
	}

	_, err = e.store.Upsert(key, func(s *Session) error {
		s.ChannelID = ev.ChannelID
		s.PromptTS = ts
		if meta.TicketID != "" {
			s.TicketID = meta.TicketID
		}
		if meta.CorrelationID != "" {
			s.CorrelationID = meta.CorrelationID
		}
		if s.CorrelationID == "" {
			s.CorrelationID = newCorrelationID()
		}
		return nil
	})
	return err
}

// HandleAction routes one interaction callback by its action ID. The returned
// string, when non-empty, is a user-visible acknowledgement for the webhook
// response. Unknown action IDs are acknowledged as no-ops so newer UI elements
// don't turn into errors.
func (e *Engine) HandleAction(ctx context.Context, act Action) (string, error) {
	key := SessionKey{UserID: act.UserID, ThreadTS: act.ThreadTS}

	switch act.ID {
	case ActionShowForm:
		return e.showForm(ctx, key, act)
	case ActionRatingSelect:
		return e.setRating(key, act.Value)
	case ActionFeedbackText:
		return e.setComment(key, act.Value)
	case ActionSubmit:
		return e.submit(ctx, key)
	default:
		e.logger.Debugf("ignoring unknown action id %q from user %s", act.ID, act.UserID)
		return "", nil
	}
}

func (e *Engine) showForm(ctx context.Context, key SessionKey, act Action) (string, error) {
	if s, ok := e.store.Get(key); ok && s.Submitted {
		return MsgAlreadySubmitted, nil
	}

	ts, err := e.slack.PostMessage(ctx, act.ChannelID, act.ThreadTS,
		"How did we do?",
		FormBlocks(e.cfg.Feedback.RatingMax)...)
	if err != nil {
		return "", fmt.Errorf("posting feedback form: %w", err)
	}

	_, err = e.store.Upsert(key, func(s *Session) error {
		s.ChannelID = act.ChannelID
		s.FormTS = ts
		if s.CorrelationID == "" {
			s.CorrelationID = newCorrelationID()
		}
		return nil
	})
	return "", err
}

// setRating stores a rating silently; the user keeps interacting with the
// same form, so no acknowledgement message is sent.
func (e *Engine) setRating(key SessionKey, raw string) (string, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value < 1 || value > e.cfg.Feedback.RatingMax {
		e.logger.Warnf("ignoring out-of-range rating %q for user %s", raw, key.UserID)
		return "", nil
	}

	_, ok, err := e.store.Update(key, func(s *Session) error {
		if s.Submitted {
			return ErrAlreadySubmitted
		}
		s.Rating = value
		return nil
	})
	if !ok {
		// Stale or expired form, nothing to update
		e.logger.Debugf("rating for unknown session user=%s thread=%s, ignoring", key.UserID, key.ThreadTS)
		return "", nil
	}
	if errors.Is(err, ErrAlreadySubmitted) {
		e.logger.Debugf("rating after submission for user=%s thread=%s, ignoring", key.UserID, key.ThreadTS)
	}
	return "", nil
}

func (e *Engine) setComment(key SessionKey, text string) (string, error) {
	_, ok, err := e.store.Update(key, func(s *Session) error {
		if s.Submitted {
			return ErrAlreadySubmitted
		}
		s.Comments = text
		return nil
	})
	if !ok {
		e.logger.Debugf("comment for unknown session user=%s thread=%s, ignoring", key.UserID, key.ThreadTS)
		return "", nil
	}
	if errors.Is(err, ErrAlreadySubmitted) {
		e.logger.Debugf("comment after submission for user=%s thread=%s, ignoring", key.UserID, key.ThreadTS)
	}
	return "", nil
}

// submit finalizes a session. The claim below is the idempotence guard: it is
// taken under the store's per-key lock, so concurrent submits for the same key
// cannot both observe Submitted == false. The session is marked submitted only
// after the record is durably written; a persistence failure releases the
// claim and leaves the submit retryable.
func (e *Engine) submit(ctx context.Context, key SessionKey) (string, error) {
	claimed, ok, err := e.store.Update(key, func(s *Session) error {
		if s.Submitted || s.finalizing {
			return ErrAlreadySubmitted
		}
		if s.Rating < 1 || s.Rating > e.cfg.Feedback.RatingMax {
			return ErrRatingRequired
		}
		s.finalizing = true
		return nil
	})
	if !ok {
		e.logger.Debugf("submit for unknown session user=%s thread=%s, ignoring", key.UserID, key.ThreadTS)
		return "", nil
	}
	if errors.Is(err, ErrAlreadySubmitted) {
		return MsgAlreadySubmitted, nil
	}
	if errors.Is(err, ErrRatingRequired) {
		return MsgRatingRequired, nil
	}

	// Claim held from here on. The in-memory Submitted flag does not survive
	// eviction or a restart, so check the durable store too; a hit means this
	// conversation already produced a record and the session is stale.
	count, err := models.CountFeedbackForThread(e.db, claimed.UserID, claimed.ThreadTS)
	if err != nil {
		e.logger.Warnf("duplicate check failed, proceeding: %v", err)
	} else if count > 0 {
		e.store.Remove(key)
		return MsgAlreadySubmitted, nil
	}

	// Name lookups are best-effort; a lookup failure degrades the record but
	// must not lose the submission.
	userName, err := e.slack.UserDisplayName(ctx, claimed.UserID)
	if err != nil {
		e.logger.Warnf("failed to resolve user name for %s: %v", claimed.UserID, err)
		userName = claimed.UserID
	}
	channelName, err := e.slack.ChannelName(ctx, claimed.ChannelID)
	if err != nil {
		e.logger.Warnf("failed to resolve channel name for %s: %v", claimed.ChannelID, err)
		channelName = ""
	}

	record := models.Feedback{
		ChannelID:     claimed.ChannelID,
		ChannelName:   channelName,
		ThreadTS:      claimed.ThreadTS,
		UserID:        claimed.UserID,
		UserName:      userName,
		Rating:        claimed.Rating,
		Comments:      claimed.Comments,
		TicketID:      claimed.TicketID,
		CorrelationID: claimed.CorrelationID,
		SubmittedAt:   time.Now(),
	}
	if err := validate.Struct(&record); err != nil {
		e.store.Update(key, func(s *Session) error {
			s.finalizing = false
			return nil
		})
		return "", fmt.Errorf("validating feedback record: %w", err)
	}

	if err := e.db.Create(&record).Error; err != nil {
		e.store.Update(key, func(s *Session) error {
			s.finalizing = false
			return nil
		})
		return "", fmt.Errorf("persisting feedback record: %w", err)
	}

	e.store.Update(key, func(s *Session) error {
		s.finalizing = false
		s.Submitted = true
		return nil
	})
	submissionsTotal.Inc()

	// UI closure is best-effort: the record is already durable.
	if claimed.FormTS != "" {
		if err := e.slack.UpdateMessage(ctx, claimed.ChannelID, claimed.FormTS,
			"Feedback received", ConfirmationBlocks(claimed.Rating)...); err != nil {
			e.logger.Warnf("failed to update feedback form in place: %v", err)
		}
	}
	if _, err := e.slack.PostMessage(ctx, claimed.ChannelID, claimed.ThreadTS,
		"Thanks for your feedback!"); err != nil {
		e.logger.Warnf("failed to post thank-you message: %v", err)
	}

	_ = notifications.SendTelegramNotification(
		fmt.Sprintf("New feedback: %d/%d from %s in #%s",
			claimed.Rating, e.cfg.Feedback.RatingMax, userName, channelName),
		e.cfg)

	return "", nil
}

func newCorrelationID() string {
	// uuid v7 keeps correlation ids sortable by creation time
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
