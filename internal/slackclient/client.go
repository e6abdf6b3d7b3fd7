package slackclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/slack-go/slack"
)

// Client is the outbound Slack API surface the feedback engine depends on.
// Kept as an interface so tests can record outbound calls without the network.
type Client interface {
	// PostMessage posts text and optional blocks to a channel, threaded under
	// threadTS when it is non-empty. Returns the timestamp of the new message.
	PostMessage(ctx context.Context, channelID, threadTS, text string, blocks ...slack.Block) (string, error)
	// UpdateMessage replaces the content of a previously posted message in place.
	UpdateMessage(ctx context.Context, channelID, ts, text string, blocks ...slack.Block) error
	UserDisplayName(ctx context.Context, userID string) (string, error)
	ChannelName(ctx context.Context, channelID string) (string, error)
}

// APIClient implements Client on top of slack-go.
type APIClient struct {
	api *slack.Client
}

// New creates a Slack client with a sensible HTTP timeout.
// This prevents potential hangs from Slack API calls.
func New(botToken string) *APIClient {
	httpClient := &http.Client{
		Timeout: 10 * time.Second,
	}
	return &APIClient{api: slack.New(botToken, slack.OptionHTTPClient(httpClient))}
}

func (c *APIClient) PostMessage(ctx context.Context, channelID, threadTS, text string, blocks ...slack.Block) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	if len(blocks) > 0 {
		opts = append(opts, slack.MsgOptionBlocks(blocks...))
	}

	_, ts, err := c.api.PostMessageContext(ctx, channelID, opts...)
	if err != nil {
		return "", fmt.Errorf("chat.postMessage error: %w", err)
	}
	return ts, nil
}

func (c *APIClient) UpdateMessage(ctx context.Context, channelID, ts, text string, blocks ...slack.Block) error {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if len(blocks) > 0 {
		opts = append(opts, slack.MsgOptionBlocks(blocks...))
	}

	_, _, _, err := c.api.UpdateMessageContext(ctx, channelID, ts, opts...)
	if err != nil {
		return fmt.Errorf("chat.update error: %w", err)
	}
	return nil
}

// UserDisplayName resolves a Slack user ID to something readable,
// preferring the profile display name over the real name.
func (c *APIClient) UserDisplayName(ctx context.Context, userID string) (string, error) {
	user, err := c.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("users.info error: %w", err)
	}

	if user.Profile.DisplayName != "" {
		return user.Profile.DisplayName, nil
	}
	if user.RealName != "" {
		return user.RealName, nil
	}
	return user.Name, nil
}

func (c *APIClient) ChannelName(ctx context.Context, channelID string) (string, error) {
	channel, err := c.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{
		ChannelID: channelID,
	})
	if err != nil {
		return "", fmt.Errorf("conversations.info error: %w", err)
	}
	return channel.Name, nil
}

// Disabled is the client used when no bot token is configured.
// Outbound calls fail fast instead of hitting the API with an empty token.
type Disabled struct{}

var errNotConfigured = errors.New("slack client not configured, SLACK_BOT_TOKEN is missing")

func (Disabled) PostMessage(_ context.Context, _, _, _ string, _ ...slack.Block) (string, error) {
	return "", errNotConfigured
}

func (Disabled) UpdateMessage(_ context.Context, _, _, _ string, _ ...slack.Block) error {
	return errNotConfigured
}

func (Disabled) UserDisplayName(_ context.Context, _ string) (string, error) {
	return "", errNotConfigured
}

func (Disabled) ChannelName(_ context.Context, _ string) (string, error) {
	return "", errNotConfigured
}
