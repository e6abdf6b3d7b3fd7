package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"pulse-backend/internal/config"
)

var telegramClient = &http.Client{Timeout: 10 * time.Second}

// SendTelegramNotification posts an operator notification to the configured
// Telegram chat. A missing token or chat ID disables the feature silently,
// callers treat delivery as best-effort.
func SendTelegramNotification(message string, cfg *config.Config) error {
	if cfg.Telegram.BotToken == "" || cfg.Telegram.ChatID == "" {
		return nil
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", cfg.Telegram.BotToken)

	payload, err := json.Marshal(map[string]string{
		"chat_id": cfg.Telegram.ChatID,
		"text":    message,
	})
	if err != nil {
		return fmt.Errorf("marshaling telegram payload: %w", err)
	}

	resp, err := telegramClient.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sending telegram notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}
