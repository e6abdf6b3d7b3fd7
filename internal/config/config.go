package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server struct {
		Port string
		Host string
		TLS  struct {
			Enabled  bool
			CertFile string
			KeyFile  string
		}
		DeployDomain string
		Debug        bool
	}
	Slack struct {
		SigningSecret string
		BotToken      string
	}
	Feedback struct {
		// Substring that starts the feedback flow in a thread
		TriggerPhrase string
		// Alternate trigger used when a support thread is closed out;
		// messages matching it may carry a ticket/session reference
		ResolutionPhrase string
		RatingMax        int
		SessionTTL       time.Duration
	}
	Database struct {
		DSN      string
		RedisURI string
	}
	Telegram struct {
		BotToken string
		ChatID   string
	}
	Sentry struct {
		DSN string
	}
}

func Load() (*Config, error) {

	envStack := os.Getenv("ENV_STACK")

	if envStack != "" {
		filePath := "./env-files/.env." + envStack
		err := godotenv.Load(filePath)
		if err != nil {
			fmt.Printf("Error loading .env file: %s\n", err)
		}

		// Load internal one, from maintainer's team to avoid pushing to git
		internalFilePath := "./env-files/.env.internal"
		err = godotenv.Load(internalFilePath)
		if err != nil {
			fmt.Printf("Error loading .env.internal file: %s\n", err)
		}
	}

	c := &Config{}

	// Server configuration with environment variable support
	c.Server.Port = os.Getenv("SERVER_PORT")
	if c.Server.Port == "" {
		c.Server.Port = "5001"
	}

	c.Server.Host = os.Getenv("SERVER_HOST")
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}

	c.Server.DeployDomain = os.Getenv("DEPLOY_DOMAIN")
	if c.Server.DeployDomain == "" {
		c.Server.DeployDomain = c.Server.Host + ":" + c.Server.Port
	}

	c.Server.Debug = os.Getenv("ENABLE_DEBUG_ENDPOINTS") == "true"

	// TLS Configuration
	useTLS := os.Getenv("USE_TLS")
	c.Server.TLS.Enabled = useTLS != "false" && useTLS != "0"
	c.Server.TLS.CertFile = "./certs/localhost.pem"
	c.Server.TLS.KeyFile = "./certs/localhost-key.pem"

	c.Slack.SigningSecret = os.Getenv("SLACK_SIGNING_SECRET")
	c.Slack.BotToken = os.Getenv("SLACK_BOT_TOKEN")

	c.Feedback.TriggerPhrase = os.Getenv("FEEDBACK_TRIGGER_PHRASE")
	if c.Feedback.TriggerPhrase == "" {
		c.Feedback.TriggerPhrase = "feedback"
	}

	c.Feedback.ResolutionPhrase = os.Getenv("FEEDBACK_RESOLUTION_PHRASE")
	if c.Feedback.ResolutionPhrase == "" {
		c.Feedback.ResolutionPhrase = "ticket resolved"
	}

	c.Feedback.RatingMax = 5
	if raw := os.Getenv("FEEDBACK_RATING_MAX"); raw != "" {
		max, err := strconv.Atoi(raw)
		if err != nil || max < 2 || max > 10 {
			return c, fmt.Errorf("FEEDBACK_RATING_MAX must be an integer between 2 and 10, got: %s", raw)
		}
		c.Feedback.RatingMax = max
	}

	c.Feedback.SessionTTL = 24 * time.Hour
	if raw := os.Getenv("FEEDBACK_SESSION_TTL"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil || ttl <= 0 {
			return c, fmt.Errorf("FEEDBACK_SESSION_TTL must be a positive duration, got: %s", raw)
		}
		c.Feedback.SessionTTL = ttl
	}

	c.Database.DSN = os.Getenv("DATABASE_DSN")
	c.Database.RedisURI = os.Getenv("REDIS_URI")

	c.Telegram.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	c.Telegram.ChatID = os.Getenv("TELEGRAM_CHAT_ID")

	c.Sentry.DSN = os.Getenv("SENTRY_DSN")

	return c, nil
}
