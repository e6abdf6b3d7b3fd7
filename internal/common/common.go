package common

import (
	"pulse-backend/internal/config"
	"pulse-backend/internal/feedback"
	"pulse-backend/internal/slackclient"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// ServerState bundles the shared dependencies handlers need.
type ServerState struct {
	Echo   *echo.Echo
	Config *config.Config
	DB     *gorm.DB
	Redis  *redis.Client
	Slack  slackclient.Client
	Engine *feedback.Engine
}
