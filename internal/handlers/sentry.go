package handlers

import (
	"time"

	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"

	"pulse-backend/internal/config"
)

// SetupSentry initializes Sentry error reporting and attaches the Echo
// middleware. A missing DSN disables reporting entirely.
func SetupSentry(e *echo.Echo, cfg *config.Config) {
	if cfg.Sentry.DSN == "" {
		return
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.Sentry.DSN,
		TracesSampleRate: 0.2,
	}); err != nil {
		e.Logger.Warnf("Sentry initialization failed: %v", err)
		return
	}

	e.Use(sentryecho.New(sentryecho.Options{
		Repanic: true,
		Timeout: 3 * time.Second,
	}))
}

// CaptureError reports an error to Sentry when configured. Safe to call
// before SetupSentry, it becomes a no-op.
func CaptureError(err error) {
	sentry.CaptureException(err)
}
