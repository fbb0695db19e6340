package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	env "github.com/caarlos0/env/v11"

	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/logging"
)

type config struct {
	Port          int               `env:"MOCK_PROVIDER_PORT" envDefault:"8081"`
	Tokens        map[string]string `env:"MOCK_PROVIDER_TOKENS" envDefault:"token-a:collector-a,token-b:collector-b"`
	NotifyURL     string            `env:"MOCK_PROVIDER_NOTIFY_URL"`
	WebhookSecret string            `env:"WEBHOOK_SECRET"`
	AppEnv        string            `env:"APP_ENV" envDefault:"development"`
}

func main() {
	cfg, err := env.ParseAs[config]()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Init("mock-provider", "info", cfg.AppEnv)

	srv := &server{
		store: newStore(cfg.Tokens),
		notifier: &notifier{
			url:    cfg.NotifyURL,
			secret: cfg.WebhookSecret,
			client: &http.Client{Timeout: 5 * time.Second},
		},
		logger: logger,
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.Info("mock provider started", "addr", addr, "collectors", len(cfg.Tokens))
	if err := http.ListenAndServe(addr, srv.routes()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
