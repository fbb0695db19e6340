package main

import (
	"context"
	"fmt"
	"os"

	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/config"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/domain"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/events"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/logging"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/repository"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/service/rotation"
)

var Version = "dev"

func main() {
	if err := newRootCmd(openRotation).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openRotation connects to the database and builds the rotation service.
// Events are logged only; the CLI never publishes to the broker.
func openRotation(ctx context.Context) (rotationAPI, func(), error) {
	cfg, err := config.LoadCLI()
	if err != nil {
		return nil, nil, err
	}

	logger := logging.Init("rotationctl", cfg.LogLevel, cfg.AppEnv)

	db, err := repository.NewPostgresDB(ctx, cfg.DB.DatabaseURL, repository.PoolConfigFrom(cfg.DB))
	if err != nil {
		return nil, nil, err
	}

	svc := rotation.NewService(
		repository.NewAccountRepository(db),
		repository.NewRotationCursorRepository(db),
		events.NewFallbackPublisher(logger),
		db,
		domain.WalletKind(cfg.Rotation.WalletKind),
		cfg.Rotation.Threshold,
	)
	return svc, func() { db.Close() }, nil
}
