// Piscis is the fish-farm administration server with approval-gated
// mutations.
//
// Configuration is read from an optional YAML file (PISCIS_CONFIG) and
// PISCIS_* environment variables. The only required variable is:
//
//	PISCIS_JWT_SECRET     - HS256 key for bearer tokens (at least 16 characters)
//
// Commonly set:
//
//	PISCIS_HTTP_ADDR      - listen address (default ":8080")
//	PISCIS_DATABASE_PATH  - SQLite file (default "./piscis.db")
//	PISCIS_ADMIN_EMAILS   - comma-separated approvers to seed
//	PISCIS_SMTP_HOST      - enables e-mail notifications
//	PISCIS_MATRIX_ROOM_ID - enables approver-room notices
//	PISCIS_LOG_LEVEL      - "debug", "info", "warn", "error" (default "info")
//	PISCIS_LOG_FORMAT     - "text" or "json" (default "text")
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/acuicola/piscis/common/version"
	"github.com/acuicola/piscis/internal/piscis/app"
	"github.com/acuicola/piscis/internal/piscis/config"
	"github.com/acuicola/piscis/internal/piscis/observability"
)

func main() {
	fmt.Printf("Piscis\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration:\n%v\n", err)
		os.Exit(1)
	}
	observability.Setup(cfg.Log.Level, cfg.Log.Format)

	initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	piscis, err := app.New(initCtx, cfg)
	cancel()
	if err != nil {
		slog.Error("failed to initialize Piscis", "err", err)
		os.Exit(1)
	}
	defer piscis.Stop()

	if err := piscis.Run(context.Background()); err != nil {
		slog.Error("Piscis exited with error", "err", err)
		piscis.Stop()
		os.Exit(1)
	}
}
