// Package app wires the Piscis server together.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/acuicola/piscis/common/version"
	"github.com/acuicola/piscis/internal/piscis/approvals"
	"github.com/acuicola/piscis/internal/piscis/audit"
	"github.com/acuicola/piscis/internal/piscis/auth"
	"github.com/acuicola/piscis/internal/piscis/config"
	"github.com/acuicola/piscis/internal/piscis/credential"
	"github.com/acuicola/piscis/internal/piscis/httpapi"
	"github.com/acuicola/piscis/internal/piscis/metrics"
	"github.com/acuicola/piscis/internal/piscis/notify"
	"github.com/acuicola/piscis/internal/piscis/passcheck"
	"github.com/acuicola/piscis/internal/piscis/resources"
	"github.com/acuicola/piscis/internal/piscis/store"
)

// App is the server and everything it owns.
type App struct {
	config   config.Config
	store    *store.Store
	notifier *notify.Async
	handler  http.Handler
	server   *Server
}

// New opens the database, seeds the user directory and builds the HTTP
// stack. When Matrix is configured the client logs in and joins the room
// here, so ctx bounds that round trip.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a := &App{config: cfg, store: st}
	if err := a.build(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.config
	if err := seedUsers(ctx, a.store, cfg.Users); err != nil {
		return err
	}

	reg, err := resources.NewRegistry()
	if err != nil {
		return fmt.Errorf("failed to load resource schemas: %w", err)
	}
	codes, err := credential.NewGenerator(
		credential.WithDigits(cfg.Workflow.CodeDigits),
		credential.WithCost(cfg.Workflow.BcryptCost),
	)
	if err != nil {
		return fmt.Errorf("failed to create code generator: %w", err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	channels, err := buildNotifiers(ctx, cfg, a.store, m)
	if err != nil {
		return err
	}
	a.notifier = notify.NewAsync(channels, cfg.Workflow.NotifyTimeout)

	trail := audit.NewTrail(a.store.DB(), time.Now)
	svc, err := approvals.NewService(approvals.Deps{
		DB:        a.store.DB(),
		Trail:     trail,
		Codes:     codes,
		Notifier:  a.notifier,
		Directory: a.store,
		Metrics:   m,
		Protected: reg.Has,
	}, approvals.Config{
		CodeTTL:         cfg.Workflow.CodeTTL,
		MinReasonLength: cfg.Workflow.MinReasonLength,
		MaxCodeAttempts: cfg.Workflow.MaxCodeAttempts,
		PassWindow:      cfg.Workflow.PassWindow,
		TxTimeout:       cfg.Workflow.TxTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create approval service: %w", err)
	}

	gate := passcheck.NewGate(svc.Ledger(), trail, cfg.Workflow.PassWindow, time.Now, m)
	mut, err := resources.NewMutator(resources.MutatorConfig{
		DB:        a.store.DB(),
		Registry:  reg,
		Gate:      gate,
		Trail:     trail,
		Metrics:   m,
		TxTimeout: cfg.Workflow.TxTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create mutator: %w", err)
	}

	a.handler = httpapi.NewRouter(httpapi.Deps{
		Approvals: svc,
		Mutator:   mut,
		Tokens:    auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		Metrics:   m,
		Gatherer:  promReg,
		Status:    a.store,
		StartedAt: time.Now(),
	})
	a.server = NewServer(cfg.HTTPAddr, a.handler)

	slog.Info("piscis initialised",
		"version", version.Version,
		"resources", reg.Names(),
		"code_ttl", cfg.Workflow.CodeTTL,
		"pass_window", cfg.Workflow.PassWindow,
	)
	return nil
}

// buildNotifiers returns the configured channels. With none configured the
// workflow still runs; requesters then have no way to receive codes, which
// is logged loudly.
func buildNotifiers(ctx context.Context, cfg config.Config, dir notify.Directory, m *metrics.Metrics) (notify.Notifier, error) {
	var channels notify.Multi
	if cfg.SMTP.Host != "" {
		dialer := notify.NewDialer(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			SSL:      cfg.SMTP.SSL,
		})
		channels = append(channels, notify.NewEmailNotifier(dialer, cfg.SMTP.From, dir, m))
		slog.Info("email notifications enabled", "host", cfg.SMTP.Host, "port", cfg.SMTP.Port)
	}
	if cfg.Matrix.Homeserver != "" && cfg.Matrix.RoomID != "" {
		client, err := notify.NewMatrixClient(ctx, notify.MatrixConfig{
			Homeserver:  cfg.Matrix.Homeserver,
			UserID:      cfg.Matrix.UserID,
			AccessToken: cfg.Matrix.AccessToken,
			RoomID:      cfg.Matrix.RoomID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Matrix client: %w", err)
		}
		channels = append(channels, notify.NewMatrixNotifier(client, cfg.Matrix.RoomID, m))
		slog.Info("matrix notifications enabled", "room", cfg.Matrix.RoomID)
	}
	if len(channels) == 0 {
		slog.Warn("no notification channel configured; approved codes will not reach requesters")
		return notify.Noop{}, nil
	}
	return channels, nil
}

func seedUsers(ctx context.Context, st *store.Store, users []config.UserSeed) error {
	for _, u := range users {
		err := st.UpsertUser(ctx, store.User{
			ID:     u.ID,
			Nombre: u.Nombre,
			Email:  u.Email,
			Rol:    u.Rol,
			Activo: true,
		})
		if err != nil {
			return fmt.Errorf("failed to seed user %s: %w", u.ID, err)
		}
	}
	if len(users) > 0 {
		slog.Info("user directory seeded", "count", len(users))
	}
	return nil
}

// Handler returns the HTTP handler, for tests that skip the listener.
func (a *App) Handler() http.Handler { return a.handler }

// Run serves HTTP until ctx ends or the process receives SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.server.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.server.Serve)
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		a.server.Stop()
		return nil
	})
	slog.Info("piscis is running", "addr", a.server.Addr())
	return g.Wait()
}

// Stop waits for in-flight notifications and closes the database.
func (a *App) Stop() {
	if a.notifier != nil {
		slog.Info("waiting for pending notifications")
		a.notifier.Wait()
	}
	slog.Info("closing database")
	a.store.Close()
}
