package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/acuicola/piscis/internal/piscis/auth"
	"github.com/acuicola/piscis/internal/piscis/config"
	"github.com/acuicola/piscis/internal/piscis/store"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.DatabasePath = filepath.Join(t.TempDir(), "piscis.db")
	cfg.Auth.JWTSecret = "0123456789abcdef-test"
	cfg.Workflow.BcryptCost = bcrypt.MinCost
	cfg.Users = []config.UserSeed{
		{ID: "adm1", Nombre: "Ana", Email: "ana@granja.test", Rol: store.RoleAdmin},
		{ID: "op1", Nombre: "Oscar", Email: "oscar@granja.test", Rol: store.RoleOperator},
	}
	return cfg
}

func TestNew_SeedsUsersAndServes(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Stop()

	u, err := a.store.GetUser(context.Background(), "adm1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.Rol != store.RoleAdmin || u.Email != "ana@granja.test" {
		t.Errorf("seeded user = %+v", u)
	}

	w := httptest.NewRecorder()
	a.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("/health = %d", w.Code)
	}

	tok, err := auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.Issuer).
		GenerateAccessToken(auth.Actor{ID: "op1", Role: store.RoleOperator}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/estanques", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w = httptest.NewRecorder()
	a.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("/estanques = %d: %s", w.Code, w.Body.String())
	}
}

func TestNew_BadDatabasePath(t *testing.T) {
	cfg := testConfig(t)
	cfg.DatabasePath = filepath.Join(t.TempDir(), "missing", "dir", "piscis.db")
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected error for unusable database path")
	}
}

func TestRun_StopsWhenContextEnds(t *testing.T) {
	a, err := New(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestServer_ServeWithoutStart(t *testing.T) {
	if err := NewServer("127.0.0.1:0", http.NotFoundHandler()).Serve(); err == nil {
		t.Fatal("expected error")
	}
}
