// Package storetest opens throw-away databases for package tests.
package storetest

import (
	"os"
	"testing"

	"github.com/acuicola/piscis/internal/piscis/store"
)

// Open creates a migrated database in a temp file that is removed when the
// test ends.
func Open(t testing.TB) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "piscis-test-*.db")
	if err != nil {
		t.Fatalf("create temp db file: %v", err)
	}
	f.Close()

	s, err := store.Open(f.Name())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
