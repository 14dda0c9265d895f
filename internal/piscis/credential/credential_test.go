package credential_test

import (
	"bytes"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/acuicola/piscis/internal/piscis/credential"
)

func newGenerator(t *testing.T, opts ...credential.Option) *credential.Generator {
	t.Helper()
	g, err := credential.NewGenerator(append([]credential.Option{credential.WithCost(bcrypt.MinCost)}, opts...)...)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	return g
}

func TestGenerate_DigitsAndHash(t *testing.T) {
	g := newGenerator(t)
	plain, hash, err := g.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(plain) != 4 || strings.Trim(plain, "0123456789") != "" {
		t.Fatalf("expected 4 digits, got %q", plain)
	}
	if hash == plain || !strings.HasPrefix(hash, "$2") {
		t.Fatalf("expected bcrypt hash, got %q", hash)
	}
	if !g.Verify(hash, plain) {
		t.Fatal("expected hash to verify")
	}
	if g.Verify(hash, "xxxx") {
		t.Fatal("expected mismatch for another code")
	}
}

func TestGenerate_SaltedHashes(t *testing.T) {
	g := newGenerator(t)
	h1, err := g.Hash("4821")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	h2, _ := g.Hash("4821")
	if h1 == h2 {
		t.Fatal("expected different salts for the same code")
	}
	if !g.Verify(h1, "4821") || !g.Verify(h2, "4821") {
		t.Fatal("both hashes must verify")
	}
}

func TestGenerate_ZeroPadded(t *testing.T) {
	// An all-zero entropy source draws 0, which must render as "000000".
	g := newGenerator(t, credential.WithDigits(6), credential.WithRand(bytes.NewReader(make([]byte, 64))))
	plain, _, err := g.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if plain != "000000" {
		t.Fatalf("expected zero-padded code, got %q", plain)
	}
}

func TestNewGenerator_RejectsBadDigits(t *testing.T) {
	if _, err := credential.NewGenerator(credential.WithDigits(3)); err == nil {
		t.Fatal("expected error for 3 digits")
	}
	if _, err := credential.NewGenerator(credential.WithDigits(10)); err == nil {
		t.Fatal("expected error for 10 digits")
	}
}

func TestVerify_MalformedHash(t *testing.T) {
	g := newGenerator(t)
	if g.Verify("not-a-hash", "1234") {
		t.Fatal("malformed hash must not verify")
	}
}
