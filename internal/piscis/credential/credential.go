// Package credential issues the short numeric one-time codes that approvers
// grant to operators. Only a bcrypt hash of a code is ever stored; the plain
// code goes to the requester once and is then forgotten.
package credential

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

// DefaultDigits is the default code length.
const DefaultDigits = 4

// Issuer produces a plain code together with the hash to persist.
type Issuer interface {
	Generate() (plain, hash string, err error)
}

// Verifier checks a submitted code against a stored hash.
type Verifier interface {
	Verify(hash, code string) bool
}

// Generator draws uniformly distributed codes from a cryptographic source.
type Generator struct {
	digits int
	cost   int
	rand   io.Reader
}

// Option customises a Generator.
type Option func(*Generator)

// WithDigits sets the code length (4..9).
func WithDigits(n int) Option { return func(g *Generator) { g.digits = n } }

// WithCost sets the bcrypt work factor.
func WithCost(cost int) Option { return func(g *Generator) { g.cost = cost } }

// WithRand replaces crypto/rand.Reader; tests only.
func WithRand(r io.Reader) Option { return func(g *Generator) { g.rand = r } }

// NewGenerator returns a Generator with DefaultDigits and bcrypt.DefaultCost
// unless overridden.
func NewGenerator(opts ...Option) (*Generator, error) {
	g := &Generator{digits: DefaultDigits, cost: bcrypt.DefaultCost, rand: rand.Reader}
	for _, o := range opts {
		o(g)
	}
	if g.digits < 4 || g.digits > 9 {
		return nil, fmt.Errorf("credential: digits must be between 4 and 9, got %d", g.digits)
	}
	if g.cost < bcrypt.MinCost || g.cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("credential: bcrypt cost %d out of range", g.cost)
	}
	return g, nil
}

// Generate returns a fresh zero-padded code and its bcrypt hash.
func (g *Generator) Generate() (string, string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(g.digits)), nil)
	n, err := rand.Int(g.rand, limit)
	if err != nil {
		return "", "", fmt.Errorf("credential: draw code: %w", err)
	}
	plain := fmt.Sprintf("%0*d", g.digits, n.Int64())

	hash, err := g.Hash(plain)
	if err != nil {
		return "", "", err
	}
	return plain, hash, nil
}

// Hash returns the bcrypt hash of code.
func (g *Generator) Hash(code string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(code), g.cost)
	if err != nil {
		return "", fmt.Errorf("credential: hash code: %w", err)
	}
	return string(h), nil
}

// Verify reports whether code matches hash. A malformed hash never matches.
func (g *Generator) Verify(hash, code string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil
}
