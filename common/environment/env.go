// Package environment reads configuration overrides from environment
// variables. Every helper takes the current value as its fallback, so a
// variable that is unset, empty or unparsable leaves that value in place:
//
//	cfg.HTTPAddr = environment.StringOr("PISCIS_HTTP_ADDR", cfg.HTTPAddr)
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Lookup returns the variable's value when it is set and non-empty.
func Lookup(name string) (string, bool) {
	v := os.Getenv(name)
	return v, v != ""
}

// Required returns the variable's value or an error naming it.
func Required(name string) (string, error) {
	v, ok := Lookup(name)
	if !ok {
		return "", fmt.Errorf("required environment variable %q is not set", name)
	}
	return v, nil
}

func parseOr[T any](name string, fallback T, parse func(string) (T, error)) T {
	v, ok := Lookup(name)
	if !ok {
		return fallback
	}
	out, err := parse(v)
	if err != nil {
		return fallback
	}
	return out
}

// StringOr returns the variable or fallback.
func StringOr(name, fallback string) string {
	if v, ok := Lookup(name); ok {
		return v
	}
	return fallback
}

// IntOr parses the variable as a decimal integer.
func IntOr(name string, fallback int) int {
	return parseOr(name, fallback, strconv.Atoi)
}

// BoolOr parses the variable with strconv.ParseBool.
func BoolOr(name string, fallback bool) bool {
	return parseOr(name, fallback, strconv.ParseBool)
}

// DurationOr parses the variable with time.ParseDuration ("90s", "24h").
func DurationOr(name string, fallback time.Duration) time.Duration {
	return parseOr(name, fallback, time.ParseDuration)
}

// ListOr splits the variable on commas and drops blank entries. A variable
// holding only blanks yields fallback.
func ListOr(name string, fallback []string) []string {
	return parseOr(name, fallback, func(v string) ([]string, error) {
		var out []string
		for _, p := range strings.Split(v, ",") {
			if t := strings.TrimSpace(p); t != "" {
				out = append(out, t)
			}
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("empty list")
		}
		return out, nil
	})
}
