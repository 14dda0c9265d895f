package redact_test

import (
	"testing"

	"github.com/acuicola/piscis/common/redact"
)

func TestString_RedactsCodeAndToken(t *testing.T) {
	line := "verify codigo=4821 bearer=eyJhbGciOi"
	got := redact.String(line, "4821", "eyJhbGciOi")
	const want = "verify codigo=[REDACTED] bearer=[REDACTED]"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestString_SkipsShortValues(t *testing.T) {
	line := "pond 12 ok"
	if got := redact.String(line, "12"); got != line {
		t.Fatalf("short value should not be redacted; got %q", got)
	}
}

func TestSnapshot_ScrubsNestedKeys(t *testing.T) {
	in := map[string]any{
		"nombre":   "Tilapia roja",
		"password": "x",
		"usuario": map[string]any{
			"email":     "op@example.com",
			"code_hash": "$2a$10$abc",
		},
		"lotes": []any{map[string]any{"codigo": 1234, "peso": 2.5}},
	}
	out := redact.Snapshot(in)

	if out["nombre"] != "Tilapia roja" {
		t.Errorf("nombre should be kept, got %v", out["nombre"])
	}
	if out["password"] != redact.Placeholder {
		t.Errorf("password should be redacted, got %v", out["password"])
	}
	nested := out["usuario"].(map[string]any)
	if nested["code_hash"] != redact.Placeholder || nested["email"] != "op@example.com" {
		t.Errorf("unexpected nested map: %v", nested)
	}
	lote := out["lotes"].([]any)[0].(map[string]any)
	if lote["codigo"] != redact.Placeholder || lote["peso"] != 2.5 {
		t.Errorf("unexpected slice element: %v", lote)
	}
	if in["password"] != "x" {
		t.Error("input map must not be modified")
	}
}

func TestSnapshot_Nil(t *testing.T) {
	if redact.Snapshot(nil) != nil {
		t.Fatal("expected nil for nil input")
	}
}
