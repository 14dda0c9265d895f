package environment_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/acuicola/piscis/common/environment"
)

func TestStringOr(t *testing.T) {
	t.Setenv("PISCIS_T_ADDR", ":9090")
	if got := environment.StringOr("PISCIS_T_ADDR", ":8080"); got != ":9090" {
		t.Errorf("StringOr = %q", got)
	}
	t.Setenv("PISCIS_T_ADDR", "")
	if got := environment.StringOr("PISCIS_T_ADDR", ":8080"); got != ":8080" {
		t.Errorf("empty variable should keep fallback, got %q", got)
	}
}

func TestRequired(t *testing.T) {
	t.Setenv("PISCIS_T_SECRET", "s3cr3t")
	if v, err := environment.Required("PISCIS_T_SECRET"); err != nil || v != "s3cr3t" {
		t.Errorf("Required = %q, %v", v, err)
	}
	if _, err := environment.Required("PISCIS_T_SECRET_MISSING"); err == nil {
		t.Error("expected error for missing variable")
	}
}

func TestParsedHelpersKeepFallbackOnGarbage(t *testing.T) {
	t.Setenv("PISCIS_T_DIGITS", "six")
	t.Setenv("PISCIS_T_SSL", "maybe")
	t.Setenv("PISCIS_T_TTL", "forever")
	if got := environment.IntOr("PISCIS_T_DIGITS", 4); got != 4 {
		t.Errorf("IntOr = %d", got)
	}
	if got := environment.BoolOr("PISCIS_T_SSL", true); !got {
		t.Error("BoolOr lost fallback")
	}
	if got := environment.DurationOr("PISCIS_T_TTL", time.Hour); got != time.Hour {
		t.Errorf("DurationOr = %v", got)
	}
}

func TestParsedHelpers(t *testing.T) {
	t.Setenv("PISCIS_T_DIGITS", "6")
	t.Setenv("PISCIS_T_SSL", "1")
	t.Setenv("PISCIS_T_TTL", "90m")
	if got := environment.IntOr("PISCIS_T_DIGITS", 4); got != 6 {
		t.Errorf("IntOr = %d", got)
	}
	if !environment.BoolOr("PISCIS_T_SSL", false) {
		t.Error("BoolOr = false")
	}
	if got := environment.DurationOr("PISCIS_T_TTL", time.Hour); got != 90*time.Minute {
		t.Errorf("DurationOr = %v", got)
	}
}

func TestListOr(t *testing.T) {
	t.Setenv("PISCIS_T_ADMINS", " ana@granja.test, ,luis@granja.test ")
	got := environment.ListOr("PISCIS_T_ADMINS", nil)
	want := []string{"ana@granja.test", "luis@granja.test"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListOr = %v, want %v", got, want)
	}
	t.Setenv("PISCIS_T_ADMINS", " , ")
	if got := environment.ListOr("PISCIS_T_ADMINS", []string{"x"}); !reflect.DeepEqual(got, []string{"x"}) {
		t.Errorf("blank list should keep fallback, got %v", got)
	}
}
