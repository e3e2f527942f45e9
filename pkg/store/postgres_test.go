package store

import (
	"strings"
	"testing"
)

func TestDefaultPostgresURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DATABASE_USER", "")
	t.Setenv("POSTGRES_PASSWORD", "")
	t.Setenv("DATABASE_HOST", "")
	t.Setenv("DATABASE_PORT", "")
	t.Setenv("DATABASE_NAME", "")
	t.Setenv("DATABASE_SSLMODE", "")

	dsn := defaultPostgresURL()
	if dsn != "postgres://pdp@localhost:5432/pdp?sslmode=disable" {
		t.Fatalf("unexpected default dsn: %s", dsn)
	}
}

func TestDefaultPostgresURLFromParts(t *testing.T) {
	t.Setenv("DATABASE_USER", "svc")
	t.Setenv("POSTGRES_PASSWORD", "s3cret")
	t.Setenv("DATABASE_HOST", "db.internal")
	t.Setenv("DATABASE_PORT", "6543")
	t.Setenv("DATABASE_NAME", "decisions")
	t.Setenv("DATABASE_SSLMODE", "require")

	dsn := defaultPostgresURL()
	if !strings.Contains(dsn, "svc:s3cret@db.internal:6543/decisions") {
		t.Fatalf("parts not reflected in dsn: %s", dsn)
	}
	if !strings.Contains(dsn, "sslmode=require") {
		t.Fatalf("sslmode missing: %s", dsn)
	}
}

func TestDefaultPostgresURLBadPortFallsBack(t *testing.T) {
	t.Setenv("DATABASE_PORT", "not-a-port")
	dsn := defaultPostgresURL()
	if !strings.Contains(dsn, ":5432/") {
		t.Fatalf("expected port fallback: %s", dsn)
	}
}

func TestValidatePostgresTLS(t *testing.T) {
	for _, mode := range []string{"require", "verify-ca", "verify-full"} {
		if err := validatePostgresTLS("postgres://u@h:5432/db?sslmode=" + mode); err != nil {
			t.Fatalf("mode %s should pass: %v", mode, err)
		}
	}
	for _, mode := range []string{"disable", "allow", "prefer", ""} {
		if err := validatePostgresTLS("postgres://u@h:5432/db?sslmode=" + mode); err == nil {
			t.Fatalf("mode %q should be rejected", mode)
		}
	}
}

func TestRequiresSecureTransport(t *testing.T) {
	for raw, want := range map[string]bool{
		"true": true, "1": true, "YES": true, "on": true,
		"false": false, "0": false, "": false, "maybe": false,
	} {
		t.Setenv("DATABASE_REQUIRE_TLS", raw)
		if got := requiresSecureTransport("DATABASE_REQUIRE_TLS"); got != want {
			t.Fatalf("%q: got %v want %v", raw, got, want)
		}
	}
}
