package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		_ = os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				_ = os.Setenv(k, old)
			}
		})
	}
}

func TestLoad_RejectsMissingJWTSecret(t *testing.T) {
	clearEnv(t, "WIRELINE__JWT_SECRET", "WIRELINE__OBJECT_STORE__BUCKET")
	_ = os.Setenv("WIRELINE__OBJECT_STORE__BUCKET", "wireline-media")

	if _, err := Load(); err == nil {
		t.Fatalf("expected an error with no JWT secret configured")
	}
}

func TestLoad_RejectsShortJWTSecret(t *testing.T) {
	clearEnv(t, "WIRELINE__JWT_SECRET", "WIRELINE__OBJECT_STORE__BUCKET")
	_ = os.Setenv("WIRELINE__JWT_SECRET", "too-short")
	_ = os.Setenv("WIRELINE__OBJECT_STORE__BUCKET", "wireline-media")

	if _, err := Load(); err == nil {
		t.Fatalf("expected an error with a JWT secret under 32 characters")
	}
}

func TestLoad_AppliesDefaultsWhenConfigured(t *testing.T) {
	clearEnv(t, "WIRELINE__JWT_SECRET", "WIRELINE__OBJECT_STORE__BUCKET", "WIRELINE__SERVICE_NAME")
	_ = os.Setenv("WIRELINE__JWT_SECRET", "this-secret-is-at-least-32-bytes!!")
	_ = os.Setenv("WIRELINE__OBJECT_STORE__BUCKET", "wireline-media")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Service.Name != "wireline" {
		t.Fatalf("got service name %q, want default wireline", cfg.Service.Name)
	}
	if cfg.MLS.MaxGroupSize != 256 {
		t.Fatalf("got max group size %d, want default 256", cfg.MLS.MaxGroupSize)
	}
	if cfg.E2EE.MaxSkippedKeys != 1000 {
		t.Fatalf("got max skipped keys %d, want default 1000", cfg.E2EE.MaxSkippedKeys)
	}
}
