package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("QR_SECRET", "s3cret")
	cfg := Load()
	if cfg.TokenTTL != 90*time.Second || cfg.LateAfter != 15*time.Minute || cfg.Cooldown != 5*time.Minute {
		t.Fatalf("timing defaults = %+v", cfg)
	}
	if cfg.SessionRetention != time.Hour || cfg.ActivityRetention != 90*24*time.Hour {
		t.Fatalf("retention defaults = %+v", cfg)
	}
	if cfg.AdmissionPerMin != 3 || cfg.QRPerWindow != 10 || cfg.QRWindow != 5*time.Minute {
		t.Fatalf("limit defaults = %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("QR_SECRET", "s3cret")
	t.Setenv("QR_TOKEN_TTL", "2m")
	t.Setenv("LATE_AFTER", "bogus")
	t.Setenv("ADMISSION_PER_MIN", "7")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example,")
	cfg := Load()
	if cfg.TokenTTL != 2*time.Minute {
		t.Fatalf("token ttl = %s", cfg.TokenTTL)
	}
	if cfg.LateAfter != 15*time.Minute {
		t.Fatalf("invalid duration should fall back, got %s", cfg.LateAfter)
	}
	if cfg.AdmissionPerMin != 7 {
		t.Fatalf("admission limit = %d", cfg.AdmissionPerMin)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("origins = %v", cfg.CORSOrigins)
	}
}

func TestValidate(t *testing.T) {
	base := App{QRSecret: "x", TokenTTL: time.Second, LateAfter: time.Second, Cooldown: time.Second, StoreBackend: "memory"}
	if err := base.Validate(); err != nil {
		t.Fatalf("base: %v", err)
	}
	tests := map[string]func(*App){
		"missing secret":  func(a *App) { a.QRSecret = "" },
		"unknown backend": func(a *App) { a.StoreBackend = "mongo" },
		"zero ttl":        func(a *App) { a.TokenTTL = 0 },
		"prod default key": func(a *App) {
			a.Env = "production"
			a.JWTSigningKey = "dev-signing-secret-change"
		},
	}
	for name, edit := range tests {
		a := base
		edit(&a)
		if err := a.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
