package config

import (
	"testing"
	"time"
)

func TestLoadServerAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := LoadServer(configViper)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Auth.TokenTTL != defaultTokenTTL || cfg.Auth.Issuer != defaultIssuer {
		t.Fatalf("unexpected auth defaults %+v", cfg.Auth)
	}
	if cfg.RedisAddress != "" {
		t.Fatalf("expected redis disabled by default, got %q", cfg.RedisAddress)
	}
}

func TestLoadServerRequiresSigningSecret(t *testing.T) {
	if _, err := LoadServer(NewViper()); err == nil {
		t.Fatalf("expected missing secret to fail")
	}
}

func TestLoadServerReadsEnvironment(t *testing.T) {
	t.Setenv("PARLEY_AUTH_SIGNING_SECRET", "from-env")
	t.Setenv("PARLEY_REDIS_ADDRESS", "127.0.0.1:6379")
	cfg, err := LoadServer(NewViper())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.SigningSecret != "from-env" || cfg.RedisAddress != "127.0.0.1:6379" {
		t.Fatalf("expected environment values, got %+v", cfg)
	}
}

func TestLoadClientValidatesServerURLAndToken(t *testing.T) {
	configViper := NewViper()
	if _, err := LoadClient(configViper); err == nil {
		t.Fatalf("expected missing token to fail")
	}
	configViper.Set("client.token", "token")
	configViper.Set("client.server_url", "not a url")
	if _, err := LoadClient(configViper); err == nil {
		t.Fatalf("expected relative url to fail")
	}
	configViper.Set("client.server_url", "http://localhost:8080/")
	cfg, err := LoadClient(configViper)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerURL != "http://localhost:8080" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.ServerURL)
	}
	if cfg.RequestTimeout != 15*time.Second || cfg.PassTimeout != time.Minute || cfg.SignalingTimeout != 10*time.Second {
		t.Fatalf("unexpected timeouts %+v", cfg)
	}
}
