package config

import "testing"

type envFixture struct {
	Addr  string `env:"MESSAGING_TEST_ADDR" envDefault:":9999"`
	Token string `env:"MESSAGING_TEST_TOKEN"`
}

func TestParseEnvAppliesDefaults(t *testing.T) {
	var cfg envFixture
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Addr != ":9999" {
		t.Fatalf("addr = %q, want %q", cfg.Addr, ":9999")
	}
}

func TestParseEnvReadsEnvironment(t *testing.T) {
	t.Setenv("MESSAGING_TEST_ADDR", ":7070")
	t.Setenv("MESSAGING_TEST_TOKEN", "secret")

	var cfg envFixture
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Addr != ":7070" {
		t.Fatalf("addr = %q, want %q", cfg.Addr, ":7070")
	}
	if cfg.Token != "secret" {
		t.Fatalf("token = %q, want %q", cfg.Token, "secret")
	}
}
