package config

import (
	"testing"

	"voltgate/internal/ocpp"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GATEWAY_JWT_SECRET", "test-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPAddress() != ":8080" {
		t.Fatalf("address = %s", cfg.HTTPAddress())
	}
	versions, err := cfg.Versions()
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 3 || versions[0] != ocpp.V16 {
		t.Fatalf("versions = %v", versions)
	}
	if cfg.HeartbeatInterval() != 300 {
		t.Fatalf("heartbeat = %d", cfg.HeartbeatInterval())
	}
	if cfg.Database.MaxOpenConns != 25 || cfg.Database.MaxIdleConns != 5 {
		t.Fatalf("db pool = %d/%d", cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_JWT_SECRET", "test-secret")
	t.Setenv("GATEWAY_HTTP_PORT", "9090")
	t.Setenv("GATEWAY_OCPP_VERSIONS", "ocpp2.0.1, ocpp2.1")
	t.Setenv("GATEWAY_ALLOWLIST", "CP-1,CP-2")
	t.Setenv("GATEWAY_POSTGRES_MAX_OPEN", "10")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPAddress() != ":9090" {
		t.Fatalf("address = %s", cfg.HTTPAddress())
	}
	versions, _ := cfg.Versions()
	if len(versions) != 2 || versions[0] != ocpp.V201 || versions[1] != ocpp.V21 {
		t.Fatalf("versions = %v", versions)
	}
	if len(cfg.OCPP.Allowlist) != 2 || cfg.OCPP.Allowlist[1] != "CP-2" {
		t.Fatalf("allowlist = %v", cfg.OCPP.Allowlist)
	}
	if cfg.Database.MaxOpenConns != 10 {
		t.Fatalf("max open conns = %d", cfg.Database.MaxOpenConns)
	}
}

func TestLoadRejectsBadVersion(t *testing.T) {
	t.Setenv("GATEWAY_JWT_SECRET", "test-secret")
	t.Setenv("GATEWAY_OCPP_VERSIONS", "ocpp3.0")

	if _, err := Load(); err == nil {
		t.Fatal("unknown protocol version must be rejected")
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("GATEWAY_JWT_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatal("missing JWT secret must be rejected")
	}
}
