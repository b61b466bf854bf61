package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disputeflow.yaml")
	doc := `
database_url: postgres://localhost/disputeflow
export_jwt_secret: file-secret
holidays_file: /etc/disputeflow/holidays.yaml
routing:
  confidence_threshold: 0.8
  high_value_minor: 250000
  automatable_reasons: [duplicate]
  specialist_ack_window: 4h
  manager_ack_window: 90m
  backlog_threshold: 50
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://localhost/disputeflow" {
		t.Errorf("database_url = %q", cfg.DatabaseURL)
	}
	if cfg.Routing.ConfidenceThreshold != 0.8 {
		t.Errorf("confidence_threshold = %v", cfg.Routing.ConfidenceThreshold)
	}
	if cfg.Routing.HighValueMinor != 250_000 {
		t.Errorf("high_value_minor = %d", cfg.Routing.HighValueMinor)
	}
	if cfg.Routing.ManagerAckWindow.Std() != 90*time.Minute {
		t.Errorf("manager_ack_window = %v", cfg.Routing.ManagerAckWindow)
	}
	if len(cfg.Routing.AutomatableReasons) != 1 || cfg.Routing.AutomatableReasons[0] != "duplicate" {
		t.Errorf("automatable_reasons = %v", cfg.Routing.AutomatableReasons)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disputeflow.yaml")
	if err := os.WriteFile(path, []byte("database_url: from-file\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DATABASE_URL", "from-env")
	t.Setenv("EXPORT_JWT_SECRET", "env-secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "from-env" {
		t.Errorf("env override lost: %q", cfg.DatabaseURL)
	}
	if cfg.ExportJWTSecret != "env-secret" {
		t.Errorf("secret override lost: %q", cfg.ExportJWTSecret)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("DATABASE_URL", "env-only")
	cfg, err := Load("/nonexistent/disputeflow.yaml")
	if err != nil {
		t.Fatalf("missing file must not fail load: %v", err)
	}
	if cfg.DatabaseURL != "env-only" {
		t.Errorf("expected env value, got %q", cfg.DatabaseURL)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("routing: [not, a, map"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
