package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_ParsesRepositoryAndTimeouts(t *testing.T) {
	path := writeConfig(t, `
repository:
  uri: "/srv/backups/repo"
  password_file: "/etc/stackback/repo.pass"
backup:
  scope: full
  stop_timeout: 45s
retention:
  daily: 7
  weekly: 4
`)

	var cfg Config
	if err := cfg.Load(path); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Repository.URI != "/srv/backups/repo" {
		t.Errorf("repository URI = %q", cfg.Repository.URI)
	}
	if cfg.Backup.Scope != "full" {
		t.Errorf("scope = %q, want full", cfg.Backup.Scope)
	}
	if cfg.Backup.StopTimeout != 45*time.Second {
		t.Errorf("stop timeout = %v, want 45s", cfg.Backup.StopTimeout)
	}
	// defaulted
	if cfg.Backup.StartTimeout != DefaultStartTimeout {
		t.Errorf("start timeout = %v, want default", cfg.Backup.StartTimeout)
	}
	if cfg.Retention.Daily != 7 || cfg.Retention.Weekly != 4 {
		t.Errorf("retention = %+v", cfg.Retention)
	}
	if !cfg.Retention.Enabled() {
		t.Error("retention should be enabled")
	}
}

func TestLoad_MergesIncludes(t *testing.T) {
	dir := t.TempDir()
	inc := filepath.Join(dir, "retention.yaml")
	if err := os.WriteFile(inc, []byte("retention:\n  daily: 14\n"), 0o644); err != nil {
		t.Fatalf("write include: %v", err)
	}
	path := filepath.Join(dir, "config.yaml")
	yaml := "include:\n  - " + inc + "\nrepository:\n  uri: /repo\n  password_file: /p\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var cfg Config
	if err := cfg.Load(path); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Retention.Daily != 14 {
		t.Errorf("included retention.daily = %d, want 14", cfg.Retention.Daily)
	}
}

func TestValidate_RequiresSinglePasswordSource(t *testing.T) {
	cfg := Config{Repository: RepositoryConfig{URI: "/repo"}}
	cfg.applyDefaults()
	if err := cfg.Validate(); !errors.Is(err, ErrValidateConfig) {
		t.Errorf("no source: err = %v, want ErrValidateConfig", err)
	}

	cfg.Repository.PasswordFile = "/p"
	cfg.Vault.PasswordPath = "secret/data/stackback"
	if err := cfg.Validate(); !errors.Is(err, ErrValidateConfig) {
		t.Errorf("two sources: err = %v, want ErrValidateConfig", err)
	}

	cfg.Vault.PasswordPath = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("single source: err = %v, want nil", err)
	}
}

func TestValidate_RejectsUnknownScope(t *testing.T) {
	cfg := Config{
		Repository: RepositoryConfig{URI: "/repo", PasswordFile: "/p"},
		Backup:     BackupConfig{Scope: "everything"},
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); !errors.Is(err, ErrValidateConfig) {
		t.Errorf("err = %v, want ErrValidateConfig", err)
	}
}
