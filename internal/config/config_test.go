package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	s, err := Get(New())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.Endpoint != "localhost:50051" || s.LogLevel != "warn" {
		t.Fatalf("unexpected defaults: %+v", s)
	}
	if s.CockroachDB.Nodes != 3 || s.CockroachDB.Region != "us-east1" {
		t.Fatalf("unexpected cluster defaults: %+v", s.CockroachDB)
	}
	if s.Lifecycle.Freshness != 5*time.Second || s.Lifecycle.PollMax != 15*time.Second {
		t.Fatalf("unexpected lifecycle defaults: %+v", s.Lifecycle)
	}
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("MEMORI_ENDPOINT", "cp.example.com:443")
	t.Setenv("MEMORI_LIFECYCLE_DEADLINE", "90s")
	t.Setenv("MEMORI_COCKROACHDB_NODES", "5")

	s, err := Get(New())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.Endpoint != "cp.example.com:443" {
		t.Fatalf("endpoint not overridden: %s", s.Endpoint)
	}
	if s.Lifecycle.Deadline != 90*time.Second {
		t.Fatalf("deadline not overridden: %s", s.Lifecycle.Deadline)
	}
	if s.CockroachDB.Nodes != 5 {
		t.Fatalf("nodes not overridden: %d", s.CockroachDB.Nodes)
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)

	if err := Save(path, map[string]interface{}{KeyAPIKey: "mk_secret", KeyAccountID: "acct-1"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := Save(path, map[string]interface{}{KeyCluster: "demo-1"}); err != nil {
		t.Fatalf("second save: %v", err)
	}

	loaded := New()
	if err := Load(loaded, path); err != nil {
		t.Fatalf("load: %v", err)
	}
	s, err := Get(loaded)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.APIKey != "mk_secret" || s.AccountID != "acct-1" || s.CockroachDB.Cluster != "demo-1" {
		t.Fatalf("settings not round-tripped: %+v", s)
	}
	if Path(loaded) != path {
		t.Fatalf("expected config path %s, got %s", path, Path(loaded))
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %v", info.Mode().Perm())
	}
}

func TestSaveWritesOnlyChanges(t *testing.T) {
	t.Setenv("MEMORI_ENDPOINT", "cp.example.com:443")
	path := filepath.Join(t.TempDir(), FileName)

	if err := Save(path, map[string]interface{}{KeyEmail: "dev@example.com"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "dev@example.com") {
		t.Fatalf("change not written:\n%s", out)
	}
	for _, unwanted := range []string{"endpoint", "state_dir", "lifecycle", "api_key", "trace"} {
		if strings.Contains(out, unwanted) {
			t.Fatalf("config file should not contain %q:\n%s", unwanted, out)
		}
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	v := New()
	if err := Load(v, filepath.Join(t.TempDir(), "absent.yaml")); err != nil {
		t.Fatalf("expected missing config to be ignored, got %v", err)
	}
}
