package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

// TestDefaultConfig_Thresholds verifies the routing and context thresholds
func TestDefaultConfig_Thresholds(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Router.ClarifyFloor >= cfg.Router.FollowUpThreshold {
		t.Errorf("clarify floor %.2f should sit below follow-up threshold %.2f", cfg.Router.ClarifyFloor, cfg.Router.FollowUpThreshold)
	}
	if cfg.Context.MinConfidence <= 0 {
		t.Error("context min confidence should be positive")
	}
	if cfg.Router.Analyzer != "pattern" {
		t.Errorf("Analyzer = %q, want pattern", cfg.Router.Analyzer)
	}
}

func TestDefaultConfig_Server(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Host != "0.0.0.0" {
		t.Error("Server host should have default value")
	}
	if cfg.Server.Port == 0 {
		t.Error("Server port should have default value")
	}
	if cfg.Channels.Discord.Token != "" {
		t.Error("Discord token should be empty by default")
	}
}

func TestSaveConfig_FilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file permission bits are not enforced on Windows")
	}

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}

	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("config file has permission %04o, want 0600", perm)
	}
}

func TestLoadConfig_YAMLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dotrag.yaml")
	cfg := DefaultConfig()
	cfg.Retrieval.Backend = "qdrant"
	cfg.Tools = []ToolConfig{{Name: "incident_search", Description: "Search incidents", Keywords: []string{"ticket"}}}
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Retrieval.Backend != "qdrant" {
		t.Fatalf("backend = %q, want qdrant", loaded.Retrieval.Backend)
	}
	if len(loaded.Tools) != 1 || loaded.Tools[0].Keywords[0] != "ticket" {
		t.Fatalf("tools not loaded: %+v", loaded.Tools)
	}
}

func TestLoadConfig_JSONOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{"conversation":{"idle_timeout_seconds":60},"channels":{"discord":{"allow_from":[123,"abc"]}}}`
	if err := os.WriteFile(path, []byte(raw), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got := cfg.IdleTimeout(); got != time.Minute {
		t.Fatalf("idle timeout = %s, want 1m", got)
	}
	if cfg.Conversation.Workers != 8 {
		t.Fatalf("unset fields keep defaults, workers = %d", cfg.Conversation.Workers)
	}
	allow := cfg.Channels.Discord.AllowFrom
	if len(allow) != 2 || allow[0] != "123" || allow[1] != "abc" {
		t.Fatalf("allow_from = %v", allow)
	}
}

func TestLoadConfig_EnvOverridesWithoutFile(t *testing.T) {
	t.Setenv("DOTRAG_GENERATION_MODEL", "env/model")
	t.Setenv("DOTRAG_ROUTER_CLARIFY_FLOOR", "0.4")
	path := filepath.Join(t.TempDir(), "missing-config.json")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got := cfg.Generation.Model; got != "env/model" {
		t.Fatalf("expected env override model, got %q", got)
	}
	if got := cfg.Router.ClarifyFloor; got != 0.4 {
		t.Fatalf("expected clarify floor 0.4, got %v", got)
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Router.Analyzer = "generation"
	cfg.Conversation.SweepSchedule = "every minute"
	cfg.Context.MinConfidence = 1.5
	cfg.Channels.Discord.Enabled = true

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"generation.provider", "sweep_schedule", "min_confidence", "discord.token"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %s", err, want)
		}
	}
}
