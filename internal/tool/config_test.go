package tool

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `
defaults:
  timeoutSeconds: 8
  maxResults: 5
tools:
  confluence:
    enabled: true
    kind: confluence
    endpoint: https://wiki.example.com
    username: bot
    tokenEnv: CONFLUENCE_TOKEN
  postgres:
    enabled: false
    kind: postgres
  notes:
    enabled: true
    kind: static
    source: testdata/notes.json
`

func TestLoadRegistryConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tools.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadRegistryConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Defaults.TimeoutSeconds != 8 || cfg.Defaults.MaxResults != 5 {
		t.Fatalf("unexpected defaults: %+v", cfg.Defaults)
	}
	if len(cfg.Tools) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(cfg.Tools))
	}
	confluence := cfg.Tools["confluence"]
	if !confluence.Enabled || confluence.Endpoint != "https://wiki.example.com" {
		t.Fatalf("unexpected confluence config: %+v", confluence)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadRegistryConfigMissingPath(t *testing.T) {
	if _, err := LoadRegistryConfig(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestRegistryConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     RegistryConfig
		wantErr bool
	}{
		{
			name: "disabled tool skips validation",
			cfg: RegistryConfig{Tools: map[string]ToolConfig{
				"postgres": {Enabled: false, Kind: "postgres"},
			}},
		},
		{
			name: "enabled postgres requires dsn",
			cfg: RegistryConfig{Tools: map[string]ToolConfig{
				"postgres": {Enabled: true, Kind: "postgres"},
			}},
			wantErr: true,
		},
		{
			name: "enabled http tool requires endpoint",
			cfg: RegistryConfig{Tools: map[string]ToolConfig{
				"wiki": {Enabled: true, Kind: "confluence"},
			}},
			wantErr: true,
		},
		{
			name: "unknown kind",
			cfg: RegistryConfig{Tools: map[string]ToolConfig{
				"magic": {Enabled: true, Kind: "quantum"},
			}},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestToolConfigResolveToken(t *testing.T) {
	t.Setenv("TEST_TOOL_TOKEN", "from-env")

	inline := ToolConfig{Token: "inline", TokenEnv: "TEST_TOOL_TOKEN"}
	if got := inline.resolveToken(); got != "inline" {
		t.Fatalf("inline token should win, got %q", got)
	}

	env := ToolConfig{TokenEnv: "TEST_TOOL_TOKEN"}
	if got := env.resolveToken(); got != "from-env" {
		t.Fatalf("expected env token, got %q", got)
	}
}
