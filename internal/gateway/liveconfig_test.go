package gateway

import (
	"os"
	"path/filepath"
	"testing"
)

func writeLive(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestParseLiveConfigFull(t *testing.T) {
	cfg, err := ParseLiveConfig([]byte(`{
  "gateway": {"reload": {"mode": "full"}},
  "allowlists": {"dms": ["u1"], "groups": ["g1", "g2"]},
  "activation": {"groups": "always"}
}`))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if cfg.Gateway.Reload.Mode != ReloadFull || cfg.HotReloadable() {
		t.Fatalf("mode: %+v", cfg.Gateway)
	}
	if len(cfg.Allowlists.DMs) != 1 || len(cfg.Allowlists.Groups) != 2 {
		t.Fatalf("allowlists: %+v", cfg.Allowlists)
	}
	if cfg.Activation.Groups != ActivationAlways {
		t.Fatalf("activation: %s", cfg.Activation.Groups)
	}
}

func TestParseLiveConfigDefaults(t *testing.T) {
	cfg, err := ParseLiveConfig([]byte(`{}`))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !cfg.HotReloadable() || cfg.Activation.Groups != ActivationMention {
		t.Fatalf("defaults: %+v", cfg)
	}
	if cfg.Allowlists.DMs == nil || cfg.Allowlists.Groups == nil {
		t.Fatalf("allowlists should be empty, not nil")
	}
}

func TestParseLiveConfigRejects(t *testing.T) {
	cases := map[string]string{
		"not json":       `{`,
		"bad activation": `{"activation": {"groups": "sometimes"}}`,
		"bad allowlist":  `{"allowlists": {"dms": "u1"}}`,
		"empty mode":     `{"gateway": {"reload": {"mode": ""}}}`,
		"unknown mode":   `{"gateway": {"reload": {"mode": "restart"}}}`,
		"not object":     `[]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := ParseLiveConfig([]byte(body))
			if err == nil {
				t.Fatalf("expected error")
			}
			if cfg.Gateway.Reload.Mode != ReloadHybrid || cfg.Activation.Groups != ActivationMention {
				t.Fatalf("expected defaults on error, got %+v", cfg)
			}
		})
	}
}

func TestLoadLiveConfig(t *testing.T) {
	if cfg, err := LoadLiveConfig(""); err != nil || !cfg.HotReloadable() {
		t.Fatalf("empty path: %+v %v", cfg, err)
	}
	path := filepath.Join(t.TempDir(), "live.json")
	if _, err := LoadLiveConfig(path); err == nil {
		t.Fatalf("expected missing file error")
	}
	writeLive(t, path, `{"activation": {"groups": "always"}}`)
	cfg, err := LoadLiveConfig(path)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if cfg.Activation.Groups != ActivationAlways {
		t.Fatalf("activation: %s", cfg.Activation.Groups)
	}
}

func TestLiveConfigCloneIsIndependent(t *testing.T) {
	cfg := DefaultLiveConfig()
	cfg.Allowlists.DMs = []string{"a"}
	c := cfg.clone()
	c.Allowlists.DMs[0] = "b"
	if cfg.Allowlists.DMs[0] != "a" {
		t.Fatalf("clone shares backing array")
	}
	if c.Gateway.Reload.Mode != ReloadHybrid {
		t.Fatalf("mode: %s", c.Gateway.Reload.Mode)
	}
}
