package config

import (
	"testing"

	"gopkg.in/yaml.v2"
)

func TestConfigDecoding(t *testing.T) {
	raw := `
substitute-path:
  - {from: /build/src, to: /home/me/src}
debug-info-directories: [/usr/lib/debug, /opt/debug]
max-frames: 256
`
	var cfg Config
	if err := yaml.Unmarshal([]byte(raw), &cfg); err != nil {
		t.Fatal(err)
	}
	if len(cfg.SubstitutePath) != 1 || cfg.SubstitutePath[0].From != "/build/src" {
		t.Errorf("substitute-path decoded incorrectly: %#v", cfg.SubstitutePath)
	}
	if len(cfg.DebugInfoDirectories) != 2 {
		t.Errorf("debug-info-directories decoded incorrectly: %#v", cfg.DebugInfoDirectories)
	}
	if cfg.MaxFrames != 256 {
		t.Errorf("max-frames decoded incorrectly: %d", cfg.MaxFrames)
	}
}
