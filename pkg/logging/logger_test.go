package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DeBrosOfficial/dispatch/pkg/config"
)

func TestFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LoggingConfig
		wantErr bool
	}{
		{name: "defaults", cfg: config.LoggingConfig{}},
		{name: "json", cfg: config.LoggingConfig{Level: "debug", Format: "json"}},
		{name: "bad level", cfg: config.LoggingConfig{Level: "loud"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := FromConfig(ComponentGeneral, tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("FromConfig: %v", err)
			}
			if l.Logger == nil {
				t.Fatal("nil zap logger")
			}
		})
	}
}

func TestFileOutputIsUncolored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.log")
	l, err := FromConfig(ComponentHub, config.LoggingConfig{Level: "info", OutputFile: path})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	l.ComponentInfo(ComponentHub, "Client connected")
	l.ComponentDebug(ComponentHub, "below level")
	_ = l.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "[HUB] Client connected") {
		t.Fatalf("missing tagged line in %q", out)
	}
	if strings.Contains(out, "\033[") {
		t.Fatalf("file output should not carry color codes: %q", out)
	}
	if strings.Contains(out, "below level") {
		t.Fatal("debug line written at info level")
	}
}

func TestNewFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "router.log")
	l, err := NewFileLogger(ComponentRouter, path, false)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	NewStandardLogger(l, ComponentRouter).Printf("GET /health %d\n", 200)
	_ = l.Sync()

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "[ROUTER] GET /health 200") {
		t.Fatalf("unexpected output %q", data)
	}

	if _, err := NewFileLogger(ComponentRouter, filepath.Join(t.TempDir(), "missing", "x.log"), false); err == nil {
		t.Fatal("expected error for a missing directory")
	}
}

func TestTag(t *testing.T) {
	colored, err := NewColoredLogger(ComponentQuery, true)
	if err != nil {
		t.Fatalf("NewColoredLogger: %v", err)
	}
	if got := colored.tag(ComponentQuery, "x"); got != BrightCyan+"[QUERY]"+Reset+" x" {
		t.Fatalf("colored tag = %q", got)
	}
	if got := OrNop(nil).tag(ComponentQuery, "x"); got != "[QUERY] x" {
		t.Fatalf("plain tag = %q", got)
	}
}
