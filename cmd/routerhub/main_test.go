package main

import (
	"bytes"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DeBrosOfficial/dispatch/pkg/config"
	"github.com/DeBrosOfficial/dispatch/pkg/hub"
	"github.com/DeBrosOfficial/dispatch/pkg/logging"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: \":9000\"\ndefault_permits_wait: 2s\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Run("file", func(t *testing.T) {
		configPath, listenAddr = path, ""
		cfg, err := loadConfig()
		if err != nil {
			t.Fatalf("loadConfig: %v", err)
		}
		if cfg.ListenAddr != ":9000" || cfg.DefaultPermitsWait.Seconds() != 2 {
			t.Fatalf("cfg = %+v", cfg)
		}
	})

	t.Run("flag overrides file", func(t *testing.T) {
		configPath, listenAddr = path, ":9100"
		cfg, err := loadConfig()
		if err != nil {
			t.Fatalf("loadConfig: %v", err)
		}
		if cfg.ListenAddr != ":9100" {
			t.Fatalf("listen addr = %s", cfg.ListenAddr)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		configPath, listenAddr = filepath.Join(t.TempDir(), "nope.yaml"), ""
		if _, err := loadConfig(); err == nil {
			t.Fatal("expected an error for a missing config file")
		}
	})
}

func TestStatusAndReconnect(t *testing.T) {
	ts := httptest.NewServer(hub.NewServer(config.DefaultHubConfig(), logging.NewNopLogger()).Handler())
	defer ts.Close()
	hubURL = ts.URL

	var out bytes.Buffer
	statusCmd.SetOut(&out)
	err := showStatus(statusCmd, []string{"nowhere"})
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("status of an unknown context: %v", err)
	}

	reconnectCmd.SetOut(&out)
	if err := requestReconnect(reconnectCmd, []string{"nowhere"}); err == nil {
		t.Fatal("reconnect of an unknown context should fail")
	}
}
