package config_test

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/skywatch/skymirror/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validServerYAML = `
listen_addr: "0.0.0.0:8120"
image_path: "/var/lib/skymirror/allsky.png"
api_keys:
  - "key-abc123456"
  - "key-def789012"
check_interval: 2s
session_timeout: 45s
log_level: debug
history:
  driver: sqlite
  path: "/var/lib/skymirror/history.db"
`

// ---------------------------------------------------------------------------
// Server configuration
// ---------------------------------------------------------------------------

func TestLoadServer_Valid(t *testing.T) {
	path := writeTemp(t, validServerYAML)
	cfg, err := config.LoadServer(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ImagePath != "/var/lib/skymirror/allsky.png" {
		t.Errorf("ImagePath = %q", cfg.ImagePath)
	}
	if len(cfg.APIKeys) != 2 {
		t.Errorf("APIKeys length = %d, want 2", len(cfg.APIKeys))
	}
	if cfg.CheckInterval.Std() != 2*time.Second {
		t.Errorf("CheckInterval = %v, want 2s", cfg.CheckInterval.Std())
	}
	if cfg.SessionTimeout.Std() != 45*time.Second {
		t.Errorf("SessionTimeout = %v, want 45s", cfg.SessionTimeout.Std())
	}
	if cfg.History.Driver != "sqlite" {
		t.Errorf("History.Driver = %q, want sqlite", cfg.History.Driver)
	}
}

func TestLoadServer_Defaults(t *testing.T) {
	path := writeTemp(t, `
image_path: "/srv/allsky.png"
api_keys: ["key-abc123456"]
`)
	cfg, err := config.LoadServer(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ListenAddr != "0.0.0.0:8120" {
		t.Errorf("ListenAddr default = %q", cfg.ListenAddr)
	}
	if cfg.CheckInterval.Std() != 2*time.Second {
		t.Errorf("CheckInterval default = %v", cfg.CheckInterval.Std())
	}
	if cfg.SessionTimeout.Std() != 30*time.Second {
		t.Errorf("SessionTimeout default = %v", cfg.SessionTimeout.Std())
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel default = %q", cfg.LogLevel)
	}
	if cfg.History.Driver != "" {
		t.Errorf("History.Driver default = %q, want disabled", cfg.History.Driver)
	}
}

func TestLoadServer_MissingRequiredFields(t *testing.T) {
	path := writeTemp(t, `log_level: info`)
	_, err := config.LoadServer(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"image_path is required", "api_keys"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestLoadServer_BadLogLevel(t *testing.T) {
	path := writeTemp(t, `
image_path: "/srv/allsky.png"
api_keys: ["key-abc123456"]
log_level: verbose
`)
	if _, err := config.LoadServer(path); err == nil {
		t.Fatal("expected validation error for log_level")
	}
}

func TestLoadServer_BadDurationSyntax(t *testing.T) {
	path := writeTemp(t, `
image_path: "/srv/allsky.png"
api_keys: ["key-abc123456"]
check_interval: "two seconds"
`)
	if _, err := config.LoadServer(path); err == nil {
		t.Fatal("expected parse error for check_interval")
	}
}

func TestLoadServer_SQLiteDriverRequiresPath(t *testing.T) {
	path := writeTemp(t, `
image_path: "/srv/allsky.png"
api_keys: ["key-abc123456"]
history:
  driver: sqlite
`)
	_, err := config.LoadServer(path)
	if err == nil || !strings.Contains(err.Error(), "history.path") {
		t.Fatalf("expected history.path error, got %v", err)
	}
}

func TestLoadServer_UnknownHistoryDriver(t *testing.T) {
	path := writeTemp(t, `
image_path: "/srv/allsky.png"
api_keys: ["key-abc123456"]
history:
  driver: dynamodb
`)
	if _, err := config.LoadServer(path); err == nil {
		t.Fatal("expected validation error for history.driver")
	}
}

func TestLoadServer_FileNotFound(t *testing.T) {
	if _, err := config.LoadServer("/nonexistent/server.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// ---------------------------------------------------------------------------
// Mirror configuration
// ---------------------------------------------------------------------------

func TestLoadMirror_Valid(t *testing.T) {
	path := writeTemp(t, `
server_url: "http://observatory.example.com:8120"
api_key: "key-abc123456"
client_id: "mirror-01"
poll_interval: 10s
output_path: "/var/lib/skymirror/latest.png"
metrics_addr: "127.0.0.1:9100"
`)
	cfg, err := config.LoadMirror(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ClientID != "mirror-01" {
		t.Errorf("ClientID = %q", cfg.ClientID)
	}
	if cfg.PollInterval.Std() != 10*time.Second {
		t.Errorf("PollInterval = %v", cfg.PollInterval.Std())
	}
	if cfg.ReconnectDelay.Std() != 5*time.Second {
		t.Errorf("ReconnectDelay default = %v", cfg.ReconnectDelay.Std())
	}
	if cfg.ReconnectMaxDelay.Std() != 5*time.Minute {
		t.Errorf("ReconnectMaxDelay default = %v", cfg.ReconnectMaxDelay.Std())
	}
}

func TestLoadMirror_GeneratesClientID(t *testing.T) {
	path := writeTemp(t, `
server_url: "http://observatory.example.com:8120"
api_key: "key-abc123456"
output_path: "/var/lib/skymirror/latest.png"
`)
	cfg, err := config.LoadMirror(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ClientID == "" {
		t.Error("expected a generated ClientID")
	}
}

func TestLoadMirror_RelativeServerURL(t *testing.T) {
	path := writeTemp(t, `
server_url: "observatory:8120"
api_key: "key-abc123456"
output_path: "/var/lib/skymirror/latest.png"
`)
	if _, err := config.LoadMirror(path); err == nil {
		t.Fatal("expected validation error for relative server_url")
	}
}

func TestLoadMirror_MissingRequiredFields(t *testing.T) {
	path := writeTemp(t, `log_level: info`)
	_, err := config.LoadMirror(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"server_url", "api_key", "output_path"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}
