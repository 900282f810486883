package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.CDP.Endpoint != "http://localhost:9222" {
		t.Errorf("endpoint = %q", cfg.CDP.Endpoint)
	}
	if got := cfg.ResolveOpTimeout(); got != 5*time.Second {
		t.Errorf("op timeout = %v", got)
	}
	if got := cfg.ResolveNavigateTimeout(); got != 30*time.Second {
		t.Errorf("navigate timeout = %v", got)
	}
	if cfg.Screenshot.Format != "jpeg" || cfg.Screenshot.Quality != 80 {
		t.Errorf("screenshot = %+v", cfg.Screenshot)
	}
	if !cfg.ValidateURLsEnabled() {
		t.Error("url validation off by default")
	}
	if got := cfg.ResolveWaitWindow(); got != 5*time.Second {
		t.Errorf("wait window = %v", got)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CDP.OpTimeoutMS != 5000 {
		t.Errorf("op timeout = %d", cfg.CDP.OpTimeoutMS)
	}
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMergesOverDefaults(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"json", "webclaw.json", `{"cdp":{"endpoint":"ws://browser:9222/devtools/browser/x"},"screenshot":{"format":"png"}}`},
		{"toml", "webclaw.toml", "[cdp]\nendpoint = \"ws://browser:9222/devtools/browser/x\"\n[screenshot]\nformat = \"png\"\n"},
		{"yaml", "webclaw.yaml", "cdp:\n  endpoint: ws://browser:9222/devtools/browser/x\nscreenshot:\n  format: png\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeTemp(t, tt.file, tt.body))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.CDP.Endpoint != "ws://browser:9222/devtools/browser/x" {
				t.Errorf("endpoint = %q", cfg.CDP.Endpoint)
			}
			if cfg.Screenshot.Format != "png" {
				t.Errorf("format = %q", cfg.Screenshot.Format)
			}
			// Untouched fields come from defaults
			if cfg.CDP.OpTimeoutMS != 5000 || cfg.Navigation.TimeoutMS != 30000 {
				t.Errorf("defaults clobbered: %+v", cfg)
			}
		})
	}
}

func TestExplicitFalseSurvivesMerge(t *testing.T) {
	path := writeTemp(t, "webclaw.json",
		`{"navigation":{"validateUrls":false},"query":{"waitForSelector":false}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ValidateURLsEnabled() {
		t.Error("explicit validateUrls=false was overwritten by the default")
	}
	if got := cfg.ResolveWaitWindow(); got != 0 {
		t.Errorf("wait window = %v with waitForSelector=false, want 0", got)
	}
}

func TestLoadRejectsUnknownFormat(t *testing.T) {
	path := writeTemp(t, "webclaw.ini", "endpoint=x")
	if _, err := Load(path); err == nil {
		t.Error("unknown format accepted")
	}
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	if err := AtomicWriteJSON(path, map[string]string{"k": "v"}, 0600); err != nil {
		t.Fatalf("AtomicWriteJSON: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]string
	if err := json.Unmarshal(data, &out); err != nil || out["k"] != "v" {
		t.Errorf("content = %s, err = %v", data, err)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if e.Name() != "state.json" {
			t.Errorf("leftover file %s", e.Name())
		}
	}
}

func TestBackupAndWriteRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	for i := 0; i < 4; i++ {
		if err := BackupAndWriteJSON(path, map[string]int{"rev": i}, 3); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	// Current file holds the newest revision
	data, _ := os.ReadFile(path)
	var cur map[string]int
	json.Unmarshal(data, &cur)
	if cur["rev"] != 3 {
		t.Errorf("rev = %d, want 3", cur["rev"])
	}

	// .bak holds the previous one
	bak, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("no .bak: %v", err)
	}
	var prev map[string]int
	json.Unmarshal(bak, &prev)
	if prev["rev"] != 2 {
		t.Errorf("backup rev = %d, want 2", prev["rev"])
	}

	// maxBackups 3 means .bak and .bak.1 at most
	if _, err := os.Stat(path + ".bak.1"); err != nil {
		t.Error("missing .bak.1")
	}
	if _, err := os.Stat(path + ".bak.3"); err == nil {
		t.Error(".bak.3 exists past the backup limit")
	}
}
