package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig_SaneDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if got := cfg.Proxy.ListenAddr(); got != "localhost:6969" {
		t.Errorf("ListenAddr() = %q, want localhost:6969", got)
	}
	if cfg.CA.ValidityYears != 10 {
		t.Errorf("CA.ValidityYears = %d, want 10", cfg.CA.ValidityYears)
	}
	if cfg.CA.LeafKeyAlgorithm != "ec" {
		t.Errorf("CA.LeafKeyAlgorithm = %q, want ec", cfg.CA.LeafKeyAlgorithm)
	}
	if cfg.Memory.MaxFlows != 10000 {
		t.Errorf("Memory.MaxFlows = %d, want 10000", cfg.Memory.MaxFlows)
	}
	if cfg.Persistence.Backend != "" {
		t.Errorf("Persistence.Backend = %q, want empty (in-memory default)", cfg.Persistence.Backend)
	}

	want := map[string]bool{"authorization": false, "proxy-authorization": false, "cookie": false, "set-cookie": false}
	for _, h := range cfg.Redaction.AlwaysRedactHeaders {
		if _, ok := want[h]; !ok {
			t.Errorf("unexpected header in AlwaysRedactHeaders: %q", h)
			continue
		}
		want[h] = true
	}
	for h, seen := range want {
		if !seen {
			t.Errorf("AlwaysRedactHeaders missing %q", h)
		}
	}
	if !cfg.Redaction.RedactAPIKeys {
		t.Error("RedactAPIKeys should default true")
	}
	if cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled should default false")
	}
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	if cfg.Memory.MaxFlows != DefaultConfig().Memory.MaxFlows {
		t.Errorf("Load(\"\") did not return defaults")
	}
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load of a missing file should fall back to defaults, got error: %v", err)
	}
	if cfg.Proxy.Listen != "localhost:6969" {
		t.Errorf("Proxy.Listen = %q, want default", cfg.Proxy.Listen)
	}
}

func TestLoad_InvalidYAMLReturnsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("proxy: [this is not a mapping"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load of malformed YAML should return an error")
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roxy.yaml")

	cfg := DefaultConfig()
	cfg.Proxy.Listen = "0.0.0.0:8443"
	cfg.Proxy.Exclude = []string{"*.internal.example.com", "metrics.local"}
	cfg.Persistence.Backend = "sqlite"
	cfg.Persistence.DBPath = filepath.Join(dir, "flows.db")

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if info, err := os.Stat(path); err != nil {
		t.Fatalf("Stat saved config: %v", err)
	} else if info.Mode().Perm() != 0600 {
		t.Errorf("saved config perm = %v, want 0600", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Proxy.Listen != cfg.Proxy.Listen {
		t.Errorf("Proxy.Listen = %q, want %q", loaded.Proxy.Listen, cfg.Proxy.Listen)
	}
	if len(loaded.Proxy.Exclude) != 2 || loaded.Proxy.Exclude[0] != "*.internal.example.com" {
		t.Errorf("Proxy.Exclude round-trip mismatch: %v", loaded.Proxy.Exclude)
	}
	if loaded.Persistence.Backend != "sqlite" || loaded.Persistence.DBPath != cfg.Persistence.DBPath {
		t.Errorf("Persistence round-trip mismatch: %+v", loaded.Persistence)
	}
}

func TestSave_CreatesParentDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "deeper", "roxy.yaml")

	if err := DefaultConfig().Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected config file at %s: %v", path, err)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("ROXY_LISTEN", "127.0.0.1:9000")
	t.Setenv("ROXY_CA_DIR", "/tmp/roxy-ca-test")
	t.Setenv("ROXY_SCRIPT_FILE", "/tmp/hook.js")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Proxy.Listen != "127.0.0.1:9000" {
		t.Errorf("Proxy.Listen = %q, want env override", cfg.Proxy.Listen)
	}
	if cfg.CA.Dir != "/tmp/roxy-ca-test" {
		t.Errorf("CA.Dir = %q, want env override", cfg.CA.Dir)
	}
	if cfg.Script.File != "/tmp/hook.js" {
		t.Errorf("Script.File = %q, want env override", cfg.Script.File)
	}
}

func TestApplyEnvOverrides_FileValuesWinWhenEnvUnset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roxy.yaml")
	cfg := DefaultConfig()
	cfg.Proxy.Listen = "configured:1234"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Proxy.Listen != "configured:1234" {
		t.Errorf("Proxy.Listen = %q, want value from file", loaded.Proxy.Listen)
	}
}

func TestCADir_DefaultsToHomeRoxy(t *testing.T) {
	cfg := &Config{}
	dir, err := cfg.CADir()
	if err != nil {
		t.Fatalf("CADir: %v", err)
	}
	home, _ := os.UserHomeDir()
	want := filepath.Join(home, ".roxy")
	if dir != want {
		t.Errorf("CADir() = %q, want %q", dir, want)
	}
}

func TestCADir_ExplicitWins(t *testing.T) {
	cfg := &Config{CA: CAConfig{Dir: "/srv/roxy-ca"}}
	dir, err := cfg.CADir()
	if err != nil {
		t.Fatalf("CADir: %v", err)
	}
	if dir != "/srv/roxy-ca" {
		t.Errorf("CADir() = %q, want /srv/roxy-ca", dir)
	}
}

func TestProxyConfig_ListenAddr(t *testing.T) {
	cases := []struct {
		name string
		cfg  ProxyConfig
		want string
	}{
		{"explicit listen wins", ProxyConfig{Listen: "example.com:443", Host: "ignored", Port: 1}, "example.com:443"},
		{"host and port", ProxyConfig{Host: "0.0.0.0", Port: 8080}, "0.0.0.0:8080"},
		{"defaults", ProxyConfig{}, "localhost:6969"},
	}
	for _, c := range cases {
		if got := c.cfg.ListenAddr(); got != c.want {
			t.Errorf("%s: ListenAddr() = %q, want %q", c.name, got, c.want)
		}
	}
}

func TestGenerateOpaqueToken_UniqueAndPrefixed(t *testing.T) {
	a, err := GenerateOpaqueToken()
	if err != nil {
		t.Fatalf("GenerateOpaqueToken: %v", err)
	}
	b, err := GenerateOpaqueToken()
	if err != nil {
		t.Fatalf("GenerateOpaqueToken: %v", err)
	}
	if a == b {
		t.Error("expected two independently generated tokens to differ")
	}
	if len(a) <= len("roxy_") {
		t.Errorf("token %q looks too short", a)
	}
	if a[:5] != "roxy_" {
		t.Errorf("token %q should be prefixed with roxy_", a)
	}
}

func TestMetricsToken_GeneratesAndCaches(t *testing.T) {
	cfg := &Config{}
	first, err := cfg.MetricsToken()
	if err != nil {
		t.Fatalf("MetricsToken: %v", err)
	}
	if first == "" {
		t.Fatal("expected a generated token")
	}
	second, err := cfg.MetricsToken()
	if err != nil {
		t.Fatalf("MetricsToken: %v", err)
	}
	if second != first {
		t.Errorf("MetricsToken() should cache: got %q then %q", first, second)
	}
}

func TestMetricsToken_PreconfiguredWins(t *testing.T) {
	cfg := &Config{Metrics: MetricsConfig{Token: "fixed-token"}}
	token, err := cfg.MetricsToken()
	if err != nil {
		t.Fatalf("MetricsToken: %v", err)
	}
	if token != "fixed-token" {
		t.Errorf("MetricsToken() = %q, want the preconfigured value", token)
	}
}
