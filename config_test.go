package ingestd

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("expected listen default %q, got %q", DefaultListen, cfg.Listen)
	}
	if cfg.BasePath != DefaultBasePath {
		t.Fatalf("expected base path default %q, got %q", DefaultBasePath, cfg.BasePath)
	}
	if cfg.Deliver != DefaultDeliver {
		t.Fatalf("expected deliver default %q, got %q", DefaultDeliver, cfg.Deliver)
	}
	if cfg.MaxUnconfirmedTime != DefaultMaxUnconfirmedTime {
		t.Fatal("expected max unconfirmed time default")
	}
	if cfg.SweepInterval != DefaultSweepInterval {
		t.Fatal("expected sweep interval default")
	}
	if cfg.MaxConcurrency != DefaultMaxConcurrency {
		t.Fatalf("expected max concurrency default %d, got %d", DefaultMaxConcurrency, cfg.MaxConcurrency)
	}
	if cfg.ReturnCode != DefaultReturnCode {
		t.Fatalf("expected return code default %d, got %d", DefaultReturnCode, cfg.ReturnCode)
	}
	if cfg.MultipartMaxSize != DefaultMultipartMaxSize {
		t.Fatal("expected multipart max size default")
	}
	if cfg.SpoolThreshold != DefaultSpoolThreshold {
		t.Fatal("expected spool threshold default")
	}
	if cfg.SubjectDNPattern != DefaultSubjectDNPattern || cfg.IssuerDNPattern != DefaultIssuerDNPattern {
		t.Fatal("expected dn pattern defaults")
	}
	if cfg.ClientAuth != ClientAuthAuto {
		t.Fatalf("expected client auth default %q, got %q", ClientAuthAuto, cfg.ClientAuth)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatal("expected shutdown timeout default")
	}
	if cfg.TLSEnabled() {
		t.Fatal("expected plaintext default")
	}
}

func TestConfigValidateTrimsBasePath(t *testing.T) {
	cfg := Config{BasePath: "/drop/"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.BasePath != "drop" {
		t.Fatalf("expected trimmed base path, got %q", cfg.BasePath)
	}
}

func TestConfigValidateNormalizesClientAuth(t *testing.T) {
	cfg := Config{ClientAuth: " Required "}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.ClientAuth != ClientAuthRequired {
		t.Fatalf("expected normalized client auth, got %q", cfg.ClientAuth)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	cfg := Config{BasePath: "a/b"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for multi-segment base path")
	}
	cfg = Config{MaxBytesPerSecond: -1}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative throughput")
	}
	cfg = Config{MaxConcurrency: 4}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for max concurrency below floor")
	}
	cfg = Config{MaxConcurrency: 5000}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for max concurrency above ceiling")
	}
	cfg = Config{ReturnCode: 301}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for non-2xx return code")
	}
	cfg = Config{SubjectDNPattern: "("}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid subject dn pattern")
	}
	cfg = Config{IssuerDNPattern: "("}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid issuer dn pattern")
	}
	cfg = Config{HeadersPattern: "("}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid headers pattern")
	}
	cfg = Config{ClientAuth: "maybe"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown client auth mode")
	}
	cfg = Config{ShutdownTimeout: -time.Second}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative shutdown timeout")
	}
	cfg = Config{EnableProfilingMetrics: true}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for profiling metrics without metrics listen")
	}
	cfg = Config{BundlePath: filepath.Join(t.TempDir(), "missing.pem")}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing bundle file")
	}
}

func TestConfigValidateHealthListenCollision(t *testing.T) {
	cfg := Config{Listen: ":9385", HealthListen: ":9385"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for identical health listen")
	}
	cfg = Config{Listen: "127.0.0.1:9385", HealthListen: "0.0.0.0:9385"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for health listen on primary port")
	}
	cfg = Config{Listen: ":0", HealthListen: "127.0.0.1:0"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected ephemeral ports to pass, got %v", err)
	}
	cfg = Config{Listen: ":9385", HealthListen: ":9386"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected distinct ports to pass, got %v", err)
	}
}

func TestConfigValidateBundlePath(t *testing.T) {
	dir := t.TempDir()
	bundle := filepath.Join(dir, "server.pem")
	if err := os.WriteFile(bundle, []byte("pem"), 0o600); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	cfg := Config{BundlePath: bundle}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !cfg.TLSEnabled() {
		t.Fatal("expected tls enabled with bundle path")
	}
	cfg = Config{BundlePEM: []byte("pem"), BundlePath: filepath.Join(dir, "missing.pem")}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected bundle pem to take precedence, got %v", err)
	}
	if !cfg.TLSEnabled() {
		t.Fatal("expected tls enabled with bundle pem")
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("INGESTD_CONFIG_DIR", dir)
	if got := DefaultConfigDir(); got != dir {
		t.Fatalf("expected config dir %q, got %q", dir, got)
	}
	if got := DefaultBundlePath(); got != filepath.Join(dir, "server.pem") {
		t.Fatalf("unexpected bundle path %q", got)
	}
	if got := DefaultCAPath(); got != filepath.Join(dir, "ca.pem") {
		t.Fatalf("unexpected ca path %q", got)
	}
}

func TestValidClientAuthModesCopy(t *testing.T) {
	modes := ValidClientAuthModes()
	if len(modes) != 4 {
		t.Fatalf("expected 4 modes, got %d", len(modes))
	}
	modes[0] = "mutated"
	if again := ValidClientAuthModes(); again[0] != ClientAuthAuto {
		t.Fatal("expected mode list copy to protect package state")
	}
}
