package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/ingestd/tlsutil"
	"pkt.systems/pslog"
)

func TestBootstrapConfigDir(t *testing.T) {
	dir := t.TempDir()
	logger := pslog.NewStructured(context.Background(), io.Discard)

	if err := bootstrapConfigDir(dir, logger); err != nil {
		t.Fatalf("bootstrapConfigDir: %v", err)
	}

	for _, name := range []string{"ca.pem", "server.pem", "client.pem", "config.yaml"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s after bootstrap: %v", name, err)
		}
	}

	cfgRaw, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	cfg := string(cfgRaw)
	if !strings.Contains(cfg, "deliver: dir://"+filepath.Join(dir, "spool")) {
		t.Fatalf("config missing spool delivery target:\n%s", cfg)
	}
	if !strings.Contains(cfg, "bundle: "+filepath.Join(dir, "server.pem")) {
		t.Fatalf("config missing bundle path:\n%s", cfg)
	}

	bundle, err := tlsutil.LoadBundle(filepath.Join(dir, "server.pem"))
	if err != nil {
		t.Fatalf("load server bundle: %v", err)
	}
	if bundle.ServerCert == nil || bundle.CACertificate == nil {
		t.Fatalf("bootstrap server bundle incomplete")
	}
	if bundle.CAPrivateKey != nil || len(bundle.CAPrivateKeyPEM) != 0 {
		t.Fatalf("bootstrap server bundle should not embed ca private key")
	}

	clientBundle, err := tlsutil.LoadClientBundle(filepath.Join(dir, "client.pem"))
	if err != nil {
		t.Fatalf("load client bundle: %v", err)
	}
	if clientBundle.ClientCert.Subject.CommonName != bootstrapClientCN {
		t.Fatalf("client cn=%q want %q", clientBundle.ClientCert.Subject.CommonName, bootstrapClientCN)
	}

	caBefore, err := os.ReadFile(filepath.Join(dir, "ca.pem"))
	if err != nil {
		t.Fatalf("read ca: %v", err)
	}
	if err := bootstrapConfigDir(dir, logger); err != nil {
		t.Fatalf("second bootstrapConfigDir: %v", err)
	}
	caAfter, err := os.ReadFile(filepath.Join(dir, "ca.pem"))
	if err != nil {
		t.Fatalf("read ca after rerun: %v", err)
	}
	if !bytes.Equal(caBefore, caAfter) {
		t.Fatalf("rerun replaced existing ca bundle")
	}
}
