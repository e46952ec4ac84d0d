package ingestd

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/ingestd/api"
	"pkt.systems/ingestd/tlsutil"
)

// issueTestBundles generates a CA, a server bundle on disk, and a client
// bundle signed by the same CA.
func issueTestBundles(t *testing.T, clientCN string) (string, []byte, *tlsutil.CA) {
	t.Helper()
	ca, err := tlsutil.GenerateCA("ingestd-test-ca", 365*24*time.Hour)
	if err != nil {
		t.Fatalf("generate ca: %v", err)
	}
	server, err := ca.IssueServer([]string{"127.0.0.1", "localhost"}, "ingestd-test-server", 365*24*time.Hour)
	if err != nil {
		t.Fatalf("issue server certificate: %v", err)
	}
	bundlePEM, err := tlsutil.EncodeServerBundle(ca.CertPEM, nil, server.CertPEM, server.KeyPEM)
	if err != nil {
		t.Fatalf("encode server bundle: %v", err)
	}
	bundlePath := filepath.Join(t.TempDir(), "server.pem")
	if err := os.WriteFile(bundlePath, bundlePEM, 0o600); err != nil {
		t.Fatalf("write server bundle: %v", err)
	}
	client, err := ca.IssueClient(tlsutil.ClientCertRequest{CommonName: clientCN, Validity: 365 * 24 * time.Hour})
	if err != nil {
		t.Fatalf("issue client certificate: %v", err)
	}
	clientPEM, err := tlsutil.EncodeClientBundle(ca.CertPEM, client.CertPEM, client.KeyPEM)
	if err != nil {
		t.Fatalf("encode client bundle: %v", err)
	}
	return bundlePath, clientPEM, ca
}

func TestMTLSSubmitRoundTrip(t *testing.T) {
	bundlePath, clientPEM, _ := issueTestBundles(t, "round-trip-client")
	ts := StartTestServer(t,
		WithTestConfigFunc(func(cfg *Config) {
			cfg.BundlePath = bundlePath
		}),
		WithTestClientBundle(clientPEM),
	)
	if !strings.HasPrefix(ts.URL(), "https://") {
		t.Fatalf("server url = %q, want https", ts.URL())
	}

	status, sr, _ := postPayload(t, ts, "over mtls")
	if status != http.StatusOK {
		t.Fatalf("submit status = %d, want 200", status)
	}
	resp := ackHold(t, ts, sr.ID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ack status = %d, want 200", resp.StatusCode)
	}
}

func TestMTLSSubjectDNRejection(t *testing.T) {
	bundlePath, allowedPEM, ca := issueTestBundles(t, "allowed-client")
	denied, err := ca.IssueClient(tlsutil.ClientCertRequest{CommonName: "denied-client", Validity: 365 * 24 * time.Hour})
	if err != nil {
		t.Fatalf("issue denied client: %v", err)
	}
	deniedPEM, err := tlsutil.EncodeClientBundle(ca.CertPEM, denied.CertPEM, denied.KeyPEM)
	if err != nil {
		t.Fatalf("encode denied client bundle: %v", err)
	}

	ts := StartTestServer(t,
		WithTestConfigFunc(func(cfg *Config) {
			cfg.BundlePath = bundlePath
			cfg.SubjectDNPattern = "^CN=allowed-client$"
		}),
		WithTestClientBundle(allowedPEM),
	)

	status, sr, _ := postPayload(t, ts, "allowed")
	if status != http.StatusOK {
		t.Fatalf("allowed client status = %d, want 200", status)
	}
	resp := ackHold(t, ts, sr.ID)
	resp.Body.Close()

	deniedClient, err := buildTestClient(ts.Config, deniedPEM)
	if err != nil {
		t.Fatalf("build denied client: %v", err)
	}
	dresp, err := deniedClient.Post(ts.ContentURL(), "text/plain", strings.NewReader("blocked"))
	if err != nil {
		t.Fatalf("denied client post: %v", err)
	}
	defer dresp.Body.Close()
	if dresp.StatusCode != http.StatusForbidden {
		t.Fatalf("denied client status = %d, want 403", dresp.StatusCode)
	}
	var er api.ErrorResponse
	if err := json.NewDecoder(dresp.Body).Decode(&er); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if er.ErrorCode != "subject_not_authorized" {
		t.Fatalf("error = %q, want subject_not_authorized", er.ErrorCode)
	}
}

func TestClientAuthWantAdmitsBareClients(t *testing.T) {
	bundlePath, _, _ := issueTestBundles(t, "unused-client")
	ts := StartTestServer(t, WithTestConfigFunc(func(cfg *Config) {
		cfg.BundlePath = bundlePath
		cfg.ClientAuth = ClientAuthWant
	}))

	status, sr, _ := postPayload(t, ts, "no certificate")
	if status != http.StatusOK {
		t.Fatalf("bare client status = %d, want 200", status)
	}
	resp := ackHold(t, ts, sr.ID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ack status = %d, want 200", resp.StatusCode)
	}
}

func TestClientAuthAutoRejectsBareClients(t *testing.T) {
	bundlePath, _, _ := issueTestBundles(t, "unused-client")
	ts := StartTestServer(t, WithTestConfigFunc(func(cfg *Config) {
		cfg.BundlePath = bundlePath
	}))

	// Auto resolves to required when the bundle carries a CA; the helper
	// client has no certificate so the handshake must fail.
	if _, err := ts.Client.Post(ts.ContentURL(), "text/plain", strings.NewReader("rejected")); err == nil {
		t.Fatalf("bare client was admitted by a server requiring certificates")
	}
}

func TestHealthListenerServesWithoutClientCert(t *testing.T) {
	bundlePath, clientPEM, _ := issueTestBundles(t, "health-client")
	ts := StartTestServer(t,
		WithTestConfigFunc(func(cfg *Config) {
			cfg.BundlePath = bundlePath
			cfg.HealthListen = "127.0.0.1:0"
		}),
		WithTestClientBundle(clientPEM),
	)

	bare, err := buildTestClient(ts.Config, nil)
	if err != nil {
		t.Fatalf("build bare client: %v", err)
	}
	resp, err := bare.Get(ts.HealthURL())
	if err != nil {
		t.Fatalf("healthcheck without certificate: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthcheck status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read healthcheck body: %v", err)
	}
	if string(body) != api.HealthBody+"\n" {
		t.Fatalf("healthcheck body = %q", body)
	}

	if _, err := bare.Post(ts.ContentURL(), "text/plain", strings.NewReader("rejected")); err == nil {
		t.Fatalf("content listener admitted a certificate-less client")
	}
}
