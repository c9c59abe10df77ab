package api

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/narvanalabs/scriptexec/internal/auth"
	"github.com/narvanalabs/scriptexec/internal/models"
	"github.com/narvanalabs/scriptexec/internal/runner"
	"github.com/narvanalabs/scriptexec/internal/store"
	"github.com/narvanalabs/scriptexec/pkg/config"
)

// nopStore satisfies store.Store for routing tests.
type nopStore struct{}

func (nopStore) Executions() store.ExecutionStore { return nopExecutions{} }

func (nopStore) WithTx(ctx context.Context, fn func(store.Store) error) error { return fn(nopStore{}) }

func (nopStore) Ping(ctx context.Context) error { return nil }

func (nopStore) Close() error { return nil }

type nopExecutions struct{}

func (nopExecutions) Create(ctx context.Context, exec *models.Execution) error { return nil }

func (nopExecutions) Get(ctx context.Context, id string) (*models.Execution, error) {
	return nil, store.ErrNotFound
}

func (nopExecutions) List(ctx context.Context, statuses []models.ExecutionStatus, limit int) ([]*models.Execution, error) {
	return nil, nil
}

func (nopExecutions) Update(ctx context.Context, exec *models.Execution) error { return nil }

func (nopExecutions) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type nopQueue struct{}

func (nopQueue) Enqueue(ctx context.Context, job *models.ExecutionJob) error { return nil }

func (nopQueue) Dequeue(ctx context.Context) (*models.ExecutionJob, error) { return nil, nil }

func (nopQueue) Ack(ctx context.Context, jobID string) error { return nil }

func (nopQueue) Nack(ctx context.Context, jobID string) (int, error) { return 0, nil }

func (nopQueue) RecoverStale(ctx context.Context, olderThan time.Duration) ([]*models.ExecutionJob, error) {
	return nil, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.CertDirs = []string{t.TempDir()}
	cfg.Execution.PythonBin = "/bin/sh"
	return cfg
}

func newTestServer(t *testing.T, async bool) *Server {
	t.Helper()
	cfg := testConfig(t)
	run := runner.New(&runner.Config{Interpreter: "/bin/sh"}, nil)
	if !async {
		return NewServer(cfg, run, nil, nil, nil, nil)
	}
	authSvc := auth.NewService(&auth.Config{APIKeys: []string{"test-key"}}, nil)
	return NewServer(cfg, run, nopStore{}, nopQueue{}, authSvc, nil)
}

func TestHealthRoute(t *testing.T) {
	srv := newTestServer(t, false)

	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	json.NewDecoder(rr.Body).Decode(&body)
	if body["status"] != "healthy" {
		t.Errorf("status field = %v", body["status"])
	}
}

func TestExecuteRoute(t *testing.T) {
	srv := newTestServer(t, false)

	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(`{"code":"echo routed"}`)))

	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "routed") {
		t.Errorf("response = %d %s", rr.Code, rr.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, false)

	req := httptest.NewRequest(http.MethodOptions, "/execute", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	if got := rr.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Access-Control-Allow-Credentials = %q", got)
	}
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	srv := newTestServer(t, false)

	req := httptest.NewRequest(http.MethodOptions, "/execute", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q, want empty", got)
	}
}

func TestAsyncRoutesDisabledWithoutStore(t *testing.T) {
	srv := newTestServer(t, false)

	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/executions", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
}

func TestAsyncRoutesRequireAuth(t *testing.T) {
	srv := newTestServer(t, true)

	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/executions", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/executions", nil)
	req.Header.Set("X-API-Key", "test-key")
	rr = httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
}

func TestFindCertificate(t *testing.T) {
	empty := t.TempDir()
	partial := t.TempDir()
	full := t.TempDir()

	os.WriteFile(filepath.Join(partial, CertFileName), []byte("cert"), 0o600)
	os.WriteFile(filepath.Join(full, CertFileName), []byte("cert"), 0o600)
	os.WriteFile(filepath.Join(full, KeyFileName), []byte("key"), 0o600)

	cert, key, ok := FindCertificate([]string{"", empty, partial, full})
	if !ok {
		t.Fatal("FindCertificate() found nothing")
	}
	if cert != filepath.Join(full, CertFileName) || key != filepath.Join(full, KeyFileName) {
		t.Errorf("FindCertificate() = %q, %q", cert, key)
	}

	if _, _, ok := FindCertificate([]string{empty, partial}); ok {
		t.Error("FindCertificate() matched a directory without a key")
	}
}

func TestServePlainHTTPWithoutCertificates(t *testing.T) {
	srv := newTestServer(t, false)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + ln.Addr().String() + "/health")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d: %s", resp.StatusCode, body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}

// writeSelfSignedCert writes cert.pem and key.pem for 127.0.0.1 into dir
// and returns a pool trusting the certificate.
func writeSelfSignedCert(t *testing.T, dir string) *x509.CertPool {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(filepath.Join(dir, CertFileName), certPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, KeyFileName), keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}

	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(certPEM)
	return pool
}

func TestServeHTTPSWithCertificates(t *testing.T) {
	srv := newTestServer(t, false)
	pool := writeSelfSignedCert(t, srv.config.CertDirs[0])

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	client := &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool}},
	}
	defer client.CloseIdleConnections()

	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = client.Get("https://" + ln.Addr().String() + "/health")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /health over TLS: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d: %s", resp.StatusCode, body)
	}
	if resp.TLS == nil {
		t.Error("response was not served over TLS")
	}

	if plain, err := http.Get("http://" + ln.Addr().String() + "/health"); err == nil {
		plain.Body.Close()
		if plain.StatusCode == http.StatusOK {
			t.Error("plain HTTP request succeeded against the TLS listener")
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}
