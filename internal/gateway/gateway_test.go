package gateway

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"

	"github.com/kenneth/docvault/internal/access"
	"github.com/kenneth/docvault/internal/audit"
	"github.com/kenneth/docvault/internal/blob"
	"github.com/kenneth/docvault/internal/crypto"
	"github.com/kenneth/docvault/internal/kms"
	"github.com/kenneth/docvault/internal/metrics"
	"github.com/kenneth/docvault/internal/store"
	"github.com/kenneth/docvault/internal/token"
	"github.com/kenneth/docvault/internal/vault"
)

var (
	hrUser = access.Principal{ID: "u-hr", Role: access.RoleHR, Email: "hr@corp.test", Active: true}
	emp1   = access.Principal{ID: "u-e1", Role: access.RoleEmployee, EmployeeID: "E1", Active: true}
)

type testGateway struct {
	svc    *vault.Service
	router *mux.Router
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	db, err := bbolt.Open(filepath.Join(t.TempDir(), "vault.db"), 0600, nil)
	if err != nil {
		t.Fatalf("could not open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ledger, err := audit.NewLedger(db, audit.Options{Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.New(db)
	if err != nil {
		t.Fatal(err)
	}
	cipher, err := crypto.NewCipher(crypto.AlgorithmAES256GCM, []string{crypto.AlgorithmAES256GCM})
	if err != nil {
		t.Fatal(err)
	}
	masterKey := make([]byte, 32)
	if _, err := rand.Read(masterKey); err != nil {
		t.Fatal(err)
	}
	keys, err := kms.NewLocal(masterKey)
	if err != nil {
		t.Fatal(err)
	}
	issuer, err := token.NewIssuer([]byte("0123456789abcdef0123456789abcdef"), "docvault-test")
	if err != nil {
		t.Fatal(err)
	}

	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	svc, err := vault.NewService(vault.Options{
		Cipher:  cipher,
		Keys:    keys,
		Store:   st,
		Blobs:   blob.NewMemory(),
		Ledger:  ledger,
		Tokens:  issuer,
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("NewService() error: %v", err)
	}

	router := mux.NewRouter()
	router.Use(LoggingMiddleware(logger, m))
	NewHandler(svc, logger, m).RegisterRoutes(router)

	return &testGateway{svc: svc, router: router}
}

// uploadWithToken stores a document as HR and issues a download token for
// the record owner.
func (g *testGateway) uploadWithToken(t *testing.T, payload []byte) (docID, tokenString string) {
	t.Helper()
	ctx := context.Background()

	rec, err := g.svc.Upload(ctx, hrUser, vault.UploadRequest{
		Name:        "march.pdf",
		ContentType: "application/pdf",
		Category:    store.CategorySalarySlip,
		EmployeeID:  "E1",
		Data:        payload,
	}, vault.RequestMeta{})
	if err != nil {
		t.Fatalf("Upload() error: %v", err)
	}

	tokenString, _, err = g.svc.IssueToken(ctx, emp1, rec.ID, access.ActionDownload, 5*time.Minute, vault.RequestMeta{})
	if err != nil {
		t.Fatalf("IssueToken() error: %v", err)
	}
	return rec.ID, tokenString
}

func (g *testGateway) get(path, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	g.router.ServeHTTP(w, req)
	return w
}

func TestHandleHealth(t *testing.T) {
	g := newTestGateway(t)

	w := g.get("/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid health body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status field = %q", body["status"])
	}
}

func TestHandleDownload_WithValidToken(t *testing.T) {
	g := newTestGateway(t)
	payload := []byte("salary details for march")
	docID, tokenString := g.uploadWithToken(t, payload)

	w := g.get("/v1/objects/"+docID, tokenString)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", w.Code, w.Body.String())
	}
	if got := w.Body.String(); got != string(payload) {
		t.Errorf("body = %q, want %q", got, payload)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); cd != `attachment; filename="march.pdf"` {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q", cc)
	}
}

func TestHandleDownload_MissingToken(t *testing.T) {
	g := newTestGateway(t)
	docID, _ := g.uploadWithToken(t, []byte("x"))

	w := g.get("/v1/objects/"+docID, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestHandleDownload_GarbageToken(t *testing.T) {
	g := newTestGateway(t)
	docID, _ := g.uploadWithToken(t, []byte("x"))

	w := g.get("/v1/objects/"+docID, "not-a-jwt")
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestHandleDownload_TokenForDifferentObject(t *testing.T) {
	g := newTestGateway(t)
	_, tokenString := g.uploadWithToken(t, []byte("first"))
	otherID, _ := g.uploadWithToken(t, []byte("second"))

	// A token for document one must not open document two.
	w := g.get("/v1/objects/"+otherID, tokenString)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	var body errorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid error body: %v", err)
	}
	if body.Error == "" {
		t.Error("expected an error message in the body")
	}
}

func TestHandleDownload_DeletedDocument(t *testing.T) {
	g := newTestGateway(t)
	docID, tokenString := g.uploadWithToken(t, []byte("x"))

	if err := g.svc.Delete(context.Background(), hrUser, docID, "offboarding", vault.RequestMeta{}); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	// Valid token, but the object is gone. Not-found rather than
	// forbidden, so the response does not confirm prior existence.
	w := g.get("/v1/objects/"+docID, tokenString)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHandleDownload_ExpiredToken(t *testing.T) {
	g := newTestGateway(t)
	docID, _ := g.uploadWithToken(t, []byte("x"))

	tokenString, _, err := g.svc.IssueToken(context.Background(), emp1, docID, access.ActionDownload, time.Millisecond, vault.RequestMeta{})
	if err != nil {
		t.Fatalf("IssueToken() error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	w := g.get("/v1/objects/"+docID, tokenString)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	g := newTestGateway(t)

	w := g.get("/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}
