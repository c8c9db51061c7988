package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"the-relay/internal/core"
)

type stubFeature struct {
	*core.BaseFeature
}

func (f *stubFeature) Routes() []core.Route {
	return []core.Route{
		{
			Method: "GET",
			Path:   "/stub",
			Handler: func(w http.ResponseWriter, r *http.Request) {
				core.WriteJSON(w, http.StatusOK, map[string]string{"hello": "world"})
			},
		},
	}
}

func (f *stubFeature) Status() any {
	return map[string]bool{"running": true}
}

func newTestServer(t *testing.T) http.Handler {
	t.Helper()

	logger := core.NewDiscardLogger()
	db, err := core.OpenDatabase(":memory:", logger)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	storage := core.NewStorage(db, logger)
	registry := core.NewRegistry(logger)
	feature := &stubFeature{BaseFeature: core.NewBaseFeature("stub", "Stub feature", true, logger, storage)}
	if err := registry.Register(feature); err != nil {
		t.Fatalf("Failed to register feature: %v", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte("letmein"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("Failed to hash token: %v", err)
	}

	config := core.DefaultConfig()
	config.Auth.AdminToken = string(hash)

	srv, err := New(config, logger, db, registry)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, nil).WithContext(context.Background())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsPublic(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, "GET", "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if body["status"] != "ok" || body["service"] != "the-relay" {
		t.Errorf("Unexpected health body: %v", body)
	}
}

func TestFeatureRoutesRequireToken(t *testing.T) {
	h := newTestServer(t)

	if rec := do(t, h, "GET", "/stub", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", rec.Code)
	}
	if rec := do(t, h, "GET", "/stub", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with a wrong token, got %d", rec.Code)
	}
	if rec := do(t, h, "GET", "/stub", "letmein"); rec.Code != http.StatusOK {
		t.Errorf("Expected 200 with token, got %d", rec.Code)
	}
}

func TestStatusListsFeatures(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, "GET", "/status", "letmein")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var body struct {
		Features map[string]core.FeatureStatus `json:"features"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	stub, ok := body.Features["stub"]
	if !ok {
		t.Fatalf("Expected stub feature in status, got %v", body.Features)
	}
	if !stub.Enabled || stub.Runtime == nil {
		t.Errorf("Expected enabled stub with runtime status, got %+v", stub)
	}
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, "GET", "/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON error, got %q", ct)
	}
}
