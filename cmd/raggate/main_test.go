package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"raggate/internal/token"
)

func issuerService(t *testing.T) *token.Service {
	t.Helper()
	svc, err := token.NewService("supersecretkeythatisatleast16byteslong", "bestvwin2026", "bestv-tvcms", time.Minute)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc
}

func TestHandleGetToken_WrongSecret(t *testing.T) {
	h := handleGetToken(issuerService(t))

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest("GET", "/api/get-token?secret=WRONG&userid=u1", nil))

	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["error"] != "口令错误" {
		t.Errorf("unexpected error body: %v", body)
	}
	if body["token"] != "" {
		t.Error("rejection must not carry a token")
	}
}

func TestHandleGetToken_MissingSecret(t *testing.T) {
	h := handleGetToken(issuerService(t))

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest("GET", "/api/get-token?userid=u1", nil))

	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestHandleGetToken_IssuesVerifiableToken(t *testing.T) {
	svc := issuerService(t)
	h := handleGetToken(svc)

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest("GET", "/api/get-token?secret=bestvwin2026&userid=u42", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Success bool   `json:"success"`
		Token   string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if !body.Success || body.Token == "" {
		t.Fatalf("unexpected issuance body: %+v", body)
	}

	claims, err := svc.Verify(body.Token)
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if claims.UserID != "u42" || claims.Role != "user" || claims.System != "bestv-tvcms" {
		t.Errorf("unexpected claims: %+v", claims)
	}
}

func TestHandleGetToken_EmptyUserIDBecomesGuest(t *testing.T) {
	svc := issuerService(t)
	h := handleGetToken(svc)

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest("GET", "/api/get-token?secret=bestvwin2026", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	claims, err := svc.Verify(body.Token)
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if claims.UserID != "guest" {
		t.Errorf("expected guest fallback, got %q", claims.UserID)
	}
}
