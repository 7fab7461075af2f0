package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/capitalize-ai/direct-messaging/internal/identity"
	"github.com/capitalize-ai/direct-messaging/pkg/logger"
)

func TestAuth(t *testing.T) {
	verifier := identity.Static{"tok-alice": "alice"}

	var seen string
	h := Auth(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetUserID(r.Context())
	}))

	tests := []struct {
		name       string
		setup      func(r *http.Request)
		wantStatus int
		wantUser   string
	}{
		{"bearer header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer tok-alice") }, http.StatusOK, "alice"},
		{"lowercase scheme", func(r *http.Request) { r.Header.Set("Authorization", "bearer tok-alice") }, http.StatusOK, "alice"},
		{"query token", func(r *http.Request) { r.URL.RawQuery = "access_token=tok-alice" }, http.StatusOK, "alice"},
		{"missing", func(r *http.Request) {}, http.StatusUnauthorized, ""},
		{"wrong scheme", func(r *http.Request) { r.Header.Set("Authorization", "Basic tok-alice") }, http.StatusUnauthorized, ""},
		{"unknown token", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if seen != tt.wantUser {
				t.Errorf("user = %q, want %q", seen, tt.wantUser)
			}
		})
	}
}

func TestLoggingCorrelationID(t *testing.T) {
	var got string
	h := Logging(logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetCorrelationID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CorrelationIDHeader, "corr-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got != "corr-1" {
		t.Errorf("correlation id = %q, want corr-1", got)
	}
	if rec.Header().Get(CorrelationIDHeader) != "corr-1" {
		t.Errorf("response header = %q", rec.Header().Get(CorrelationIDHeader))
	}
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if got == "" || rec.Header().Get(CorrelationIDHeader) != got {
		t.Errorf("generated correlation id not propagated: ctx=%q header=%q", got, rec.Header().Get(CorrelationIDHeader))
	}
}

func TestGetUserIDEmpty(t *testing.T) {
	if id := GetUserID(context.Background()); id != "" {
		t.Errorf("GetUserID() = %q, want empty", id)
	}
}

func TestUserRateLimit(t *testing.T) {
	h := UserRateLimit(2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	do := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(WithUserID(req.Context(), user))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := do("alice"); code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, code)
		}
	}
	if code := do("alice"); code != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429", code)
	}
	if code := do("bob"); code != http.StatusOK {
		t.Errorf("other user status = %d, want 200", code)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"uuid", ValidateID("0190f3c2-8f4e-7a35-9c4e-1b2d3e4f5a6b"), false},
		{"bad uuid", ValidateID("conv-1"), true},
		{"user id", ValidateUserID("alice"), false},
		{"blank user id", ValidateUserID("  "), true},
		{"client id", ValidateClientID("local-1"), false},
		{"https attachment", ValidateAttachmentURL("https://cdn.example.com/a.png"), false},
		{"relative attachment", ValidateAttachmentURL("/a.png"), true},
		{"ftp attachment", ValidateAttachmentURL("ftp://cdn.example.com/a.png"), true},
		{"query", ValidateSearchQuery("bo"), false},
		{"blank query", ValidateSearchQuery(""), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if (tt.err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", tt.err, tt.wantErr)
			}
		})
	}
}
