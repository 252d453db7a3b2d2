package grvt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newLoginServer(t *testing.T, logins *atomic.Int32, maxAge int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != loginPath {
			http.NotFound(w, r)
			return
		}
		logins.Add(1)
		http.SetCookie(w, &http.Cookie{Name: cookieName, Value: "session-token", MaxAge: maxAge})
		w.Header().Set(accountHeader, "12345")
		w.WriteHeader(http.StatusOK)
	}))
}

func TestSessionHeadersCached(t *testing.T) {
	t.Parallel()

	var logins atomic.Int32
	srv := newLoginServer(t, &logins, 3600)
	defer srv.Close()

	s := NewSession(srv.URL, "test-key")

	h1, err := s.Headers(context.Background())
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}
	if h1["Cookie"] != "gravity=session-token" {
		t.Errorf("Cookie = %q", h1["Cookie"])
	}
	if h1[accountHeader] != "12345" {
		t.Errorf("account header = %q", h1[accountHeader])
	}

	if _, err := s.Headers(context.Background()); err != nil {
		t.Fatalf("Headers: %v", err)
	}
	if n := logins.Load(); n != 1 {
		t.Errorf("logged in %d times inside cookie lifetime, want 1", n)
	}
}

func TestSessionRefreshNearExpiry(t *testing.T) {
	t.Parallel()

	var logins atomic.Int32
	srv := newLoginServer(t, &logins, 3600)
	defer srv.Close()

	s := NewSession(srv.URL, "test-key")
	if _, err := s.Headers(context.Background()); err != nil {
		t.Fatalf("Headers: %v", err)
	}

	// Advance the clock to within the refresh margin of expiry.
	s.now = func() time.Time { return time.Now().Add(3600*time.Second - 5*time.Second) }
	if _, err := s.Headers(context.Background()); err != nil {
		t.Fatalf("Headers: %v", err)
	}
	if n := logins.Load(); n != 2 {
		t.Errorf("logged in %d times, want refresh near expiry to make it 2", n)
	}
}

func TestSessionLoginFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := NewSession(srv.URL, "bad-key")
	if _, err := s.Headers(context.Background()); err == nil {
		t.Fatal("expected login failure")
	}
}
