// session.go manages GRVT's cookie session.
//
// Non-trading authentication is a cookie exchange: POST the API key to the
// edge endpoint, receive a "gravity" session cookie plus an account-id
// response header. Both must accompany every subsequent trade and account
// call, and the same pair is sent as upgrade headers when opening the
// private WebSocket. The cookie expires server-side; we refresh when less
// than refreshMargin remains so an in-flight request never races expiry.
package grvt

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	cookieName    = "gravity"
	accountHeader = "X-Grvt-Account-Id"
	refreshMargin = 10 * time.Second
	loginPath     = "/auth/api_key/login"
)

// Session holds the current cookie and account id. Refresh is serialized by
// a mutex so concurrent callers never run the login exchange twice.
type Session struct {
	apiKey string
	http   *resty.Client

	mu        sync.Mutex
	cookie    string
	accountID string
	expires   time.Time

	// now is stubbed in tests.
	now func() time.Time
}

// NewSession builds a session manager pointed at the venue's edge host.
func NewSession(edgeURL, apiKey string) *Session {
	return &Session{
		apiKey: apiKey,
		http: resty.New().
			SetBaseURL(edgeURL).
			SetTimeout(10 * time.Second).
			SetHeader("Content-Type", "application/json"),
		now: time.Now,
	}
}

// Headers returns the cookie and account-id headers for one request,
// refreshing the session first when it is missing or about to expire.
func (s *Session) Headers(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cookie == "" || s.now().Add(refreshMargin).After(s.expires) {
		if err := s.loginLocked(ctx); err != nil {
			return nil, err
		}
	}
	return map[string]string{
		"Cookie":      cookieName + "=" + s.cookie,
		accountHeader: s.accountID,
	}, nil
}

// AccountID returns the account id captured at login, logging in first if
// no session exists yet.
func (s *Session) AccountID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accountID == "" {
		if err := s.loginLocked(ctx); err != nil {
			return "", err
		}
	}
	return s.accountID, nil
}

// Invalidate drops the session so the next call logs in again. Called when
// the venue answers 401 despite an apparently-valid cookie.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.cookie = ""
	s.expires = time.Time{}
	s.mu.Unlock()
}

func (s *Session) loginLocked(ctx context.Context) error {
	resp, err := s.http.R().SetContext(ctx).
		SetBody(map[string]string{"api_key": s.apiKey}).
		Post(loginPath)
	if err != nil {
		return fmt.Errorf("grvt login: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("grvt login: status %d: %s", resp.StatusCode(), resp.String())
	}

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == cookieName {
			cookie = c
			break
		}
	}
	if cookie == nil || cookie.Value == "" {
		return fmt.Errorf("grvt login: no %s cookie in response", cookieName)
	}
	accountID := resp.Header().Get(accountHeader)
	if accountID == "" {
		return fmt.Errorf("grvt login: no %s header in response", accountHeader)
	}

	s.cookie = cookie.Value
	s.accountID = accountID
	if !cookie.Expires.IsZero() {
		s.expires = cookie.Expires
	} else if cookie.MaxAge > 0 {
		s.expires = s.now().Add(time.Duration(cookie.MaxAge) * time.Second)
	} else {
		// Venue omitted expiry; assume the documented session lifetime.
		s.expires = s.now().Add(23 * time.Hour)
	}
	return nil
}
