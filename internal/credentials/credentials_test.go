package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/oremus-labs/ol-redteam/config"
	"github.com/oremus-labs/ol-redteam/internal/campaign"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   "analyst",
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func refreshServer(t *testing.T, status int, resp refreshResponse) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/api/v1/auth/refresh" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["refresh_token"] != "rt-1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestStaticProvider(t *testing.T) {
	t.Parallel()

	p := NewStatic("  abc  ")
	token, err := p.Token(context.Background())
	if err != nil || token != "abc" {
		t.Fatalf("unexpected token %q err=%v", token, err)
	}
	if _, err := p.Refresh(context.Background()); !errors.Is(err, ErrRefreshUnsupported) {
		t.Fatalf("expected ErrRefreshUnsupported, got %v", err)
	}
}

func TestExpiry(t *testing.T) {
	t.Parallel()

	exp := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	got, ok := Expiry(signedToken(t, exp))
	if !ok || !got.Equal(exp) {
		t.Fatalf("expected %s, got %s (ok=%v)", exp, got, ok)
	}
	for _, opaque := range []string{"", "opaque-token", "a.b.c"} {
		if _, ok := Expiry(opaque); ok {
			t.Fatalf("expected no expiry for %q", opaque)
		}
	}
}

func TestRefreshPersistsSession(t *testing.T) {
	t.Parallel()

	srv, calls := refreshServer(t, http.StatusOK, refreshResponse{AccessToken: "at-2", RefreshToken: "rt-2", ExpiresIn: 600})
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	var persisted []Session
	p := NewSessionProvider(Options{
		BaseURL:     srv.URL + "/",
		RefreshPath: "/api/v1/auth/refresh",
		Session:     Session{AccessToken: "at-1", RefreshToken: "rt-1"},
		Persist: func(s Session) error {
			persisted = append(persisted, s)
			return nil
		},
		Now: func() time.Time { return now },
	})

	token, err := p.Refresh(context.Background())
	if err != nil || token != "at-2" {
		t.Fatalf("unexpected refresh result %q err=%v", token, err)
	}
	want := []Session{{AccessToken: "at-2", RefreshToken: "rt-2", ExpiresAt: now.Add(10 * time.Minute)}}
	if diff := cmp.Diff(want, persisted); diff != "" {
		t.Fatalf("persisted sessions mismatch (-want +got):\n%s", diff)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one refresh call, got %d", calls.Load())
	}
}

func TestRefreshRejected(t *testing.T) {
	t.Parallel()

	srv, _ := refreshServer(t, http.StatusUnauthorized, refreshResponse{})
	p := NewSessionProvider(Options{
		BaseURL:     srv.URL,
		RefreshPath: "/api/v1/auth/refresh",
		Session:     Session{AccessToken: "at-1", RefreshToken: "rt-1"},
	})
	if _, err := p.Refresh(context.Background()); !errors.Is(err, ErrRefreshRejected) {
		t.Fatalf("expected ErrRefreshRejected, got %v", err)
	}
	if got := p.Session().AccessToken; got != "at-1" {
		t.Fatalf("failed refresh must keep the session, got %q", got)
	}
}

func TestRefreshServerErrorIsNotRejection(t *testing.T) {
	t.Parallel()

	srv, _ := refreshServer(t, http.StatusServiceUnavailable, refreshResponse{})
	p := NewSessionProvider(Options{
		BaseURL:     srv.URL,
		RefreshPath: "/api/v1/auth/refresh",
		Session:     Session{AccessToken: "at-1", RefreshToken: "rt-1"},
	})
	_, err := p.Refresh(context.Background())
	if err == nil || errors.Is(err, ErrRefreshRejected) {
		t.Fatalf("expected a non-rejection failure, got %v", err)
	}
}

func TestExecutorKeepsSessionWhenRefreshEndpointUnreachable(t *testing.T) {
	t.Parallel()

	probeAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer probeAPI.Close()
	authAPI := httptest.NewServer(http.NotFoundHandler())
	authAPI.Close()

	var persisted atomic.Int32
	p := NewSessionProvider(Options{
		BaseURL:     authAPI.URL,
		RefreshPath: "/api/v1/auth/refresh",
		Session:     Session{AccessToken: "at-1", RefreshToken: "rt-1"},
		Persist: func(Session) error {
			persisted.Add(1)
			return nil
		},
	})
	runner := campaign.NewRunner(campaign.Options{Source: &campaign.HTTPSource{BaseURL: probeAPI.URL, Credentials: p}})

	_, err := campaign.NewExecutor(runner, p, nil).Execute(context.Background(), campaign.Request{}, nil)
	if !campaign.IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if diff := cmp.Diff(Session{AccessToken: "at-1", RefreshToken: "rt-1"}, p.Session()); diff != "" {
		t.Fatalf("session changed after an unreachable refresh (-want +got):\n%s", diff)
	}
	if persisted.Load() != 0 {
		t.Fatalf("nothing should be persisted, got %d writes", persisted.Load())
	}
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	t.Parallel()

	p := NewSessionProvider(Options{BaseURL: "http://unused", Session: Session{AccessToken: "at-1"}})
	if _, err := p.Refresh(context.Background()); !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("expected ErrNoRefreshToken, got %v", err)
	}
}

func TestTokenRefreshesExpiredJWT(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	srv, calls := refreshServer(t, http.StatusOK, refreshResponse{AccessToken: "at-2"})
	p := NewSessionProvider(Options{
		BaseURL:     srv.URL,
		RefreshPath: "/api/v1/auth/refresh",
		Session:     Session{AccessToken: signedToken(t, now.Add(-time.Minute)), RefreshToken: "rt-1"},
		Now:         func() time.Time { return now },
	})

	token, err := p.Token(context.Background())
	if err != nil || token != "at-2" {
		t.Fatalf("expected refreshed token, got %q err=%v", token, err)
	}
	if p.Session().RefreshToken != "rt-1" {
		t.Fatalf("refresh token must be kept when the server does not rotate it")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one refresh call, got %d", calls.Load())
	}
}

func TestTokenKeepsValidJWT(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	srv, calls := refreshServer(t, http.StatusOK, refreshResponse{AccessToken: "at-2"})
	valid := signedToken(t, now.Add(time.Hour))
	p := NewSessionProvider(Options{
		BaseURL:     srv.URL,
		RefreshPath: "/api/v1/auth/refresh",
		Session:     Session{AccessToken: valid, RefreshToken: "rt-1"},
		Now:         func() time.Time { return now },
	})

	token, _ := p.Token(context.Background())
	if token != valid || calls.Load() != 0 {
		t.Fatalf("valid token must be used as is (calls=%d)", calls.Load())
	}
}

func TestClearPersistsEmptySession(t *testing.T) {
	t.Parallel()

	var persisted *Session
	p := NewSessionProvider(Options{
		Session: Session{AccessToken: "at-1", RefreshToken: "rt-1"},
		Persist: func(s Session) error {
			persisted = &s
			return nil
		},
	})
	if err := p.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if persisted == nil || *persisted != (Session{}) {
		t.Fatalf("expected empty session to be persisted, got %+v", persisted)
	}
	if token, _ := p.Token(context.Background()); token != "" {
		t.Fatalf("expected no token after clear, got %q", token)
	}
}

func TestFromConfig(t *testing.T) {
	t.Parallel()

	if p := FromConfig(&config.Config{}); p != nil {
		t.Fatalf("expected no provider without credentials, got %T", p)
	}
	if _, ok := FromConfig(&config.Config{APIToken: "abc"}).(*Static); !ok {
		t.Fatalf("expected static provider for a bare token")
	}
	p, ok := FromConfig(&config.Config{APIToken: "abc", RefreshToken: "r1", APIURL: "http://probe"}).(*SessionProvider)
	if !ok {
		t.Fatalf("expected session provider when a refresh token is configured")
	}
	if s := p.Session(); s.AccessToken != "abc" || s.RefreshToken != "r1" {
		t.Fatalf("unexpected session: %+v", s)
	}
}
