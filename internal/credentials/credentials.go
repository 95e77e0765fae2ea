// Package credentials supplies bearer tokens for the probe API and refreshes
// them when the server rejects them.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oremus-labs/ol-redteam/internal/campaign"
	"github.com/oremus-labs/ol-redteam/internal/logutil"
)

// expirySkew is how early a token is treated as expired.
const expirySkew = 30 * time.Second

var (
	// ErrRefreshUnsupported is returned by providers that cannot refresh.
	ErrRefreshUnsupported = errors.New("credential refresh not supported")
	// ErrNoRefreshToken is returned when a session holds no refresh token.
	ErrNoRefreshToken = errors.New("no refresh token in session")
	// ErrRefreshRejected is wrapped when the refresh endpoint refuses the
	// session with a 4xx status or hands back no access token.
	ErrRefreshRejected = campaign.ErrRefreshRejected
)

// Static hands out a fixed token.
type Static struct {
	token string
}

// NewStatic returns a provider for token.
func NewStatic(token string) *Static {
	return &Static{token: strings.TrimSpace(token)}
}

// Token implements campaign.CredentialProvider.
func (s *Static) Token(context.Context) (string, error) {
	return s.token, nil
}

// Refresh implements campaign.CredentialProvider.
func (s *Static) Refresh(context.Context) (string, error) {
	return "", ErrRefreshUnsupported
}

// Session is a stored login.
type Session struct {
	AccessToken  string    `json:"access_token" yaml:"accessToken,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty" yaml:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty" yaml:"expiresAt,omitempty"`
}

// Options configure a SessionProvider.
type Options struct {
	BaseURL     string
	RefreshPath string
	Client      *http.Client
	Session     Session
	// Persist is called with the new session after every refresh or clear.
	Persist func(Session) error
	Now     func() time.Time
}

// SessionProvider holds an access/refresh token pair and exchanges the
// refresh token for a new access token on demand.
type SessionProvider struct {
	baseURL     string
	refreshPath string
	client      *http.Client
	persist     func(Session) error
	now         func() time.Time

	mu      sync.Mutex
	session Session
}

var (
	_ campaign.CredentialProvider = (*SessionProvider)(nil)
	_ campaign.SessionClearer     = (*SessionProvider)(nil)
	_ campaign.CredentialProvider = (*Static)(nil)
)

// NewSessionProvider constructs a SessionProvider.
func NewSessionProvider(opts Options) *SessionProvider {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	session := opts.Session
	if session.ExpiresAt.IsZero() {
		if exp, ok := Expiry(session.AccessToken); ok {
			session.ExpiresAt = exp
		}
	}
	return &SessionProvider{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		refreshPath: opts.RefreshPath,
		client:      client,
		persist:     opts.Persist,
		now:         now,
		session:     session,
	}
}

// Session returns a copy of the current session.
func (p *SessionProvider) Session() Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// Token returns the access token, refreshing it first when it is known to
// be expired. A failed proactive refresh is logged and the stale token is
// returned; the server has the final word.
func (p *SessionProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.expiredLocked() && p.session.RefreshToken != "" {
		if _, err := p.refreshLocked(ctx); err != nil {
			logutil.Warn("credential_proactive_refresh_failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	return p.session.AccessToken, nil
}

// Refresh exchanges the refresh token for a new access token.
func (p *SessionProvider) Refresh(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshLocked(ctx)
}

// Clear drops the stored session.
func (p *SessionProvider) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = Session{}
	if p.persist != nil {
		return p.persist(Session{})
	}
	return nil
}

func (p *SessionProvider) expiredLocked() bool {
	if p.session.ExpiresAt.IsZero() {
		return false
	}
	return !p.now().Add(expirySkew).Before(p.session.ExpiresAt)
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

func (p *SessionProvider) refreshLocked(ctx context.Context) (string, error) {
	if p.session.RefreshToken == "" {
		return "", ErrNoRefreshToken
	}
	if p.baseURL == "" {
		return "", errors.New("refresh endpoint not configured")
	}

	body, err := json.Marshal(map[string]string{"refresh_token": p.session.RefreshToken})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+p.refreshPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	excerpt := logutil.Excerpt(strings.TrimSpace(string(data)), 200)
	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", fmt.Errorf("%w (status %d): %s", ErrRefreshRejected, resp.StatusCode, excerpt)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", fmt.Errorf("refresh endpoint failed (status %d): %s", resp.StatusCode, excerpt)
	}

	var decoded refreshResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return "", fmt.Errorf("decode refresh response: %w", err)
	}
	if !campaign.UsableToken(decoded.AccessToken) {
		return "", fmt.Errorf("%w: response carried no access token", ErrRefreshRejected)
	}

	next := Session{
		AccessToken:  decoded.AccessToken,
		RefreshToken: p.session.RefreshToken,
	}
	if decoded.RefreshToken != "" {
		next.RefreshToken = decoded.RefreshToken
	}
	switch {
	case decoded.ExpiresIn > 0:
		next.ExpiresAt = p.now().Add(time.Duration(decoded.ExpiresIn) * time.Second).UTC()
	default:
		if exp, ok := Expiry(decoded.AccessToken); ok {
			next.ExpiresAt = exp
		}
	}
	p.session = next

	if p.persist != nil {
		if err := p.persist(next); err != nil {
			logutil.Error("credential_persist_failed", err, nil)
		}
	}
	logutil.Info("credential_refreshed", map[string]interface{}{
		"expiresAt": next.ExpiresAt,
	})
	return next.AccessToken, nil
}

// Expiry reads the exp claim of a JWT without verifying its signature. The
// token is opaque to this client; the claim only schedules refreshes.
func Expiry(token string) (time.Time, bool) {
	token = strings.TrimSpace(token)
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
