package campaign

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/oremus-labs/ol-redteam/internal/logutil"
)

// Target identifies the model under test.
type Target struct {
	Name     string `json:"name,omitempty"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Endpoint string `json:"endpoint,omitempty"`
}

// Request is the body of a run-campaign call.
type Request struct {
	Target            Target                 `json:"target"`
	Categories        []string               `json:"categories"`
	ProbesPerCategory int                    `json:"probes_per_category,omitempty"`
	SystemPrompt      string                 `json:"system_prompt,omitempty"`
	Options           map[string]interface{} `json:"options,omitempty"`
}

// Source opens the event stream of a campaign. The caller owns the returned
// body and must close it. Implementations return *Error for failures they
// can classify; anything else is treated as a transport failure.
type Source interface {
	Open(ctx context.Context, req Request) (io.ReadCloser, error)
}

// CredentialProvider supplies an optional bearer token.
type CredentialProvider interface {
	// Token returns the current token, or "" when none is held.
	Token(ctx context.Context) (string, error)
	// Refresh obtains a new token or reports why it could not.
	Refresh(ctx context.Context) (string, error)
}

// SessionClearer is implemented by providers that can drop a stored session.
type SessionClearer interface {
	Clear() error
}

// ErrRefreshRejected is wrapped by providers whose refresh endpoint explicitly
// refused the stored session. Only this failure clears the session.
var ErrRefreshRejected = errors.New("credential refresh rejected")

// UsableToken reports whether token is worth attaching to a request.
func UsableToken(token string) bool {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "", "null", "undefined", "bearer":
		return false
	}
	return true
}

const maxErrorBody = 64 << 10

// HTTPSource posts the campaign request to the probe API and returns the
// streaming response body.
type HTTPSource struct {
	BaseURL     string
	RunPath     string
	Credentials CredentialProvider
	Client      *http.Client
}

// Open implements Source.
func (s *HTTPSource) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal campaign request: %w", err)
	}
	url := strings.TrimRight(s.BaseURL, "/") + s.RunPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, protocolError("invalid campaign endpoint", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	supplied := false
	if token := s.token(ctx); UsableToken(token) {
		httpReq.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
		supplied = true
	}

	client := s.Client
	if client == nil {
		// No client-level timeout: the runner bounds the whole stream.
		client = &http.Client{}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusError(resp, supplied)
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		if resp.Body != nil {
			resp.Body.Close()
		}
		return nil, protocolError(ErrStreamUnsupported.Error(), ErrStreamUnsupported)
	}
	return resp.Body, nil
}

func (s *HTTPSource) token(ctx context.Context) string {
	if s.Credentials == nil {
		return ""
	}
	token, err := s.Credentials.Token(ctx)
	if err != nil {
		// A missing credential never blocks the call; the server decides.
		logutil.Warn("campaign_credential_unavailable", map[string]interface{}{
			"error": err.Error(),
		})
		return ""
	}
	return token
}

func statusError(resp *http.Response, supplied bool) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := extractMessage(body)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		if msg == "" {
			if supplied {
				msg = "credential rejected by server"
			} else {
				msg = "authentication required"
			}
		}
		return &Error{
			Kind:               KindAuth,
			Status:             resp.StatusCode,
			Message:            msg,
			CredentialSupplied: supplied,
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &Error{Kind: KindServer, Status: resp.StatusCode, Message: msg}
}

// extractMessage pulls a human-readable message out of an error body,
// preferring the usual JSON fields and falling back to trimmed text.
func extractMessage(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ""
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err == nil {
		for _, key := range []string{"detail", "error", "message"} {
			raw, ok := fields[key]
			if !ok {
				continue
			}
			var text string
			if err := json.Unmarshal(raw, &text); err == nil {
				if text = strings.TrimSpace(text); text != "" {
					return text
				}
				continue
			}
			var nested struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(raw, &nested); err == nil && nested.Message != "" {
				return nested.Message
			}
			return string(raw)
		}
		return ""
	}
	return logutil.Excerpt(string(body), 200)
}

var errNoSource = errors.New("campaign source not configured")
