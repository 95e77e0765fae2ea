package campaign

import (
	"context"
	"errors"
	"net/url"

	"github.com/oremus-labs/ol-redteam/internal/logutil"
)

// Executor runs campaigns with at most one retry after a credential refresh.
// It is the only place user-facing failure notifications are raised.
type Executor struct {
	runner *Runner
	creds  CredentialProvider
	notify NotificationSink
}

// NewExecutor wraps runner. creds and notify may be nil.
func NewExecutor(runner *Runner, creds CredentialProvider, notify NotificationSink) *Executor {
	if notify == nil {
		notify = nopSink{}
	}
	return &Executor{runner: runner, creds: creds, notify: notify}
}

// Execute runs req. On an authentication failure it refreshes the credential
// once and retries. The stored session is cleared only when the refresh
// endpoint explicitly rejects it.
func (e *Executor) Execute(ctx context.Context, req Request, progress ProgressSink) (*Outcome, error) {
	out, err := e.runner.Run(ctx, req, progress)
	if err == nil {
		return out, nil
	}
	if !IsAuth(err) || e.creds == nil {
		e.notifyFailure(ctx, out, err)
		return out, err
	}

	token, refreshErr := e.creds.Refresh(ctx)
	if refreshErr != nil || !UsableToken(token) {
		authErr := e.refreshFailed(ctx, out, err, refreshErr)
		out.State.Err = authErr
		return out, authErr
	}

	logutil.Info("campaign_retry_after_refresh", nil)
	out, err = e.runner.Run(ctx, req, progress)
	if err != nil {
		e.notifyFailure(ctx, out, err)
		return out, err
	}
	return out, nil
}

// refreshFailed reports a failed refresh attempt. The session is cleared only
// when the refresh endpoint rejected it; transport failures keep it for the
// next campaign.
func (e *Executor) refreshFailed(ctx context.Context, out *Outcome, runErr, refreshErr error) *Error {
	var rejected *Error
	errors.As(runErr, &rejected)
	authErr := *rejected
	authErr.RefreshFailed = true
	if refreshErr != nil {
		authErr.Err = refreshErr
	}

	note := Notification{
		CampaignID: out.State.CampaignID,
		ErrorKind:  KindAuth,
	}
	var transport *url.Error
	switch {
	case refreshErr == nil || errors.Is(refreshErr, ErrRefreshRejected):
		logutil.Error("campaign_credential_refresh_rejected", refreshErr, map[string]interface{}{
			"status": authErr.Status,
		})
		note.Kind = NotifySessionExpired
		note.Action = ActionRelogin
		note.Message = "Your session has expired. Please sign in again."
		if clearer, ok := e.creds.(SessionClearer); ok {
			if err := clearer.Clear(); err != nil {
				logutil.Error("campaign_session_clear_failed", err, nil)
			}
		}
	case errors.As(refreshErr, &transport), errors.Is(refreshErr, context.DeadlineExceeded):
		logutil.Warn("campaign_credential_refresh_unreachable", map[string]interface{}{
			"error": refreshErr.Error(),
		})
		note.Kind = NotifyAuthRequired
		note.Action = ActionRetry
		note.Message = "The session could not be renewed right now. Please retry."
	default:
		logutil.Warn("campaign_credential_refresh_unavailable", map[string]interface{}{
			"error": refreshErr.Error(),
		})
		note.Kind = NotifyAuthRequired
		note.Action = ActionRelogin
		note.Message = authErr.Error()
	}
	if ctx.Err() == nil {
		e.notify.Notify(ctx, note)
	}
	return &authErr
}

func (e *Executor) notifyFailure(ctx context.Context, out *Outcome, err error) {
	n := Notification{
		Kind:      NotifyCampaignFailed,
		Action:    ActionRetry,
		ErrorKind: KindOf(err),
		Message:   err.Error(),
	}
	if out != nil {
		n.CampaignID = out.State.CampaignID
	}
	if n.ErrorKind == KindAuth {
		n.Kind = NotifyAuthRequired
		n.Action = ActionRelogin
	}
	if n.ErrorKind == KindCanceled {
		return
	}
	e.notify.Notify(ctx, n)
}
