package campaign

import "context"

// ProgressUpdate is delivered for every progress record and once on completion.
type ProgressUpdate struct {
	CampaignID      string `json:"campaignId,omitempty"`
	Percent         int    `json:"percent"`
	CompletedProbes int    `json:"completedProbes"`
	TotalProbes     int    `json:"totalProbes"`
	CurrentProbe    string `json:"currentProbe,omitempty"`
	Phase           Phase  `json:"phase"`
}

// ProgressSink receives progress in dispatch order. Calls happen on the
// goroutine running the campaign.
type ProgressSink interface {
	Progress(ProgressUpdate)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(ProgressUpdate)

// Progress implements ProgressSink.
func (f ProgressFunc) Progress(u ProgressUpdate) {
	f(u)
}

// Action is what a user is invited to do after a failure.
type Action string

const (
	ActionRetry   Action = "retry"
	ActionRelogin Action = "relogin"
)

// NotificationKind tags a user-facing notification.
type NotificationKind string

const (
	NotifyCampaignFailed NotificationKind = "campaign_failed"
	NotifyAuthRequired   NotificationKind = "auth_required"
	NotifySessionExpired NotificationKind = "session_expired"
)

// Notification describes a failure the presentation layer should surface.
type Notification struct {
	Kind       NotificationKind `json:"kind"`
	Action     Action           `json:"action"`
	CampaignID string           `json:"campaignId,omitempty"`
	ErrorKind  Kind             `json:"errorKind,omitempty"`
	Message    string           `json:"message"`
}

// NotificationSink surfaces notifications. Implementations own presentation.
type NotificationSink interface {
	Notify(context.Context, Notification)
}

type nopSink struct{}

func (nopSink) Progress(ProgressUpdate) {}
func (nopSink) Notify(context.Context, Notification) {}
