package events

import (
	"context"
	"time"

	"github.com/oremus-labs/ol-redteam/internal/campaign"
	"github.com/oremus-labs/ol-redteam/internal/logutil"
)

// Campaign event types.
const (
	TypeCampaignQueued       = "campaign.queued"
	TypeCampaignStarted      = "campaign.started"
	TypeCampaignProgress     = "campaign.progress"
	TypeCampaignCompleted    = "campaign.completed"
	TypeCampaignFailed       = "campaign.failed"
	TypeCampaignNotification = "campaign.notification"
	TypeCampaignCancel       = "campaign.cancel"
)

const publishTimeout = 5 * time.Second

// Publisher is the subset of Bus used by campaign sinks.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Subscriber is the subset of Bus used to follow events.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan Event, func(), error)
}

// CancelRequest is the payload of campaign.cancel.
type CancelRequest struct {
	JobID string `json:"jobId"`
}

// CancelTarget returns the job named by a campaign.cancel event. Events
// relayed through Redis carry a decoded map rather than a CancelRequest.
func CancelTarget(evt Event) (string, bool) {
	if evt.Type != TypeCampaignCancel {
		return "", false
	}
	var id string
	switch data := evt.Data.(type) {
	case CancelRequest:
		id = data.JobID
	case *CancelRequest:
		if data != nil {
			id = data.JobID
		}
	case map[string]interface{}:
		id, _ = data["jobId"].(string)
	}
	return id, id != ""
}

// ProgressEvent is the payload of campaign.progress.
type ProgressEvent struct {
	JobID string `json:"jobId"`
	campaign.ProgressUpdate
}

// NotificationEvent is the payload of campaign.notification.
type NotificationEvent struct {
	JobID string `json:"jobId"`
	campaign.Notification
}

// CampaignSink forwards a single job's progress and notifications onto the
// bus. It satisfies campaign.ProgressSink and campaign.NotificationSink.
type CampaignSink struct {
	pub   Publisher
	jobID string
}

var (
	_ campaign.ProgressSink     = (*CampaignSink)(nil)
	_ campaign.NotificationSink = (*CampaignSink)(nil)
)

// NewCampaignSink binds pub to jobID. pub may be nil.
func NewCampaignSink(pub Publisher, jobID string) *CampaignSink {
	return &CampaignSink{pub: pub, jobID: jobID}
}

// Progress implements campaign.ProgressSink.
func (s *CampaignSink) Progress(u campaign.ProgressUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	s.publish(ctx, TypeCampaignProgress, ProgressEvent{JobID: s.jobID, ProgressUpdate: u})
}

// Notify implements campaign.NotificationSink.
func (s *CampaignSink) Notify(ctx context.Context, n campaign.Notification) {
	s.publish(context.WithoutCancel(ctx), TypeCampaignNotification, NotificationEvent{JobID: s.jobID, Notification: n})
}

func (s *CampaignSink) publish(ctx context.Context, typ string, data interface{}) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, Event{Type: typ, Data: data}); err != nil {
		logutil.Warn("events_publish_failed", map[string]interface{}{
			"type":  typ,
			"jobId": s.jobID,
			"error": err.Error(),
		})
	}
}
