package worker

import (
	"context"
	"errors"
	"time"

	"github.com/oremus-labs/ol-redteam/internal/campaign"
	"github.com/oremus-labs/ol-redteam/internal/jobs"
	"github.com/oremus-labs/ol-redteam/internal/logutil"
	"github.com/oremus-labs/ol-redteam/internal/queue"
	"github.com/oremus-labs/ol-redteam/internal/results"
	"github.com/oremus-labs/ol-redteam/internal/store"
)

// Source yields queued campaigns.
type Source interface {
	EnsureGroup(ctx context.Context) error
	Next(ctx context.Context) (*queue.CampaignMessage, string, error)
	Ack(ctx context.Context, id string) error
}

// Processor runs one campaign to completion.
type Processor interface {
	GetCampaign(id string) (*store.Campaign, error)
	ProcessCampaign(ctx context.Context, c *store.Campaign, req campaign.Request) (*results.Report, error)
}

var _ Processor = (*jobs.Manager)(nil)

// Options configure the background worker process.
type Options struct {
	Queue Source
	Jobs  Processor
	// Backoff is slept after a queue read error.
	Backoff time.Duration
}

// Runner consumes campaigns from the queue and executes them one at a time.
type Runner struct {
	queue   Source
	jobs    Processor
	backoff time.Duration
}

// New creates a new Runner.
func New(opts Options) *Runner {
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	return &Runner{
		queue:   opts.Queue,
		jobs:    opts.Jobs,
		backoff: backoff,
	}
}

// Run consumes the queue until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	if r.queue == nil || r.jobs == nil {
		return errors.New("worker not configured")
	}
	if err := r.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	logutil.Info("worker_started", nil)

	for {
		if ctx.Err() != nil {
			logutil.Info("worker_stopping", nil)
			return ctx.Err()
		}
		msg, id, err := r.queue.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logutil.Error("worker_queue_read_failed", err, map[string]interface{}{"messageId": id})
			if id != "" {
				// Drop undecodable messages.
				_ = r.queue.Ack(ctx, id)
			}
			select {
			case <-ctx.Done():
			case <-time.After(r.backoff):
			}
			continue
		}
		if msg == nil {
			continue
		}
		r.handle(ctx, msg, id)
	}
}

func (r *Runner) handle(ctx context.Context, msg *queue.CampaignMessage, id string) {
	fields := map[string]interface{}{"jobId": msg.JobID, "messageId": id}
	c, err := r.jobs.GetCampaign(msg.JobID)
	if err != nil {
		logutil.Error("worker_campaign_lookup_failed", err, fields)
		_ = r.queue.Ack(ctx, id)
		return
	}
	if c.Status.Terminal() {
		logutil.Warn("worker_campaign_already_finished", fields)
		_ = r.queue.Ack(ctx, id)
		return
	}

	logutil.Info("worker_campaign_started", fields)
	if _, err := r.jobs.ProcessCampaign(ctx, c, msg.Request); err != nil {
		fields["kind"] = string(campaign.KindOf(err))
		logutil.Warn("worker_campaign_failed", fields)
	} else {
		logutil.Info("worker_campaign_completed", fields)
	}
	if err := r.queue.Ack(context.WithoutCancel(ctx), id); err != nil {
		logutil.Error("worker_ack_failed", err, fields)
	}
}
