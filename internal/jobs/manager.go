package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oremus-labs/ol-redteam/internal/campaign"
	"github.com/oremus-labs/ol-redteam/internal/events"
	"github.com/oremus-labs/ol-redteam/internal/logutil"
	"github.com/oremus-labs/ol-redteam/internal/results"
	"github.com/oremus-labs/ol-redteam/internal/store"
)

// ErrFinished is returned by Cancel for campaigns already in a terminal state.
var ErrFinished = errors.New("campaign already finished")

// Manager coordinates campaign runs: it persists each run, drives it through
// the campaign executor and publishes its lifecycle on the event bus.
type Manager struct {
	store  *store.Store
	runner *campaign.Runner
	creds  campaign.CredentialProvider
	events events.Publisher
	base   context.Context

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// Options configures the job manager.
type Options struct {
	Store          *store.Store
	Runner         *campaign.Runner
	Credentials    campaign.CredentialProvider
	EventPublisher events.Publisher
	// Context bounds campaigns started by Execute. Canceling it aborts them.
	Context context.Context
}

// New creates a job manager.
func New(opts Options) *Manager {
	base := opts.Context
	if base == nil {
		base = context.Background()
	}
	return &Manager{
		store:   opts.Store,
		runner:  opts.Runner,
		creds:   opts.Credentials,
		events:  opts.EventPublisher,
		base:    base,
		running: make(map[string]context.CancelFunc),
	}
}

// Enqueue persists a campaign and starts it in the background.
func (m *Manager) Enqueue(req campaign.Request) (*store.Campaign, error) {
	c, err := m.CreateCampaign(req)
	if err != nil {
		return nil, err
	}
	m.Execute(c, req)
	return c, nil
}

// CreateCampaign persists a new queued campaign without executing it.
func (m *Manager) CreateCampaign(req campaign.Request) (*store.Campaign, error) {
	if m.store == nil || m.runner == nil {
		return nil, fmt.Errorf("job manager not configured")
	}
	target := req.Target.Name
	if target == "" {
		target = req.Target.Model
	}
	c := &store.Campaign{
		ID:      uuid.NewString(),
		Status:  store.StatusQueued,
		Target:  target,
		Request: req,
	}
	if err := m.store.CreateCampaign(c); err != nil {
		return nil, err
	}
	m.appendHistory(c.ID, "campaign_queued", map[string]interface{}{"target": target})
	m.emit(events.TypeCampaignQueued, *c)
	return c, nil
}

// Execute kicks off the campaign asynchronously. The run works on its own
// copy of c.
func (m *Manager) Execute(c *store.Campaign, req campaign.Request) {
	run := *c
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_, _ = m.ProcessCampaign(m.base, &run, req)
	}()
}

// Wait blocks until background campaigns started by Execute have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// GetCampaign loads a campaign by ID.
func (m *Manager) GetCampaign(id string) (*store.Campaign, error) {
	if m.store == nil {
		return nil, fmt.Errorf("job manager not configured")
	}
	return m.store.GetCampaign(id)
}

// ListCampaigns returns recent campaigns.
func (m *Manager) ListCampaigns(limit int, status store.Status) ([]store.Campaign, error) {
	if m.store == nil {
		return nil, fmt.Errorf("job manager not configured")
	}
	return m.store.ListCampaigns(limit, status)
}

// Report loads a finished campaign together with its classified results.
func (m *Manager) Report(id string) (*store.Campaign, *results.Report, error) {
	c, err := m.GetCampaign(id)
	if err != nil {
		return nil, nil, err
	}
	probes, err := m.store.ListResults(id)
	if err != nil {
		return nil, nil, err
	}
	report := &results.Report{CampaignID: c.CampaignID, Target: c.Target, Results: probes}
	if c.Summary != nil {
		report.Summary = *c.Summary
	} else {
		report.Summary = results.Summarize(probes)
	}
	return c, report, nil
}

// Cancel aborts a campaign. A campaign running in this process stops at
// once. A queued campaign is marked aborted so no worker starts it, and a
// campaign.cancel event reaches whichever process is running it.
func (m *Manager) Cancel(id string) error {
	c, err := m.GetCampaign(id)
	if err != nil {
		return err
	}
	if c.Status.Terminal() {
		return ErrFinished
	}
	if m.cancelLocal(id) {
		return nil
	}
	if c.Status == store.StatusQueued {
		m.abortQueued(c)
	}
	if m.events != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		evt := events.Event{Type: events.TypeCampaignCancel, Data: events.CancelRequest{JobID: id}}
		if err := m.events.Publish(ctx, evt); err != nil {
			return fmt.Errorf("publish cancel request: %w", err)
		}
	}
	return nil
}

// WatchCancellations stops local campaigns named by campaign.cancel events
// on sub until ctx is done.
func (m *Manager) WatchCancellations(ctx context.Context, sub events.Subscriber) error {
	ch, stop, err := sub.Subscribe(ctx)
	if err != nil {
		return err
	}
	go func() {
		defer stop()
		for evt := range ch {
			id, ok := events.CancelTarget(evt)
			if !ok {
				continue
			}
			if m.cancelLocal(id) {
				logutil.Info("campaign_cancel_received", map[string]interface{}{"jobId": id})
			}
		}
	}()
	return nil
}

func (m *Manager) cancelLocal(id string) bool {
	m.mu.Lock()
	cancel, ok := m.running[id]
	m.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (m *Manager) abortQueued(c *store.Campaign) {
	finished := time.Now().UTC()
	c.Status = store.StatusAborted
	c.ErrorKind = string(campaign.KindCanceled)
	c.Error = "campaign canceled before it started"
	c.FinishedAt = &finished
	m.update(c)
	m.appendHistory(c.ID, "campaign_aborted", map[string]interface{}{"kind": c.ErrorKind})
	m.emit(events.TypeCampaignFailed, *c)
}

// ProcessCampaign executes the campaign synchronously (used by workers).
func (m *Manager) ProcessCampaign(ctx context.Context, c *store.Campaign, req campaign.Request) (*results.Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	m.running[c.ID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.running, c.ID)
		m.mu.Unlock()
	}()

	// A cancel that landed before registration is only visible in the store.
	if current, err := m.store.GetCampaign(c.ID); err == nil && current.Status.Terminal() {
		logutil.Info("campaign_job_skipped", map[string]interface{}{
			"jobId":  c.ID,
			"status": string(current.Status),
		})
		*c = *current
		return nil, &campaign.Error{Kind: campaign.KindCanceled, Message: "campaign canceled before it started"}
	}

	started := time.Now().UTC()
	c.Status = store.StatusRunning
	c.StartedAt = &started
	c.Progress = campaign.ProgressFloor
	m.update(c)
	m.emit(events.TypeCampaignStarted, *c)

	sink := events.NewCampaignSink(m.events, c.ID)
	exec := campaign.NewExecutor(m.runner, m.creds, sink)
	out, err := exec.Execute(ctx, req, &progressRecorder{store: m.store, jobID: c.ID, next: sink})

	finished := time.Now().UTC()
	c.FinishedAt = &finished
	c.CampaignID = out.State.CampaignID
	c.CompletedProbes = out.State.CompletedProbes
	c.TotalProbes = out.State.TotalProbes
	c.Progress = out.State.Progress

	if err != nil {
		c.Status = store.StatusForPhase(out.State.Phase)
		c.ErrorKind = string(campaign.KindOf(err))
		c.Error = err.Error()
		m.update(c)
		m.appendHistory(c.ID, "campaign_"+string(c.Status), map[string]interface{}{
			"kind":  c.ErrorKind,
			"error": c.Error,
		})
		m.emit(events.TypeCampaignFailed, *c)
		logutil.Error("campaign_job_failed", err, map[string]interface{}{
			"jobId":      c.ID,
			"campaignId": c.CampaignID,
			"status":     string(c.Status),
		})
		return nil, err
	}

	report := results.Build(out.Payload)
	if c.CampaignID == "" {
		c.CampaignID = report.CampaignID
	}
	if report.Target != "" {
		c.Target = report.Target
	}
	if err := m.store.SaveResults(c.ID, report.Results); err != nil {
		logutil.Error("campaign_results_persist_failed", err, map[string]interface{}{"jobId": c.ID})
	}
	c.Status = store.StatusCompleted
	c.Summary = &report.Summary
	c.Error = ""
	c.ErrorKind = ""
	m.update(c)
	m.appendHistory(c.ID, "campaign_completed", map[string]interface{}{
		"total":   report.Summary.Total,
		"failed":  report.Summary.Failed,
		"maxRisk": report.Summary.MaxRiskScore,
	})
	m.emit(events.TypeCampaignCompleted, *c)
	logutil.Info("campaign_job_completed", map[string]interface{}{
		"jobId":      c.ID,
		"campaignId": c.CampaignID,
		"failed":     report.Summary.Failed,
		"total":      report.Summary.Total,
		"duration":   out.Duration.String(),
	})
	return &report, nil
}

func (m *Manager) update(c *store.Campaign) {
	if err := m.store.UpdateCampaign(c); err != nil {
		logutil.Error("campaign_job_update_failed", err, map[string]interface{}{"jobId": c.ID})
	}
}

func (m *Manager) appendHistory(id, event string, meta map[string]interface{}) {
	if m.store == nil {
		return
	}
	if err := m.store.AppendHistory(&store.HistoryEntry{
		Event:      event,
		CampaignID: id,
		Metadata:   meta,
	}); err != nil {
		logutil.Warn("campaign_history_append_failed", map[string]interface{}{"jobId": id, "error": err.Error()})
	}
}

func (m *Manager) emit(typ string, c store.Campaign) {
	if m.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.events.Publish(ctx, events.Event{Type: typ, Data: c}); err != nil {
		logutil.Warn("campaign_event_publish_failed", map[string]interface{}{
			"jobId": c.ID,
			"type":  typ,
			"error": err.Error(),
		})
	}
}

// progressRecorder persists live progress and forwards it to the bus.
type progressRecorder struct {
	store *store.Store
	jobID string
	next  campaign.ProgressSink
}

func (p *progressRecorder) Progress(u campaign.ProgressUpdate) {
	if err := p.store.UpdateProgress(p.jobID, u.Percent, u.CompletedProbes, u.TotalProbes); err != nil {
		logutil.Warn("campaign_progress_persist_failed", map[string]interface{}{"jobId": p.jobID, "error": err.Error()})
	}
	if p.next != nil {
		p.next.Progress(u)
	}
}
