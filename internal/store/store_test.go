package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/oremus-labs/ol-redteam/internal/campaign"
	"github.com/oremus-labs/ol-redteam/internal/results"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "state", "redteam.db")
	s, err := Open(dsn, "sqlite")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestStoreCampaignLifecycle(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	req := campaign.Request{
		Target:            campaign.Target{Provider: "openai", Model: "gpt-4o-mini"},
		Categories:        []string{"jailbreak"},
		ProbesPerCategory: 2,
	}
	c := &Campaign{ID: "job-1", Target: "gpt-4o-mini", Request: req}
	if err := s.CreateCampaign(c); err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	if c.Status != StatusQueued {
		t.Fatalf("expected default status queued, got %s", c.Status)
	}

	started := time.Now().UTC().Truncate(time.Second)
	c.Status = StatusRunning
	c.StartedAt = &started
	if err := s.UpdateCampaign(c); err != nil {
		t.Fatalf("UpdateCampaign: %v", err)
	}
	if err := s.UpdateProgress("job-1", 55, 1, 2); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}

	stored, err := s.GetCampaign("job-1")
	if err != nil {
		t.Fatalf("GetCampaign: %v", err)
	}
	if stored.Status != StatusRunning || stored.Progress != 55 || stored.TotalProbes != 2 {
		t.Fatalf("unexpected stored campaign: %+v", stored)
	}
	if stored.StartedAt == nil || !stored.StartedAt.Equal(started) || stored.FinishedAt != nil {
		t.Fatalf("unexpected timestamps: started=%v finished=%v", stored.StartedAt, stored.FinishedAt)
	}
	if diff := cmp.Diff(req, stored.Request); diff != "" {
		t.Fatalf("request mismatch (-want +got):\n%s", diff)
	}

	summary := results.Summarize(nil)
	finished := started.Add(time.Minute)
	stored.Status = StatusCompleted
	stored.Progress = 100
	stored.Summary = &summary
	stored.FinishedAt = &finished
	if err := s.UpdateCampaign(stored); err != nil {
		t.Fatalf("UpdateCampaign: %v", err)
	}
	// Progress for a finished campaign is ignored.
	if err := s.UpdateProgress("job-1", 40, 1, 2); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	final, err := s.GetCampaign("job-1")
	if err != nil {
		t.Fatalf("GetCampaign: %v", err)
	}
	if final.Progress != 100 || final.Summary == nil || final.Summary.Conclusion != summary.Conclusion {
		t.Fatalf("unexpected final campaign: %+v", final)
	}
}

func TestStoreNotFound(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	if _, err := s.GetCampaign("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.UpdateCampaign(&Campaign{ID: "missing", Status: StatusFailed}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreListCampaigns(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	for i, status := range []Status{StatusCompleted, StatusFailed, StatusCompleted} {
		c := &Campaign{ID: string(rune('a' + i)), Status: status}
		if err := s.CreateCampaign(c); err != nil {
			t.Fatalf("CreateCampaign: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	all, err := s.ListCampaigns(0, "")
	if err != nil {
		t.Fatalf("ListCampaigns: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" {
		t.Fatalf("expected newest first, got %+v", all)
	}
	completed, err := s.ListCampaigns(1, StatusCompleted)
	if err != nil {
		t.Fatalf("ListCampaigns: %v", err)
	}
	if len(completed) != 1 || completed[0].ID != "c" {
		t.Fatalf("unexpected filtered list: %+v", completed)
	}
}

func TestStoreResultsAndHistory(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	if err := s.CreateCampaign(&Campaign{ID: "job-1"}); err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	probes := []results.ProbeResult{
		{ID: "probe-001", Category: "jailbreak", Prompt: "p", Response: "r", Status: results.StatusFail, DisplayConfidence: 90, Severity: results.SeverityCritical, RiskScore: 95, Evidence: "r"},
		{ID: "probe-002", Category: "prompt_injection", Prompt: "q", Response: "no", Status: results.StatusPass, DisplayConfidence: 80, Severity: results.SeverityLow, RiskScore: 15, Timestamp: "2026-10-17T12:00:00Z"},
	}
	if err := s.SaveResults("job-1", probes); err != nil {
		t.Fatalf("SaveResults: %v", err)
	}
	// Saving again replaces rather than duplicates.
	if err := s.SaveResults("job-1", probes); err != nil {
		t.Fatalf("SaveResults: %v", err)
	}
	got, err := s.ListResults("job-1")
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if diff := cmp.Diff(probes, got); diff != "" {
		t.Fatalf("results mismatch (-want +got):\n%s", diff)
	}

	if err := s.AppendHistory(&HistoryEntry{
		Event:      "campaign_completed",
		CampaignID: "job-1",
		Metadata:   map[string]interface{}{"failed": 1},
	}); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}
	history, err := s.ListHistory(1)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(history) != 1 || history[0].Event != "campaign_completed" || history[0].CampaignID != "job-1" {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open("x", "mysql"); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
	if _, err := Open(" ", "sqlite"); err == nil {
		t.Fatalf("expected missing DSN error")
	}
}

func TestRebind(t *testing.T) {
	t.Parallel()

	pg := &Store{postgres: true}
	if got := pg.rebind("a=? AND b=?"); got != "a=$1 AND b=$2" {
		t.Fatalf("unexpected rebind: %s", got)
	}
	lite := &Store{}
	if got := lite.rebind("a=?"); got != "a=?" {
		t.Fatalf("sqlite queries must be unchanged: %s", got)
	}
}

func TestPurgeBefore(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	for _, c := range []*Campaign{
		{ID: "done", Status: StatusCompleted},
		{ID: "failed", Status: StatusFailed},
		{ID: "live", Status: StatusRunning},
	} {
		if err := s.CreateCampaign(c); err != nil {
			t.Fatalf("CreateCampaign(%s): %v", c.ID, err)
		}
	}
	if err := s.SaveResults("done", []results.ProbeResult{{ID: "probe-001", Category: "jailbreak", Status: results.StatusPass, Severity: results.SeverityLow}}); err != nil {
		t.Fatalf("SaveResults: %v", err)
	}
	if err := s.AppendHistory(&HistoryEntry{Event: "campaign_completed", CampaignID: "done"}); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}

	cutoff := time.Now().Add(time.Minute)
	removed, err := s.PurgeCampaignsBefore(cutoff, StatusCompleted, StatusFailed, StatusAborted)
	if err != nil {
		t.Fatalf("PurgeCampaignsBefore: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 campaigns purged, got %d", removed)
	}
	if _, err := s.GetCampaign("live"); err != nil {
		t.Fatalf("running campaign must survive: %v", err)
	}
	if got, err := s.ListResults("done"); err != nil || len(got) != 0 {
		t.Fatalf("expected results to be purged with their campaign, got %v (%v)", got, err)
	}

	removed, err = s.PurgeHistoryBefore(cutoff)
	if err != nil || removed != 1 {
		t.Fatalf("PurgeHistoryBefore = %d, %v", removed, err)
	}
}
