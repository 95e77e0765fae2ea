package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oremus-labs/ol-redteam/internal/campaign"
	"github.com/oremus-labs/ol-redteam/internal/results"
)

// Status is the lifecycle state of a stored campaign.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// StatusForPhase maps a terminal campaign phase onto a stored status.
func StatusForPhase(phase campaign.Phase) Status {
	switch phase {
	case campaign.PhaseCompleted:
		return StatusCompleted
	case campaign.PhaseAborted:
		return StatusAborted
	case campaign.PhaseFailed:
		return StatusFailed
	case campaign.PhaseRunning:
		return StatusRunning
	default:
		return StatusQueued
	}
}

// Terminal reports whether no further updates are expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// Campaign is a persisted campaign run.
type Campaign struct {
	ID              string           `json:"id"`
	CampaignID      string           `json:"campaignId,omitempty"`
	Status          Status           `json:"status"`
	Target          string           `json:"target,omitempty"`
	Progress        int              `json:"progress"`
	CompletedProbes int              `json:"completedProbes"`
	TotalProbes     int              `json:"totalProbes"`
	Request         campaign.Request `json:"request"`
	Summary         *results.Summary `json:"summary,omitempty"`
	ErrorKind       string           `json:"errorKind,omitempty"`
	Error           string           `json:"error,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
	StartedAt       *time.Time       `json:"startedAt,omitempty"`
	FinishedAt      *time.Time       `json:"finishedAt,omitempty"`
}

const campaignColumns = `id, campaign_id, status, target, progress, completed_probes, total_probes, request, summary, error_kind, error, created_at, updated_at, started_at, finished_at`

// CreateCampaign inserts a new campaign record.
func (s *Store) CreateCampaign(c *Campaign) error {
	if c.ID == "" {
		return errors.New("campaign id required")
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = StatusQueued
	}
	request, summary, err := encodeCampaign(c)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(s.rebind(`INSERT INTO campaigns (`+campaignColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.CampaignID, c.Status, c.Target, c.Progress, c.CompletedProbes, c.TotalProbes,
		request, summary, c.ErrorKind, c.Error, c.CreatedAt, c.UpdatedAt, nullTime(c.StartedAt), nullTime(c.FinishedAt),
	)
	return err
}

// UpdateCampaign mutates an existing campaign.
func (s *Store) UpdateCampaign(c *Campaign) error {
	c.UpdatedAt = time.Now().UTC()
	request, summary, err := encodeCampaign(c)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(s.rebind(`UPDATE campaigns SET campaign_id=?, status=?, target=?, progress=?, completed_probes=?, total_probes=?,
		request=?, summary=?, error_kind=?, error=?, updated_at=?, started_at=?, finished_at=? WHERE id=?`),
		c.CampaignID, c.Status, c.Target, c.Progress, c.CompletedProbes, c.TotalProbes,
		request, summary, c.ErrorKind, c.Error, c.UpdatedAt, nullTime(c.StartedAt), nullTime(c.FinishedAt), c.ID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProgress records live progress without rewriting the whole row.
func (s *Store) UpdateProgress(id string, progress, completed, total int) error {
	_, err := s.db.Exec(s.rebind(`UPDATE campaigns SET progress=?, completed_probes=?, total_probes=?, updated_at=? WHERE id=? AND status=?`),
		progress, completed, total, time.Now().UTC(), id, StatusRunning,
	)
	return err
}

// GetCampaign loads a campaign by ID.
func (s *Store) GetCampaign(id string) (*Campaign, error) {
	row := s.db.QueryRow(s.rebind(`SELECT `+campaignColumns+` FROM campaigns WHERE id=?`), id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ListCampaigns returns recent campaigns sorted from newest to oldest,
// optionally filtered by status.
func (s *Store) ListCampaigns(limit int, status Status) ([]Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns`
	var args []interface{}
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query = fmt.Sprintf("%s LIMIT %d", query, limit)
	}
	rows, err := s.db.Query(s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(row scanner) (*Campaign, error) {
	var (
		c                   Campaign
		campaignID, target  sql.NullString
		request, summary    sql.NullString
		errorKind, errorMsg sql.NullString
		started, finished   sql.NullTime
	)
	if err := row.Scan(&c.ID, &campaignID, &c.Status, &target, &c.Progress, &c.CompletedProbes, &c.TotalProbes,
		&request, &summary, &errorKind, &errorMsg, &c.CreatedAt, &c.UpdatedAt, &started, &finished); err != nil {
		return nil, err
	}
	c.CampaignID = campaignID.String
	c.Target = target.String
	c.ErrorKind = errorKind.String
	c.Error = errorMsg.String
	if request.Valid && request.String != "" {
		_ = json.Unmarshal([]byte(request.String), &c.Request)
	}
	if summary.Valid && summary.String != "" && summary.String != "null" {
		var sum results.Summary
		if err := json.Unmarshal([]byte(summary.String), &sum); err == nil {
			c.Summary = &sum
		}
	}
	if started.Valid {
		t := started.Time
		c.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		c.FinishedAt = &t
	}
	return &c, nil
}

func encodeCampaign(c *Campaign) (string, string, error) {
	request, err := json.Marshal(c.Request)
	if err != nil {
		return "", "", err
	}
	summary := ""
	if c.Summary != nil {
		b, err := json.Marshal(c.Summary)
		if err != nil {
			return "", "", err
		}
		summary = string(b)
	}
	return string(request), summary, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
