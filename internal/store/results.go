package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oremus-labs/ol-redteam/internal/results"
)

// SaveResults replaces the classified probe results of a campaign.
func (s *Store) SaveResults(campaignID string, probes []results.ProbeResult) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(s.rebind(`DELETE FROM probe_results WHERE campaign_id=?`), campaignID); err != nil {
		return err
	}
	stmt, err := tx.Prepare(s.rebind(`INSERT INTO probe_results (campaign_id, probe_id, position, category, prompt, response, status, confidence, severity, risk_score, evidence, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, p := range probes {
		if _, err := stmt.Exec(campaignID, p.ID, i, p.Category, p.Prompt, p.Response, p.Status,
			p.DisplayConfidence, p.Severity, p.RiskScore, p.Evidence, p.Timestamp); err != nil {
			return fmt.Errorf("insert probe %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

// ListResults returns the stored probe results of a campaign in stream order.
func (s *Store) ListResults(campaignID string) ([]results.ProbeResult, error) {
	rows, err := s.db.Query(s.rebind(`SELECT probe_id, category, prompt, response, status, confidence, severity, risk_score, evidence, observed_at
		FROM probe_results WHERE campaign_id=? ORDER BY position`), campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []results.ProbeResult{}
	for rows.Next() {
		var p results.ProbeResult
		var prompt, response, evidence, observed sql.NullString
		if err := rows.Scan(&p.ID, &p.Category, &prompt, &response, &p.Status, &p.DisplayConfidence,
			&p.Severity, &p.RiskScore, &evidence, &observed); err != nil {
			return nil, err
		}
		p.Prompt = prompt.String
		p.Response = response.String
		p.Evidence = evidence.String
		p.Timestamp = observed.String
		out = append(out, p)
	}
	return out, rows.Err()
}

// HistoryEntry stores past actions (campaign queued, completed, failed).
type HistoryEntry struct {
	ID         string                 `json:"id"`
	Event      string                 `json:"event"`
	CampaignID string                 `json:"campaignId,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
}

// AppendHistory writes an entry to the history log.
func (s *Store) AppendHistory(entry *HistoryEntry) error {
	entry.CreatedAt = time.Now().UTC()
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return err
	}
	if s.postgres {
		var id int64
		err := s.db.QueryRow(`INSERT INTO history (event, campaign_id, metadata, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
			entry.Event, entry.CampaignID, string(metadata), entry.CreatedAt,
		).Scan(&id)
		if err != nil {
			return err
		}
		entry.ID = fmt.Sprintf("%d", id)
		return nil
	}
	res, err := s.db.Exec(`INSERT INTO history (event, campaign_id, metadata, created_at) VALUES (?, ?, ?, ?)`,
		entry.Event, entry.CampaignID, string(metadata), entry.CreatedAt,
	)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = fmt.Sprintf("%d", id)
	}
	return nil
}

// ListHistory returns the newest history entries.
func (s *Store) ListHistory(limit int) ([]HistoryEntry, error) {
	query := `SELECT id, event, campaign_id, metadata, created_at FROM history ORDER BY id DESC`
	if limit > 0 {
		query = fmt.Sprintf("%s LIMIT %d", query, limit)
	}
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var campaignID, metadata sql.NullString
		var id int64
		if err := rows.Scan(&id, &e.Event, &campaignID, &metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ID = fmt.Sprintf("%d", id)
		e.CampaignID = campaignID.String
		if metadata.Valid {
			_ = json.Unmarshal([]byte(metadata.String), &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
