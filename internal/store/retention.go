package store

import (
	"strings"
	"time"
)

// PurgeCampaignsBefore deletes campaigns in one of statuses that were last
// updated before cutoff. Their results go with them.
func (s *Store) PurgeCampaignsBefore(cutoff time.Time, statuses ...Status) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := []interface{}{cutoff.UTC()}
	placeholders := make([]string, 0, len(statuses))
	for _, st := range statuses {
		placeholders = append(placeholders, "?")
		args = append(args, st)
	}
	res, err := s.db.Exec(s.rebind(`DELETE FROM campaigns WHERE updated_at < ? AND status IN (`+strings.Join(placeholders, ", ")+`)`), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeHistoryBefore deletes history entries created before cutoff.
func (s *Store) PurgeHistoryBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(s.rebind(`DELETE FROM history WHERE created_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
