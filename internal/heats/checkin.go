package heats

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"time"

	"github.com/ymatsuzawa/trackmeet/internal/meeterr"
	"github.com/ymatsuzawa/trackmeet/internal/models"
)

// CheckIn marks an assignment as present. It is idempotent: checking in
// an already-checked assignment changes nothing and reports already =
// true, keeping the first timestamp.
func (s *Service) CheckIn(ctx context.Context, assignmentID string) (already bool, err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, meeterr.Internal(err, "begin check-in")
	}
	defer tx.Rollback()

	var (
		status    models.AssignmentStatus
		checkedIn bool
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, checked_in FROM assignments WHERE id = ?`, assignmentID,
	).Scan(&status, &checkedIn)
	if errors.Is(err, sql.ErrNoRows) {
		return false, meeterr.New(meeterr.KindNotFound, "assignment %s not found", assignmentID)
	}
	if err != nil {
		return false, meeterr.Internal(err, "select assignment")
	}
	if status != models.AssignmentAssigned {
		return false, meeterr.New(meeterr.KindStateConflict,
			"assignment is %s and cannot check in", status)
	}
	if checkedIn {
		return true, nil
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE assignments SET checked_in = 1, checked_in_at = ?, updated_at = ? WHERE id = ?`,
		now, now, assignmentID); err != nil {
		return false, meeterr.Internal(err, "update assignment")
	}
	if err := tx.Commit(); err != nil {
		return false, meeterr.Internal(err, "commit check-in")
	}
	return false, nil
}

// ToggleCheckIn flips the check-in flag and returns the new state.
// Unchecking clears the timestamp.
func (s *Service) ToggleCheckIn(ctx context.Context, assignmentID string) (checkedIn bool, err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, meeterr.Internal(err, "begin toggle")
	}
	defer tx.Rollback()

	var (
		status  models.AssignmentStatus
		current bool
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, checked_in FROM assignments WHERE id = ?`, assignmentID,
	).Scan(&status, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, meeterr.New(meeterr.KindNotFound, "assignment %s not found", assignmentID)
	}
	if err != nil {
		return false, meeterr.Internal(err, "select assignment")
	}
	if status != models.AssignmentAssigned {
		return false, meeterr.New(meeterr.KindStateConflict,
			"assignment is %s and cannot check in", status)
	}

	now := time.Now().UTC()
	if current {
		_, err = tx.ExecContext(ctx,
			`UPDATE assignments SET checked_in = 0, checked_in_at = NULL, updated_at = ? WHERE id = ?`,
			now, assignmentID)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE assignments SET checked_in = 1, checked_in_at = ?, updated_at = ? WHERE id = ?`,
			now, now, assignmentID)
	}
	if err != nil {
		return false, meeterr.Internal(err, "update assignment")
	}
	if err := tx.Commit(); err != nil {
		return false, meeterr.Internal(err, "commit toggle")
	}
	return !current, nil
}

// Mark sets an assignment to DNS, DNF or DQ. DNS additionally unsets
// check-in and cascades the underlying entry to dns so the start list
// and entry views agree.
func (s *Service) Mark(ctx context.Context, assignmentID string, status models.AssignmentStatus) error {
	if status != models.AssignmentDNS && status != models.AssignmentDNF && status != models.AssignmentDQ {
		return meeterr.New(meeterr.KindValidation, "invalid mark %q", status)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return meeterr.Internal(err, "begin mark")
	}
	defer tx.Rollback()

	var entryID string
	err = tx.QueryRowContext(ctx,
		`SELECT entry_id FROM assignments WHERE id = ?`, assignmentID,
	).Scan(&entryID)
	if errors.Is(err, sql.ErrNoRows) {
		return meeterr.New(meeterr.KindNotFound, "assignment %s not found", assignmentID)
	}
	if err != nil {
		return meeterr.Internal(err, "select assignment")
	}

	now := time.Now().UTC()
	if status == models.AssignmentDNS {
		if _, err := tx.ExecContext(ctx,
			`UPDATE assignments SET status = 'dns', checked_in = 0, checked_in_at = NULL, updated_at = ?
			 WHERE id = ?`, now, assignmentID); err != nil {
			return meeterr.Internal(err, "update assignment")
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE entries SET status = 'dns', updated_at = ? WHERE id = ?`,
			now, entryID); err != nil {
			return meeterr.Internal(err, "update entry")
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE assignments SET status = ?, updated_at = ? WHERE id = ?`,
			status, now, assignmentID); err != nil {
			return meeterr.Internal(err, "update assignment")
		}
	}

	if err := tx.Commit(); err != nil {
		return meeterr.Internal(err, "commit mark")
	}
	return nil
}

// HeatRollup is the per-heat check-in progress used by the reception
// dashboard.
type HeatRollup struct {
	RaceID     string `json:"race_id"`
	RaceName   string `json:"race_name"`
	HeatID     string `json:"heat_id"`
	HeatNumber int    `json:"heat_number"`
	Total      int    `json:"total"`
	CheckedIn  int    `json:"checked_in"`
	DNS        int    `json:"dns"`
	Pending    int    `json:"pending"`
	// Progress is round(checked_in / total × 100); 0 for an empty heat.
	Progress int `json:"progress"`
}

// Rollup returns the check-in statistics of every heat in a meet,
// ordered by race display order then heat number.
func (s *Service) Rollup(ctx context.Context, meetID string) ([]HeatRollup, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT r.id, r.name, h.id, h.heat_number,
		        COUNT(a.id),
		        COALESCE(SUM(a.checked_in), 0),
		        COALESCE(SUM(CASE WHEN a.status = 'dns' THEN 1 ELSE 0 END), 0)
		 FROM heats h
		 JOIN races r ON r.id = h.race_id
		 LEFT JOIN assignments a ON a.heat_id = h.id
		 WHERE r.meet_id = ?
		 GROUP BY h.id
		 ORDER BY r.display_order, r.distance, h.heat_number`, meetID)
	if err != nil {
		return nil, meeterr.Internal(err, "select rollup")
	}
	defer rows.Close()

	var out []HeatRollup
	for rows.Next() {
		var ru HeatRollup
		if err := rows.Scan(&ru.RaceID, &ru.RaceName, &ru.HeatID, &ru.HeatNumber,
			&ru.Total, &ru.CheckedIn, &ru.DNS); err != nil {
			return nil, meeterr.Internal(err, "scan rollup")
		}
		ru.Pending = ru.Total - ru.CheckedIn - ru.DNS
		if ru.Total > 0 {
			ru.Progress = int(math.Round(float64(ru.CheckedIn) / float64(ru.Total) * 100))
		}
		out = append(out, ru)
	}
	if err := rows.Err(); err != nil {
		return nil, meeterr.Internal(err, "iterate rollup")
	}
	return out, nil
}

// SearchResult is one hit of the race-day reception search.
type SearchResult struct {
	AssignmentID string                  `json:"assignment_id"`
	RaceName     string                  `json:"race_name"`
	HeatNumber   int                     `json:"heat_number"`
	LaneNumber   int                     `json:"lane_number"`
	BibNumber    *int                    `json:"bib_number,omitempty"`
	AthleteName  string                  `json:"athlete_name"`
	Team         string                  `json:"team"`
	Status       models.AssignmentStatus `json:"status"`
	CheckedIn    bool                    `json:"checked_in"`
}

// searchLimit caps reception search results.
const searchLimit = 50

// Search finds assignments in a meet's finalized heats by substring
// match on the athlete's names or team name, for the reception desk.
// Results are ordered by heat number then lane.
func (s *Service) Search(ctx context.Context, meetID, query string) ([]SearchResult, error) {
	if query == "" {
		return nil, meeterr.New(meeterr.KindValidation, "search query is empty")
	}
	like := "%" + query + "%"
	rows, err := s.DB.QueryContext(ctx,
		`SELECT a.id, r.name, h.heat_number, a.lane_number, a.bib_number,
		        at.last_name, at.first_name, COALESCE(o.name, ''),
		        a.status, a.checked_in
		 FROM assignments a
		 JOIN heats h ON h.id = a.heat_id
		 JOIN races r ON r.id = h.race_id
		 JOIN entries e ON e.id = a.entry_id
		 JOIN athletes at ON at.id = e.athlete_id
		 LEFT JOIN organizations o ON o.id = at.organization_id
		 WHERE r.meet_id = ? AND h.is_finalized = 1
		   AND (at.last_name LIKE ? OR at.first_name LIKE ?
		        OR at.last_name_kana LIKE ? OR at.first_name_kana LIKE ?
		        OR o.name LIKE ? OR o.short_name LIKE ?)
		 ORDER BY h.heat_number, a.lane_number
		 LIMIT ?`,
		meetID, like, like, like, like, like, like, searchLimit)
	if err != nil {
		return nil, meeterr.Internal(err, "search assignments")
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var (
			sr    SearchResult
			last  string
			first string
		)
		if err := rows.Scan(&sr.AssignmentID, &sr.RaceName, &sr.HeatNumber,
			&sr.LaneNumber, &sr.BibNumber, &last, &first, &sr.Team,
			&sr.Status, &sr.CheckedIn); err != nil {
			return nil, meeterr.Internal(err, "scan search result")
		}
		sr.AthleteName = last + " " + first
		out = append(out, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, meeterr.Internal(err, "iterate search results")
	}
	return out, nil
}
