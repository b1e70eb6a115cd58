package heats

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ymatsuzawa/trackmeet/internal/meeterr"
)

// CascadeResult summarizes one NCG cascade run.
type CascadeResult struct {
	RaceID   string `json:"race_id"`
	RaceName string `json:"race_name"`
	// Moved entries were reassigned to the fallback race.
	Moved int `json:"moved"`
	// Retained entries stay in the NCG race, including any skipped ones.
	Retained int `json:"retained"`
	// Skipped entry IDs could not cascade because the athlete already
	// has an entry in the fallback race; they remain in the NCG race.
	Skipped []string `json:"skipped,omitempty"`
}

// CascadeNCG moves an elite race's overflow to its fallback race. The
// fastest ncg_capacity confirmed entries stay; the rest are reassigned
// in one batch, stamped with moved_from_ncg and the originating race.
// Re-running with no new entries is a no-op, since moved entries no
// longer match the source race.
func (s *Service) CascadeNCG(ctx context.Context, raceID string) (*CascadeResult, error) {
	unlock := s.lockRace(raceID)
	defer unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, meeterr.Internal(err, "begin cascade")
	}
	defer tx.Rollback()

	var (
		isNCG       bool
		ncgCapacity int
		fallbackID  sql.NullString
		meetID      string
		raceName    string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT is_ncg, ncg_capacity, fallback_race_id, meet_id, name FROM races WHERE id = ?`,
		raceID,
	).Scan(&isNCG, &ncgCapacity, &fallbackID, &meetID, &raceName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, meeterr.New(meeterr.KindNotFound, "race %s not found", raceID)
	}
	if err != nil {
		return nil, meeterr.Internal(err, "select race")
	}
	if !isNCG {
		return nil, meeterr.New(meeterr.KindValidation, "race %s is not an NCG race", raceName)
	}
	if !fallbackID.Valid {
		return nil, meeterr.New(meeterr.KindNoFallback,
			"NCG race %s has no fallback race", raceName)
	}

	var fallbackMeet string
	err = tx.QueryRowContext(ctx,
		`SELECT meet_id FROM races WHERE id = ?`, fallbackID.String,
	).Scan(&fallbackMeet)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, meeterr.New(meeterr.KindNoFallback,
			"fallback race of %s not found", raceName)
	}
	if err != nil {
		return nil, meeterr.Internal(err, "select fallback race")
	}
	if fallbackMeet != meetID {
		return nil, meeterr.New(meeterr.KindNoFallback,
			"fallback race of %s belongs to a different meet", raceName)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, athlete_id FROM entries
		 WHERE race_id = ? AND status = 'confirmed'
		 ORDER BY CAST(declared_time AS REAL), created_at, id`,
		raceID)
	if err != nil {
		return nil, meeterr.Internal(err, "select entries")
	}
	type row struct{ id, athleteID string }
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.athleteID); err != nil {
			rows.Close()
			return nil, meeterr.Internal(err, "scan entry")
		}
		all = append(all, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, meeterr.Internal(err, "iterate entries")
	}

	result := &CascadeResult{RaceID: raceID, RaceName: raceName}
	if len(all) <= ncgCapacity {
		result.Retained = len(all)
		if err := tx.Commit(); err != nil {
			return nil, meeterr.Internal(err, "commit cascade")
		}
		return result, nil
	}

	now := time.Now().UTC()
	for _, r := range all[ncgCapacity:] {
		var existing int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM entries WHERE athlete_id = ? AND race_id = ?`,
			r.athleteID, fallbackID.String,
		).Scan(&existing)
		if err != nil {
			return nil, meeterr.Internal(err, "check fallback duplicate")
		}
		if existing > 0 {
			result.Skipped = append(result.Skipped, r.id)
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE entries SET race_id = ?, moved_from_ncg = 1, original_ncg_race_id = ?, updated_at = ?
			 WHERE id = ?`,
			fallbackID.String, raceID, now, r.id); err != nil {
			return nil, meeterr.Internal(err, "cascade entry")
		}
		result.Moved++
	}
	result.Retained = len(all) - result.Moved

	if err := tx.Commit(); err != nil {
		return nil, meeterr.Internal(err, "commit cascade")
	}
	if s.Log != nil {
		s.Log.Info("ncg cascade",
			"race", raceName, "moved", result.Moved,
			"retained", result.Retained, "skipped", len(result.Skipped))
	}
	return result, nil
}

// RaceError records a per-race failure inside a meet-wide batch.
type RaceError struct {
	RaceID   string `json:"race_id"`
	RaceName string `json:"race_name"`
	Err      error  `json:"error"`
}

// GenerateOutcome records one race's successful generation.
type GenerateOutcome struct {
	RaceID   string `json:"race_id"`
	RaceName string `json:"race_name"`
	Heats    int    `json:"heats"`
}

// MeetSummary is the structured result of GenerateMeet.
type MeetSummary struct {
	Cascaded  []CascadeResult   `json:"cascaded"`
	Generated []GenerateOutcome `json:"generated"`
	Errors    []RaceError       `json:"errors"`
}

// GenerateMeet runs the three-phase meet-wide composition: every NCG
// race cascades first, then general races generate heats, then NCG
// races generate theirs, so fallback races partition their final entry
// set. Each race runs in its own transaction; categorized failures are
// collected and the batch continues, while an unclassified internal
// error aborts.
func (s *Service) GenerateMeet(ctx context.Context, meetID string, regenerate bool) (*MeetSummary, error) {
	type raceRow struct {
		id, name string
		isNCG    bool
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, name, is_ncg FROM races
		 WHERE meet_id = ? AND is_active = 1
		 ORDER BY display_order, distance`, meetID)
	if err != nil {
		return nil, meeterr.Internal(err, "select races")
	}
	var races []raceRow
	for rows.Next() {
		var r raceRow
		if err := rows.Scan(&r.id, &r.name, &r.isNCG); err != nil {
			rows.Close()
			return nil, meeterr.Internal(err, "scan race")
		}
		races = append(races, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, meeterr.Internal(err, "iterate races")
	}
	if len(races) == 0 {
		return nil, meeterr.New(meeterr.KindNotFound, "meet %s has no active races", meetID)
	}

	summary := &MeetSummary{}
	fail := func(r raceRow, err error) error {
		if meeterr.KindOf(err) == meeterr.KindInternal {
			return err
		}
		summary.Errors = append(summary.Errors, RaceError{RaceID: r.id, RaceName: r.name, Err: err})
		if s.Log != nil {
			s.Log.Warn("race skipped in meet generation", "race", r.name, "error", err)
		}
		return nil
	}

	for _, r := range races {
		if !r.isNCG {
			continue
		}
		res, err := s.CascadeNCG(ctx, r.id)
		if err != nil {
			if err = fail(r, err); err != nil {
				return summary, err
			}
			continue
		}
		summary.Cascaded = append(summary.Cascaded, *res)
	}

	generate := func(r raceRow) error {
		heats, err := s.Generate(ctx, r.id, GenerateOptions{Regenerate: regenerate})
		if err != nil {
			return fail(r, err)
		}
		summary.Generated = append(summary.Generated, GenerateOutcome{
			RaceID: r.id, RaceName: r.name, Heats: len(heats),
		})
		return nil
	}
	for _, r := range races {
		if r.isNCG {
			continue
		}
		if err := generate(r); err != nil {
			return summary, err
		}
	}
	for _, r := range races {
		if !r.isNCG {
			continue
		}
		if err := generate(r); err != nil {
			return summary, err
		}
	}
	return summary, nil
}
