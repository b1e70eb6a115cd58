// Package heats composes races into capacity-bounded heats seeded by
// declared time, runs the NCG overflow cascade, allocates meet-wide bib
// numbers, and drives the race-day check-in state machine.
package heats

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ymatsuzawa/trackmeet/internal/meeterr"
	"github.com/ymatsuzawa/trackmeet/internal/models"
)

// Service owns heat composition and race-day state.
type Service struct {
	DB  *sql.DB
	Log *slog.Logger

	// locks serializes heat generation per race. Two concurrent runs
	// for the same race would interleave lane inserts.
	locks sync.Map // race ID -> *sync.Mutex
}

// lockRace takes the advisory generation lock for one race and returns
// the unlock func.
func (s *Service) lockRace(raceID string) func() {
	v, _ := s.locks.LoadOrStore(raceID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// GenerateOptions control heat generation for one race.
type GenerateOptions struct {
	// Regenerate deletes existing non-finalized heats first.
	Regenerate bool
	// IncludePending widens the entry filter from {confirmed} to
	// {pending, payment_uploaded, confirmed}.
	IncludePending bool
	// HeatCount, when positive, fixes the number of heats; capacity is
	// derived as ⌈entries / HeatCount⌉ instead of the race's capacity.
	HeatCount int
	// Force allows regeneration to delete finalized heats too.
	Force bool
}

// Generate materializes heats for one race. Entries are ordered by
// declared time (ties: creation time, then ID) and dealt into heats of
// the computed capacity: entry i goes to heat ⌊i/capacity⌋+1 at lane
// (i mod capacity)+1. The whole operation is one transaction.
func (s *Service) Generate(ctx context.Context, raceID string, opts GenerateOptions) ([]*models.Heat, error) {
	unlock := s.lockRace(raceID)
	defer unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, meeterr.Internal(err, "begin generate")
	}
	defer tx.Rollback()

	var raceCapacity int
	err = tx.QueryRowContext(ctx,
		`SELECT heat_capacity FROM races WHERE id = ?`, raceID,
	).Scan(&raceCapacity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, meeterr.New(meeterr.KindNotFound, "race %s not found", raceID)
	}
	if err != nil {
		return nil, meeterr.Internal(err, "select race")
	}

	var existing, finalized int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(is_finalized), 0) FROM heats WHERE race_id = ?`,
		raceID,
	).Scan(&existing, &finalized)
	if err != nil {
		return nil, meeterr.Internal(err, "count heats")
	}
	if existing > 0 {
		if !opts.Regenerate {
			return nil, meeterr.New(meeterr.KindStateConflict,
				"race already has %d heats; use regenerate", existing)
		}
		if finalized > 0 && !opts.Force {
			return nil, meeterr.New(meeterr.KindFinalizedExists,
				"race has %d finalized heats; regeneration requires force", finalized)
		}
		// Assignments go first; the FK cascade would cover this, but
		// the delete is explicit so the statement order is visible.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM assignments WHERE heat_id IN (SELECT id FROM heats WHERE race_id = ?)`,
			raceID); err != nil {
			return nil, meeterr.Internal(err, "delete assignments")
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM heats WHERE race_id = ?`, raceID); err != nil {
			return nil, meeterr.Internal(err, "delete heats")
		}
	}

	statusSet := `('confirmed')`
	if opts.IncludePending {
		statusSet = `('pending','payment_uploaded','confirmed')`
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM entries WHERE race_id = ? AND status IN `+statusSet+`
		 ORDER BY CAST(declared_time AS REAL), created_at, id`,
		raceID)
	if err != nil {
		return nil, meeterr.Internal(err, "select entries")
	}
	var entryIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, meeterr.Internal(err, "scan entry")
		}
		entryIDs = append(entryIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, meeterr.Internal(err, "iterate entries")
	}

	if len(entryIDs) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, meeterr.Internal(err, "commit generate")
		}
		return nil, nil
	}

	n := len(entryIDs)
	capacity := raceCapacity
	heatCount := opts.HeatCount
	if heatCount > 0 {
		capacity = (n + heatCount - 1) / heatCount
	} else {
		heatCount = (n + capacity - 1) / capacity
	}

	now := time.Now().UTC()
	heats := make([]*models.Heat, heatCount)
	for i := range heats {
		heats[i] = &models.Heat{
			ID:         uuid.NewString(),
			RaceID:     raceID,
			HeatNumber: i + 1,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO heats (id, race_id, heat_number, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?)`,
			heats[i].ID, raceID, heats[i].HeatNumber, now, now); err != nil {
			return nil, meeterr.Internal(err, "insert heat")
		}
	}

	for i, entryID := range entryIDs {
		heat := heats[i/capacity]
		lane := i%capacity + 1
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO assignments (id, heat_id, entry_id, lane_number, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, 'assigned', ?, ?)`,
			uuid.NewString(), heat.ID, entryID, lane, now, now); err != nil {
			return nil, meeterr.Internal(err, "insert assignment")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, meeterr.Internal(err, "commit generate")
	}
	if s.Log != nil {
		s.Log.Info("heats generated",
			"race_id", raceID, "heats", heatCount, "entries", n, "capacity", capacity)
	}
	return heats, nil
}

// Move reassigns one assignment to a target heat. With lane 0 it
// appends after the target's last lane; otherwise the named lane must
// be free or the call fails with a lane conflict. The source heat's
// lanes are compacted to 1..k, also when the target is the source
// heat itself.
func (s *Service) Move(ctx context.Context, assignmentID, targetHeatID string, lane int) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return meeterr.Internal(err, "begin move")
	}
	defer tx.Rollback()

	var (
		sourceHeatID string
		sourceLane   int
		sourceRace   string
		sourceFinal  bool
	)
	err = tx.QueryRowContext(ctx,
		`SELECT a.heat_id, a.lane_number, h.race_id, h.is_finalized
		 FROM assignments a JOIN heats h ON h.id = a.heat_id
		 WHERE a.id = ?`, assignmentID,
	).Scan(&sourceHeatID, &sourceLane, &sourceRace, &sourceFinal)
	if errors.Is(err, sql.ErrNoRows) {
		return meeterr.New(meeterr.KindNotFound, "assignment %s not found", assignmentID)
	}
	if err != nil {
		return meeterr.Internal(err, "select assignment")
	}

	var (
		targetRace  string
		targetFinal bool
	)
	err = tx.QueryRowContext(ctx,
		`SELECT race_id, is_finalized FROM heats WHERE id = ?`, targetHeatID,
	).Scan(&targetRace, &targetFinal)
	if errors.Is(err, sql.ErrNoRows) {
		return meeterr.New(meeterr.KindNotFound, "heat %s not found", targetHeatID)
	}
	if err != nil {
		return meeterr.Internal(err, "select heat")
	}

	if targetRace != sourceRace {
		return meeterr.New(meeterr.KindValidation, "cannot move between races")
	}
	if sourceFinal || targetFinal {
		return meeterr.New(meeterr.KindStateConflict, "heat is finalized")
	}

	if lane > 0 {
		var occupied int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM assignments WHERE heat_id = ? AND lane_number = ? AND id != ?`,
			targetHeatID, lane, assignmentID,
		).Scan(&occupied)
		if err != nil {
			return meeterr.Internal(err, "check lane")
		}
		if occupied > 0 {
			return meeterr.New(meeterr.KindLaneConflict,
				"lane %d in target heat is occupied", lane)
		}
	}

	now := time.Now().UTC()
	// Park the moving assignment on a negative lane so compaction and
	// the final placement never trip the (heat, lane) uniqueness.
	if _, err := tx.ExecContext(ctx,
		`UPDATE assignments SET heat_id = ?, lane_number = -1, updated_at = ? WHERE id = ?`,
		targetHeatID, now, assignmentID); err != nil {
		return meeterr.Internal(err, "detach assignment")
	}

	// Close the vacated lane. For a same-heat move this renumbers the
	// remaining assignments before the append lane is derived.
	if err := compactLanes(ctx, tx, sourceHeatID, now); err != nil {
		return err
	}

	if lane <= 0 {
		err = tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(lane_number), 0) + 1 FROM assignments
			 WHERE heat_id = ? AND lane_number > 0`,
			targetHeatID,
		).Scan(&lane)
		if err != nil {
			return meeterr.Internal(err, "next lane")
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE assignments SET lane_number = ?, updated_at = ? WHERE id = ?`,
		lane, now, assignmentID); err != nil {
		return meeterr.Internal(err, "place assignment")
	}

	if err := tx.Commit(); err != nil {
		return meeterr.Internal(err, "commit move")
	}
	return nil
}

// compactLanes renumbers a heat's assignments 1..k preserving their
// previous lane order. Ascending update order keeps every intermediate
// state unique.
func compactLanes(ctx context.Context, tx *sql.Tx, heatID string, now time.Time) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM assignments WHERE heat_id = ? AND lane_number > 0 ORDER BY lane_number`,
		heatID)
	if err != nil {
		return meeterr.Internal(err, "select lanes")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return meeterr.Internal(err, "scan lane")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return meeterr.Internal(err, "iterate lanes")
	}

	for i, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE assignments SET lane_number = ?, updated_at = ? WHERE id = ?`,
			i+1, now, id); err != nil {
			return meeterr.Internal(err, "renumber lane")
		}
	}
	return nil
}

// FinalizeHeat freezes a heat's composition. Finalized heats reject
// regeneration (without force) and manual moves; check-in and status
// marks stay allowed. Finalizing twice is a no-op.
func (s *Service) FinalizeHeat(ctx context.Context, heatID string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE heats SET is_finalized = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), heatID)
	if err != nil {
		return meeterr.Internal(err, "finalize heat")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return meeterr.Internal(err, "finalize heat")
	}
	if n == 0 {
		return meeterr.New(meeterr.KindNotFound, "heat %s not found", heatID)
	}
	return nil
}

// ListHeats returns a race's heats ordered by heat number.
func (s *Service) ListHeats(ctx context.Context, raceID string) ([]*models.Heat, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, race_id, heat_number, COALESCE(scheduled_start_time, ''), is_finalized, created_at, updated_at
		 FROM heats WHERE race_id = ? ORDER BY heat_number`, raceID)
	if err != nil {
		return nil, meeterr.Internal(err, "select heats")
	}
	defer rows.Close()

	var heats []*models.Heat
	for rows.Next() {
		var h models.Heat
		if err := rows.Scan(&h.ID, &h.RaceID, &h.HeatNumber, &h.ScheduledStart,
			&h.IsFinalized, &h.CreatedAt, &h.UpdatedAt); err != nil {
			return nil, meeterr.Internal(err, "scan heat")
		}
		heats = append(heats, &h)
	}
	if err := rows.Err(); err != nil {
		return nil, meeterr.Internal(err, "iterate heats")
	}
	return heats, nil
}

// ListAssignments returns a heat's assignments ordered by lane.
func (s *Service) ListAssignments(ctx context.Context, heatID string) ([]*models.Assignment, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, heat_id, entry_id, lane_number, bib_number, status, checked_in, checked_in_at, created_at, updated_at
		 FROM assignments WHERE heat_id = ? ORDER BY lane_number`, heatID)
	if err != nil {
		return nil, meeterr.Internal(err, "select assignments")
	}
	defer rows.Close()

	var list []*models.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, meeterr.Internal(err, "scan assignment")
		}
		list = append(list, a)
	}
	if err := rows.Err(); err != nil {
		return nil, meeterr.Internal(err, "iterate assignments")
	}
	return list, nil
}

func scanAssignment(row interface{ Scan(...any) error }) (*models.Assignment, error) {
	var (
		a         models.Assignment
		checkedAt sql.NullTime
	)
	err := row.Scan(&a.ID, &a.HeatID, &a.EntryID, &a.LaneNumber, &a.BibNumber,
		&a.Status, &a.CheckedIn, &checkedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if checkedAt.Valid {
		a.CheckedInAt = &checkedAt.Time
	}
	return &a, nil
}
