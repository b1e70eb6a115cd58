// Package entries implements the entry lifecycle: validated creation
// against a race's constraints, cancellation, and the grouping of one
// user's entries into a payable bundle.
package entries

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ymatsuzawa/trackmeet/internal/db"
	"github.com/ymatsuzawa/trackmeet/internal/meeterr"
	"github.com/ymatsuzawa/trackmeet/internal/models"
	"github.com/ymatsuzawa/trackmeet/internal/racetime"
)

// Service provides entry lifecycle operations over the shared database.
type Service struct {
	DB *sql.DB
}

// CreateParams are the inputs of CreateEntry.
type CreateParams struct {
	AthleteID    string
	RaceID       string
	RegisteredBy string
	DeclaredTime decimal.Decimal
	PersonalBest decimal.NullDecimal
	Note         string
}

// Create validates and inserts one entry. All checks and the insert run
// in a single transaction; concurrent double entry for the same
// (athlete, race) is resolved by the unique constraint, surfaced as a
// Duplicate error.
func (s *Service) Create(ctx context.Context, p CreateParams) (*models.Entry, error) {
	if p.DeclaredTime.LessThanOrEqual(decimal.Zero) {
		return nil, meeterr.New(meeterr.KindValidation, "declared time must be positive")
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, meeterr.Internal(err, "begin create entry")
	}
	defer tx.Rollback()

	var (
		raceSex      models.Sex
		raceActive   bool
		maxEntries   sql.NullInt64
		standardTime decimal.NullDecimal
	)
	err = tx.QueryRowContext(ctx,
		`SELECT sex, is_active, max_entries, standard_time FROM races WHERE id = ?`,
		p.RaceID,
	).Scan(&raceSex, &raceActive, &maxEntries, &standardTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, meeterr.New(meeterr.KindNotFound, "race %s not found", p.RaceID)
	}
	if err != nil {
		return nil, meeterr.Internal(err, "select race")
	}
	if !raceActive {
		return nil, meeterr.New(meeterr.KindValidation, "race is not open for entry")
	}

	var athleteSex models.Sex
	err = tx.QueryRowContext(ctx,
		`SELECT sex FROM athletes WHERE id = ? AND is_active = 1`, p.AthleteID,
	).Scan(&athleteSex)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, meeterr.New(meeterr.KindNotFound, "athlete %s not found", p.AthleteID)
	}
	if err != nil {
		return nil, meeterr.Internal(err, "select athlete")
	}

	if raceSex != models.SexMixed && athleteSex != raceSex {
		return nil, meeterr.New(meeterr.KindValidation,
			"athlete sex %s does not match race category %s", athleteSex, raceSex)
	}

	if standardTime.Valid && p.DeclaredTime.GreaterThan(standardTime.Decimal) {
		return nil, meeterr.New(meeterr.KindStandardExceeded,
			"declared time %s exceeds qualifying standard %s",
			racetime.Format(p.DeclaredTime), racetime.Format(standardTime.Decimal))
	}

	if maxEntries.Valid {
		var count int64
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM entries WHERE race_id = ? AND status != 'cancelled'`,
			p.RaceID,
		).Scan(&count)
		if err != nil {
			return nil, meeterr.Internal(err, "count entries")
		}
		if count >= maxEntries.Int64 {
			return nil, meeterr.New(meeterr.KindCapacity,
				"race is full (%d entries)", maxEntries.Int64)
		}
	}

	now := time.Now().UTC()
	e := &models.Entry{
		ID:           uuid.NewString(),
		AthleteID:    p.AthleteID,
		RaceID:       p.RaceID,
		RegisteredBy: p.RegisteredBy,
		DeclaredTime: p.DeclaredTime,
		PersonalBest: p.PersonalBest,
		Status:       models.EntryPending,
		Note:         p.Note,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO entries (id, athlete_id, race_id, registered_by, declared_time, personal_best, status, note, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AthleteID, e.RaceID, e.RegisteredBy, e.DeclaredTime, e.PersonalBest,
		e.Status, e.Note, e.CreatedAt, e.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return nil, meeterr.New(meeterr.KindDuplicate, "athlete already entered in this race")
	}
	if err != nil {
		return nil, meeterr.Internal(err, "insert entry")
	}

	if err := tx.Commit(); err != nil {
		return nil, meeterr.Internal(err, "commit create entry")
	}
	return e, nil
}

// Cancel sets an entry to cancelled. A confirmed entry whose group has
// an approved payment can no longer be cancelled here; refunds are an
// operator matter outside the core.
func (s *Service) Cancel(ctx context.Context, entryID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return meeterr.Internal(err, "begin cancel entry")
	}
	defer tx.Rollback()

	var (
		status  models.EntryStatus
		groupID sql.NullString
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, group_id FROM entries WHERE id = ?`, entryID,
	).Scan(&status, &groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return meeterr.New(meeterr.KindNotFound, "entry %s not found", entryID)
	}
	if err != nil {
		return meeterr.Internal(err, "select entry")
	}

	if status == models.EntryConfirmed && groupID.Valid {
		var approved int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM payments WHERE group_id = ? AND status = 'approved'`,
			groupID.String,
		).Scan(&approved)
		if err != nil {
			return meeterr.Internal(err, "select payment")
		}
		if approved > 0 {
			return meeterr.New(meeterr.KindStateConflict,
				"entry is confirmed with an approved payment")
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE entries SET status = 'cancelled', updated_at = ? WHERE id = ?`,
		time.Now().UTC(), entryID)
	if err != nil {
		return meeterr.Internal(err, "update entry")
	}
	if err := tx.Commit(); err != nil {
		return meeterr.Internal(err, "commit cancel entry")
	}
	return nil
}

// UpdateDeclaredTime revises a declared seed time while the entry is
// still unconfirmed and the race's entry window is open.
func (s *Service) UpdateDeclaredTime(ctx context.Context, entryID string, declared decimal.Decimal) error {
	if declared.LessThanOrEqual(decimal.Zero) {
		return meeterr.New(meeterr.KindValidation, "declared time must be positive")
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return meeterr.Internal(err, "begin update declared time")
	}
	defer tx.Rollback()

	var (
		status       models.EntryStatus
		standardTime decimal.NullDecimal
		closeAt      time.Time
	)
	err = tx.QueryRowContext(ctx,
		`SELECT e.status, r.standard_time, m.entry_close_at
		 FROM entries e
		 JOIN races r ON r.id = e.race_id
		 JOIN meets m ON m.id = r.meet_id
		 WHERE e.id = ?`, entryID,
	).Scan(&status, &standardTime, &closeAt)
	if errors.Is(err, sql.ErrNoRows) {
		return meeterr.New(meeterr.KindNotFound, "entry %s not found", entryID)
	}
	if err != nil {
		return meeterr.Internal(err, "select entry")
	}

	if status != models.EntryPending && status != models.EntryPaymentUploaded {
		return meeterr.New(meeterr.KindStateConflict,
			"declared time can only change while the entry is unconfirmed (status %s)", status)
	}
	if time.Now().UTC().After(closeAt) {
		return meeterr.New(meeterr.KindStateConflict, "entry window has closed")
	}
	if standardTime.Valid && declared.GreaterThan(standardTime.Decimal) {
		return meeterr.New(meeterr.KindStandardExceeded,
			"declared time %s exceeds qualifying standard %s",
			racetime.Format(declared), racetime.Format(standardTime.Decimal))
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE entries SET declared_time = ?, updated_at = ? WHERE id = ?`,
		declared, time.Now().UTC(), entryID)
	if err != nil {
		return meeterr.Internal(err, "update entry")
	}
	if err := tx.Commit(); err != nil {
		return meeterr.Internal(err, "commit update declared time")
	}
	return nil
}

const entryColumns = `id, athlete_id, race_id, registered_by, declared_time, personal_best, status, note, moved_from_ncg, COALESCE(original_ncg_race_id, ''), COALESCE(group_id, ''), created_at, updated_at`

func scanEntry(row interface{ Scan(...any) error }) (*models.Entry, error) {
	var e models.Entry
	err := row.Scan(&e.ID, &e.AthleteID, &e.RaceID, &e.RegisteredBy,
		&e.DeclaredTime, &e.PersonalBest, &e.Status, &e.Note,
		&e.MovedFromNCG, &e.OriginalNCGRaceID, &e.GroupID,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Get loads one entry by ID.
func (s *Service) Get(ctx context.Context, id string) (*models.Entry, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, meeterr.New(meeterr.KindNotFound, "entry %s not found", id)
	}
	if err != nil {
		return nil, meeterr.Internal(err, "select entry")
	}
	return e, nil
}

// List returns a race's entries in seeding order: declared time
// ascending, then creation time, then ID. An empty status filter means
// all statuses.
func (s *Service) List(ctx context.Context, raceID string, statuses ...models.EntryStatus) ([]*models.Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM entries WHERE race_id = ?`
	args := []any{raceID}
	if len(statuses) > 0 {
		q += ` AND status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	q += ` ORDER BY CAST(declared_time AS REAL), created_at, id`

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, meeterr.Internal(err, "select entries")
	}
	defer rows.Close()

	var list []*models.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, meeterr.Internal(err, "scan entry")
		}
		list = append(list, e)
	}
	if err := rows.Err(); err != nil {
		return nil, meeterr.Internal(err, "iterate entries")
	}
	return list, nil
}
