// Package catalog owns the reference data: organizations, athletes,
// meets and races. Everything downstream (entries, heats, reports)
// reads through these rows.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ymatsuzawa/trackmeet/internal/db"
	"github.com/ymatsuzawa/trackmeet/internal/meeterr"
	"github.com/ymatsuzawa/trackmeet/internal/models"
)

// Store provides the catalog read/write API over the shared database.
type Store struct {
	DB *sql.DB
}

// AutoName derives a race display name from its sex category and
// distance, e.g. (M, 5000) → "男子5000m". Used when no explicit name
// is given; NCG races carry hand-written names instead.
func AutoName(sex models.Sex, distance int) string {
	return fmt.Sprintf("%s%dm", sex.Display(), distance)
}

// CreateOrganization inserts org, assigning its ID and timestamps.
// The canonical name is unique across the system.
func (s *Store) CreateOrganization(ctx context.Context, org *models.Organization) error {
	org.ID = uuid.NewString()
	org.IsActive = true
	org.CreatedAt = time.Now().UTC()
	org.UpdatedAt = org.CreatedAt

	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO organizations (id, name, name_kana, short_name, representative_name, representative_email, representative_phone, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		org.ID, org.Name, org.NameKana, org.ShortName,
		org.RepresentativeName, org.RepresentativeEmail, org.RepresentativePhone,
		org.CreatedAt, org.UpdatedAt,
	)
	if db.IsUniqueViolation(err) {
		return meeterr.New(meeterr.KindDuplicate, "organization %q already exists", org.Name)
	}
	if err != nil {
		return meeterr.Internal(err, "insert organization")
	}
	return nil
}

// GetOrganization loads one organization by ID.
func (s *Store) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	var org models.Organization
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, name, name_kana, short_name, representative_name, representative_email, representative_phone, is_active, created_at, updated_at
		 FROM organizations WHERE id = ?`, id,
	).Scan(&org.ID, &org.Name, &org.NameKana, &org.ShortName,
		&org.RepresentativeName, &org.RepresentativeEmail, &org.RepresentativePhone,
		&org.IsActive, &org.CreatedAt, &org.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, meeterr.New(meeterr.KindNotFound, "organization %s not found", id)
	}
	if err != nil {
		return nil, meeterr.Internal(err, "select organization")
	}
	return &org, nil
}

// CreateMeet inserts m, assigning its ID and timestamps.
func (s *Store) CreateMeet(ctx context.Context, m *models.Meet) error {
	if m.Name == "" {
		return meeterr.New(meeterr.KindValidation, "meet name is required")
	}
	if !m.EntryCloseAt.After(m.EntryOpenAt) {
		return meeterr.New(meeterr.KindValidation, "entry window must close after it opens")
	}
	m.ID = uuid.NewString()
	m.CreatedAt = time.Now().UTC()
	m.UpdatedAt = m.CreatedAt

	var lastDay any
	if m.LastDay != nil {
		lastDay = m.LastDay.Format("2006-01-02")
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO meets (id, name, venue, first_day, last_day, entry_open_at, entry_close_at, entry_fee, default_heat_capacity, is_published, is_entry_open, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Name, m.Venue, m.FirstDay.Format("2006-01-02"), lastDay,
		m.EntryOpenAt, m.EntryCloseAt, m.EntryFee, m.DefaultHeatCapacity,
		m.IsPublished, m.IsEntryOpen, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return meeterr.Internal(err, "insert meet")
	}
	return nil
}

// GetMeet loads one meet by ID.
func (s *Store) GetMeet(ctx context.Context, id string) (*models.Meet, error) {
	var (
		m        models.Meet
		firstDay string
		lastDay  sql.NullString
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, name, venue, first_day, last_day, entry_open_at, entry_close_at, entry_fee, default_heat_capacity, is_published, is_entry_open, created_at, updated_at
		 FROM meets WHERE id = ?`, id,
	).Scan(&m.ID, &m.Name, &m.Venue, &firstDay, &lastDay,
		&m.EntryOpenAt, &m.EntryCloseAt, &m.EntryFee, &m.DefaultHeatCapacity,
		&m.IsPublished, &m.IsEntryOpen, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, meeterr.New(meeterr.KindNotFound, "meet %s not found", id)
	}
	if err != nil {
		return nil, meeterr.Internal(err, "select meet")
	}
	if m.FirstDay, err = time.Parse("2006-01-02", firstDay); err != nil {
		return nil, meeterr.Internal(err, "parse meet first day")
	}
	if lastDay.Valid {
		d, err := time.Parse("2006-01-02", lastDay.String)
		if err != nil {
			return nil, meeterr.Internal(err, "parse meet last day")
		}
		m.LastDay = &d
	}
	return &m, nil
}

// CreateRace inserts r, deriving the display name when blank. The
// (meet, name) pair is unique so that hand-named NCG races coexist
// with the auto-named general race of the same distance.
func (s *Store) CreateRace(ctx context.Context, r *models.Race) error {
	if r.Sex != models.SexMale && r.Sex != models.SexFemale && r.Sex != models.SexMixed {
		return meeterr.New(meeterr.KindValidation, "invalid sex category %q", r.Sex)
	}
	if r.Distance <= 0 {
		return meeterr.New(meeterr.KindValidation, "distance must be positive")
	}
	if r.Name == "" {
		r.Name = AutoName(r.Sex, r.Distance)
	}
	if r.HeatCapacity <= 0 {
		var def int
		err := s.DB.QueryRowContext(ctx,
			`SELECT default_heat_capacity FROM meets WHERE id = ?`, r.MeetID,
		).Scan(&def)
		if errors.Is(err, sql.ErrNoRows) {
			return meeterr.New(meeterr.KindNotFound, "meet %s not found", r.MeetID)
		}
		if err != nil {
			return meeterr.Internal(err, "select meet capacity")
		}
		r.HeatCapacity = def
	}

	r.ID = uuid.NewString()
	r.IsActive = true
	r.CreatedAt = time.Now().UTC()
	r.UpdatedAt = r.CreatedAt

	var fallback any
	if r.FallbackRaceID != "" {
		fallback = r.FallbackRaceID
	}
	var start any
	if r.ScheduledStart != "" {
		start = r.ScheduledStart
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO races (id, meet_id, distance, sex, name, heat_capacity, max_entries, display_order, scheduled_start_time, is_ncg, ncg_capacity, standard_time, fallback_race_id, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		r.ID, r.MeetID, r.Distance, r.Sex, r.Name, r.HeatCapacity, r.MaxEntries,
		r.DisplayOrder, start, r.IsNCG, r.NCGCapacity, r.StandardTime, fallback,
		r.CreatedAt, r.UpdatedAt,
	)
	if db.IsUniqueViolation(err) {
		return meeterr.New(meeterr.KindDuplicate, "race %q already exists in meet", r.Name)
	}
	if err != nil {
		return meeterr.Internal(err, "insert race")
	}
	return nil
}

const raceColumns = `id, meet_id, distance, sex, name, heat_capacity, max_entries, display_order, COALESCE(scheduled_start_time, ''), is_ncg, ncg_capacity, standard_time, COALESCE(fallback_race_id, ''), is_active, created_at, updated_at`

func scanRace(row interface{ Scan(...any) error }) (*models.Race, error) {
	var r models.Race
	err := row.Scan(&r.ID, &r.MeetID, &r.Distance, &r.Sex, &r.Name,
		&r.HeatCapacity, &r.MaxEntries, &r.DisplayOrder, &r.ScheduledStart,
		&r.IsNCG, &r.NCGCapacity, &r.StandardTime, &r.FallbackRaceID,
		&r.IsActive, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRace loads one race by ID.
func (s *Store) GetRace(ctx context.Context, id string) (*models.Race, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+raceColumns+` FROM races WHERE id = ?`, id)
	r, err := scanRace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, meeterr.New(meeterr.KindNotFound, "race %s not found", id)
	}
	if err != nil {
		return nil, meeterr.Internal(err, "select race")
	}
	return r, nil
}

// ListRaces returns a meet's races ordered by display_order then
// distance, optionally restricted to active ones.
func (s *Store) ListRaces(ctx context.Context, meetID string, activeOnly bool) ([]*models.Race, error) {
	q := `SELECT ` + raceColumns + ` FROM races WHERE meet_id = ?`
	if activeOnly {
		q += ` AND is_active = 1`
	}
	q += ` ORDER BY display_order, distance`

	rows, err := s.DB.QueryContext(ctx, q, meetID)
	if err != nil {
		return nil, meeterr.Internal(err, "select races")
	}
	defer rows.Close()

	var races []*models.Race
	for rows.Next() {
		r, err := scanRace(rows)
		if err != nil {
			return nil, meeterr.Internal(err, "scan race")
		}
		races = append(races, r)
	}
	if err := rows.Err(); err != nil {
		return nil, meeterr.Internal(err, "iterate races")
	}
	return races, nil
}

// ListNCGRaces returns a meet's active NCG races in display order, the
// set the cascade orchestrator walks first.
func (s *Store) ListNCGRaces(ctx context.Context, meetID string) ([]*models.Race, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+raceColumns+` FROM races
		 WHERE meet_id = ? AND is_ncg = 1 AND is_active = 1
		 ORDER BY display_order, distance`, meetID)
	if err != nil {
		return nil, meeterr.Internal(err, "select ncg races")
	}
	defer rows.Close()

	var races []*models.Race
	for rows.Next() {
		r, err := scanRace(rows)
		if err != nil {
			return nil, meeterr.Internal(err, "scan race")
		}
		races = append(races, r)
	}
	if err := rows.Err(); err != nil {
		return nil, meeterr.Internal(err, "iterate races")
	}
	return races, nil
}

// CreateAthlete inserts a, validating the single-valued owner.
func (s *Store) CreateAthlete(ctx context.Context, a *models.Athlete) error {
	if !a.Owner.Valid() {
		return meeterr.New(meeterr.KindValidation, "athlete owner must be exactly one of organization or user")
	}
	if a.Sex != models.SexMale && a.Sex != models.SexFemale {
		return meeterr.New(meeterr.KindValidation, "invalid athlete sex %q", a.Sex)
	}
	if a.Nationality == "" {
		a.Nationality = "JPN"
	}
	a.ID = uuid.NewString()
	a.IsActive = true
	a.CreatedAt = time.Now().UTC()
	a.UpdatedAt = a.CreatedAt

	var orgID, userID any
	if a.Owner.OrgID != "" {
		orgID = a.Owner.OrgID
	}
	if a.Owner.UserID != "" {
		userID = a.Owner.UserID
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO athletes (id, organization_id, user_id, last_name, first_name, last_name_kana, first_name_kana, last_name_en, first_name_en, sex, birth_date, grade, registered_pref, jaaf_id, nationality, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		a.ID, orgID, userID, a.LastName, a.FirstName, a.LastNameKana, a.FirstNameKana,
		a.LastNameEn, a.FirstNameEn, a.Sex, a.BirthDate.Format("2006-01-02"),
		a.Grade, a.RegisteredPref, a.JAAFID, a.Nationality, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return meeterr.Internal(err, "insert athlete")
	}
	return nil
}

const athleteColumns = `id, COALESCE(organization_id, ''), COALESCE(user_id, ''), last_name, first_name, last_name_kana, first_name_kana, last_name_en, first_name_en, sex, birth_date, grade, registered_pref, jaaf_id, nationality, is_active, created_at, updated_at`

func scanAthlete(row interface{ Scan(...any) error }) (*models.Athlete, error) {
	var (
		a         models.Athlete
		birthDate string
	)
	err := row.Scan(&a.ID, &a.Owner.OrgID, &a.Owner.UserID,
		&a.LastName, &a.FirstName, &a.LastNameKana, &a.FirstNameKana,
		&a.LastNameEn, &a.FirstNameEn, &a.Sex, &birthDate, &a.Grade,
		&a.RegisteredPref, &a.JAAFID, &a.Nationality,
		&a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if a.BirthDate, err = time.Parse("2006-01-02", birthDate); err != nil {
		return nil, fmt.Errorf("parse birth date: %w", err)
	}
	return &a, nil
}

// GetAthlete loads one athlete by ID.
func (s *Store) GetAthlete(ctx context.Context, id string) (*models.Athlete, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+athleteColumns+` FROM athletes WHERE id = ?`, id)
	a, err := scanAthlete(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, meeterr.New(meeterr.KindNotFound, "athlete %s not found", id)
	}
	if err != nil {
		return nil, meeterr.Internal(err, "select athlete")
	}
	return a, nil
}

// ListAthletes returns an owner's active roster ordered by phonetic name.
func (s *Store) ListAthletes(ctx context.Context, owner models.Owner) ([]*models.Athlete, error) {
	if !owner.Valid() {
		return nil, meeterr.New(meeterr.KindValidation, "invalid owner")
	}
	q := `SELECT ` + athleteColumns + ` FROM athletes WHERE is_active = 1 AND `
	var arg string
	if owner.OrgID != "" {
		q += `organization_id = ?`
		arg = owner.OrgID
	} else {
		q += `user_id = ?`
		arg = owner.UserID
	}
	q += ` ORDER BY last_name_kana, first_name_kana`

	rows, err := s.DB.QueryContext(ctx, q, arg)
	if err != nil {
		return nil, meeterr.Internal(err, "select athletes")
	}
	defer rows.Close()

	var athletes []*models.Athlete
	for rows.Next() {
		a, err := scanAthlete(rows)
		if err != nil {
			return nil, meeterr.Internal(err, "scan athlete")
		}
		athletes = append(athletes, a)
	}
	if err := rows.Err(); err != nil {
		return nil, meeterr.Internal(err, "iterate athletes")
	}
	return athletes, nil
}
