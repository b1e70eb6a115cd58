// Package reports builds the race-day paperwork: timing-system CSV
// exports, roll-call and program models for the PDF layer, result
// sheets in the federation layout, and the emergency backup dump.
// Builders are read-only except for the append-only emission log.
package reports

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ymatsuzawa/trackmeet/internal/meeterr"
	"github.com/ymatsuzawa/trackmeet/internal/models"
	"github.com/ymatsuzawa/trackmeet/internal/racetime"
)

// Builder produces report payloads and records each emission.
type Builder struct {
	DB  *sql.DB
	Log *slog.Logger
	// Rand supplies result-sheet reference numbers. A nil Rand falls
	// back to a time-seeded source.
	Rand *rand.Rand
}

// bom marks exports for spreadsheet software that sniffs encodings.
const bom = "\uFEFF"

// exportRow is one assignment joined out to everything the reports
// print. Team fields are empty for athletes without an organization.
type exportRow struct {
	raceName      string
	heatNumber    int
	laneNumber    int
	bibNumber     sql.NullInt64
	lastName      string
	firstName     string
	lastNameKana  string
	firstNameKana string
	sex           models.Sex
	birthDate     string
	team          string
	teamKana      string
	teamShort     string
	pref          string
	declared      decimal.Decimal
	jaafID        string
	status        models.AssignmentStatus
}

func (r *exportRow) fullName() string     { return r.lastName + " " + r.firstName }
func (r *exportRow) fullNameKana() string { return r.lastNameKana + " " + r.firstNameKana }

func (r *exportRow) bib() string {
	if !r.bibNumber.Valid {
		return ""
	}
	return fmt.Sprint(r.bibNumber.Int64)
}

func (r *exportRow) seedTime() string { return racetime.Format(r.declared) }

// rows loads assignments matching the given condition in program order.
func (b *Builder) rows(ctx context.Context, cond string, arg any, assignedOnly bool) ([]exportRow, error) {
	q := `SELECT r.name, h.heat_number, a.lane_number, a.bib_number,
	             at.last_name, at.first_name, at.last_name_kana, at.first_name_kana,
	             at.sex, at.birth_date, at.registered_pref, at.jaaf_id,
	             COALESCE(o.name, ''), COALESCE(o.name_kana, ''), COALESCE(o.short_name, ''),
	             e.declared_time, a.status
	      FROM assignments a
	      JOIN heats h ON h.id = a.heat_id
	      JOIN races r ON r.id = h.race_id
	      JOIN entries e ON e.id = a.entry_id
	      JOIN athletes at ON at.id = e.athlete_id
	      LEFT JOIN organizations o ON o.id = at.organization_id
	      WHERE ` + cond
	if assignedOnly {
		q += ` AND a.status = 'assigned'`
	}
	q += ` ORDER BY r.display_order, r.distance, h.heat_number, a.lane_number`

	rows, err := b.DB.QueryContext(ctx, q, arg)
	if err != nil {
		return nil, meeterr.Internal(err, "select report rows")
	}
	defer rows.Close()

	var out []exportRow
	for rows.Next() {
		var r exportRow
		if err := rows.Scan(&r.raceName, &r.heatNumber, &r.laneNumber, &r.bibNumber,
			&r.lastName, &r.firstName, &r.lastNameKana, &r.firstNameKana,
			&r.sex, &r.birthDate, &r.pref, &r.jaafID,
			&r.team, &r.teamKana, &r.teamShort,
			&r.declared, &r.status); err != nil {
			return nil, meeterr.Internal(err, "scan report row")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, meeterr.Internal(err, "iterate report rows")
	}
	return out, nil
}

func (b *Builder) raceMeta(ctx context.Context, raceID string) (meetID, raceName string, err error) {
	err = b.DB.QueryRowContext(ctx,
		`SELECT meet_id, name FROM races WHERE id = ?`, raceID,
	).Scan(&meetID, &raceName)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", meeterr.New(meeterr.KindNotFound, "race %s not found", raceID)
	}
	if err != nil {
		return "", "", meeterr.Internal(err, "select race")
	}
	return meetID, raceName, nil
}

func (b *Builder) heatMeta(ctx context.Context, heatID string) (meetID, raceID, raceName string, heatNumber int, err error) {
	err = b.DB.QueryRowContext(ctx,
		`SELECT r.meet_id, r.id, r.name, h.heat_number
		 FROM heats h JOIN races r ON r.id = h.race_id
		 WHERE h.id = ?`, heatID,
	).Scan(&meetID, &raceID, &raceName, &heatNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", "", 0, meeterr.New(meeterr.KindNotFound, "heat %s not found", heatID)
	}
	if err != nil {
		return "", "", "", 0, meeterr.Internal(err, "select heat")
	}
	return meetID, raceID, raceName, heatNumber, nil
}

func (b *Builder) meetMeta(ctx context.Context, meetID string) (name, firstDay string, err error) {
	err = b.DB.QueryRowContext(ctx,
		`SELECT name, first_day FROM meets WHERE id = ?`, meetID,
	).Scan(&name, &firstDay)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", meeterr.New(meeterr.KindNotFound, "meet %s not found", meetID)
	}
	if err != nil {
		return "", "", meeterr.Internal(err, "select meet")
	}
	return name, firstDay, nil
}

// logEmission appends one report_logs row. raceID and heatID may be
// empty for meet-level reports.
func (b *Builder) logEmission(ctx context.Context, reportType, meetID, raceID, heatID, generatedBy string) error {
	var race, heat any
	if raceID != "" {
		race = raceID
	}
	if heatID != "" {
		heat = heatID
	}
	_, err := b.DB.ExecContext(ctx,
		`INSERT INTO report_logs (id, report_type, meet_id, race_id, heat_id, generated_by, generated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), reportType, meetID, race, heat, generatedBy, time.Now().UTC())
	if err != nil {
		return meeterr.Internal(err, "log report emission")
	}
	if b.Log != nil {
		b.Log.Info("report emitted", "type", reportType, "meet_id", meetID, "by", generatedBy)
	}
	return nil
}

// startListHeader is consumed by FinishLynx/NISHI style timing systems
// and must not change shape.
var startListHeader = []string{"Heat", "Lane", "Bib", "LastName", "FirstName", "Team", "SeedTime", "JAAF_ID"}

// StartListCSV exports one race's start list for the timing system.
// Only assignments still expected to start are included. Output is
// UTF-8 with BOM and CRLF line endings.
func (b *Builder) StartListCSV(ctx context.Context, raceID, generatedBy string) ([]byte, error) {
	meetID, _, err := b.raceMeta(ctx, raceID)
	if err != nil {
		return nil, err
	}
	rows, err := b.rows(ctx, "h.race_id = ?", raceID, true)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(bom)
	w := csv.NewWriter(&buf)
	w.UseCRLF = true
	w.Write(startListHeader)
	for _, r := range rows {
		w.Write([]string{
			fmt.Sprint(r.heatNumber),
			fmt.Sprint(r.laneNumber),
			r.bib(),
			r.lastName,
			r.firstName,
			r.teamShort,
			r.seedTime(),
			r.jaafID,
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, meeterr.Internal(err, "write start list csv")
	}

	if err := b.logEmission(ctx, "csv_startlist", meetID, raceID, "", generatedBy); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var meetCSVHeader = []string{
	"Race", "Heat", "Lane", "LastName", "FirstName",
	"LastNameKana", "FirstNameKana", "Gender", "BirthDate",
	"Team", "TeamKana", "SeedTime", "JAAF_ID", "Status",
}

// MeetCSV exports every assignment of a meet including scratched and
// disqualified athletes, for offline processing.
func (b *Builder) MeetCSV(ctx context.Context, meetID, generatedBy string) ([]byte, error) {
	if _, _, err := b.meetMeta(ctx, meetID); err != nil {
		return nil, err
	}
	rows, err := b.rows(ctx, "r.meet_id = ? AND r.is_active = 1", meetID, false)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(bom)
	w := csv.NewWriter(&buf)
	w.UseCRLF = true
	w.Write(meetCSVHeader)
	for _, r := range rows {
		w.Write([]string{
			r.raceName,
			fmt.Sprint(r.heatNumber),
			fmt.Sprint(r.laneNumber),
			r.lastName,
			r.firstName,
			r.lastNameKana,
			r.firstNameKana,
			r.sex.Display(),
			r.birthDate,
			r.team,
			r.teamKana,
			r.seedTime(),
			r.jaafID,
			r.status.Display(),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, meeterr.Internal(err, "write meet csv")
	}

	if err := b.logEmission(ctx, "csv_meet", meetID, "", "", generatedBy); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RollCallRow is one athlete on the reception desk's paper checklist.
type RollCallRow struct {
	No   int    `json:"no"`
	Bib  string `json:"bib"`
	Name string `json:"name"`
	Kana string `json:"kana"`
	Team string `json:"team"`
}

// RollCallSheet models the per-heat roll-call list. The renderer adds
// an empty check column per row.
type RollCallSheet struct {
	Title       string        `json:"title"`
	GeneratedAt time.Time     `json:"generated_at"`
	Rows        []RollCallRow `json:"rows"`
}

// RollCall builds the roll-call sheet for one heat, ordered by lane.
func (b *Builder) RollCall(ctx context.Context, heatID, generatedBy string) (*RollCallSheet, error) {
	meetID, raceID, raceName, heatNumber, err := b.heatMeta(ctx, heatID)
	if err != nil {
		return nil, err
	}
	rows, err := b.rows(ctx, "a.heat_id = ?", heatID, false)
	if err != nil {
		return nil, err
	}

	sheet := &RollCallSheet{
		Title:       fmt.Sprintf("%s %d組 点呼リスト", raceName, heatNumber),
		GeneratedAt: time.Now().UTC(),
	}
	for i, r := range rows {
		sheet.Rows = append(sheet.Rows, RollCallRow{
			No:   i + 1,
			Bib:  r.bib(),
			Name: r.fullName(),
			Kana: r.fullNameKana(),
			Team: r.teamShort,
		})
	}

	if err := b.logEmission(ctx, "rollcall", meetID, raceID, heatID, generatedBy); err != nil {
		return nil, err
	}
	return sheet, nil
}

// ProgramRow is one lane of a program table.
type ProgramRow struct {
	Lane     int    `json:"lane"`
	Bib      string `json:"bib"`
	Name     string `json:"name"`
	Team     string `json:"team"`
	SeedTime string `json:"seed_time"`
}

type ProgramHeat struct {
	HeatNumber int          `json:"heat_number"`
	Rows       []ProgramRow `json:"rows"`
}

// ProgramSheet models the program manuscript for one race.
type ProgramSheet struct {
	RaceName string        `json:"race_name"`
	MeetName string        `json:"meet_name"`
	MeetDate string        `json:"meet_date"`
	Heats    []ProgramHeat `json:"heats"`
}

// Program builds the per-race program manuscript, one table per heat.
func (b *Builder) Program(ctx context.Context, raceID, generatedBy string) (*ProgramSheet, error) {
	meetID, raceName, err := b.raceMeta(ctx, raceID)
	if err != nil {
		return nil, err
	}
	meetName, meetDate, err := b.meetMeta(ctx, meetID)
	if err != nil {
		return nil, err
	}
	rows, err := b.rows(ctx, "h.race_id = ?", raceID, false)
	if err != nil {
		return nil, err
	}

	sheet := &ProgramSheet{RaceName: raceName, MeetName: meetName, MeetDate: meetDate}
	for _, r := range rows {
		if len(sheet.Heats) == 0 || sheet.Heats[len(sheet.Heats)-1].HeatNumber != r.heatNumber {
			sheet.Heats = append(sheet.Heats, ProgramHeat{HeatNumber: r.heatNumber})
		}
		h := &sheet.Heats[len(sheet.Heats)-1]
		h.Rows = append(h.Rows, ProgramRow{
			Lane:     r.laneNumber,
			Bib:      r.bib(),
			Name:     r.fullName(),
			Team:     r.teamShort,
			SeedTime: r.seedTime(),
		})
	}

	if err := b.logEmission(ctx, "program", meetID, raceID, "", generatedBy); err != nil {
		return nil, err
	}
	return sheet, nil
}
