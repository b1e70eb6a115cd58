package reports

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/text/width"
)

// ResultSheetColumns is the federation result-sheet header. The labels
// are half-width by convention so they fit the printed column widths.
var ResultSheetColumns = []string{
	"ﾚｰﾝ", "No", "競技者名", "所属", "所属地", "記録", "順位", "ｺﾒﾝﾄ", "通過", "備考",
}

// ResultLine is one athlete on the result sheet. The printed layout
// spreads it over two rows: the phonetic name on the first, the native
// name with the birth-year code on the second. Record, rank and comment
// cells stay blank for the judges.
type ResultLine struct {
	Bib        string `json:"bib"`
	Ref        string `json:"ref"` // regenerated on every emission
	KanaName   string `json:"kana_name"`
	NativeName string `json:"native_name"`
	Team       string `json:"team"`
	Prefecture string `json:"prefecture"`
}

// ResultSheet models the per-heat recording sheet in the federation
// layout.
type ResultSheet struct {
	Title string       `json:"title"`
	Date  string       `json:"date"`
	Lines []ResultLine `json:"lines"`
}

func (b *Builder) rng() *rand.Rand {
	if b.Rand != nil {
		return b.Rand
	}
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// birthYearCode is the two-digit year printed after the native name.
func birthYearCode(birthDate string) string {
	if len(birthDate) < 4 {
		return ""
	}
	return "（" + birthDate[2:4] + "）"
}

// BuildResultSheet builds the recording sheet for one heat. Reference
// numbers are drawn fresh on each emission and never persisted.
func (b *Builder) BuildResultSheet(ctx context.Context, heatID, generatedBy string) (*ResultSheet, error) {
	meetID, raceID, raceName, heatNumber, err := b.heatMeta(ctx, heatID)
	if err != nil {
		return nil, err
	}
	meetName, meetDate, err := b.meetMeta(ctx, meetID)
	if err != nil {
		return nil, err
	}
	rows, err := b.rows(ctx, "a.heat_id = ?", heatID, false)
	if err != nil {
		return nil, err
	}

	rng := b.rng()
	sheet := &ResultSheet{
		Title: fmt.Sprintf("%s　%s　%d組", meetName, raceName, heatNumber),
		Date:  meetDate,
	}
	for _, r := range rows {
		sheet.Lines = append(sheet.Lines, ResultLine{
			Bib:        r.bib(),
			Ref:        fmt.Sprint(1000 + rng.Intn(9000)),
			KanaName:   width.Narrow.String(r.fullNameKana()),
			NativeName: r.fullName() + birthYearCode(r.birthDate),
			Team:       r.teamShort,
			Prefecture: r.pref,
		})
	}

	if err := b.logEmission(ctx, "result_sheet", meetID, raceID, heatID, generatedBy); err != nil {
		return nil, err
	}
	return sheet, nil
}

// BackupRow is one lane of the emergency dump, status included.
type BackupRow struct {
	Lane     int    `json:"lane"`
	Bib      string `json:"bib"`
	Name     string `json:"name"`
	Team     string `json:"team"`
	SeedTime string `json:"seed_time"`
	Status   string `json:"status"`
}

type BackupHeat struct {
	HeatNumber int         `json:"heat_number"`
	Rows       []BackupRow `json:"rows"`
}

type BackupRace struct {
	RaceName string       `json:"race_name"`
	Heats    []BackupHeat `json:"heats"`
}

// EmergencyBackup is the full program of a meet in one document, kept
// printed at the venue in case the network dies on race day.
type EmergencyBackup struct {
	MeetName    string       `json:"meet_name"`
	MeetDate    string       `json:"meet_date"`
	GeneratedAt time.Time    `json:"generated_at"`
	Races       []BackupRace `json:"races"`
}

// BuildEmergencyBackup concatenates every active race's program tables
// with a generation timestamp.
func (b *Builder) BuildEmergencyBackup(ctx context.Context, meetID, generatedBy string) (*EmergencyBackup, error) {
	meetName, meetDate, err := b.meetMeta(ctx, meetID)
	if err != nil {
		return nil, err
	}
	rows, err := b.rows(ctx, "r.meet_id = ? AND r.is_active = 1", meetID, false)
	if err != nil {
		return nil, err
	}

	backup := &EmergencyBackup{
		MeetName:    meetName,
		MeetDate:    meetDate,
		GeneratedAt: time.Now().UTC(),
	}
	for _, r := range rows {
		if len(backup.Races) == 0 || backup.Races[len(backup.Races)-1].RaceName != r.raceName {
			backup.Races = append(backup.Races, BackupRace{RaceName: r.raceName})
		}
		race := &backup.Races[len(backup.Races)-1]
		if len(race.Heats) == 0 || race.Heats[len(race.Heats)-1].HeatNumber != r.heatNumber {
			race.Heats = append(race.Heats, BackupHeat{HeatNumber: r.heatNumber})
		}
		h := &race.Heats[len(race.Heats)-1]
		h.Rows = append(h.Rows, BackupRow{
			Lane:     r.laneNumber,
			Bib:      r.bib(),
			Name:     r.fullName(),
			Team:     r.teamShort,
			SeedTime: r.seedTime(),
			Status:   r.status.Display(),
		})
	}

	if err := b.logEmission(ctx, "backup", meetID, "", "", generatedBy); err != nil {
		return nil, err
	}
	return backup, nil
}
