package heats

import (
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ymatsuzawa/trackmeet/internal/db"
)

var testDBSeq int

func newTestService(t *testing.T) *Service {
	t.Helper()
	testDBSeq++
	dsn := fmt.Sprintf("file:testheats%d?mode=memory&cache=shared&_pragma=foreign_keys(1)", testDBSeq)
	conn, err := db.Open(dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &Service{DB: conn}
}

func seedMeet(t *testing.T, conn *sql.DB) string {
	t.Helper()
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := conn.Exec(
		`INSERT INTO meets (id, name, first_day, entry_open_at, entry_close_at)
		 VALUES (?, '記録会', ?, ?, ?)`,
		id, now.Format("2006-01-02"), now.AddDate(0, 0, -14), now.AddDate(0, 0, -1))
	if err != nil {
		t.Fatalf("seed meet: %v", err)
	}
	return id
}

type testRace struct {
	sex          string
	capacity     int
	displayOrder int
	isNCG        bool
	ncgCapacity  int
	fallbackID   string
}

func seedRace(t *testing.T, conn *sql.DB, meetID string, r testRace) string {
	t.Helper()
	if r.sex == "" {
		r.sex = "M"
	}
	if r.capacity == 0 {
		r.capacity = 3
	}
	id := uuid.NewString()
	var fallback any
	if r.fallbackID != "" {
		fallback = r.fallbackID
	}
	_, err := conn.Exec(
		`INSERT INTO races (id, meet_id, distance, sex, name, heat_capacity, display_order, is_ncg, ncg_capacity, fallback_race_id)
		 VALUES (?, ?, 5000, ?, ?, ?, ?, ?, ?, ?)`,
		id, meetID, r.sex, "race-"+id[:8], r.capacity, r.displayOrder,
		r.isNCG, r.ncgCapacity, fallback)
	if err != nil {
		t.Fatalf("seed race: %v", err)
	}
	return id
}

// seedEntry creates an athlete and a confirmed entry for it. Returns
// (entryID, athleteID).
func seedEntry(t *testing.T, conn *sql.DB, raceID, declared, status string) (string, string) {
	t.Helper()
	athleteID := uuid.NewString()
	if _, err := conn.Exec(
		`INSERT INTO athletes (id, user_id, last_name, first_name, last_name_kana, first_name_kana, sex, birth_date)
		 VALUES (?, 'u1', '選手', ?, 'センシュ', 'タロウ', 'M', '2000-01-01')`,
		athleteID, athleteID[:8]); err != nil {
		t.Fatalf("seed athlete: %v", err)
	}
	entryID := uuid.NewString()
	if _, err := conn.Exec(
		`INSERT INTO entries (id, athlete_id, race_id, registered_by, declared_time, status)
		 VALUES (?, ?, ?, 'u1', ?, ?)`,
		entryID, athleteID, raceID, declared, status); err != nil {
		t.Fatalf("seed entry: %v", err)
	}
	return entryID, athleteID
}

// laneTimes returns [(lane, declared_time)] of a heat ordered by lane.
func laneTimes(t *testing.T, conn *sql.DB, heatID string) [][2]string {
	t.Helper()
	rows, err := conn.Query(
		`SELECT a.lane_number, e.declared_time FROM assignments a
		 JOIN entries e ON e.id = a.entry_id
		 WHERE a.heat_id = ? ORDER BY a.lane_number`, heatID)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	var out [][2]string
	for rows.Next() {
		var lane int
		var declared string
		if err := rows.Scan(&lane, &declared); err != nil {
			t.Fatal(err)
		}
		out = append(out, [2]string{fmt.Sprint(lane), declared})
	}
	return out
}
