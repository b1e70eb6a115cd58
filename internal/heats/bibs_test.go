package heats

import (
	"context"
	"testing"
)

// raceBibs returns a race's bib numbers ordered by heat then lane.
func raceBibs(t *testing.T, s *Service, raceID string) []int {
	t.Helper()
	rows, err := s.DB.Query(
		`SELECT a.bib_number FROM assignments a
		 JOIN heats h ON h.id = a.heat_id
		 WHERE h.race_id = ? ORDER BY h.heat_number, a.lane_number`, raceID)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var bib int
		if err := rows.Scan(&bib); err != nil {
			t.Fatal(err)
		}
		out = append(out, bib)
	}
	return out
}

func TestAssignBibsPartitions(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	meetID := seedMeet(t, s.DB)

	ncgM := seedRace(t, s.DB, meetID, testRace{sex: "M", isNCG: true, ncgCapacity: 5, displayOrder: 1})
	generalM := seedRace(t, s.DB, meetID, testRace{sex: "M", displayOrder: 2})

	for _, d := range []string{"850.00", "860.00"} {
		seedEntry(t, s.DB, ncgM, d, "confirmed")
	}
	for _, d := range []string{"900.00", "910.00", "920.00"} {
		seedEntry(t, s.DB, generalM, d, "confirmed")
	}
	for _, raceID := range []string{ncgM, generalM} {
		if _, err := s.Generate(ctx, raceID, GenerateOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	summary, err := s.AssignBibs(ctx, meetID)
	if err != nil {
		t.Fatalf("assign bibs: %v", err)
	}
	if summary.Assigned != 5 {
		t.Errorf("assigned = %d, want 5", summary.Assigned)
	}
	if len(summary.Warnings) != 0 {
		t.Errorf("warnings: %v", summary.Warnings)
	}

	if got := raceBibs(t, s, ncgM); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("ncg bibs = %v, want [1 2]", got)
	}
	if got := raceBibs(t, s, generalM); len(got) != 3 || got[0] != 1000 || got[1] != 1001 || got[2] != 1002 {
		t.Errorf("general bibs = %v, want [1000 1001 1002]", got)
	}
}

func TestAssignBibsCounterPersistsAcrossRaces(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	meetID := seedMeet(t, s.DB)

	// Two general male races share the (M, false) partition; numbers
	// must continue, not restart.
	race1 := seedRace(t, s.DB, meetID, testRace{sex: "M", displayOrder: 1})
	race2 := seedRace(t, s.DB, meetID, testRace{sex: "M", displayOrder: 2})
	femaleNCG := seedRace(t, s.DB, meetID, testRace{sex: "F", isNCG: true, ncgCapacity: 5, displayOrder: 3})

	seedEntry(t, s.DB, race1, "900.00", "confirmed")
	seedEntry(t, s.DB, race1, "910.00", "confirmed")
	seedEntry(t, s.DB, race2, "920.00", "confirmed")
	seedEntry(t, s.DB, femaleNCG, "930.00", "confirmed")

	for _, raceID := range []string{race1, race2, femaleNCG} {
		if _, err := s.Generate(ctx, raceID, GenerateOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.AssignBibs(ctx, meetID); err != nil {
		t.Fatal(err)
	}

	if got := raceBibs(t, s, race1); len(got) != 2 || got[0] != 1000 || got[1] != 1001 {
		t.Errorf("race1 bibs = %v", got)
	}
	if got := raceBibs(t, s, race2); len(got) != 1 || got[0] != 1002 {
		t.Errorf("race2 bibs = %v, want continuation [1002]", got)
	}
	if got := raceBibs(t, s, femaleNCG); len(got) != 1 || got[0] != 500 {
		t.Errorf("female ncg bibs = %v, want [500]", got)
	}

	// Meet-wide uniqueness.
	var dup int
	if err := s.DB.QueryRow(
		`SELECT COUNT(*) FROM (
		   SELECT a.bib_number FROM assignments a
		   JOIN heats h ON h.id = a.heat_id
		   JOIN races r ON r.id = h.race_id
		   WHERE r.meet_id = ?
		   GROUP BY a.bib_number HAVING COUNT(*) > 1
		 )`, meetID).Scan(&dup); err != nil {
		t.Fatal(err)
	}
	if dup != 0 {
		t.Errorf("%d duplicated bib numbers", dup)
	}
}

func TestAssignBibsRerunRenumbers(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	meetID := seedMeet(t, s.DB)
	raceID := seedRace(t, s.DB, meetID, testRace{sex: "M"})
	seedEntry(t, s.DB, raceID, "900.00", "confirmed")

	if _, err := s.Generate(ctx, raceID, GenerateOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AssignBibs(ctx, meetID); err != nil {
		t.Fatal(err)
	}
	// A second run starts over from the partition base.
	if _, err := s.AssignBibs(ctx, meetID); err != nil {
		t.Fatal(err)
	}
	if got := raceBibs(t, s, raceID); len(got) != 1 || got[0] != 1000 {
		t.Errorf("bibs after rerun = %v, want [1000]", got)
	}
}
