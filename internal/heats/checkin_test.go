package heats

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/ymatsuzawa/trackmeet/internal/meeterr"
	"github.com/ymatsuzawa/trackmeet/internal/models"
)

// seedHeat generates a single heat for a fresh race and returns its
// assignments in lane order.
func seedHeat(t *testing.T, s *Service, meetID string, declared []string) (string, []*models.Assignment) {
	t.Helper()
	ctx := context.Background()
	raceID := seedRace(t, s.DB, meetID, testRace{capacity: len(declared)})
	for _, d := range declared {
		seedEntry(t, s.DB, raceID, d, "confirmed")
	}
	heats, err := s.Generate(ctx, raceID, GenerateOptions{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(heats) != 1 {
		t.Fatalf("got %d heats, want 1", len(heats))
	}
	assignments, err := s.ListAssignments(ctx, heats[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	return heats[0].ID, assignments
}

func checkedAt(t *testing.T, s *Service, assignmentID string) string {
	t.Helper()
	var at string
	if err := s.DB.QueryRow(
		`SELECT COALESCE(checked_in_at, '') FROM assignments WHERE id = ?`, assignmentID,
	).Scan(&at); err != nil {
		t.Fatal(err)
	}
	return at
}

func TestCheckInIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	meetID := seedMeet(t, s.DB)
	_, assignments := seedHeat(t, s, meetID, []string{"240.00"})
	id := assignments[0].ID

	already, err := s.CheckIn(ctx, id)
	if err != nil {
		t.Fatalf("check in: %v", err)
	}
	if already {
		t.Error("first check-in reported already")
	}
	first := checkedAt(t, s, id)
	if first == "" {
		t.Fatal("checked_in_at not set")
	}

	already, err = s.CheckIn(ctx, id)
	if err != nil {
		t.Fatalf("second check in: %v", err)
	}
	if !already {
		t.Error("second check-in should report already")
	}
	if got := checkedAt(t, s, id); got != first {
		t.Errorf("timestamp changed: %s -> %s", first, got)
	}
}

func TestCheckInRequiresAssignedStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	meetID := seedMeet(t, s.DB)
	_, assignments := seedHeat(t, s, meetID, []string{"240.00"})
	id := assignments[0].ID

	if err := s.Mark(ctx, id, models.AssignmentDNS); err != nil {
		t.Fatal(err)
	}
	_, err := s.CheckIn(ctx, id)
	if meeterr.KindOf(err) != meeterr.KindStateConflict {
		t.Errorf("kind = %v, want state conflict", meeterr.KindOf(err))
	}
}

func TestToggleCheckIn(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	meetID := seedMeet(t, s.DB)
	_, assignments := seedHeat(t, s, meetID, []string{"240.00"})
	id := assignments[0].ID

	on, err := s.ToggleCheckIn(ctx, id)
	if err != nil || !on {
		t.Fatalf("toggle on = %t, %v", on, err)
	}
	off, err := s.ToggleCheckIn(ctx, id)
	if err != nil || off {
		t.Fatalf("toggle off = %t, %v", off, err)
	}
	if got := checkedAt(t, s, id); got != "" {
		t.Errorf("checked_in_at = %q after untoggle, want cleared", got)
	}
}

func TestMarkDNSCascades(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	meetID := seedMeet(t, s.DB)
	_, assignments := seedHeat(t, s, meetID, []string{"240.00"})
	id := assignments[0].ID

	if _, err := s.CheckIn(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := s.Mark(ctx, id, models.AssignmentDNS); err != nil {
		t.Fatalf("mark dns: %v", err)
	}

	var (
		aStatus   string
		checkedIn bool
		eStatus   string
	)
	if err := s.DB.QueryRow(
		`SELECT a.status, a.checked_in, e.status FROM assignments a
		 JOIN entries e ON e.id = a.entry_id WHERE a.id = ?`, id,
	).Scan(&aStatus, &checkedIn, &eStatus); err != nil {
		t.Fatal(err)
	}
	if aStatus != "dns" || checkedIn || eStatus != "dns" {
		t.Errorf("assignment %s checked=%t entry %s, want dns/unchecked/dns",
			aStatus, checkedIn, eStatus)
	}
}

func TestMarkDNFKeepsEntry(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	meetID := seedMeet(t, s.DB)
	_, assignments := seedHeat(t, s, meetID, []string{"240.00"})
	id := assignments[0].ID

	if err := s.Mark(ctx, id, models.AssignmentDNF); err != nil {
		t.Fatal(err)
	}
	var aStatus, eStatus string
	if err := s.DB.QueryRow(
		`SELECT a.status, e.status FROM assignments a
		 JOIN entries e ON e.id = a.entry_id WHERE a.id = ?`, id,
	).Scan(&aStatus, &eStatus); err != nil {
		t.Fatal(err)
	}
	if aStatus != "dnf" || eStatus != "confirmed" {
		t.Errorf("assignment %s entry %s, want dnf/confirmed", aStatus, eStatus)
	}
}

func TestMarkInvalidStatus(t *testing.T) {
	s := newTestService(t)
	meetID := seedMeet(t, s.DB)
	_, assignments := seedHeat(t, s, meetID, []string{"240.00"})

	err := s.Mark(context.Background(), assignments[0].ID, models.AssignmentAssigned)
	if meeterr.KindOf(err) != meeterr.KindValidation {
		t.Errorf("kind = %v, want validation", meeterr.KindOf(err))
	}
}

func TestRollup(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	meetID := seedMeet(t, s.DB)
	_, assignments := seedHeat(t, s, meetID, []string{"240.00", "245.00", "250.00", "255.00"})

	for _, a := range assignments[:2] {
		if _, err := s.CheckIn(ctx, a.ID); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Mark(ctx, assignments[2].ID, models.AssignmentDNS); err != nil {
		t.Fatal(err)
	}

	rollups, err := s.Rollup(ctx, meetID)
	if err != nil {
		t.Fatalf("rollup: %v", err)
	}
	if len(rollups) != 1 {
		t.Fatalf("got %d rollups, want 1", len(rollups))
	}
	ru := rollups[0]
	if ru.Total != 4 || ru.CheckedIn != 2 || ru.DNS != 1 || ru.Pending != 1 || ru.Progress != 50 {
		t.Errorf("rollup = %+v, want 4/2/1/1 at 50%%", ru)
	}
}

func TestRollupEmptyHeat(t *testing.T) {
	s := newTestService(t)
	meetID := seedMeet(t, s.DB)
	raceID := seedRace(t, s.DB, meetID, testRace{})
	if _, err := s.DB.Exec(
		`INSERT INTO heats (id, race_id, heat_number) VALUES (?, ?, 1)`,
		uuid.NewString(), raceID); err != nil {
		t.Fatal(err)
	}

	rollups, err := s.Rollup(context.Background(), meetID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rollups) != 1 {
		t.Fatalf("got %d rollups", len(rollups))
	}
	if ru := rollups[0]; ru.Total != 0 || ru.Progress != 0 {
		t.Errorf("empty heat rollup = %+v, want zeroes", ru)
	}
}

func TestSearchFinalizedOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	meetID := seedMeet(t, s.DB)
	finalized, _ := seedHeat(t, s, meetID, []string{"240.00", "245.00"})
	seedHeat(t, s, meetID, []string{"250.00"})

	if err := s.FinalizeHeat(ctx, finalized); err != nil {
		t.Fatal(err)
	}

	// Every seeded athlete is named 選手; only the finalized heat's two
	// assignments may surface.
	results, err := s.Search(ctx, meetID, "選手")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].LaneNumber != 1 || results[1].LaneNumber != 2 {
		t.Errorf("results out of lane order: %+v", results)
	}

	// Kana matches too.
	results, err = s.Search(ctx, meetID, "センシュ")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Errorf("kana search got %d results, want 2", len(results))
	}

	if _, err := s.Search(ctx, meetID, ""); meeterr.KindOf(err) != meeterr.KindValidation {
		t.Errorf("empty query kind = %v, want validation", meeterr.KindOf(err))
	}
}
