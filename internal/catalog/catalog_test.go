package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ymatsuzawa/trackmeet/internal/db"
	"github.com/ymatsuzawa/trackmeet/internal/meeterr"
	"github.com/ymatsuzawa/trackmeet/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.Open("file:testcatalog?mode=memory&cache=shared&_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &Store{DB: conn}
}

func seedMeet(t *testing.T, s *Store) *models.Meet {
	t.Helper()
	now := time.Now().UTC()
	m := &models.Meet{
		Name:                "第305回大会" + t.Name(),
		Venue:               "競技場",
		FirstDay:            now.AddDate(0, 1, 0),
		EntryOpenAt:         now.AddDate(0, 0, -7),
		EntryCloseAt:        now.AddDate(0, 0, 7),
		EntryFee:            2000,
		DefaultHeatCapacity: 40,
		IsPublished:         true,
		IsEntryOpen:         true,
	}
	if err := s.CreateMeet(context.Background(), m); err != nil {
		t.Fatalf("seed meet: %v", err)
	}
	return m
}

func TestAutoName(t *testing.T) {
	tests := []struct {
		sex      models.Sex
		distance int
		want     string
	}{
		{models.SexMale, 5000, "男子5000m"},
		{models.SexFemale, 3000, "女子3000m"},
		{models.SexMixed, 1500, "混合1500m"},
	}
	for _, tt := range tests {
		if got := AutoName(tt.sex, tt.distance); got != tt.want {
			t.Errorf("AutoName(%s, %d) = %q, want %q", tt.sex, tt.distance, got, tt.want)
		}
	}
}

func TestCreateOrganizationDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	org := &models.Organization{Name: "帝都大学", NameKana: "テイトダイガク", ShortName: "帝都大"}
	if err := s.CreateOrganization(ctx, org); err != nil {
		t.Fatalf("create: %v", err)
	}
	if org.ID == "" {
		t.Error("ID not assigned")
	}

	dup := &models.Organization{Name: "帝都大学"}
	err := s.CreateOrganization(ctx, dup)
	if meeterr.KindOf(err) != meeterr.KindDuplicate {
		t.Errorf("duplicate name: kind = %v, want duplicate", meeterr.KindOf(err))
	}

	got, err := s.GetOrganization(ctx, org.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ShortName != "帝都大" || !got.IsActive {
		t.Errorf("got %+v", got)
	}
}

func TestCreateRace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := seedMeet(t, s)

	r := &models.Race{MeetID: m.ID, Distance: 5000, Sex: models.SexMale}
	if err := s.CreateRace(ctx, r); err != nil {
		t.Fatalf("create race: %v", err)
	}
	if r.Name != "男子5000m" {
		t.Errorf("auto name = %q", r.Name)
	}
	if r.HeatCapacity != 40 {
		t.Errorf("heat capacity = %d, want meet default 40", r.HeatCapacity)
	}

	// Same (meet, name) is rejected.
	dup := &models.Race{MeetID: m.ID, Distance: 5000, Sex: models.SexMale}
	if err := s.CreateRace(ctx, dup); meeterr.KindOf(err) != meeterr.KindDuplicate {
		t.Errorf("duplicate race: kind = %v, want duplicate", meeterr.KindOf(err))
	}

	// A hand-named elite race of the same distance coexists.
	ncg := &models.Race{
		MeetID: m.ID, Distance: 5000, Sex: models.SexMale,
		Name: "男子5000mNCG", IsNCG: true, NCGCapacity: 25,
		StandardTime: decimal.NullDecimal{Decimal: decimal.RequireFromString("900"), Valid: true},
	}
	if err := s.CreateRace(ctx, ncg); err != nil {
		t.Fatalf("create ncg race: %v", err)
	}

	got, err := s.GetRace(ctx, ncg.ID)
	if err != nil {
		t.Fatalf("get race: %v", err)
	}
	if !got.IsNCG || got.NCGCapacity != 25 {
		t.Errorf("got %+v", got)
	}
	if !got.StandardTime.Valid || !got.StandardTime.Decimal.Equal(decimal.RequireFromString("900")) {
		t.Errorf("standard time = %v", got.StandardTime)
	}
}

func TestCreateRaceValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := seedMeet(t, s)

	tests := []struct {
		name string
		race models.Race
	}{
		{"bad sex", models.Race{MeetID: m.ID, Distance: 5000, Sex: "Z"}},
		{"zero distance", models.Race{MeetID: m.ID, Distance: 0, Sex: models.SexMale}},
	}
	for _, tt := range tests {
		r := tt.race
		if err := s.CreateRace(ctx, &r); meeterr.KindOf(err) != meeterr.KindValidation {
			t.Errorf("%s: kind = %v, want validation", tt.name, meeterr.KindOf(err))
		}
	}
}

func TestListRaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := seedMeet(t, s)

	for _, r := range []*models.Race{
		{MeetID: m.ID, Distance: 10000, Sex: models.SexMale, DisplayOrder: 2},
		{MeetID: m.ID, Distance: 5000, Sex: models.SexMale, DisplayOrder: 1},
		{MeetID: m.ID, Distance: 1500, Sex: models.SexFemale, DisplayOrder: 3},
	} {
		if err := s.CreateRace(ctx, r); err != nil {
			t.Fatalf("create race: %v", err)
		}
	}

	races, err := s.ListRaces(ctx, m.ID, true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(races) != 3 {
		t.Fatalf("got %d races, want 3", len(races))
	}
	if races[0].Distance != 5000 || races[1].Distance != 10000 || races[2].Distance != 1500 {
		t.Errorf("order: %d, %d, %d", races[0].Distance, races[1].Distance, races[2].Distance)
	}
}

func TestListNCGRaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := seedMeet(t, s)

	for _, r := range []*models.Race{
		{MeetID: m.ID, Distance: 5000, Sex: models.SexMale, DisplayOrder: 1},
		{MeetID: m.ID, Distance: 5000, Sex: models.SexMale, Name: "男子5000mNCG",
			IsNCG: true, NCGCapacity: 20, DisplayOrder: 2},
	} {
		if err := s.CreateRace(ctx, r); err != nil {
			t.Fatalf("create race: %v", err)
		}
	}

	races, err := s.ListNCGRaces(ctx, m.ID)
	if err != nil {
		t.Fatalf("list ncg: %v", err)
	}
	if len(races) != 1 || !races[0].IsNCG || races[0].Name != "男子5000mNCG" {
		t.Errorf("races = %+v", races)
	}
}

func TestCreateAthleteOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	org := &models.Organization{Name: "走友会" + t.Name()}
	if err := s.CreateOrganization(ctx, org); err != nil {
		t.Fatalf("create org: %v", err)
	}

	a := &models.Athlete{
		Owner:          models.OrgOwner(org.ID),
		LastName:       "山田",
		FirstName:      "太郎",
		LastNameKana:   "ヤマダ",
		FirstNameKana:  "タロウ",
		Sex:            models.SexMale,
		BirthDate:      time.Date(2000, 4, 1, 0, 0, 0, 0, time.UTC),
		Grade:          "3",
		RegisteredPref: "東京",
		JAAFID:         "12345678",
	}
	if err := s.CreateAthlete(ctx, a); err != nil {
		t.Fatalf("create athlete: %v", err)
	}
	if a.Nationality != "JPN" {
		t.Errorf("nationality default = %q", a.Nationality)
	}

	got, err := s.GetAthlete(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Owner.OrgID != org.ID || got.Owner.UserID != "" {
		t.Errorf("owner = %+v", got.Owner)
	}
	if got.FullName() != "山田 太郎" || got.FullNameKana() != "ヤマダ タロウ" {
		t.Errorf("names: %q / %q", got.FullName(), got.FullNameKana())
	}
	if !got.BirthDate.Equal(a.BirthDate) {
		t.Errorf("birth date = %v", got.BirthDate)
	}

	// Both owner sides set is rejected before hitting the CHECK constraint.
	bad := *a
	bad.Owner = models.Owner{OrgID: org.ID, UserID: "u1"}
	if err := s.CreateAthlete(ctx, &bad); meeterr.KindOf(err) != meeterr.KindValidation {
		t.Errorf("double owner: kind = %v, want validation", meeterr.KindOf(err))
	}
}

func TestListAthletes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, kana := range []string{"ヤマダ", "スズキ", "アオキ"} {
		a := &models.Athlete{
			Owner:          models.UserOwner("user-1"),
			LastName:       "選手",
			FirstName:      string(rune('A' + i)),
			LastNameKana:   kana,
			FirstNameKana:  "タロウ",
			Sex:            models.SexMale,
			BirthDate:      time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
			RegisteredPref: "東京",
			JAAFID:         "1000000" + string(rune('0'+i)),
		}
		if err := s.CreateAthlete(ctx, a); err != nil {
			t.Fatalf("create athlete: %v", err)
		}
	}

	athletes, err := s.ListAthletes(ctx, models.UserOwner("user-1"))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(athletes) != 3 {
		t.Fatalf("got %d athletes, want 3", len(athletes))
	}
	if athletes[0].LastNameKana != "アオキ" {
		t.Errorf("phonetic order: first = %q", athletes[0].LastNameKana)
	}
}
