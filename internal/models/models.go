// Package models defines the entities shared by every service package:
// reference data (organizations, athletes, meets, races), entries and
// their payment groups, and the race-day composition records (heats,
// assignments).
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Sex is the sex category of an athlete or a race.
type Sex string

const (
	SexMale   Sex = "M"
	SexFemale Sex = "F"
	SexMixed  Sex = "X" // races only
)

// Display returns the Japanese label used on programs and exports.
func (s Sex) Display() string {
	switch s {
	case SexMale:
		return "男子"
	case SexFemale:
		return "女子"
	case SexMixed:
		return "混合"
	}
	return string(s)
}

// EntryStatus is the lifecycle state of an entry.
type EntryStatus string

const (
	EntryPending         EntryStatus = "pending"
	EntryPaymentUploaded EntryStatus = "payment_uploaded"
	EntryConfirmed       EntryStatus = "confirmed"
	EntryCancelled       EntryStatus = "cancelled"
	EntryDNS             EntryStatus = "dns"
)

// GroupStatus is the lifecycle state of an entry group.
type GroupStatus string

const (
	GroupPending         GroupStatus = "pending"
	GroupPaymentUploaded GroupStatus = "payment_uploaded"
	GroupConfirmed       GroupStatus = "confirmed"
	GroupCancelled       GroupStatus = "cancelled"
)

// PaymentStatus is the review state of a payment.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentApproved PaymentStatus = "approved"
	PaymentRejected PaymentStatus = "rejected"
)

// AssignmentStatus is the race-day state of a heat assignment.
type AssignmentStatus string

const (
	AssignmentAssigned AssignmentStatus = "assigned"
	AssignmentDNS      AssignmentStatus = "dns"
	AssignmentDNF      AssignmentStatus = "dnf"
	AssignmentDQ       AssignmentStatus = "dq"
)

// Display returns the Japanese label used on roll-call and backup sheets.
func (s AssignmentStatus) Display() string {
	switch s {
	case AssignmentAssigned:
		return "出走予定"
	case AssignmentDNS:
		return "欠場（DNS）"
	case AssignmentDNF:
		return "途中棄権（DNF）"
	case AssignmentDQ:
		return "失格（DQ）"
	}
	return string(s)
}

// Owner identifies who registered an athlete: exactly one of the two
// fields is set. The athletes table enforces the same with a CHECK
// constraint on its two nullable foreign keys.
type Owner struct {
	OrgID  string `json:"org_id,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// OrgOwner returns an Owner for an organization-registered athlete.
func OrgOwner(orgID string) Owner { return Owner{OrgID: orgID} }

// UserOwner returns an Owner for an individually registered athlete.
func UserOwner(userID string) Owner { return Owner{UserID: userID} }

// Valid reports whether exactly one side of the variant is set.
func (o Owner) Valid() bool {
	return (o.OrgID == "") != (o.UserID == "")
}

// Organization is a participating team (university, club, corporate team).
type Organization struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	NameKana            string    `json:"name_kana"`
	ShortName           string    `json:"short_name"`
	RepresentativeName  string    `json:"representative_name"`
	RepresentativeEmail string    `json:"representative_email"`
	RepresentativePhone string    `json:"representative_phone"`
	IsActive            bool      `json:"is_active"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Athlete is a competitor on a team's (or an individual's) roster.
type Athlete struct {
	ID            string    `json:"id"`
	Owner         Owner     `json:"owner"`
	LastName      string    `json:"last_name"`
	FirstName     string    `json:"first_name"`
	LastNameKana  string    `json:"last_name_kana"`
	FirstNameKana string    `json:"first_name_kana"`
	LastNameEn    string    `json:"last_name_en"`
	FirstNameEn   string    `json:"first_name_en"`
	Sex           Sex       `json:"sex"`
	BirthDate     time.Time `json:"birth_date"`
	Grade         string    `json:"grade"`
	// RegisteredPref is the prefecture of federation registration
	// (suffix-free form, e.g. 東京, 神奈川).
	RegisteredPref string    `json:"registered_pref"`
	JAAFID         string    `json:"jaaf_id"`
	Nationality    string    `json:"nationality"` // IOC 3-letter code
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// FullName returns the native-script name, family name first.
func (a *Athlete) FullName() string { return a.LastName + " " + a.FirstName }

// FullNameKana returns the phonetic name, family name first.
func (a *Athlete) FullNameKana() string { return a.LastNameKana + " " + a.FirstNameKana }

// Meet is a single competition spanning one or two days.
type Meet struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	Venue               string     `json:"venue"`
	FirstDay            time.Time  `json:"first_day"`
	LastDay             *time.Time `json:"last_day,omitempty"`
	EntryOpenAt         time.Time  `json:"entry_open_at"`
	EntryCloseAt        time.Time  `json:"entry_close_at"`
	EntryFee            int        `json:"entry_fee"` // yen per head
	DefaultHeatCapacity int        `json:"default_heat_capacity"`
	IsPublished         bool       `json:"is_published"`
	IsEntryOpen         bool       `json:"is_entry_open"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// CanEnter reports whether entries are accepted at the given instant:
// the meet must be published, reception must be open, and now must fall
// inside the entry window.
func (m *Meet) CanEnter(now time.Time) bool {
	return m.IsPublished && m.IsEntryOpen &&
		!now.Before(m.EntryOpenAt) && !now.After(m.EntryCloseAt)
}

// Race is one (distance, sex) event within a meet.
type Race struct {
	ID            string `json:"id"`
	MeetID        string `json:"meet_id"`
	Distance      int    `json:"distance"` // metres
	Sex           Sex    `json:"sex"`
	Name          string `json:"name"`
	HeatCapacity  int    `json:"heat_capacity"`
	MaxEntries    *int   `json:"max_entries,omitempty"`
	DisplayOrder  int    `json:"display_order"`
	ScheduledStart string `json:"scheduled_start_time,omitempty"` // "HH:MM"
	IsNCG         bool   `json:"is_ncg"`
	NCGCapacity   int    `json:"ncg_capacity"`
	// StandardTime is the qualifying standard in seconds; declared
	// times slower than this are rejected at entry.
	StandardTime   decimal.NullDecimal `json:"standard_time,omitempty"`
	FallbackRaceID string              `json:"fallback_race_id,omitempty"`
	IsActive       bool                `json:"is_active"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Entry links an athlete to a race with a declared seed time.
type Entry struct {
	ID           string          `json:"id"`
	AthleteID    string          `json:"athlete_id"`
	RaceID       string          `json:"race_id"`
	RegisteredBy string          `json:"registered_by"`
	DeclaredTime decimal.Decimal `json:"declared_time"` // seconds, 2 decimals
	PersonalBest decimal.NullDecimal `json:"personal_best,omitempty"`
	Status       EntryStatus     `json:"status"`
	Note         string          `json:"note"`
	// MovedFromNCG and OriginalNCGRaceID record the overflow cascade
	// from an elite (NCG) race to its general fallback.
	MovedFromNCG      bool      `json:"moved_from_ncg"`
	OriginalNCGRaceID string    `json:"original_ncg_race_id,omitempty"`
	GroupID           string    `json:"group_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// EntryGroup bundles one user's entries in one meet into a payable unit.
type EntryGroup struct {
	ID             string      `json:"id"`
	OrganizationID string      `json:"organization_id,omitempty"`
	MeetID         string      `json:"meet_id"`
	RegisteredBy   string      `json:"registered_by"`
	TotalAmount    int         `json:"total_amount"` // entries × meet fee, snapshot
	Status         GroupStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Payment is the one-to-one bank-transfer record of an entry group.
// ReceiptRef is an opaque handle into the external blob store; the core
// never reads the receipt bytes.
type Payment struct {
	ID            string        `json:"id"`
	GroupID       string        `json:"group_id"`
	ReceiptRef    string        `json:"receipt_ref"`
	PaymentDate   *time.Time    `json:"payment_date,omitempty"`
	PaymentAmount *int          `json:"payment_amount,omitempty"`
	PayerName     string        `json:"payer_name"`
	Status        PaymentStatus `json:"status"`
	ReviewedBy    string        `json:"reviewed_by,omitempty"`
	ReviewedAt    *time.Time    `json:"reviewed_at,omitempty"`
	ReviewNote    string        `json:"review_note"`
	UploadedAt    time.Time     `json:"uploaded_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Heat is one running group of a race, numbered from 1 per race.
type Heat struct {
	ID             string    `json:"id"`
	RaceID         string    `json:"race_id"`
	HeatNumber     int       `json:"heat_number"`
	ScheduledStart string    `json:"scheduled_start_time,omitempty"`
	IsFinalized    bool      `json:"is_finalized"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Assignment places an entry in a heat at a lane, and carries all
// race-day state (bib, check-in, DNS/DNF/DQ).
type Assignment struct {
	ID          string           `json:"id"`
	HeatID      string           `json:"heat_id"`
	EntryID     string           `json:"entry_id"`
	LaneNumber  int              `json:"lane_number"`
	BibNumber   *int             `json:"bib_number,omitempty"`
	Status      AssignmentStatus `json:"status"`
	CheckedIn   bool             `json:"checked_in"`
	CheckedInAt *time.Time       `json:"checked_in_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}
