package payments

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ymatsuzawa/trackmeet/internal/db"
	"github.com/ymatsuzawa/trackmeet/internal/meeterr"
	"github.com/ymatsuzawa/trackmeet/internal/models"
	"github.com/ymatsuzawa/trackmeet/internal/notify"
)

var testDBSeq int

func newTestService(t *testing.T) (*Service, *notify.Memory) {
	t.Helper()
	testDBSeq++
	dsn := fmt.Sprintf("file:testpayments%d?mode=memory&cache=shared&_pragma=foreign_keys(1)", testDBSeq)
	conn, err := db.Open(dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	mem := &notify.Memory{}
	return &Service{DB: conn, Notifier: mem}, mem
}

// seedGroup creates a meet, a race, three payment_uploaded-ready
// entries, and their pending group. Returns the group and entry IDs.
func seedGroup(t *testing.T, conn *sql.DB) (string, []string) {
	t.Helper()
	now := time.Now().UTC()
	meetID := uuid.NewString()
	if _, err := conn.Exec(
		`INSERT INTO meets (id, name, first_day, entry_open_at, entry_close_at, entry_fee)
		 VALUES (?, '大会', ?, ?, ?, 2000)`,
		meetID, now.Format("2006-01-02"), now.AddDate(0, 0, -7), now.AddDate(0, 0, 7)); err != nil {
		t.Fatalf("seed meet: %v", err)
	}
	raceID := uuid.NewString()
	if _, err := conn.Exec(
		`INSERT INTO races (id, meet_id, distance, sex, name) VALUES (?, ?, 5000, 'M', ?)`,
		raceID, meetID, "race-"+raceID[:8]); err != nil {
		t.Fatalf("seed race: %v", err)
	}
	groupID := uuid.NewString()
	if _, err := conn.Exec(
		`INSERT INTO entry_groups (id, meet_id, registered_by, total_amount, status)
		 VALUES (?, ?, 'u1', 6000, 'pending')`,
		groupID, meetID); err != nil {
		t.Fatalf("seed group: %v", err)
	}

	var entryIDs []string
	for i := 0; i < 3; i++ {
		athleteID := uuid.NewString()
		if _, err := conn.Exec(
			`INSERT INTO athletes (id, user_id, last_name, first_name, last_name_kana, first_name_kana, sex, birth_date)
			 VALUES (?, 'u1', '選手', ?, 'センシュ', 'タロウ', 'M', '2000-01-01')`,
			athleteID, fmt.Sprintf("%d", i)); err != nil {
			t.Fatalf("seed athlete: %v", err)
		}
		entryID := uuid.NewString()
		if _, err := conn.Exec(
			`INSERT INTO entries (id, athlete_id, race_id, registered_by, declared_time, status, group_id)
			 VALUES (?, ?, ?, 'u1', '930.00', 'pending', ?)`,
			entryID, athleteID, raceID, groupID); err != nil {
			t.Fatalf("seed entry: %v", err)
		}
		entryIDs = append(entryIDs, entryID)
	}
	return groupID, entryIDs
}

func upload(t *testing.T, s *Service, groupID string) *models.Payment {
	t.Helper()
	date := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	amount := 6000
	p, err := s.UploadReceipt(context.Background(), UploadParams{
		GroupID:       groupID,
		ReceiptRef:    "blob:receipt-1",
		PaymentDate:   &date,
		PaymentAmount: &amount,
		PayerName:     "ヤマダタロウ",
	})
	if err != nil {
		t.Fatalf("upload receipt: %v", err)
	}
	return p
}

func entryStatuses(t *testing.T, conn *sql.DB, ids []string) []models.EntryStatus {
	t.Helper()
	out := make([]models.EntryStatus, 0, len(ids))
	for _, id := range ids {
		var st models.EntryStatus
		if err := conn.QueryRow(`SELECT status FROM entries WHERE id = ?`, id).Scan(&st); err != nil {
			t.Fatal(err)
		}
		out = append(out, st)
	}
	return out
}

func TestUploadReceipt(t *testing.T) {
	s, _ := newTestService(t)
	groupID, entryIDs := seedGroup(t, s.DB)

	p := upload(t, s, groupID)
	if p.Status != models.PaymentPending {
		t.Errorf("payment status = %s", p.Status)
	}

	var groupStatus models.GroupStatus
	if err := s.DB.QueryRow(`SELECT status FROM entry_groups WHERE id = ?`, groupID).Scan(&groupStatus); err != nil {
		t.Fatal(err)
	}
	if groupStatus != models.GroupPaymentUploaded {
		t.Errorf("group status = %s", groupStatus)
	}
	for _, st := range entryStatuses(t, s.DB, entryIDs) {
		if st != models.EntryPaymentUploaded {
			t.Errorf("entry status = %s", st)
		}
	}
}

func TestApproveCascade(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestService(t)
	groupID, entryIDs := seedGroup(t, s.DB)
	upload(t, s, groupID)

	if err := s.Approve(ctx, groupID, "reviewer-1"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	var groupStatus models.GroupStatus
	if err := s.DB.QueryRow(`SELECT status FROM entry_groups WHERE id = ?`, groupID).Scan(&groupStatus); err != nil {
		t.Fatal(err)
	}
	if groupStatus != models.GroupConfirmed {
		t.Errorf("group status = %s, want confirmed", groupStatus)
	}
	for _, st := range entryStatuses(t, s.DB, entryIDs) {
		if st != models.EntryConfirmed {
			t.Errorf("entry status = %s, want confirmed", st)
		}
	}

	p, err := s.Get(ctx, groupID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != models.PaymentApproved || p.ReviewedBy != "reviewer-1" || p.ReviewedAt == nil {
		t.Errorf("payment after approve: %+v", p)
	}

	// Exactly one notification.
	sent := mem.Sent()
	if len(sent) != 1 || sent[0].Kind != notify.PaymentApproved || sent[0].UserID != "u1" {
		t.Errorf("notifications: %+v", sent)
	}

	// Double approve conflicts and sends nothing further.
	if err := s.Approve(ctx, groupID, "reviewer-2"); meeterr.KindOf(err) != meeterr.KindStateConflict {
		t.Errorf("double approve kind = %v, want state conflict", meeterr.KindOf(err))
	}
	if len(mem.Sent()) != 1 {
		t.Errorf("notification count = %d, want 1", len(mem.Sent()))
	}
}

func TestApproveWithoutReceipt(t *testing.T) {
	s, _ := newTestService(t)
	groupID, _ := seedGroup(t, s.DB)

	err := s.Approve(context.Background(), groupID, "reviewer-1")
	if meeterr.KindOf(err) != meeterr.KindNotFound {
		t.Errorf("kind = %v, want not found", meeterr.KindOf(err))
	}
}

func TestRejectReturnsToPending(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestService(t)
	groupID, entryIDs := seedGroup(t, s.DB)
	upload(t, s, groupID)

	if err := s.Reject(ctx, groupID, "reviewer-1", "金額が一致しません"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	p, err := s.Get(ctx, groupID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != models.PaymentRejected || p.ReviewNote != "金額が一致しません" {
		t.Errorf("payment after reject: %+v", p)
	}

	var groupStatus models.GroupStatus
	if err := s.DB.QueryRow(`SELECT status FROM entry_groups WHERE id = ?`, groupID).Scan(&groupStatus); err != nil {
		t.Fatal(err)
	}
	if groupStatus != models.GroupPending {
		t.Errorf("group status = %s, want pending", groupStatus)
	}
	for _, st := range entryStatuses(t, s.DB, entryIDs) {
		if st != models.EntryPending {
			t.Errorf("entry status = %s, want pending", st)
		}
	}
	if sent := mem.Sent(); len(sent) != 1 || sent[0].Kind != notify.PaymentRejected {
		t.Errorf("notifications: %+v", sent)
	}

	// A corrected receipt can go up again and be approved.
	upload(t, s, groupID)
	if err := s.Approve(ctx, groupID, "reviewer-1"); err != nil {
		t.Fatalf("approve after re-upload: %v", err)
	}
}

func TestForceApprove(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestService(t)
	groupID, entryIDs := seedGroup(t, s.DB)

	// Note is mandatory.
	if err := s.ForceApprove(ctx, groupID, "op-1", ""); meeterr.KindOf(err) != meeterr.KindValidation {
		t.Errorf("kind = %v, want validation", meeterr.KindOf(err))
	}

	// No receipt needed.
	if err := s.ForceApprove(ctx, groupID, "op-1", "現金受領"); err != nil {
		t.Fatalf("force approve: %v", err)
	}

	p, err := s.Get(ctx, groupID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != models.PaymentApproved {
		t.Errorf("payment status = %s", p.Status)
	}
	if p.ReviewNote != "[force] 現金受領" {
		t.Errorf("review note = %q, want [force] marker", p.ReviewNote)
	}
	for _, st := range entryStatuses(t, s.DB, entryIDs) {
		if st != models.EntryConfirmed {
			t.Errorf("entry status = %s, want confirmed", st)
		}
	}
	if len(mem.Sent()) != 1 {
		t.Errorf("notification count = %d, want 1", len(mem.Sent()))
	}
}
