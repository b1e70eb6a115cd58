// Package payments implements receipt ingestion and payment review.
// Approval and rejection cascade to the entry group and its member
// entries in one transaction; the notification to the registrant is a
// post-commit side effect that never rolls back the state change.
package payments

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ymatsuzawa/trackmeet/internal/meeterr"
	"github.com/ymatsuzawa/trackmeet/internal/models"
	"github.com/ymatsuzawa/trackmeet/internal/notify"
)

// Service reviews payments for entry groups.
type Service struct {
	DB       *sql.DB
	Notifier notify.Notifier
	Log      *slog.Logger
}

// UploadParams carries the bank-transfer details attached to a receipt.
type UploadParams struct {
	GroupID       string
	ReceiptRef    string // opaque handle into the external blob store
	PaymentDate   *time.Time
	PaymentAmount *int
	PayerName     string
}

// UploadReceipt attaches a receipt to a group and moves the group and
// its entries to payment_uploaded. Re-uploading after a rejection
// replaces the receipt and resets the review.
func (s *Service) UploadReceipt(ctx context.Context, p UploadParams) (*models.Payment, error) {
	if p.ReceiptRef == "" {
		return nil, meeterr.New(meeterr.KindValidation, "receipt reference is required")
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, meeterr.Internal(err, "begin upload receipt")
	}
	defer tx.Rollback()

	var groupStatus models.GroupStatus
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM entry_groups WHERE id = ?`, p.GroupID,
	).Scan(&groupStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, meeterr.New(meeterr.KindNotFound, "entry group %s not found", p.GroupID)
	}
	if err != nil {
		return nil, meeterr.Internal(err, "select group")
	}
	if groupStatus == models.GroupConfirmed || groupStatus == models.GroupCancelled {
		return nil, meeterr.New(meeterr.KindStateConflict,
			"group is %s and no longer accepts receipts", groupStatus)
	}

	now := time.Now().UTC()
	var paymentDate any
	if p.PaymentDate != nil {
		paymentDate = p.PaymentDate.Format("2006-01-02")
	}

	pay := &models.Payment{
		GroupID:       p.GroupID,
		ReceiptRef:    p.ReceiptRef,
		PaymentDate:   p.PaymentDate,
		PaymentAmount: p.PaymentAmount,
		PayerName:     p.PayerName,
		Status:        models.PaymentPending,
		UploadedAt:    now,
		UpdatedAt:     now,
	}

	var existingID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM payments WHERE group_id = ?`, p.GroupID,
	).Scan(&existingID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		pay.ID = uuid.NewString()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO payments (id, group_id, receipt_ref, payment_date, payment_amount, payer_name, status, uploaded_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?)`,
			pay.ID, pay.GroupID, pay.ReceiptRef, paymentDate, pay.PaymentAmount,
			pay.PayerName, now, now)
	case err == nil:
		pay.ID = existingID
		_, err = tx.ExecContext(ctx,
			`UPDATE payments SET receipt_ref = ?, payment_date = ?, payment_amount = ?, payer_name = ?,
			 status = 'pending', reviewed_by = NULL, reviewed_at = NULL, review_note = '', uploaded_at = ?, updated_at = ?
			 WHERE id = ?`,
			pay.ReceiptRef, paymentDate, pay.PaymentAmount, pay.PayerName, now, now, existingID)
	default:
		return nil, meeterr.Internal(err, "select payment")
	}
	if err != nil {
		return nil, meeterr.Internal(err, "write payment")
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE entry_groups SET status = 'payment_uploaded', updated_at = ? WHERE id = ?`,
		now, p.GroupID); err != nil {
		return nil, meeterr.Internal(err, "update group")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE entries SET status = 'payment_uploaded', updated_at = ?
		 WHERE group_id = ? AND status != 'cancelled'`,
		now, p.GroupID); err != nil {
		return nil, meeterr.Internal(err, "update entries")
	}

	if err := tx.Commit(); err != nil {
		return nil, meeterr.Internal(err, "commit upload receipt")
	}
	return pay, nil
}

// Approve marks a pending payment approved and atomically confirms the
// group and its entries. The notification goes out after commit.
func (s *Service) Approve(ctx context.Context, groupID, reviewer string) error {
	return s.review(ctx, groupID, reviewer, "", false)
}

// ForceApprove confirms a group without a reviewed receipt. The note is
// mandatory and recorded with a [force] marker as the audit evidence.
func (s *Service) ForceApprove(ctx context.Context, groupID, reviewer, note string) error {
	if note == "" {
		return meeterr.New(meeterr.KindValidation, "force approval requires a note")
	}
	return s.review(ctx, groupID, reviewer, "[force] "+note, true)
}

func (s *Service) review(ctx context.Context, groupID, reviewer, note string, force bool) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return meeterr.Internal(err, "begin approve")
	}
	defer tx.Rollback()

	var (
		groupStatus  models.GroupStatus
		meetID       string
		registeredBy string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, meet_id, registered_by FROM entry_groups WHERE id = ?`, groupID,
	).Scan(&groupStatus, &meetID, &registeredBy)
	if errors.Is(err, sql.ErrNoRows) {
		return meeterr.New(meeterr.KindNotFound, "entry group %s not found", groupID)
	}
	if err != nil {
		return meeterr.Internal(err, "select group")
	}
	if groupStatus == models.GroupCancelled {
		return meeterr.New(meeterr.KindStateConflict, "group is cancelled")
	}

	now := time.Now().UTC()
	var (
		paymentID     string
		paymentStatus models.PaymentStatus
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, status FROM payments WHERE group_id = ?`, groupID,
	).Scan(&paymentID, &paymentStatus)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if !force {
			return meeterr.New(meeterr.KindNotFound, "group has no uploaded receipt")
		}
		paymentID = uuid.NewString()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO payments (id, group_id, status, reviewed_by, reviewed_at, review_note, uploaded_at, updated_at)
			 VALUES (?, ?, 'approved', ?, ?, ?, ?, ?)`,
			paymentID, groupID, reviewer, now, note, now, now); err != nil {
			return meeterr.Internal(err, "insert forced payment")
		}
	case err != nil:
		return meeterr.Internal(err, "select payment")
	default:
		if paymentStatus == models.PaymentApproved {
			return meeterr.New(meeterr.KindStateConflict, "payment is already approved")
		}
		if !force {
			if paymentStatus != models.PaymentPending {
				return meeterr.New(meeterr.KindStateConflict,
					"payment is %s, not pending", paymentStatus)
			}
			if groupStatus != models.GroupPaymentUploaded {
				return meeterr.New(meeterr.KindStateConflict,
					"group is %s, not payment_uploaded", groupStatus)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE payments SET status = 'approved', reviewed_by = ?, reviewed_at = ?, review_note = ?, updated_at = ?
			 WHERE id = ?`,
			reviewer, now, note, now, paymentID); err != nil {
			return meeterr.Internal(err, "update payment")
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE entry_groups SET status = 'confirmed', updated_at = ? WHERE id = ?`,
		now, groupID); err != nil {
		return meeterr.Internal(err, "update group")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE entries SET status = 'confirmed', updated_at = ?
		 WHERE group_id = ? AND status != 'cancelled'`,
		now, groupID); err != nil {
		return meeterr.Internal(err, "update entries")
	}

	if err := tx.Commit(); err != nil {
		return meeterr.Internal(err, "commit approve")
	}

	s.send(ctx, notify.Notice{
		Kind:    notify.PaymentApproved,
		GroupID: groupID,
		MeetID:  meetID,
		UserID:  registeredBy,
		Note:    note,
	})
	return nil
}

// Reject marks a pending payment rejected and returns the group and its
// entries to pending so a corrected receipt can be uploaded.
func (s *Service) Reject(ctx context.Context, groupID, reviewer, note string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return meeterr.Internal(err, "begin reject")
	}
	defer tx.Rollback()

	var (
		meetID       string
		registeredBy string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT meet_id, registered_by FROM entry_groups WHERE id = ?`, groupID,
	).Scan(&meetID, &registeredBy)
	if errors.Is(err, sql.ErrNoRows) {
		return meeterr.New(meeterr.KindNotFound, "entry group %s not found", groupID)
	}
	if err != nil {
		return meeterr.Internal(err, "select group")
	}

	var (
		paymentID     string
		paymentStatus models.PaymentStatus
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, status FROM payments WHERE group_id = ?`, groupID,
	).Scan(&paymentID, &paymentStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return meeterr.New(meeterr.KindNotFound, "group has no uploaded receipt")
	}
	if err != nil {
		return meeterr.Internal(err, "select payment")
	}
	if paymentStatus != models.PaymentPending {
		return meeterr.New(meeterr.KindStateConflict,
			"payment is %s, not pending", paymentStatus)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE payments SET status = 'rejected', reviewed_by = ?, reviewed_at = ?, review_note = ?, updated_at = ?
		 WHERE id = ?`,
		reviewer, now, note, now, paymentID); err != nil {
		return meeterr.Internal(err, "update payment")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE entry_groups SET status = 'pending', updated_at = ? WHERE id = ?`,
		now, groupID); err != nil {
		return meeterr.Internal(err, "update group")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE entries SET status = 'pending', updated_at = ?
		 WHERE group_id = ? AND status != 'cancelled'`,
		now, groupID); err != nil {
		return meeterr.Internal(err, "update entries")
	}

	if err := tx.Commit(); err != nil {
		return meeterr.Internal(err, "commit reject")
	}

	s.send(ctx, notify.Notice{
		Kind:    notify.PaymentRejected,
		GroupID: groupID,
		MeetID:  meetID,
		UserID:  registeredBy,
		Note:    note,
	})
	return nil
}

// Get loads the payment of a group.
func (s *Service) Get(ctx context.Context, groupID string) (*models.Payment, error) {
	var (
		p           models.Payment
		paymentDate sql.NullString
		reviewedBy  sql.NullString
		reviewedAt  sql.NullTime
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, group_id, receipt_ref, payment_date, payment_amount, payer_name, status, reviewed_by, reviewed_at, review_note, uploaded_at, updated_at
		 FROM payments WHERE group_id = ?`, groupID,
	).Scan(&p.ID, &p.GroupID, &p.ReceiptRef, &paymentDate, &p.PaymentAmount,
		&p.PayerName, &p.Status, &reviewedBy, &reviewedAt, &p.ReviewNote,
		&p.UploadedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, meeterr.New(meeterr.KindNotFound, "no payment for group %s", groupID)
	}
	if err != nil {
		return nil, meeterr.Internal(err, "select payment")
	}
	if paymentDate.Valid {
		d, err := time.Parse("2006-01-02", paymentDate.String)
		if err != nil {
			return nil, meeterr.Internal(err, "parse payment date")
		}
		p.PaymentDate = &d
	}
	p.ReviewedBy = reviewedBy.String
	if reviewedAt.Valid {
		p.ReviewedAt = &reviewedAt.Time
	}
	return &p, nil
}

// send delivers a notice best-effort. Failures are logged only.
func (s *Service) send(ctx context.Context, n notify.Notice) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.Notify(ctx, n); err != nil && s.Log != nil {
		s.Log.Warn("notification failed",
			"kind", string(n.Kind), "group_id", n.GroupID, "error", err)
	}
}
