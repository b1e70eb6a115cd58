package entries

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ymatsuzawa/trackmeet/internal/meeterr"
	"github.com/ymatsuzawa/trackmeet/internal/models"
)

// BuildGroup bundles all of a user's pending, ungrouped entries in one
// meet into a payable group. The total amount is snapshotted as
// count × the meet's entry fee at build time; later fee changes do not
// reprice existing groups.
func (s *Service) BuildGroup(ctx context.Context, userID, meetID, orgID string) (*models.EntryGroup, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, meeterr.Internal(err, "begin build group")
	}
	defer tx.Rollback()

	var fee int
	err = tx.QueryRowContext(ctx,
		`SELECT entry_fee FROM meets WHERE id = ?`, meetID,
	).Scan(&fee)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, meeterr.New(meeterr.KindNotFound, "meet %s not found", meetID)
	}
	if err != nil {
		return nil, meeterr.Internal(err, "select meet")
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT e.id FROM entries e
		 JOIN races r ON r.id = e.race_id
		 WHERE r.meet_id = ? AND e.registered_by = ? AND e.status = 'pending' AND e.group_id IS NULL
		 ORDER BY e.created_at, e.id`,
		meetID, userID)
	if err != nil {
		return nil, meeterr.Internal(err, "select pending entries")
	}
	var entryIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, meeterr.Internal(err, "scan entry id")
		}
		entryIDs = append(entryIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, meeterr.Internal(err, "iterate pending entries")
	}
	if len(entryIDs) == 0 {
		return nil, meeterr.New(meeterr.KindValidation,
			"no pending entries to bundle for this meet")
	}

	now := time.Now().UTC()
	g := &models.EntryGroup{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		MeetID:         meetID,
		RegisteredBy:   userID,
		TotalAmount:    len(entryIDs) * fee,
		Status:         models.GroupPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	var org any
	if orgID != "" {
		org = orgID
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO entry_groups (id, organization_id, meet_id, registered_by, total_amount, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, org, g.MeetID, g.RegisteredBy, g.TotalAmount, g.Status, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return nil, meeterr.Internal(err, "insert group")
	}

	for _, id := range entryIDs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE entries SET group_id = ?, updated_at = ? WHERE id = ?`,
			g.ID, now, id); err != nil {
			return nil, meeterr.Internal(err, "attach entry to group")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, meeterr.Internal(err, "commit build group")
	}
	return g, nil
}

// GetGroup loads one entry group by ID.
func (s *Service) GetGroup(ctx context.Context, id string) (*models.EntryGroup, error) {
	var g models.EntryGroup
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, COALESCE(organization_id, ''), meet_id, registered_by, total_amount, status, created_at, updated_at
		 FROM entry_groups WHERE id = ?`, id,
	).Scan(&g.ID, &g.OrganizationID, &g.MeetID, &g.RegisteredBy,
		&g.TotalAmount, &g.Status, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, meeterr.New(meeterr.KindNotFound, "entry group %s not found", id)
	}
	if err != nil {
		return nil, meeterr.Internal(err, "select group")
	}
	return &g, nil
}

// CancelGroup cancels an unpaid group and releases its member entries
// back to pending and ungrouped, so they can be rebundled. A group with
// an approved payment cannot be cancelled.
func (s *Service) CancelGroup(ctx context.Context, groupID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return meeterr.Internal(err, "begin cancel group")
	}
	defer tx.Rollback()

	var status models.GroupStatus
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM entry_groups WHERE id = ?`, groupID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return meeterr.New(meeterr.KindNotFound, "entry group %s not found", groupID)
	}
	if err != nil {
		return meeterr.Internal(err, "select group")
	}
	if status == models.GroupCancelled {
		return meeterr.New(meeterr.KindStateConflict, "group is already cancelled")
	}

	var approved int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payments WHERE group_id = ? AND status = 'approved'`,
		groupID,
	).Scan(&approved)
	if err != nil {
		return meeterr.Internal(err, "select payment")
	}
	if status == models.GroupConfirmed || approved > 0 {
		return meeterr.New(meeterr.KindStateConflict,
			"group has an approved payment and cannot be cancelled")
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE entry_groups SET status = 'cancelled', updated_at = ? WHERE id = ?`,
		now, groupID); err != nil {
		return meeterr.Internal(err, "update group")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE entries SET group_id = NULL, status = 'pending', updated_at = ?
		 WHERE group_id = ? AND status != 'cancelled'`,
		now, groupID); err != nil {
		return meeterr.Internal(err, "release entries")
	}

	if err := tx.Commit(); err != nil {
		return meeterr.Internal(err, "commit cancel group")
	}
	return nil
}
