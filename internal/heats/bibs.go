package heats

import (
	"context"
	"fmt"
	"time"

	"github.com/ymatsuzawa/trackmeet/internal/meeterr"
	"github.com/ymatsuzawa/trackmeet/internal/models"
)

// bibPartition is one numeric range of the meet-wide bib space. The
// ranges are an external contract: venues tell NCG runners from the
// general field by bib range at a glance.
type bibPartition struct {
	start   int
	ceiling int // 0 means unbounded
}

type partitionKey struct {
	sex   models.Sex
	isNCG bool
}

var bibPartitions = map[partitionKey]bibPartition{
	{models.SexMale, true}:    {1, 499},
	{models.SexFemale, true}:  {500, 999},
	{models.SexMale, false}:   {1000, 1999},
	{models.SexFemale, false}: {2000, 2999},
	{models.SexMixed, true}:   {3000, 3499},
	{models.SexMixed, false}:  {3500, 3999},
}

var bibOverflow = bibPartition{start: 4000}

// BibSummary reports the outcome of one bib assignment run.
type BibSummary struct {
	Assigned int      `json:"assigned"`
	Warnings []string `json:"warnings,omitempty"`
}

// AssignBibs numbers every assignment in a meet from the partitioned
// bib space. Races are walked NCG-first then by display order; within a
// race, heats by number and assignments by lane, so bibs follow the
// program order. Partition counters persist across races, which keeps
// numbers unique meet-wide. Ceilings are soft: overflow warns, never
// fails. All writes happen in one transaction.
func (s *Service) AssignBibs(ctx context.Context, meetID string) (*BibSummary, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, meeterr.Internal(err, "begin assign bibs")
	}
	defer tx.Rollback()

	type raceRow struct {
		id    string
		name  string
		sex   models.Sex
		isNCG bool
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT id, name, sex, is_ncg FROM races
		 WHERE meet_id = ? AND is_active = 1
		 ORDER BY is_ncg DESC, display_order, distance`, meetID)
	if err != nil {
		return nil, meeterr.Internal(err, "select races")
	}
	var races []raceRow
	for rows.Next() {
		var r raceRow
		if err := rows.Scan(&r.id, &r.name, &r.sex, &r.isNCG); err != nil {
			rows.Close()
			return nil, meeterr.Internal(err, "scan race")
		}
		races = append(races, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, meeterr.Internal(err, "iterate races")
	}
	if len(races) == 0 {
		return nil, meeterr.New(meeterr.KindNotFound, "meet %s has no active races", meetID)
	}

	counters := map[partitionKey]int{}
	warned := map[partitionKey]bool{}
	summary := &BibSummary{}
	now := time.Now().UTC()

	for _, r := range races {
		key := partitionKey{r.sex, r.isNCG}
		part, ok := bibPartitions[key]
		if !ok {
			part = bibOverflow
		}
		if _, started := counters[key]; !started {
			counters[key] = part.start
		}

		aRows, err := tx.QueryContext(ctx,
			`SELECT a.id FROM assignments a
			 JOIN heats h ON h.id = a.heat_id
			 WHERE h.race_id = ?
			 ORDER BY h.heat_number, a.lane_number`, r.id)
		if err != nil {
			return nil, meeterr.Internal(err, "select assignments")
		}
		var ids []string
		for aRows.Next() {
			var id string
			if err := aRows.Scan(&id); err != nil {
				aRows.Close()
				return nil, meeterr.Internal(err, "scan assignment")
			}
			ids = append(ids, id)
		}
		aRows.Close()
		if err := aRows.Err(); err != nil {
			return nil, meeterr.Internal(err, "iterate assignments")
		}

		for _, id := range ids {
			bib := counters[key]
			counters[key]++
			if part.ceiling > 0 && bib > part.ceiling && !warned[key] {
				warned[key] = true
				msg := fmt.Sprintf("partition (%s, ncg=%t) exceeded its range at bib %d",
					key.sex, key.isNCG, bib)
				summary.Warnings = append(summary.Warnings, msg)
				if s.Log != nil {
					s.Log.Warn("bib range exceeded", "sex", string(key.sex),
						"ncg", key.isNCG, "bib", bib)
				}
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE assignments SET bib_number = ?, updated_at = ? WHERE id = ?`,
				bib, now, id); err != nil {
				return nil, meeterr.Internal(err, "write bib")
			}
			summary.Assigned++
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, meeterr.Internal(err, "commit assign bibs")
	}
	if s.Log != nil {
		s.Log.Info("bibs assigned", "meet_id", meetID, "count", summary.Assigned)
	}
	return summary, nil
}
