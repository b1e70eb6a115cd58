// Package db handles SQLite initialisation and schema migrations.
//
// The driver is modernc.org/sqlite (pure Go, no CGo), registered with
// database/sql under the name "sqlite". Pragmas are passed as DSN URI
// parameters so every pooled connection gets them applied.
package db

import (
	"database/sql"
	"fmt"
	"strings"

	// Blank import: the modernc driver registers itself with
	// database/sql under the name "sqlite" when this package loads.
	_ "modernc.org/sqlite"
)

// Open opens (or creates) the SQLite database at dsn and runs all migrations.
//
// Recommended DSN formats:
//   - Production file: "trackmeet.db?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
//   - Tests:           "file:testXYZ?mode=memory&cache=shared&_pragma=foreign_keys(1)"
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// migrate runs each DDL statement in the schema individually.
// The modernc driver executes only the first statement when a
// multi-statement string is passed to Exec, so we split on ";" and loop.
func migrate(db *sql.DB) error {
	stmts := strings.Split(schema, ";")
	for _, stmt := range stmts {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration statement failed: %w\nstatement: %s", err, stmt)
		}
	}
	return nil
}

// IsUniqueViolation reports whether err is a SQLite UNIQUE constraint
// failure. The modernc driver exposes no typed error for this, so the
// message text is the stable contract ("UNIQUE constraint failed: ...").
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// schema contains every CREATE statement for the application.
//
// Notes on the less obvious choices:
//
//	athletes      — the owner is either an organization or an individual
//	                user; the CHECK constraint keeps exactly one of the
//	                two foreign keys non-NULL.
//
//	races         — declared times and standards are stored as TEXT in
//	                canonical decimal form ("930.00"); ordering queries
//	                CAST to REAL. (meet_id, name) is unique so NCG and
//	                general variants of the same distance can coexist.
//
//	entries       — UNIQUE(athlete_id, race_id) is the concurrency guard
//	                for double entry. group_id links an entry to at most
//	                one entry group; it is cleared when a group is
//	                cancelled.
//
//	heats         — deleting a heat cascades to its assignments.
//
//	assignments   — lane_number is 1-based within a heat; bib_number is
//	                the meet-wide number assigned by the bib allocator
//	                and stays NULL until then.
//
//	report_logs   — append-only emission log, never updated or deleted.
const schema = `
CREATE TABLE IF NOT EXISTS organizations (
    id                   TEXT PRIMARY KEY,
    name                 TEXT NOT NULL UNIQUE,
    name_kana            TEXT NOT NULL DEFAULT '',
    short_name           TEXT NOT NULL DEFAULT '',
    representative_name  TEXT NOT NULL DEFAULT '',
    representative_email TEXT NOT NULL DEFAULT '',
    representative_phone TEXT NOT NULL DEFAULT '',
    is_active            INTEGER NOT NULL DEFAULT 1,
    created_at           DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at           DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS athletes (
    id              TEXT PRIMARY KEY,
    organization_id TEXT REFERENCES organizations(id) ON DELETE CASCADE,
    user_id         TEXT,
    last_name       TEXT NOT NULL,
    first_name      TEXT NOT NULL,
    last_name_kana  TEXT NOT NULL,
    first_name_kana TEXT NOT NULL,
    last_name_en    TEXT NOT NULL DEFAULT '',
    first_name_en   TEXT NOT NULL DEFAULT '',
    sex             TEXT NOT NULL CHECK(sex IN ('M','F')),
    birth_date      TEXT NOT NULL,
    grade           TEXT NOT NULL DEFAULT '',
    registered_pref TEXT NOT NULL DEFAULT '',
    jaaf_id         TEXT NOT NULL DEFAULT '',
    nationality     TEXT NOT NULL DEFAULT 'JPN',
    is_active       INTEGER NOT NULL DEFAULT 1,
    created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    CHECK ((organization_id IS NULL) <> (user_id IS NULL))
);

CREATE TABLE IF NOT EXISTS meets (
    id                    TEXT PRIMARY KEY,
    name                  TEXT NOT NULL,
    venue                 TEXT NOT NULL DEFAULT '',
    first_day             TEXT NOT NULL,
    last_day              TEXT,
    entry_open_at         DATETIME NOT NULL,
    entry_close_at        DATETIME NOT NULL,
    entry_fee             INTEGER NOT NULL DEFAULT 2000,
    default_heat_capacity INTEGER NOT NULL DEFAULT 40,
    is_published          INTEGER NOT NULL DEFAULT 0,
    is_entry_open         INTEGER NOT NULL DEFAULT 0,
    created_at            DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at            DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS races (
    id                   TEXT PRIMARY KEY,
    meet_id              TEXT NOT NULL REFERENCES meets(id) ON DELETE CASCADE,
    distance             INTEGER NOT NULL,
    sex                  TEXT NOT NULL CHECK(sex IN ('M','F','X')),
    name                 TEXT NOT NULL,
    heat_capacity        INTEGER NOT NULL DEFAULT 40,
    max_entries          INTEGER,
    display_order        INTEGER NOT NULL DEFAULT 0,
    scheduled_start_time TEXT,
    is_ncg               INTEGER NOT NULL DEFAULT 0,
    ncg_capacity         INTEGER NOT NULL DEFAULT 35,
    standard_time        TEXT,
    fallback_race_id     TEXT REFERENCES races(id) ON DELETE SET NULL,
    is_active            INTEGER NOT NULL DEFAULT 1,
    created_at           DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at           DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (meet_id, name)
);

CREATE TABLE IF NOT EXISTS entry_groups (
    id              TEXT PRIMARY KEY,
    organization_id TEXT REFERENCES organizations(id),
    meet_id         TEXT NOT NULL REFERENCES meets(id) ON DELETE CASCADE,
    registered_by   TEXT NOT NULL,
    total_amount    INTEGER NOT NULL DEFAULT 0,
    status          TEXT NOT NULL DEFAULT 'pending'
                        CHECK(status IN ('pending','payment_uploaded','confirmed','cancelled')),
    created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS entries (
    id                   TEXT PRIMARY KEY,
    athlete_id           TEXT NOT NULL REFERENCES athletes(id) ON DELETE CASCADE,
    race_id              TEXT NOT NULL REFERENCES races(id) ON DELETE CASCADE,
    registered_by        TEXT NOT NULL,
    declared_time        TEXT NOT NULL,
    personal_best        TEXT,
    status               TEXT NOT NULL DEFAULT 'pending'
                             CHECK(status IN ('pending','payment_uploaded','confirmed','cancelled','dns')),
    note                 TEXT NOT NULL DEFAULT '',
    moved_from_ncg       INTEGER NOT NULL DEFAULT 0,
    original_ncg_race_id TEXT REFERENCES races(id) ON DELETE SET NULL,
    group_id             TEXT REFERENCES entry_groups(id) ON DELETE SET NULL,
    created_at           DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at           DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (athlete_id, race_id)
);

CREATE INDEX IF NOT EXISTS idx_entries_race_status ON entries(race_id, status);

CREATE TABLE IF NOT EXISTS payments (
    id             TEXT PRIMARY KEY,
    group_id       TEXT NOT NULL UNIQUE REFERENCES entry_groups(id) ON DELETE CASCADE,
    receipt_ref    TEXT NOT NULL DEFAULT '',
    payment_date   TEXT,
    payment_amount INTEGER,
    payer_name     TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL DEFAULT 'pending'
                       CHECK(status IN ('pending','approved','rejected')),
    reviewed_by    TEXT,
    reviewed_at    DATETIME,
    review_note    TEXT NOT NULL DEFAULT '',
    uploaded_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS heats (
    id                   TEXT PRIMARY KEY,
    race_id              TEXT NOT NULL REFERENCES races(id) ON DELETE CASCADE,
    heat_number          INTEGER NOT NULL,
    scheduled_start_time TEXT,
    is_finalized         INTEGER NOT NULL DEFAULT 0,
    created_at           DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at           DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (race_id, heat_number)
);

CREATE TABLE IF NOT EXISTS assignments (
    id            TEXT PRIMARY KEY,
    heat_id       TEXT NOT NULL REFERENCES heats(id) ON DELETE CASCADE,
    entry_id      TEXT NOT NULL UNIQUE REFERENCES entries(id) ON DELETE CASCADE,
    lane_number   INTEGER NOT NULL,
    bib_number    INTEGER,
    status        TEXT NOT NULL DEFAULT 'assigned'
                      CHECK(status IN ('assigned','dns','dnf','dq')),
    checked_in    INTEGER NOT NULL DEFAULT 0,
    checked_in_at DATETIME,
    created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (heat_id, lane_number),
    UNIQUE (heat_id, entry_id)
);

CREATE INDEX IF NOT EXISTS idx_assignments_heat ON assignments(heat_id);

CREATE TABLE IF NOT EXISTS report_logs (
    id           TEXT PRIMARY KEY,
    report_type  TEXT NOT NULL,
    meet_id      TEXT NOT NULL REFERENCES meets(id) ON DELETE CASCADE,
    race_id      TEXT REFERENCES races(id) ON DELETE CASCADE,
    heat_id      TEXT REFERENCES heats(id) ON DELETE CASCADE,
    generated_by TEXT NOT NULL DEFAULT '',
    generated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
