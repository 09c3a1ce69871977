package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the single sqlite-backed persistence layer shared by every ZDNS
// component. One *sql.DB connection pool is opened per process; database/sql
// supplies the "write-ahead + serialized access" invariant the data model
// requires without an application-level lock.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path in WAL mode and
// ensures its schema exists. Calling Open twice against the same file is
// safe and leaves existing data untouched.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ray_id TEXT NOT NULL,
		domain TEXT NOT NULL,
		score REAL NOT NULL,
		action TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		source TEXT NOT NULL,
		client_ip TEXT NOT NULL,
		rule_id INTEGER,
		rule_action TEXT,
		label TEXT,
		qtype TEXT,
		raw_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_domain_ts ON events(domain, timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(timestamp);

	CREATE TABLE IF NOT EXISTS devices (
		client_ip TEXT PRIMARY KEY,
		hostname TEXT,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		query_count INTEGER NOT NULL DEFAULT 0,
		blocked_count INTEGER NOT NULL DEFAULT 0,
		warn_count INTEGER NOT NULL DEFAULT 0,
		allow_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_devices_last_seen ON devices(last_seen);

	CREATE TABLE IF NOT EXISTS rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT,
		pattern TEXT NOT NULL,
		match_type TEXT NOT NULL,
		action TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT 1,
		priority INTEGER NOT NULL DEFAULT 100,
		notes TEXT,
		source TEXT NOT NULL DEFAULT 'admin',
		expires_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(pattern, match_type)
	);
	CREATE INDEX IF NOT EXISTS idx_rules_priority ON rules(priority, id);

	CREATE TABLE IF NOT EXISTS list_sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		list_type TEXT NOT NULL,
		url TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT 1,
		last_fetched INTEGER,
		last_imported INTEGER,
		last_error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS stix_collections (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		can_read BOOLEAN NOT NULL DEFAULT 1,
		can_write BOOLEAN NOT NULL DEFAULT 1,
		created INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS stix_objects (
		id TEXT PRIMARY KEY,
		collection_id TEXT NOT NULL,
		type TEXT,
		spec_version TEXT,
		created TEXT,
		modified TEXT,
		added_at INTEGER NOT NULL,
		raw_json TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_stix_objects_collection ON stix_objects(collection_id, added_at);

	CREATE TABLE IF NOT EXISTS rule_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		target TEXT NOT NULL,
		timestamp INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}

	// Additive-column backfills for databases created before a field was
	// introduced, guarded by PRAGMA table_info introspection per the
	// migration policy.
	if err := s.ensureColumn("rules", "notes", "TEXT"); err != nil {
		return err
	}
	if err := s.ensureColumn("list_sources", "last_error", "TEXT"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds column to table with the given type declaration if it
// is not already present, so older database files pick up schema additions
// without a destructive migration.
func (s *Store) ensureColumn(table, column, decl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("store: introspect %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notNull    int
			dfltValue  any
			pk         int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}

	_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	if err != nil {
		return fmt.Errorf("store: add column %s.%s: %w", table, column, err)
	}
	return nil
}

// AppendEvent inserts one decision event. Events are append-only.
func (s *Store) AppendEvent(e Event) error {
	_, err := s.db.Exec(`
		INSERT INTO events (ray_id, domain, score, action, timestamp, source, client_ip, rule_id, rule_action, label, qtype, raw_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.RayID, e.Domain, e.Score, e.Action, e.Timestamp.UTC().Unix(), e.Source, e.ClientIP,
		e.RuleID, nullIfEmpty(e.RuleAction), nullIfEmpty(e.Label), nullIfEmpty(e.QType), nullIfEmpty(e.RawJSON))
	if err != nil {
		return fmt.Errorf("store: append event: %w", err)
	}
	return nil
}

// RecentEvents returns the most recent limit events, newest first.
func (s *Store) RecentEvents(limit int) ([]Event, error) {
	rows, err := s.db.Query(`
		SELECT id, ray_id, domain, score, action, timestamp, source, client_ip, rule_id, rule_action, label, qtype, raw_json
		FROM events ORDER BY timestamp DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, ts, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestEventForDomain returns the most recent event recorded for domain, or
// nil if none exists.
func (s *Store) LatestEventForDomain(domain string) (*Event, error) {
	row := s.db.QueryRow(`
		SELECT id, ray_id, domain, score, action, timestamp, source, client_ip, rule_id, rule_action, label, qtype, raw_json
		FROM events WHERE domain = ? ORDER BY timestamp DESC, id DESC LIMIT 1
	`, domain)

	e, ts, err := scanEventRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Timestamp = time.Unix(ts, 0).UTC()
	return &e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(rows *sql.Rows) (Event, int64, error) {
	return scanEventRow(rows)
}

func scanEventRow(row rowScanner) (Event, int64, error) {
	var (
		e          Event
		ts         int64
		ruleID     sql.NullInt64
		ruleAction sql.NullString
		label      sql.NullString
		qtype      sql.NullString
		rawJSON    sql.NullString
	)
	err := row.Scan(&e.ID, &e.RayID, &e.Domain, &e.Score, &e.Action, &ts, &e.Source, &e.ClientIP,
		&ruleID, &ruleAction, &label, &qtype, &rawJSON)
	if err != nil {
		return Event{}, 0, err
	}
	if ruleID.Valid {
		e.RuleID = &ruleID.Int64
	}
	e.RuleAction = ruleAction.String
	e.Label = label.String
	e.QType = qtype.String
	e.RawJSON = rawJSON.String
	return e, ts, nil
}

// CleanupEvents deletes events older than retentionDays (no-op if <= 0) and
// returns the number of rows removed.
func (s *Store) CleanupEvents(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour).UTC().Unix()
	result, err := s.db.Exec("DELETE FROM events WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
