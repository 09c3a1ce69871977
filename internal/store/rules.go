package store

import (
	"database/sql"
	"time"
)

// ListRules returns every rule ordered by (priority ASC, id ASC) — the same
// order the policy engine scans in.
func (s *Store) ListRules() ([]Rule, error) {
	rows, err := s.db.Query(`
		SELECT id, name, pattern, match_type, action, enabled, priority, notes, source, expires_at, created_at, updated_at
		FROM rules ORDER BY priority ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRule returns one rule by id, or nil if it does not exist.
func (s *Store) GetRule(id int64) (*Rule, error) {
	row := s.db.QueryRow(`
		SELECT id, name, pattern, match_type, action, enabled, priority, notes, source, expires_at, created_at, updated_at
		FROM rules WHERE id = ?
	`, id)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRule inserts a new rule and returns its id.
func (s *Store) CreateRule(r Rule) (int64, error) {
	now := time.Now().UTC()
	result, err := s.db.Exec(`
		INSERT INTO rules (name, pattern, match_type, action, enabled, priority, notes, source, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.Name, r.Pattern, r.MatchType, r.Action, r.Enabled, r.Priority, nullIfEmpty(r.Notes), r.Source,
		nullableTime(r.ExpiresAt), now.Unix(), now.Unix())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// UpdateRule overwrites the mutable fields of rule id.
func (s *Store) UpdateRule(id int64, r Rule) error {
	_, err := s.db.Exec(`
		UPDATE rules SET name=?, pattern=?, match_type=?, action=?, enabled=?, priority=?, notes=?, source=?, expires_at=?, updated_at=?
		WHERE id=?
	`, r.Name, r.Pattern, r.MatchType, r.Action, r.Enabled, r.Priority, nullIfEmpty(r.Notes), r.Source,
		nullableTime(r.ExpiresAt), time.Now().UTC().Unix(), id)
	return err
}

// DeleteRule removes rule id.
func (s *Store) DeleteRule(id int64) error {
	_, err := s.db.Exec("DELETE FROM rules WHERE id = ?", id)
	return err
}

// UpsertRuleByPattern inserts or updates a rule keyed by (pattern,
// match_type), the uniqueness constraint §3 specifies for synchronized and
// list-derived rules. Returns the affected rule's id.
func (s *Store) UpsertRuleByPattern(r Rule) (int64, error) {
	now := time.Now().UTC().Unix()
	_, err := s.db.Exec(`
		INSERT INTO rules (name, pattern, match_type, action, enabled, priority, notes, source, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pattern, match_type) DO UPDATE SET
			action = excluded.action,
			priority = excluded.priority,
			notes = excluded.notes,
			source = excluded.source,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, r.Name, r.Pattern, r.MatchType, r.Action, r.Priority, nullIfEmpty(r.Notes), r.Source,
		nullableTime(r.ExpiresAt), now, now)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.db.QueryRow("SELECT id FROM rules WHERE pattern = ? AND match_type = ?", r.Pattern, r.MatchType).Scan(&id)
	return id, err
}

func scanRule(row rowScanner) (Rule, error) {
	var (
		r                   Rule
		notes               sql.NullString
		expiresAt           sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&r.ID, &r.Name, &r.Pattern, &r.MatchType, &r.Action, &r.Enabled, &r.Priority,
		&notes, &r.Source, &expiresAt, &createdAt, &updatedAt)
	if err != nil {
		return Rule{}, err
	}
	r.Notes = notes.String
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0).UTC()
		r.ExpiresAt = &t
	}
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	r.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return r, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}
