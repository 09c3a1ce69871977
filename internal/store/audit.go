package store

import "time"

// AppendAudit records one CRUD event against a rule or list source. Audit
// rows are additive and non-authoritative: the rules/list_sources tables
// remain the source of truth.
func (s *Store) AppendAudit(a RuleAudit) error {
	_, err := s.db.Exec(`
		INSERT INTO rule_audit (actor, action, target, timestamp)
		VALUES (?, ?, ?, ?)
	`, a.Actor, a.Action, a.Target, a.Timestamp.UTC().Unix())
	return err
}

// RecentAudit returns the most recent limit audit rows, newest first.
func (s *Store) RecentAudit(limit int) ([]RuleAudit, error) {
	rows, err := s.db.Query(`
		SELECT id, actor, action, target, timestamp FROM rule_audit
		ORDER BY timestamp DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RuleAudit
	for rows.Next() {
		var a RuleAudit
		var ts int64
		if err := rows.Scan(&a.ID, &a.Actor, &a.Action, &a.Target, &ts); err != nil {
			return nil, err
		}
		a.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}
