package store

import "time"

// Metrics computes the cumulative counters and active-device count for
// GET /metrics (C10).
func (s *Store) Metrics(activeWindow time.Duration) (*Metrics, error) {
	m := &Metrics{}

	row := s.db.QueryRow(`
		SELECT
			COUNT(*),
			SUM(CASE WHEN action = 'ALLOW' THEN 1 ELSE 0 END),
			SUM(CASE WHEN action = 'WARN' THEN 1 ELSE 0 END),
			SUM(CASE WHEN action = 'BLOCK' THEN 1 ELSE 0 END)
		FROM events
	`)
	var allowed, warned, blocked sqlNullInt64
	if err := row.Scan(&m.TotalQueries, &allowed, &warned, &blocked); err != nil {
		return nil, err
	}
	m.Allowed = allowed.value()
	m.Warned = warned.value()
	m.Blocked = blocked.value()

	active, err := s.ActiveDeviceCount(activeWindow)
	if err != nil {
		return nil, err
	}
	m.ActiveDevices = active

	return m, nil
}

// Analytics returns the top-N queried domains and the action breakdown
// across all recorded events, for GET /analytics (C10).
func (s *Store) Analytics(topN int) (*Analytics, error) {
	a := &Analytics{}

	rows, err := s.db.Query(`
		SELECT domain, COUNT(*) AS c FROM events
		GROUP BY domain ORDER BY c DESC LIMIT ?
	`, topN)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var ds DomainStat
		if err := rows.Scan(&ds.Domain, &ds.Count); err != nil {
			rows.Close()
			return nil, err
		}
		a.TopDomains = append(a.TopDomains, ds)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	row := s.db.QueryRow(`
		SELECT
			SUM(CASE WHEN action = 'ALLOW' THEN 1 ELSE 0 END),
			SUM(CASE WHEN action = 'WARN' THEN 1 ELSE 0 END),
			SUM(CASE WHEN action = 'BLOCK' THEN 1 ELSE 0 END)
		FROM events
	`)
	var allowed, warned, blocked sqlNullInt64
	if err := row.Scan(&allowed, &warned, &blocked); err != nil {
		return nil, err
	}
	a.Allowed = allowed.value()
	a.Warned = warned.value()
	a.Blocked = blocked.value()

	return a, nil
}

// sqlNullInt64 lets COUNT/SUM aggregates over an empty table scan cleanly
// (SUM of zero rows is NULL) without importing database/sql in every caller.
type sqlNullInt64 struct {
	Int64 int64
	Valid bool
}

func (n *sqlNullInt64) Scan(src any) error {
	if src == nil {
		n.Valid = false
		return nil
	}
	n.Valid = true
	switch v := src.(type) {
	case int64:
		n.Int64 = v
	default:
	}
	return nil
}

func (n sqlNullInt64) value() int64 {
	if !n.Valid {
		return 0
	}
	return n.Int64
}
