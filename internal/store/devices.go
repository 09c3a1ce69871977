package store

import (
	"database/sql"
	"time"
)

// UpsertDeviceActivity records one decision against client_ip: creates the
// device row on first sight, bumps last_seen and query_count, and increments
// exactly one of blocked_count/warn_count/allow_count per action.
func (s *Store) UpsertDeviceActivity(clientIP, action string, at time.Time) error {
	ts := at.UTC().Unix()

	var blocked, warn, allow int64
	switch action {
	case "BLOCK":
		blocked = 1
	case "WARN":
		warn = 1
	case "ALLOW":
		allow = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO devices (client_ip, first_seen, last_seen, query_count, blocked_count, warn_count, allow_count)
		VALUES (?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(client_ip) DO UPDATE SET
			last_seen = excluded.last_seen,
			query_count = query_count + 1,
			blocked_count = blocked_count + excluded.blocked_count,
			warn_count = warn_count + excluded.warn_count,
			allow_count = allow_count + excluded.allow_count
	`, clientIP, ts, ts, blocked, warn, allow)
	return err
}

// Devices returns up to limit devices ordered by most recently seen.
func (s *Store) Devices(limit int) ([]Device, error) {
	rows, err := s.db.Query(`
		SELECT client_ip, hostname, first_seen, last_seen, query_count, blocked_count, warn_count, allow_count
		FROM devices ORDER BY last_seen DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		var hostname sql.NullString
		var firstSeen, lastSeen int64
		if err := rows.Scan(&d.ClientIP, &hostname, &firstSeen, &lastSeen,
			&d.QueryCount, &d.BlockedCount, &d.WarnCount, &d.AllowCount); err != nil {
			return nil, err
		}
		d.Hostname = hostname.String
		d.FirstSeen = time.Unix(firstSeen, 0).UTC()
		d.LastSeen = time.Unix(lastSeen, 0).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

// ActiveDeviceCount counts devices whose last_seen falls within window of now.
func (s *Store) ActiveDeviceCount(window time.Duration) (int64, error) {
	cutoff := time.Now().Add(-window).UTC().Unix()
	var count int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM devices WHERE last_seen >= ?", cutoff).Scan(&count)
	return count, err
}
