package store

import (
	"database/sql"
	"time"
)

// ListListSources returns every configured block/allow list source.
func (s *Store) ListListSources() ([]ListSource, error) {
	rows, err := s.db.Query(`
		SELECT id, name, list_type, url, enabled, last_fetched, last_imported, last_error, created_at, updated_at
		FROM list_sources ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ListSource
	for rows.Next() {
		ls, err := scanListSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ls)
	}
	return out, rows.Err()
}

// GetListSource returns one list source by id, or nil if absent.
func (s *Store) GetListSource(id int64) (*ListSource, error) {
	row := s.db.QueryRow(`
		SELECT id, name, list_type, url, enabled, last_fetched, last_imported, last_error, created_at, updated_at
		FROM list_sources WHERE id = ?
	`, id)
	ls, err := scanListSource(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ls, nil
}

// CreateListSource inserts a new list source and returns its id.
func (s *Store) CreateListSource(ls ListSource) (int64, error) {
	now := time.Now().UTC().Unix()
	result, err := s.db.Exec(`
		INSERT INTO list_sources (name, list_type, url, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ls.Name, ls.ListType, ls.URL, ls.Enabled, now, now)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// UpdateListSource overwrites the mutable fields of list source id.
func (s *Store) UpdateListSource(id int64, ls ListSource) error {
	_, err := s.db.Exec(`
		UPDATE list_sources SET name=?, list_type=?, url=?, enabled=?, updated_at=?
		WHERE id=?
	`, ls.Name, ls.ListType, ls.URL, ls.Enabled, time.Now().UTC().Unix(), id)
	return err
}

// DeleteListSource removes list source id.
func (s *Store) DeleteListSource(id int64) error {
	_, err := s.db.Exec("DELETE FROM list_sources WHERE id = ?", id)
	return err
}

// RecordListSourceOutcome updates the last_fetched/last_imported/last_error
// fields after a pull attempt. lastErr empty clears the stored error.
func (s *Store) RecordListSourceOutcome(id int64, fetched, imported *time.Time, lastErr string) error {
	_, err := s.db.Exec(`
		UPDATE list_sources SET last_fetched=?, last_imported=?, last_error=?, updated_at=?
		WHERE id=?
	`, nullableTime(fetched), nullableTime(imported), nullIfEmpty(lastErr), time.Now().UTC().Unix(), id)
	return err
}

func scanListSource(row rowScanner) (ListSource, error) {
	var (
		ls                   ListSource
		lastFetched          sql.NullInt64
		lastImported         sql.NullInt64
		lastError            sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(&ls.ID, &ls.Name, &ls.ListType, &ls.URL, &ls.Enabled,
		&lastFetched, &lastImported, &lastError, &createdAt, &updatedAt)
	if err != nil {
		return ListSource{}, err
	}
	if lastFetched.Valid {
		t := time.Unix(lastFetched.Int64, 0).UTC()
		ls.LastFetched = &t
	}
	if lastImported.Valid {
		t := time.Unix(lastImported.Int64, 0).UTC()
		ls.LastImported = &t
	}
	ls.LastError = lastError.String
	ls.CreatedAt = time.Unix(createdAt, 0).UTC()
	ls.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return ls, nil
}
