package store

import (
	"database/sql"
	"time"
)

// UpsertCollection creates or replaces a STIX collection's metadata.
func (s *Store) UpsertCollection(c STIXCollection) error {
	_, err := s.db.Exec(`
		INSERT INTO stix_collections (id, title, description, can_read, can_write, created)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			can_read = excluded.can_read,
			can_write = excluded.can_write
	`, c.ID, c.Title, nullIfEmpty(c.Description), c.CanRead, c.CanWrite, c.Created.UTC().Unix())
	return err
}

// GetCollection returns one collection by id, or nil if it does not exist.
func (s *Store) GetCollection(id string) (*STIXCollection, error) {
	row := s.db.QueryRow(`
		SELECT id, title, description, can_read, can_write, created
		FROM stix_collections WHERE id = ?
	`, id)

	var (
		c           STIXCollection
		description sql.NullString
		created     int64
	)
	err := row.Scan(&c.ID, &c.Title, &description, &c.CanRead, &c.CanWrite, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Description = description.String
	c.Created = time.Unix(created, 0).UTC()
	return &c, nil
}

// ListCollections returns every known collection.
func (s *Store) ListCollections() ([]STIXCollection, error) {
	rows, err := s.db.Query(`SELECT id, title, description, can_read, can_write, created FROM stix_collections ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []STIXCollection
	for rows.Next() {
		var (
			c           STIXCollection
			description sql.NullString
			created     int64
		)
		if err := rows.Scan(&c.ID, &c.Title, &description, &c.CanRead, &c.CanWrite, &created); err != nil {
			return nil, err
		}
		c.Description = description.String
		c.Created = time.Unix(created, 0).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertSTIXObject stores obj verbatim, replacing any prior copy with the
// same STIX id (§3: "STIX object identity is the STIX id").
func (s *Store) UpsertSTIXObject(obj STIXObject) error {
	_, err := s.db.Exec(`
		INSERT INTO stix_objects (id, collection_id, type, spec_version, created, modified, added_at, raw_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			collection_id = excluded.collection_id,
			type = excluded.type,
			spec_version = excluded.spec_version,
			created = excluded.created,
			modified = excluded.modified,
			added_at = excluded.added_at,
			raw_json = excluded.raw_json
	`, obj.ID, obj.CollectionID, obj.Type, obj.SpecVersion, obj.Created, obj.Modified, obj.AddedAt.UTC().Unix(), obj.RawJSON)
	return err
}

// ListSTIXObjects returns objects in collectionID added after addedAfter (if
// non-nil), oldest first, capped at limit.
func (s *Store) ListSTIXObjects(collectionID string, addedAfter *time.Time, limit int) ([]STIXObject, error) {
	query := `
		SELECT id, collection_id, type, spec_version, created, modified, added_at, raw_json
		FROM stix_objects WHERE collection_id = ?
	`
	args := []any{collectionID}
	if addedAfter != nil {
		query += " AND added_at > ?"
		args = append(args, addedAfter.UTC().Unix())
	}
	query += " ORDER BY added_at ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []STIXObject
	for rows.Next() {
		var (
			o        STIXObject
			created  sql.NullString
			modified sql.NullString
			addedAt  int64
		)
		if err := rows.Scan(&o.ID, &o.CollectionID, &o.Type, &o.SpecVersion, &created, &modified, &addedAt, &o.RawJSON); err != nil {
			return nil, err
		}
		o.Created = created.String
		o.Modified = modified.String
		o.AddedAt = time.Unix(addedAt, 0).UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}

// STIXIndicatorObjects returns every stored indicator-type object in
// collectionID, oldest first, for the rule synchronizer (C6). The store layer
// doesn't parse STIX JSON itself: filtering on a "domain-name:value" pattern
// is left to internal/sync, which decodes raw_json.
func (s *Store) STIXIndicatorObjects(collectionID string) ([]STIXObject, error) {
	rows, err := s.db.Query(`
		SELECT id, collection_id, type, spec_version, created, modified, added_at, raw_json
		FROM stix_objects WHERE collection_id = ? AND type = 'indicator'
		ORDER BY added_at ASC
	`, collectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []STIXObject
	for rows.Next() {
		var (
			o        STIXObject
			created  sql.NullString
			modified sql.NullString
			addedAt  int64
		)
		if err := rows.Scan(&o.ID, &o.CollectionID, &o.Type, &o.SpecVersion, &created, &modified, &addedAt, &o.RawJSON); err != nil {
			return nil, err
		}
		o.Created = created.String
		o.Modified = modified.String
		o.AddedAt = time.Unix(addedAt, 0).UTC()
		out = append(out, o)
	}
	return out, rows.Err()
}
