// Package store implements ZDNS's single-file persistent store (C1): events,
// devices, rules, list sources, and the STIX collection/object tables that
// back C4, on one modernc.org/sqlite database.
package store

import "time"

// Event is one append-only decision record.
type Event struct {
	ID         int64     `json:"id"`
	RayID      string    `json:"ray_id"`
	Domain     string    `json:"domain"`
	Score      float64   `json:"score"`
	Action     string    `json:"action"`
	Timestamp  time.Time `json:"timestamp"`
	Source     string    `json:"source"`
	ClientIP   string    `json:"client_ip"`
	RuleID     *int64    `json:"rule_id,omitempty"`
	RuleAction string    `json:"rule_action,omitempty"`
	Label      string    `json:"label,omitempty"`
	QType      string    `json:"qtype,omitempty"`
	RawJSON    string    `json:"raw_json,omitempty"`
}

// Device tracks per-client-IP activity.
type Device struct {
	ClientIP     string    `json:"client_ip"`
	Hostname     string    `json:"hostname,omitempty"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	QueryCount   int64     `json:"query_count"`
	BlockedCount int64     `json:"blocked_count"`
	WarnCount    int64     `json:"warn_count"`
	AllowCount   int64     `json:"allow_count"`
}

// Rule is one policy rule (§3: match_type, action, priority, expiry).
type Rule struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	Pattern   string     `json:"pattern"`
	MatchType string     `json:"match_type"` // EXACT | SUFFIX | REGEX
	Action    string     `json:"action"`     // ALLOW | WARN | BLOCK
	Enabled   bool       `json:"enabled"`
	Priority  int        `json:"priority"`
	Notes     string     `json:"notes,omitempty"`
	Source    string     `json:"source"` // admin | list | threat_intel
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ListSource is one admin-configured block/allow list feed.
type ListSource struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	ListType     string     `json:"list_type"` // blocklist | whitelist
	URL          string     `json:"url"`
	Enabled      bool       `json:"enabled"`
	LastFetched  *time.Time `json:"last_fetched,omitempty"`
	LastImported *time.Time `json:"last_imported,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// STIXCollection is a TAXII 2.1 collection.
type STIXCollection struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	CanRead     bool      `json:"can_read"`
	CanWrite    bool      `json:"can_write"`
	Created     time.Time `json:"created"`
}

// STIXObject is one STIX object stored verbatim as JSON, keyed by its own
// STIX id, with a handful of columns indexed for manifest/range queries.
type STIXObject struct {
	ID           string    `json:"id"`
	CollectionID string    `json:"collection_id"`
	Type         string    `json:"type"`
	SpecVersion  string    `json:"spec_version"`
	Created      string    `json:"created,omitempty"`
	Modified     string    `json:"modified,omitempty"`
	AddedAt      time.Time `json:"added_at"`
	RawJSON      string    `json:"raw_json"`
}

// RuleAudit is one append-only CRUD audit record for rules/list sources.
type RuleAudit struct {
	ID        int64     `json:"id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"` // create | update | delete | import
	Target    string    `json:"target"`
	Timestamp time.Time `json:"timestamp"`
}

// DomainStat backs the /analytics top-N domain listing. ClientStat is not
// used by Analytics.
type DomainStat struct {
	Domain string `json:"domain"`
	Count  int64  `json:"count"`
}

type ClientStat struct {
	ClientIP string `json:"client_ip"`
	Count    int64  `json:"count"`
}

// Analytics summarizes all recorded activity for GET /analytics.
type Analytics struct {
	TopDomains []DomainStat `json:"top_domains"`
	Allowed    int64        `json:"allowed"`
	Warned     int64        `json:"warned"`
	Blocked    int64        `json:"blocked"`
}

// Metrics summarizes cumulative counters for GET /metrics.
type Metrics struct {
	TotalQueries  int64 `json:"total_queries"`
	Allowed       int64 `json:"allowed"`
	Warned        int64 `json:"warned"`
	Blocked       int64 `json:"blocked"`
	ActiveDevices int64 `json:"active_devices"`
}
