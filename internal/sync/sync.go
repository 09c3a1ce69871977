// Package sync implements ZDNS's rule synchronizer (C6): it projects STIX
// indicators into resolver BLOCK rules.
package sync

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"zdns.dev/zdns/internal/logging"
	"zdns.dev/zdns/internal/store"
)

const threatIntelCollection = "zdns-threat-intel"

// indicatorDoc is the subset of a STIX indicator object §4.7 reads.
type indicatorDoc struct {
	Name        string `json:"name"`
	Pattern     string `json:"pattern"`
	ValidUntil  string `json:"valid_until"`
	Expiration  string `json:"expiration"`
}

// Synchronizer projects stored STIX indicators into rules. It can be run
// on demand (Sync) or on an interval (Start/Stop).
type Synchronizer struct {
	store *store.Store

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New builds a Synchronizer over st.
func New(st *store.Store) *Synchronizer {
	return &Synchronizer{store: st}
}

// Sync scans indicator objects in the threat-intel collection whose pattern
// contains "domain-name:value", and upserts a BLOCK rule per domain. It is
// idempotent: re-running it against the same indicator set leaves the rule
// count unchanged.
func (s *Synchronizer) Sync() (int, error) {
	objects, err := s.store.STIXIndicatorObjects(threatIntelCollection)
	if err != nil {
		return 0, err
	}

	synced := 0
	for _, obj := range objects {
		var doc indicatorDoc
		if err := json.Unmarshal([]byte(obj.RawJSON), &doc); err != nil {
			continue
		}

		domain, ok := extractDomain(doc.Pattern)
		if !ok {
			continue
		}

		name := doc.Name
		if name == "" {
			name = "STIX Indicator"
		}

		rule := store.Rule{
			Name:      name,
			Pattern:   domain,
			MatchType: "EXACT",
			Action:    "BLOCK",
			Priority:  50,
			Notes:     "STIX Indicator",
			Source:    "threat_intel",
			ExpiresAt: parseExpiry(doc.ValidUntil, doc.Expiration),
		}

		if _, err := s.store.UpsertRuleByPattern(rule); err != nil {
			logging.Warn("[sync] failed to upsert rule for %s: %v", domain, err)
			continue
		}
		synced++
	}

	return synced, nil
}

// extractDomain parses the first single-quoted token after "domain-name:value"
// in a STIX indicator pattern, e.g. "[domain-name:value = 'evil.example']".
func extractDomain(pattern string) (string, bool) {
	idx := strings.Index(pattern, "domain-name:value")
	if idx < 0 {
		return "", false
	}
	rest := pattern[idx+len("domain-name:value"):]
	parts := strings.SplitN(rest, "'", 3)
	if len(parts) < 2 {
		return "", false
	}
	domain := strings.TrimSpace(parts[1])
	if domain == "" {
		return "", false
	}
	return domain, true
}

func parseExpiry(values ...string) *time.Time {
	for _, v := range values {
		if v == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return &t
		}
	}
	return nil
}

// Start runs Sync once immediately, then on a ticker every interval until
// Stop is called. An interval <= 0 disables the background timer.
func (s *Synchronizer) Start(interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running || interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.runLoop(ctx, interval)
}

func (s *Synchronizer) runLoop(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()

	if n, err := s.Sync(); err != nil {
		logging.Warn("[sync] initial sync failed: %v", err)
	} else {
		logging.Info("[sync] synced %d rules from threat intel", n)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sync(); err != nil {
				logging.Warn("[sync] periodic sync failed: %v", err)
			} else {
				logging.Info("[sync] synced %d rules from threat intel", n)
			}
		}
	}
}

// Stop cancels the background timer, if running, and waits for it to exit.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
}
