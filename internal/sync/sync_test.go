package sync

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"zdns.dev/zdns/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func putIndicator(t *testing.T, st *store.Store, id, pattern string) {
	t.Helper()
	doc := map[string]any{
		"type":    "indicator",
		"id":      id,
		"name":    "test indicator",
		"pattern": pattern,
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)

	require.NoError(t, st.UpsertCollection(store.STIXCollection{
		ID: threatIntelCollection, Title: "ZDNS Threat Intel",
		Description: "Primary collection for ZDNS threat intelligence",
		CanRead:     true, CanWrite: true,
	}))
	require.NoError(t, st.UpsertSTIXObject(store.STIXObject{
		ID: id, CollectionID: threatIntelCollection, Type: "indicator",
		SpecVersion: "2.1", RawJSON: string(raw),
	}))
}

func TestExtractDomainParsesQuotedValue(t *testing.T) {
	domain, ok := extractDomain(`[domain-name:value = 'evil.example']`)
	require.True(t, ok)
	require.Equal(t, "evil.example", domain)
}

func TestExtractDomainRejectsUnrelatedPattern(t *testing.T) {
	_, ok := extractDomain(`[ipv4-addr:value = '1.2.3.4']`)
	require.False(t, ok)
}

func TestSyncUpsertsBlockRuleFromIndicator(t *testing.T) {
	st := newTestStore(t)
	putIndicator(t, st, "indicator--1", `[domain-name:value = 'bad.example']`)

	n, err := New(st).Sync()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rules, err := st.ListRules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, "bad.example", rules[0].Pattern)
	require.Equal(t, "BLOCK", rules[0].Action)
	require.Equal(t, "EXACT", rules[0].MatchType)
	require.Equal(t, 50, rules[0].Priority)
	require.Equal(t, "threat_intel", rules[0].Source)
}

func TestSyncIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	putIndicator(t, st, "indicator--1", `[domain-name:value = 'bad.example']`)

	s := New(st)
	_, err := s.Sync()
	require.NoError(t, err)
	n, err := s.Sync()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rules, err := st.ListRules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
}

func TestSyncSkipsIndicatorsWithoutDomainPattern(t *testing.T) {
	st := newTestStore(t)
	putIndicator(t, st, "indicator--1", `[ipv4-addr:value = '1.2.3.4']`)

	n, err := New(st).Sync()
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
