package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.AppendEvent(Event{RayID: "RAY-aaaaaaaa", Domain: "example.com", Action: "ALLOW", Score: 0.1, Source: "heuristic", ClientIP: "10.0.0.1", Timestamp: time.Now()}))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	events, err := s2.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "example.com", events[0].Domain)
}

func TestAppendAndRecentEvents(t *testing.T) {
	s := openTestStore(t)

	now := time.Now()
	require.NoError(t, s.AppendEvent(Event{RayID: "RAY-11111111", Domain: "a.com", Action: "BLOCK", Score: 1.0, Source: "admin", ClientIP: "10.0.0.1", Timestamp: now}))
	require.NoError(t, s.AppendEvent(Event{RayID: "RAY-22222222", Domain: "b.com", Action: "ALLOW", Score: 0.0, Source: "heuristic", ClientIP: "10.0.0.1", Timestamp: now.Add(time.Second)}))

	events, err := s.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "b.com", events[0].Domain) // newest first
}

func TestLatestEventForDomain(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.AppendEvent(Event{RayID: "RAY-11111111", Domain: "a.com", Action: "BLOCK", Score: 1.0, Source: "admin", ClientIP: "10.0.0.1", Timestamp: time.Now()}))

	e, err := s.LatestEventForDomain("a.com")
	require.NoError(t, err)
	require.NotNil(t, e)
	require.Equal(t, "BLOCK", e.Action)

	none, err := s.LatestEventForDomain("missing.com")
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestUpsertDeviceActivityAccumulates(t *testing.T) {
	s := openTestStore(t)

	now := time.Now()
	require.NoError(t, s.UpsertDeviceActivity("10.0.0.5", "BLOCK", now))
	require.NoError(t, s.UpsertDeviceActivity("10.0.0.5", "ALLOW", now.Add(time.Minute)))
	require.NoError(t, s.UpsertDeviceActivity("10.0.0.5", "ALLOW", now.Add(2*time.Minute)))

	devices, err := s.Devices(10)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, int64(3), devices[0].QueryCount)
	require.Equal(t, int64(1), devices[0].BlockedCount)
	require.Equal(t, int64(2), devices[0].AllowCount)
}

func TestUpsertRuleByPatternIsIdempotent(t *testing.T) {
	s := openTestStore(t)

	r := Rule{Name: "sync", Pattern: "evil.example", MatchType: "EXACT", Action: "BLOCK", Priority: 50, Source: "threat_intel"}
	id1, err := s.UpsertRuleByPattern(r)
	require.NoError(t, err)

	id2, err := s.UpsertRuleByPattern(r)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	rules, err := s.ListRules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
}

func TestSTIXObjectUpsertReplacesById(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.UpsertCollection(STIXCollection{ID: "zdns-threat-intel", Title: "ZDNS Threat Intel", CanRead: true, CanWrite: true, Created: time.Now()}))

	obj := STIXObject{ID: "indicator--1", CollectionID: "zdns-threat-intel", Type: "indicator", SpecVersion: "2.1", AddedAt: time.Now(), RawJSON: `{"pattern":"[domain-name:value = 'bad.com']"}`}
	require.NoError(t, s.UpsertSTIXObject(obj))

	obj.RawJSON = `{"pattern":"[domain-name:value = 'bad.com']","modified":"later"}`
	require.NoError(t, s.UpsertSTIXObject(obj))

	objs, err := s.ListSTIXObjects("zdns-threat-intel", nil, 10)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	require.Contains(t, objs[0].RawJSON, "later")
}
