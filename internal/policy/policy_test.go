package policy

import (
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zdns.dev/zdns/internal/classifier"
	"zdns.dev/zdns/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, classifier.New("")), st
}

func TestEvaluateFallsBackToClassifierWhenNoRuleMatches(t *testing.T) {
	e, _ := newTestEngine(t)

	d, err := e.Evaluate("google.com", "10.0.0.1", "A")
	require.NoError(t, err)
	require.Equal(t, "ALLOW", d.Action)
	require.Nil(t, d.RuleID)
	require.Regexp(t, `^RAY-[0-9a-f]{8}$`, d.RayID)
}

func TestEvaluateRulePrecedenceLowerPriorityWins(t *testing.T) {
	e, st := newTestEngine(t)

	_, err := st.CreateRule(store.Rule{Name: "r1", Pattern: "evil.com", MatchType: "SUFFIX", Action: "BLOCK", Enabled: true, Priority: 10, Source: "admin"})
	require.NoError(t, err)
	_, err = st.CreateRule(store.Rule{Name: "r2", Pattern: "evil.com", MatchType: "SUFFIX", Action: "WARN", Enabled: true, Priority: 20, Source: "admin"})
	require.NoError(t, err)

	d, err := e.Evaluate("sub.evil.com", "10.0.0.1", "A")
	require.NoError(t, err)
	require.Equal(t, "BLOCK", d.Action)
	require.Equal(t, 1.0, d.Score)
}

func TestEvaluateExpiredRuleNeverMatches(t *testing.T) {
	e, st := newTestEngine(t)

	past := time.Now().Add(-time.Hour)
	_, err := st.CreateRule(store.Rule{Name: "stale", Pattern: "gone.com", MatchType: "EXACT", Action: "BLOCK", Enabled: true, Priority: 1, Source: "admin", ExpiresAt: &past})
	require.NoError(t, err)

	d, err := e.Evaluate("gone.com", "10.0.0.1", "A")
	require.NoError(t, err)
	require.NotEqual(t, "BLOCK", d.Action)
}

func TestEvaluateMalformedRegexNeverMatches(t *testing.T) {
	e, st := newTestEngine(t)

	_, err := st.CreateRule(store.Rule{Name: "bad", Pattern: "([a-z", MatchType: "REGEX", Action: "BLOCK", Enabled: true, Priority: 1, Source: "admin"})
	require.NoError(t, err)

	d, err := e.Evaluate("whatever.com", "10.0.0.1", "A")
	require.NoError(t, err)
	require.NotEqual(t, "BLOCK", d.Action)
}

func TestEvaluateThreatIntelSourceReported(t *testing.T) {
	e, st := newTestEngine(t)

	_, err := st.CreateRule(store.Rule{Name: "ti", Pattern: "bad.example", MatchType: "EXACT", Action: "BLOCK", Enabled: true, Priority: 50, Source: "threat_intel"})
	require.NoError(t, err)

	d, err := e.Evaluate("bad.example", "10.0.0.1", "A")
	require.NoError(t, err)
	require.Equal(t, "threat_intel", d.Source)
}

func TestEvaluateRecordsExactlyOneEvent(t *testing.T) {
	e, st := newTestEngine(t)

	_, err := e.Evaluate("example.com", "10.0.0.2", "A")
	require.NoError(t, err)

	events, err := st.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestActionForScoreThresholds(t *testing.T) {
	require.Equal(t, "ALLOW", actionForScore(0.59))
	require.Equal(t, "WARN", actionForScore(0.6))
	require.Equal(t, "WARN", actionForScore(0.89))
	require.Equal(t, "BLOCK", actionForScore(0.9))
}

func TestMatchesSuffixVsExact(t *testing.T) {
	r := store.Rule{Enabled: true, Pattern: "example.com", MatchType: "SUFFIX"}
	require.True(t, matches(r, "ads.example.com", noCompile))
	require.True(t, matches(r, "example.com", noCompile))
	require.False(t, matches(r, "notexample.com", noCompile))
}

func noCompile(string) (*regexp.Regexp, bool) { return nil, false }
