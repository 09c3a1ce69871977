package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeuristicScoreFormula(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"benign short word", "google"},
		{"long high entropy digits", "x82j291sqkzlaoeiru93"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := extractFeatures(tc.payload)
			score := heuristicScore(f)
			assert.GreaterOrEqual(t, score, 0.0)
			assert.LessOrEqual(t, score, 0.99)
		})
	}
}

func TestHeuristicScoreMonotonicExample(t *testing.T) {
	// "google" is short, low entropy, no digits, plenty of vowels: should
	// score well under the WARN threshold.
	c := New("")
	r := c.Classify("google.com")
	assert.Equal(t, "heuristic", r.Source)
	assert.Less(t, r.Score, 0.6)
	assert.Equal(t, "BENIGN", r.Label)
}

func TestHeuristicScoreHighEntropyDigits(t *testing.T) {
	c := New("")
	r := c.Classify("x7q9z2k4m8p1wqslo.net")
	assert.Equal(t, "heuristic", r.Source)
	assert.Greater(t, r.Score, 0.0)
}

func TestNormalizeStripsDotAndCase(t *testing.T) {
	assert.Equal(t, "example.com", normalize("EXAMPLE.COM."))
}

func TestPayloadTakesFirstLabel(t *testing.T) {
	assert.Equal(t, "foo", payload("foo.bar.com"))
	assert.Equal(t, "foo", payload("foo"))
}

func TestLabelForScoreThresholds(t *testing.T) {
	assert.Equal(t, "BENIGN", labelForScore(0.59))
	assert.Equal(t, "SUSPICIOUS", labelForScore(0.61))
	assert.Equal(t, "MALICIOUS", labelForScore(0.95))
}

func TestEntropyKnownValue(t *testing.T) {
	// "aaaa" has zero entropy (single symbol).
	assert.Equal(t, 0.0, shannonEntropy("aaaa"))
	assert.Greater(t, shannonEntropy("abcd"), 1.9)
}

func TestMissingModelPathFallsBackToHeuristic(t *testing.T) {
	c := New("/nonexistent/path/model.json")
	require.Nil(t, c.model)
	r := c.Classify("example.com")
	assert.Equal(t, "heuristic", r.Source)
}
