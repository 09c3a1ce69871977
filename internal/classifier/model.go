package classifier

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
)

// model is a self-contained JSON export of a character-n-gram TF-IDF +
// multinomial naive-Bayes pipeline: the vocabulary, per-term IDF weights,
// and the per-class feature log-probabilities and priors a fitted
// sklearn-style pipeline produces. This is the artifact format ZDNS's model
// trainer (an opaque batch job, out of scope here) is expected to emit;
// the loader treats it as the contract, not the trainer's internals.
type model struct {
	NGram          int                `json:"ngram"`
	Vocabulary     map[string]int     `json:"vocabulary"`
	IDF            []float64          `json:"idf"`
	Classes        []string           `json:"classes"`
	FeatureLogProb [][]float64        `json:"feature_log_prob"` // [class][vocab]
	ClassLogPrior  []float64          `json:"class_log_prior"`
	malIndex       int
}

func loadModel(path string) (*model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("classifier: read model %s: %w", path, err)
	}

	var m model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("classifier: parse model %s: %w", path, err)
	}

	if len(m.Classes) == 0 || len(m.FeatureLogProb) != len(m.Classes) {
		return nil, fmt.Errorf("classifier: model %s has malformed class/feature dimensions", path)
	}

	m.malIndex = 1
	if m.malIndex >= len(m.Classes) {
		m.malIndex = 0
	}
	for i, cls := range m.Classes {
		switch strings.ToLower(cls) {
		case "dga", "malicious", "malware", "1":
			m.malIndex = i
		}
	}

	return &m, nil
}

// ngrams splits domain into overlapping character n-grams of size m.NGram
// (falling back to the whole string if it is shorter than one n-gram).
func (m *model) ngrams(domain string) []string {
	n := m.NGram
	if n <= 0 {
		n = 3
	}
	if len(domain) <= n {
		return []string{domain}
	}
	grams := make([]string, 0, len(domain)-n+1)
	for i := 0; i+n <= len(domain); i++ {
		grams = append(grams, domain[i:i+n])
	}
	return grams
}

// tfidf builds a sparse term-frequency*IDF vector over m's vocabulary for
// domain's n-grams.
func (m *model) tfidf(domain string) map[int]float64 {
	counts := make(map[int]int)
	for _, g := range m.ngrams(domain) {
		if idx, ok := m.Vocabulary[g]; ok {
			counts[idx]++
		}
	}

	vec := make(map[int]float64, len(counts))
	for idx, c := range counts {
		idf := 1.0
		if idx < len(m.IDF) {
			idf = m.IDF[idx]
		}
		vec[idx] = float64(c) * idf
	}
	return vec
}

// predictProba computes per-class probabilities via the standard
// multinomial naive-Bayes log-score, normalized with a softmax over classes.
func (m *model) predictProba(domain string) []float64 {
	vec := m.tfidf(domain)

	logScores := make([]float64, len(m.Classes))
	for c := range m.Classes {
		score := 0.0
		if c < len(m.ClassLogPrior) {
			score = m.ClassLogPrior[c]
		}
		row := m.FeatureLogProb[c]
		for idx, weight := range vec {
			if idx < len(row) {
				score += weight * row[idx]
			}
		}
		logScores[c] = score
	}

	return softmax(logScores)
}

func softmax(logScores []float64) []float64 {
	max := logScores[0]
	for _, v := range logScores[1:] {
		if v > max {
			max = v
		}
	}

	sum := 0.0
	exp := make([]float64, len(logScores))
	for i, v := range logScores {
		e := math.Exp(v - max)
		exp[i] = e
		sum += e
	}

	out := make([]float64, len(logScores))
	for i, e := range exp {
		if sum == 0 {
			out[i] = 1.0 / float64(len(logScores))
			continue
		}
		out[i] = e / sum
	}
	return out
}
