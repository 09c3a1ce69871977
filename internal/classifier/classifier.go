// Package classifier implements ZDNS's domain classifier (C2): a trained
// TF-IDF/naive-Bayes model when available, with a deterministic heuristic
// fallback when it is not.
package classifier

import (
	"strings"
	"sync"

	"zdns.dev/zdns/internal/logging"
)

// Result is one classification, independent of how it was produced.
type Result struct {
	Label    string   `json:"label"` // BENIGN | SUSPICIOUS | MALICIOUS
	Score    float64  `json:"score"`
	Features Features `json:"features"`
	Source   string   `json:"source"` // model | heuristic | heuristic_fallback
}

// Classifier classifies a domain, loading its model artifact at most once.
type Classifier struct {
	mu    sync.Mutex
	model *model
}

// New returns a Classifier. If modelPath is empty, the classifier runs in
// heuristic-only mode, reporting source "heuristic" immediately. Otherwise
// the artifact is loaded once, here, and, if that fails, every call also
// reports "heuristic".
func New(modelPath string) *Classifier {
	c := &Classifier{}
	if modelPath == "" {
		return c
	}

	m, err := loadModel(modelPath)
	if err != nil {
		logging.Warn("[classifier] model unavailable (%v); using heuristic baseline", err)
		return c
	}
	c.model = m
	return c
}

// Classify normalizes domain (lowercase, trim trailing dot) and returns its
// classification. Inference errors never propagate — they downgrade the
// result to source "heuristic_fallback".
func (c *Classifier) Classify(domain string) Result {
	domain = normalize(domain)

	if c.model == nil {
		return heuristicResult(domain, "heuristic")
	}

	return c.classifyWithModel(domain)
}

func (c *Classifier) classifyWithModel(domain string) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warn("[classifier] inference panic for %q: %v; falling back", domain, r)
			result = heuristicResult(domain, "heuristic_fallback")
		}
	}()

	probs := c.model.predictProba(domain)
	if c.model.malIndex >= len(probs) {
		return heuristicResult(domain, "heuristic_fallback")
	}

	score := round4(probs[c.model.malIndex])
	return Result{
		Label:    labelForScore(score),
		Score:    score,
		Features: extractFeatures(payload(domain)),
		Source:   "model",
	}
}

func normalize(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	return strings.TrimSuffix(domain, ".")
}
