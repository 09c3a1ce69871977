package classifier

import (
	"math"
	"strings"
)

// Features are the handful of lexical signals the heuristic scorer and the
// model's reported feature map both expose.
type Features struct {
	Length     int     `json:"length"`
	Entropy    float64 `json:"entropy"`
	DigitRatio float64 `json:"digit_ratio"`
	VowelRatio float64 `json:"vowel_ratio"`
}

// payload returns the leftmost label of domain — everything before the
// first '.' — the substring the heuristic scorer and feature extraction
// operate on.
func payload(domain string) string {
	if idx := strings.IndexByte(domain, '.'); idx >= 0 {
		return domain[:idx]
	}
	return domain
}

func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	counts := make(map[rune]int, len(s))
	for _, r := range s {
		counts[r]++
	}
	n := float64(len(s))
	var h float64
	for _, c := range counts {
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

func extractFeatures(p string) Features {
	length := len(p)
	if length == 0 {
		return Features{}
	}

	var digits, vowels int
	for _, r := range p {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == 'a' || r == 'e' || r == 'i' || r == 'o' || r == 'u':
			vowels++
		}
	}

	return Features{
		Length:     length,
		Entropy:    shannonEntropy(p),
		DigitRatio: float64(digits) / float64(length),
		VowelRatio: float64(vowels) / float64(length),
	}
}

// heuristicScore implements spec §4.1's deterministic fallback scorer:
// score = clamp(0, 0.99, h(H) + l(L) + d(D) + v(V)).
func heuristicScore(f Features) float64 {
	var score float64

	switch {
	case f.Entropy > 3.5:
		score += 0.4
	case f.Entropy > 2.5:
		score += 0.2
	}

	switch {
	case f.Length > 20:
		score += 0.3
	case f.Length > 12:
		score += 0.1
	}

	if f.DigitRatio > 0.3 {
		score += 0.3
	}

	if f.VowelRatio < 0.15 {
		score += 0.2
	}

	if score > 0.99 {
		score = 0.99
	}
	if score < 0 {
		score = 0
	}

	return round4(score)
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}

// labelForScore applies the reporting-only thresholds §4.1 documents the
// classifier using for its own label string (the policy engine applies the
// same thresholds independently to derive Decision.Action).
func labelForScore(score float64) string {
	switch {
	case score >= 0.9:
		return "MALICIOUS"
	case score >= 0.6:
		return "SUSPICIOUS"
	default:
		return "BENIGN"
	}
}

func heuristicResult(domain, source string) Result {
	f := extractFeatures(payload(domain))
	score := heuristicScore(f)
	return Result{
		Label:    labelForScore(score),
		Score:    score,
		Features: f,
		Source:   source,
	}
}
