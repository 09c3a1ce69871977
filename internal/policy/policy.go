// Package policy implements ZDNS's policy engine (C3): it merges admin
// rules, imported lists, threat-intel indicators, and the classifier into a
// single Decision per domain.
package policy

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"zdns.dev/zdns/internal/classifier"
	"zdns.dev/zdns/internal/logging"
	"zdns.dev/zdns/internal/store"
)

// Decision is the single outcome Evaluate always produces.
type Decision struct {
	Action    string    `json:"action"` // ALLOW | WARN | BLOCK
	Score     float64   `json:"score"`
	Label     string    `json:"label"`
	Source    string    `json:"source"`
	RayID     string    `json:"ray_id"`
	Timestamp time.Time `json:"timestamp"`
	RuleID    *int64    `json:"rule_id,omitempty"`
}

// Engine evaluates domains against the store's rule set and the classifier,
// and records every decision as an event + device update.
type Engine struct {
	store      *store.Store
	classifier *classifier.Classifier

	mu          sync.Mutex
	regexCache  map[string]*regexp.Regexp
}

// New builds an Engine over st and clf.
func New(st *store.Store, clf *classifier.Classifier) *Engine {
	return &Engine{
		store:      st,
		classifier: clf,
		regexCache: make(map[string]*regexp.Regexp),
	}
}

// Evaluate implements §4.2: normalize, scan rules in (priority ASC, id ASC)
// order, fall back to the classifier, then record the outcome.
func (e *Engine) Evaluate(domain, clientIP, qtype string) (Decision, error) {
	domain = normalize(domain)
	now := time.Now().UTC()

	decision := Decision{
		RayID:     newRayID(),
		Timestamp: now,
	}

	rules, err := e.store.ListRules()
	if err != nil {
		return Decision{}, err
	}

	var matchedRuleID *int64
	if rule, ok := firstMatch(rules, domain, now, e.compileRegex); ok {
		decision.Action = rule.Action
		decision.Label = "ADMIN_RULE"
		decision.Score = ruleScore(rule.Action)
		if rule.Source == "threat_intel" {
			decision.Source = "threat_intel"
		} else {
			decision.Source = "admin"
		}
		id := rule.ID
		matchedRuleID = &id
		decision.RuleID = matchedRuleID
	} else {
		result := e.classifier.Classify(domain)
		decision.Action = actionForScore(result.Score)
		decision.Score = result.Score
		decision.Label = result.Label
		decision.Source = result.Source
	}

	if err := e.record(domain, clientIP, qtype, decision); err != nil {
		logging.Warn("[policy] failed to record decision for %s: %v", domain, err)
	}

	return decision, nil
}

func (e *Engine) record(domain, clientIP, qtype string, d Decision) error {
	ev := store.Event{
		RayID:     d.RayID,
		Domain:    domain,
		Score:     d.Score,
		Action:    d.Action,
		Timestamp: d.Timestamp,
		Source:    d.Source,
		ClientIP:  clientIP,
		RuleID:    d.RuleID,
		Label:     d.Label,
		QType:     qtype,
	}
	if d.RuleID != nil {
		ev.RuleAction = d.Action
	}

	if err := e.store.AppendEvent(ev); err != nil {
		return err
	}
	return e.store.UpsertDeviceActivity(clientIP, d.Action, d.Timestamp)
}

func (e *Engine) compileRegex(pattern string) (*regexp.Regexp, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if re, ok := e.regexCache[pattern]; ok {
		return re, re != nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		e.regexCache[pattern] = nil
		return nil, false
	}
	e.regexCache[pattern] = re
	return re, true
}

// firstMatch scans rules in (priority ASC, id ASC) order (the order
// ListRules already returns) and returns the first enabled, unexpired rule
// that matches domain.
func firstMatch(rules []store.Rule, domain string, now time.Time, compile func(string) (*regexp.Regexp, bool)) (store.Rule, bool) {
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
			continue
		}
		if matches(r, domain, compile) {
			return r, true
		}
	}
	return store.Rule{}, false
}

func matches(r store.Rule, domain string, compile func(string) (*regexp.Regexp, bool)) bool {
	switch strings.ToUpper(r.MatchType) {
	case "EXACT":
		return domain == r.Pattern
	case "SUFFIX":
		return domain == r.Pattern || strings.HasSuffix(domain, "."+r.Pattern)
	case "REGEX":
		re, ok := compile(r.Pattern)
		if !ok {
			return false
		}
		return re.MatchString(domain)
	default:
		return false
	}
}

func ruleScore(action string) float64 {
	switch action {
	case "BLOCK":
		return 1.0
	case "WARN":
		return 0.7
	default:
		return 0.0
	}
}

// actionForScore applies the labeling thresholds: score>=0.9 -> BLOCK,
// >=0.6 -> WARN, else ALLOW.
func actionForScore(score float64) string {
	switch {
	case score >= 0.9:
		return "BLOCK"
	case score >= 0.6:
		return "WARN"
	default:
		return "ALLOW"
	}
}

func normalize(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	return strings.TrimSuffix(domain, ".")
}

// newRayID generates the RAY-<8 hex> correlation token from a UUIDv4 prefix.
func newRayID() string {
	id := uuid.New().String()
	hex := strings.ReplaceAll(id, "-", "")
	return "RAY-" + hex[:8]
}
