// Package feeds implements ZDNS's external threat-intel ingestion (C5):
// OTX, MISP, and plain hosts-style blocklists/whitelists, all projected into
// the zdns-threat-intel STIX collection or directly into rules.
package feeds

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"zdns.dev/zdns/internal/store"
)

const threatIntelCollection = "zdns-threat-intel"

var hostnameLabel = regexp.MustCompile(`^[a-z0-9-]+$`)

// indicator builds a minimal STIX 2.1 indicator object for domain, tagged
// with its ingestion source, in the shape internal/sync reads back (a
// "[domain-name:value = '<domain>']" pattern).
func indicator(domain, source string) json.RawMessage {
	now := time.Now().UTC().Format(time.RFC3339)
	obj := map[string]any{
		"type":         "indicator",
		"spec_version": "2.1",
		"id":           "indicator--" + uuid.New().String(),
		"created":      now,
		"modified":     now,
		"name":         fmt.Sprintf("%s domain indicator", source),
		"pattern":      fmt.Sprintf("[domain-name:value = '%s']", domain),
		"pattern_type": "stix",
		"valid_from":   now,
		"labels":       []string{"malicious-activity"},
		"indicator_types": []string{"malicious-activity"},
		"x_zdns_source": source,
	}
	raw, _ := json.Marshal(obj)
	return raw
}

// addObjectsFunc matches stix.Server.AddObjects's signature, so feeds can be
// ingested without importing the stix package directly (stix.PullRemote
// takes a callback of the same shape).
type addObjectsFunc func(collectionID string, objects []json.RawMessage) (int, error)

// PullOTX fetches domain indicators from AlienVault OTX's export endpoint
// and ingests them into the threat-intel collection.
func PullOTX(apiKey string, limit int, addObjects addObjectsFunc) (int, error) {
	req, err := http.NewRequest(http.MethodGet, "https://otx.alienvault.com/api/v1/indicators/export", nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("X-OTX-API-KEY", apiKey)
	q := url.Values{"type": {"domain"}, "limit": {fmt.Sprintf("%d", limit)}}
	req.URL.RawQuery = q.Encode()

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("feeds: otx request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("feeds: otx returned %d", resp.StatusCode)
	}

	var raw any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return 0, fmt.Errorf("feeds: decode otx response: %w", err)
	}

	domains := extractOTXDomains(raw)
	objects := make([]json.RawMessage, 0, len(domains))
	for _, d := range domains {
		objects = append(objects, indicator(d, "otx"))
	}
	return addObjects(threatIntelCollection, objects)
}

// extractOTXDomains handles OTX's three observed export shapes: a list of
// dicts, a list of plain strings, or a dict with a "results" list.
func extractOTXDomains(raw any) []string {
	var domains []string

	extract := func(item map[string]any) (string, bool) {
		for _, key := range []string{"indicator", "domain", "value"} {
			if v, ok := item[key]; ok {
				if s, ok := v.(string); ok && s != "" {
					return s, true
				}
			}
		}
		return "", false
	}

	switch v := raw.(type) {
	case []any:
		for _, item := range v {
			switch t := item.(type) {
			case map[string]any:
				if d, ok := extract(t); ok {
					domains = append(domains, d)
				}
			case string:
				domains = append(domains, t)
			}
		}
	case map[string]any:
		if results, ok := v["results"].([]any); ok {
			for _, item := range results {
				if t, ok := item.(map[string]any); ok {
					if d, ok := extract(t); ok {
						domains = append(domains, d)
					}
				}
			}
		}
	}
	return domains
}

// PullMISP fetches domain attributes from a MISP instance's restSearch API
// and ingests them into the threat-intel collection.
func PullMISP(baseURL, apiKey string, limit int, addObjects addObjectsFunc) (int, error) {
	payload := map[string]any{
		"type":         []string{"domain", "hostname", "domain|ip"},
		"limit":        limit,
		"returnFormat": "json",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequest(http.MethodPost, strings.TrimSuffix(baseURL, "/")+"/attributes/restSearch", strings.NewReader(string(body)))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("feeds: misp request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("feeds: misp returned %d", resp.StatusCode)
	}

	var parsed struct {
		Response struct {
			Attribute []struct {
				Value string `json:"value"`
			} `json:"Attribute"`
		} `json:"response"`
		Attribute []struct {
			Value string `json:"value"`
		} `json:"Attribute"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("feeds: decode misp response: %w", err)
	}

	attrs := parsed.Response.Attribute
	if len(attrs) == 0 {
		attrs = parsed.Attribute
	}

	objects := make([]json.RawMessage, 0, len(attrs))
	for _, a := range attrs {
		if a.Value == "" {
			continue
		}
		val := a.Value
		if idx := strings.Index(val, "|"); idx >= 0 {
			val = val[:idx]
		}
		objects = append(objects, indicator(val, "misp"))
	}
	return addObjects(threatIntelCollection, objects)
}

// PullListSource fetches src.URL as a hosts-style text list and upserts one
// SUFFIX rule per extracted domain: BLOCK/priority 100 for blocklists, ALLOW
// /priority 1 for whitelists. It records the outcome on src via st before
// returning.
func PullListSource(st *store.Store, src store.ListSource) (imported int, pullErr error) {
	now := time.Now().UTC()
	defer func() {
		errMsg := ""
		importedAt := &now
		if pullErr != nil {
			errMsg = pullErr.Error()
			importedAt = src.LastImported
		}
		_ = st.RecordListSourceOutcome(src.ID, &now, importedAt, errMsg)
	}()

	resp, err := http.Get(src.URL)
	if err != nil {
		pullErr = fmt.Errorf("feeds: fetch %s: %w", src.URL, err)
		return 0, pullErr
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		pullErr = fmt.Errorf("feeds: %s returned %d", src.URL, resp.StatusCode)
		return 0, pullErr
	}

	var buf strings.Builder
	if _, err := io.Copy(&buf, io.LimitReader(resp.Body, 16<<20)); err != nil {
		pullErr = fmt.Errorf("feeds: read %s: %w", src.URL, err)
		return 0, pullErr
	}

	name := src.Name
	if name == "" {
		name = src.URL
	}

	for _, line := range strings.Split(buf.String(), "\n") {
		domain, ok := extractDomain(line)
		if !ok {
			continue
		}
		if err := applyDomain(st, domain, src.ListType, name); err == nil {
			imported++
		}
	}
	return imported, nil
}

func applyDomain(st *store.Store, domain, listType, source string) error {
	rule := store.Rule{
		Pattern:   domain,
		MatchType: "SUFFIX",
		Enabled:   true,
		Notes:     "source:" + source,
		Source:    "list",
	}
	if strings.EqualFold(listType, "whitelist") {
		rule.Name = "allow " + domain
		rule.Action = "ALLOW"
		rule.Priority = 1
	} else {
		rule.Name = "block " + domain
		rule.Action = "BLOCK"
		rule.Priority = 100
	}
	_, err := st.UpsertRuleByPattern(rule)
	return err
}

// extractDomain parses one hosts-list line per §4.6: skips blank/comment
// lines, strips a leading 0.0.0.0/127.0.0.1 sinkhole column, resolves a bare
// URL to its hostname, and validates the remainder as a DNS hostname.
func extractDomain(line string) (string, bool) {
	raw := strings.TrimSpace(line)
	if raw == "" {
		return "", false
	}
	if strings.HasPrefix(raw, "#") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, ";") {
		return "", false
	}

	if strings.HasPrefix(raw, "0.0.0.0") || strings.HasPrefix(raw, "127.0.0.1") {
		fields := strings.Fields(raw)
		if len(fields) >= 2 {
			raw = fields[1]
		}
	}

	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" {
			return "", false
		}
		raw = u.Hostname()
	}

	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return "", false
	}
	raw = strings.SplitN(fields[0], ",", 2)[0]
	raw = strings.ToLower(strings.TrimSuffix(raw, "."))

	if !isValidHostname(raw) {
		return "", false
	}
	return raw, true
}

func isValidHostname(name string) bool {
	if name == "" || len(name) > 255 {
		return false
	}
	if strings.Contains(name, "://") || strings.Contains(name, "/") || strings.Contains(name, "@") {
		return false
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return false
		}
		if !hostnameLabel.MatchString(label) {
			return false
		}
	}
	return true
}
