// Package rpz renders ZDNS's rule set as a DNS Response Policy Zone (C9):
// a text zone file that encodes BLOCK/WARN/ALLOW decisions as CNAMEs for
// consumption by external authoritative resolvers.
package rpz

import (
	"fmt"
	"strings"
	"time"

	"zdns.dev/zdns/internal/store"
)

// Options configures one zone render.
type Options struct {
	Zone            string
	Sinkhole        string
	IncludeDisabled bool
}

// Render builds the zone file text for rules. Rules are expected in the
// order the caller wants them to appear (store.ListRules's priority-then-id
// order is a reasonable default).
func Render(rules []store.Rule, opts Options) string {
	zone := opts.Zone
	if zone == "" {
		zone = "zdns.local"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "$TTL 60\n")
	fmt.Fprintf(&b, "@ IN SOA localhost. hostmaster.%s. %s 60 60 60 60\n", zone, time.Now().UTC().Format("2006010215"))
	fmt.Fprintf(&b, "@ IN NS localhost.\n")

	for _, r := range rules {
		if !r.Enabled && !opts.IncludeDisabled {
			continue
		}
		if strings.EqualFold(r.MatchType, "REGEX") {
			continue
		}
		if !isValidZoneHostname(r.Pattern) {
			continue
		}

		target, ok := targetFor(r.Action, opts.Sinkhole)
		if !ok {
			continue
		}

		for _, owner := range owners(r) {
			fmt.Fprintf(&b, "%s CNAME %s\n", owner, target)
		}
	}

	return b.String()
}

func owners(r store.Rule) []string {
	switch strings.ToUpper(r.MatchType) {
	case "EXACT":
		return []string{r.Pattern}
	case "SUFFIX":
		return []string{r.Pattern, "*." + r.Pattern}
	default:
		return nil
	}
}

func targetFor(action, sinkhole string) (string, bool) {
	switch strings.ToUpper(action) {
	case "BLOCK":
		return ".", true
	case "WARN":
		if sinkhole == "" {
			return "", false
		}
		return sinkhole, true
	case "ALLOW":
		return "rpz-passthru.", true
	default:
		return "", false
	}
}

// isValidZoneHostname rejects patterns that cannot appear as an RPZ owner
// name (wildcards, empty labels, control characters).
func isValidZoneHostname(pattern string) bool {
	if pattern == "" || len(pattern) > 255 {
		return false
	}
	for _, label := range strings.Split(pattern, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for _, c := range label {
			if c == '*' || c < 0x20 || c == 0x7f {
				return false
			}
		}
	}
	return true
}
