package api

import (
	"encoding/json"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"gopkg.in/yaml.v3"

	zerrors "zdns.dev/zdns/internal/errors"
	"zdns.dev/zdns/internal/feeds"
	"zdns.dev/zdns/internal/rpz"
	"zdns.dev/zdns/internal/store"
)

type decisionRequest struct {
	Domain   string `json:"domain"`
	ClientIP string `json:"client_ip,omitempty"`
	QType    string `json:"qtype,omitempty"`
}

type decisionResponse struct {
	Action    string  `json:"action"`
	RayID     string  `json:"ray_id"`
	Timestamp string  `json:"timestamp"`
	Score     float64 `json:"score"`
	Label     string  `json:"label"`
	Source    string  `json:"source"`
	Redirect  string  `json:"redirect,omitempty"`
}

// handleDNSQuery implements §4.4: evaluate, record, respond. Exactly one
// event is emitted per call via the policy engine.
func (s *Server) handleDNSQuery(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Domain == "" {
		writeErr(w, zerrors.New(zerrors.KindInputInvalid, "domain is required"))
		return
	}

	decision, err := s.engine.Evaluate(req.Domain, req.ClientIP, req.QType)
	if err != nil {
		writeErr(w, zerrors.Wrap(err, zerrors.KindStoreError, "evaluate decision"))
		return
	}

	resp := decisionResponse{
		Action:    decision.Action,
		RayID:     decision.RayID,
		Timestamp: decision.Timestamp.UTC().Format(time.RFC3339),
		Score:     decision.Score,
		Label:     decision.Label,
		Source:    decision.Source,
	}

	switch decision.Action {
	case "BLOCK":
		resp.Redirect = "/block/malicious?domain=" + req.Domain + "&ray_id=" + decision.RayID
	case "WARN":
		resp.Redirect = "/block/warning?domain=" + req.Domain + "&ray_id=" + decision.RayID
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	events, err := s.store.RecentEvents(limit)
	if err != nil {
		writeErr(w, zerrors.Wrap(err, zerrors.KindStoreError, "list events"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	window := time.Duration(s.cfg.Device.ActiveWindowMinutes) * time.Minute
	m, err := s.store.Metrics(window)
	if err != nil {
		writeErr(w, zerrors.Wrap(err, zerrors.KindStoreError, "compute metrics"))
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.Analytics(10)
	if err != nil {
		writeErr(w, zerrors.Wrap(err, zerrors.KindStoreError, "compute analytics"))
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	devices, err := s.store.Devices(limit)
	if err != nil {
		writeErr(w, zerrors.Wrap(err, zerrors.KindStoreError, "list devices"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.store.ListRules()
	if err != nil {
		writeErr(w, zerrors.Wrap(err, zerrors.KindStoreError, "list rules"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule store.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil || rule.Pattern == "" || rule.MatchType == "" || rule.Action == "" {
		writeErr(w, zerrors.New(zerrors.KindInputInvalid, "pattern, match_type and action are required"))
		return
	}

	id, err := s.store.CreateRule(rule)
	if err != nil {
		writeErr(w, zerrors.Wrap(err, zerrors.KindStoreError, "create rule"))
		return
	}

	s.audit("create", "rule:"+strconv.FormatInt(id, 10))
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "id")
	if !ok {
		writeErr(w, zerrors.New(zerrors.KindInputInvalid, "invalid rule id"))
		return
	}

	var rule store.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeErr(w, zerrors.New(zerrors.KindInputInvalid, "invalid body"))
		return
	}

	if err := s.store.UpdateRule(id, rule); err != nil {
		writeErr(w, zerrors.Wrap(err, zerrors.KindStoreError, "update rule"))
		return
	}

	s.audit("update", "rule:"+strconv.FormatInt(id, 10))
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "id")
	if !ok {
		writeErr(w, zerrors.New(zerrors.KindInputInvalid, "invalid rule id"))
		return
	}
	if err := s.store.DeleteRule(id); err != nil {
		writeErr(w, zerrors.Wrap(err, zerrors.KindStoreError, "delete rule"))
		return
	}
	s.audit("delete", "rule:"+strconv.FormatInt(id, 10))
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// handleRPZ implements §4.8.
func (s *Server) handleRPZ(w http.ResponseWriter, r *http.Request) {
	rules, err := s.store.ListRules()
	if err != nil {
		writeErr(w, zerrors.Wrap(err, zerrors.KindStoreError, "list rules"))
		return
	}

	opts := rpz.Options{
		Zone:            r.URL.Query().Get("zone"),
		Sinkhole:        r.URL.Query().Get("sinkhole"),
		IncludeDisabled: r.URL.Query().Get("include_disabled") == "true",
	}
	if opts.Sinkhole == "" {
		opts.Sinkhole = s.cfg.RPZ.Sinkhole
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(rpz.Render(rules, opts)))
}

// ruleBackup is the YAML-friendly rule shape for bulk export/import, used
// by administrators to back up or bulk-edit a rule set outside the CRUD API.
type ruleBackup struct {
	Name      string `yaml:"name"`
	Pattern   string `yaml:"pattern"`
	MatchType string `yaml:"match_type"`
	Action    string `yaml:"action"`
	Enabled   bool   `yaml:"enabled"`
	Priority  int    `yaml:"priority"`
	Notes     string `yaml:"notes,omitempty"`
	Source    string `yaml:"source,omitempty"`
}

// handleExportRulesYAML dumps the current rule set as YAML for offline
// backup or bulk editing.
func (s *Server) handleExportRulesYAML(w http.ResponseWriter, r *http.Request) {
	rules, err := s.store.ListRules()
	if err != nil {
		writeErr(w, zerrors.Wrap(err, zerrors.KindStoreError, "list rules"))
		return
	}

	backups := make([]ruleBackup, 0, len(rules))
	for _, rule := range rules {
		backups = append(backups, ruleBackup{
			Name: rule.Name, Pattern: rule.Pattern, MatchType: rule.MatchType,
			Action: rule.Action, Enabled: rule.Enabled, Priority: rule.Priority,
			Notes: rule.Notes, Source: rule.Source,
		})
	}

	w.Header().Set("Content-Type", "application/yaml")
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	enc.Encode(map[string]any{"rules": backups})
}

// handleImportRulesYAML upserts a YAML-encoded rule set by (pattern,
// match_type), the same idempotent keying the rule synchronizer uses.
func (s *Server) handleImportRulesYAML(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Rules []ruleBackup `yaml:"rules"`
	}
	if err := yaml.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, zerrors.New(zerrors.KindInputInvalid, "invalid yaml body"))
		return
	}

	imported := 0
	for _, rb := range body.Rules {
		if rb.Pattern == "" || rb.MatchType == "" || rb.Action == "" {
			continue
		}
		if _, err := s.store.UpsertRuleByPattern(store.Rule{
			Name: rb.Name, Pattern: rb.Pattern, MatchType: rb.MatchType,
			Action: rb.Action, Enabled: rb.Enabled, Priority: rb.Priority,
			Notes: rb.Notes, Source: rb.Source,
		}); err != nil {
			continue
		}
		imported++
	}

	s.audit("import", "rules:yaml")
	writeJSON(w, http.StatusOK, map[string]any{"imported": imported})
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.store.ListListSources()
	if err != nil {
		writeErr(w, zerrors.Wrap(err, zerrors.KindStoreError, "list sources"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

func (s *Server) handleCreateListSource(w http.ResponseWriter, r *http.Request) {
	var src store.ListSource
	if err := json.NewDecoder(r.Body).Decode(&src); err != nil || src.URL == "" || src.ListType == "" {
		writeErr(w, zerrors.New(zerrors.KindInputInvalid, "url and list_type are required"))
		return
	}
	id, err := s.store.CreateListSource(src)
	if err != nil {
		writeErr(w, zerrors.Wrap(err, zerrors.KindStoreError, "create list source"))
		return
	}
	s.audit("create", "list_source:"+strconv.FormatInt(id, 10))
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

func (s *Server) handleUpdateListSource(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "id")
	if !ok {
		writeErr(w, zerrors.New(zerrors.KindInputInvalid, "invalid list source id"))
		return
	}
	var src store.ListSource
	if err := json.NewDecoder(r.Body).Decode(&src); err != nil {
		writeErr(w, zerrors.New(zerrors.KindInputInvalid, "invalid body"))
		return
	}
	if err := s.store.UpdateListSource(id, src); err != nil {
		writeErr(w, zerrors.Wrap(err, zerrors.KindStoreError, "update list source"))
		return
	}
	s.audit("update", "list_source:"+strconv.FormatInt(id, 10))
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

func (s *Server) handleDeleteListSource(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(r, "id")
	if !ok {
		writeErr(w, zerrors.New(zerrors.KindInputInvalid, "invalid list source id"))
		return
	}
	if err := s.store.DeleteListSource(id); err != nil {
		writeErr(w, zerrors.Wrap(err, zerrors.KindStoreError, "delete list source"))
		return
	}
	s.audit("delete", "list_source:"+strconv.FormatInt(id, 10))
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handlePullLists(w http.ResponseWriter, r *http.Request) {
	sources, err := s.store.ListListSources()
	if err != nil {
		writeErr(w, zerrors.Wrap(err, zerrors.KindStoreError, "list sources"))
		return
	}

	total := 0
	var errs []map[string]any
	enabled := 0
	for _, src := range sources {
		if !src.Enabled {
			continue
		}
		enabled++
		imported, pullErr := feeds.PullListSource(s.store, src)
		total += imported
		if pullErr != nil {
			errs = append(errs, map[string]any{"id": src.ID, "error": pullErr.Error()})
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"sources": enabled, "imported": total, "errors": errs})
}

func (s *Server) handleListStatus(w http.ResponseWriter, r *http.Request) {
	sources, err := s.store.ListListSources()
	if err != nil {
		writeErr(w, zerrors.Wrap(err, zerrors.KindStoreError, "list sources"))
		return
	}

	var lastFetched *time.Time
	var totalImported int64
	for _, src := range sources {
		if src.LastFetched != nil && (lastFetched == nil || src.LastFetched.After(*lastFetched)) {
			lastFetched = src.LastFetched
		}
		if src.LastImported != nil {
			totalImported++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_sources":  len(sources),
		"last_fetched":   lastFetched,
		"last_imported":  totalImported,
	})
}

func (s *Server) handlePullOTX(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Feeds.OTXAPIKey == "" {
		writeJSON(w, http.StatusOK, map[string]any{"added": 0, "skipped": "ZDNS_OTX_API_KEY not set"})
		return
	}
	added, err := feeds.PullOTX(s.cfg.Feeds.OTXAPIKey, 1000, s.stix.AddObjects)
	if err != nil {
		writeErr(w, zerrors.Wrap(err, zerrors.KindExternalTimeout, "pull otx feed"))
		return
	}
	n, _ := s.syncer.Sync()
	writeJSON(w, http.StatusOK, map[string]any{"added": added, "synced": n})
}

func (s *Server) handlePullMISP(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Feeds.MISPURL == "" || s.cfg.Feeds.MISPAPIKey == "" {
		writeJSON(w, http.StatusOK, map[string]any{"added": 0, "skipped": "ZDNS_MISP_URL/ZDNS_MISP_API_KEY not set"})
		return
	}
	added, err := feeds.PullMISP(s.cfg.Feeds.MISPURL, s.cfg.Feeds.MISPAPIKey, 1000, s.stix.AddObjects)
	if err != nil {
		writeErr(w, zerrors.Wrap(err, zerrors.KindExternalTimeout, "pull misp feed"))
		return
	}
	n, _ := s.syncer.Sync()
	writeJSON(w, http.StatusOK, map[string]any{"added": added, "synced": n})
}

func (s *Server) handleSTIXSync(w http.ResponseWriter, r *http.Request) {
	n, err := s.syncer.Sync()
	if err != nil {
		writeErr(w, zerrors.Wrap(err, zerrors.KindStoreError, "sync indicators"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"synced": n})
}

// handleTrainModel is a synchronous stub: ZDNS's classifier artifact is
// trained by separate, offline tooling (§4.1's "opaque artifact" contract);
// this endpoint reports that no in-process trainer is wired, matching the
// "500 on failure with error message" contract in §6 rather than silently
// succeeding.
func (s *Server) handleTrainModel(w http.ResponseWriter, r *http.Request) {
	writeErr(w, zerrors.New(zerrors.KindInternal, "no in-process training job is configured; retrain the classifier artifact offline and set ZDNS_MODEL_PATH"))
}

var blockPageTemplate = template.Must(template.New("block").Parse(`<!DOCTYPE html>
<html><head><title>ZDNS - {{.Action}}</title></head>
<body>
<h1>{{.Heading}}</h1>
<p>Domain: {{.Domain}}</p>
<p>Ray ID: {{.RayID}}</p>
</body></html>
`))

var blockHeadings = map[string]string{
	"malicious":   "This domain has been blocked",
	"warning":     "This domain is flagged as suspicious",
	"error":       "ZDNS encountered an error",
	"maintenance": "ZDNS is under maintenance",
}

// handleBlockPage renders the minimal built-in HTML page for one action
// kind (§4.10 — the dashboard's templated assets are out of scope).
func (s *Server) handleBlockPage(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		blockPageTemplate.Execute(w, map[string]string{
			"Action":  kind,
			"Heading": blockHeadings[kind],
			"Domain":  r.URL.Query().Get("domain"),
			"RayID":   r.URL.Query().Get("ray_id"),
		})
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if isNonLocalHost(r.Host) {
		s.renderSinkhole(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ZDNS running"})
}

// handleCatchAll implements the HTTP side of the sinkhole answer (§4.9): any
// path not matching a reserved prefix is resolved against the latest event
// for the requesting Host.
func (s *Server) handleCatchAll(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	for _, prefix := range excludedPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			http.NotFound(w, r)
			return
		}
	}
	s.renderSinkhole(w, r)
}

func (s *Server) renderSinkhole(w http.ResponseWriter, r *http.Request) {
	host := hostOnly(r.Host)
	event, err := s.store.LatestEventForDomain(host)
	if err != nil {
		writeErr(w, zerrors.Wrap(err, zerrors.KindStoreError, "lookup latest event"))
		return
	}
	if event == nil || (event.Action != "BLOCK" && event.Action != "WARN") {
		writeErr(w, zerrors.New(zerrors.KindNotFound, "NO_DECISION"))
		return
	}

	kind := "malicious"
	if event.Action == "WARN" {
		kind = "warning"
	}
	http.Redirect(w, r, "/block/"+kind+"?domain="+host+"&ray_id="+event.RayID, http.StatusFound)
}

func isNonLocalHost(host string) bool {
	h := hostOnly(host)
	return h != "" && h != "localhost" && h != "127.0.0.1"
}

func hostOnly(host string) string {
	if idx := strings.Index(host, ":"); idx >= 0 {
		return host[:idx]
	}
	return host
}

func (s *Server) audit(action, target string) {
	_ = s.store.AppendAudit(store.RuleAudit{Actor: "admin", Action: action, Target: target, Timestamp: time.Now().UTC()})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func pathInt64(r *http.Request, key string) (int64, bool) {
	raw := mux.Vars(r)[key]
	n, err := strconv.ParseInt(raw, 10, 64)
	return n, err == nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeErr maps err's Kind to the status code §7 assigns it and writes the
// response. Errors that never went through the zerrors constructors map to
// KindUnknown, which HTTPStatus reports as 500.
func writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, zerrors.GetKind(err).HTTPStatus(), map[string]string{"error": err.Error()})
}
