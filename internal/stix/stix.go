// Package stix implements ZDNS's local TAXII 2.1 server (C4): discovery,
// collection/object/manifest endpoints, STIX bundle import, and a client for
// pulling objects from a remote TAXII server.
package stix

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	zerrors "zdns.dev/zdns/internal/errors"
	"zdns.dev/zdns/internal/store"
)

// DefaultCollection is the auto-materialized collection every ingested
// indicator lands in.
const DefaultCollection = "zdns-threat-intel"

const maxObjectsLimit = 500

// Server exposes the TAXII 2.1 surface over st, guarded by an API key.
type Server struct {
	store  *store.Store
	apiKey string
}

// NewServer builds a Server. apiKey gates every TAXII route via X-API-Key.
func NewServer(st *store.Store, apiKey string) *Server {
	return &Server{store: st, apiKey: apiKey}
}

// EnsureDefaultCollection materializes the zdns-threat-intel collection if
// it does not already exist. Callers should invoke this at startup.
func (s *Server) EnsureDefaultCollection() error {
	existing, err := s.store.GetCollection(DefaultCollection)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	return s.store.UpsertCollection(store.STIXCollection{
		ID:          DefaultCollection,
		Title:       "ZDNS Threat Intel",
		Description: "Primary collection for ZDNS threat intelligence",
		CanRead:     true,
		CanWrite:    true,
	})
}

// Register mounts the TAXII routes under r.
func (s *Server) Register(r *mux.Router) {
	r.HandleFunc("/taxii2", s.requireAPIKey(s.handleDiscovery)).Methods(http.MethodGet)
	r.HandleFunc("/taxii2/api1", s.requireAPIKey(s.handleAPIRoot)).Methods(http.MethodGet)
	r.HandleFunc("/taxii2/api1/collections", s.requireAPIKey(s.handleListCollections)).Methods(http.MethodGet)
	r.HandleFunc("/taxii2/api1/collections/{id}", s.requireAPIKey(s.handleGetCollection)).Methods(http.MethodGet)
	r.HandleFunc("/taxii2/api1/collections/{id}/manifest", s.requireAPIKey(s.handleManifest)).Methods(http.MethodGet)
	r.HandleFunc("/taxii2/api1/collections/{id}/objects", s.requireAPIKey(s.handleGetObjects)).Methods(http.MethodGet)
	r.HandleFunc("/taxii2/api1/collections/{id}/objects", s.requireAPIKey(s.handleAddObjects)).Methods(http.MethodPost)
	r.HandleFunc("/taxii2/import", s.requireAPIKey(s.handleImportBundle)).Methods(http.MethodPost)
	r.HandleFunc("/taxii2/pull", s.requireAPIKey(s.handlePull)).Methods(http.MethodPost)
}

func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provided := r.Header.Get("X-API-Key")
		if provided == "" || provided != s.apiKey {
			writeErr(w, zerrors.New(zerrors.KindAuthMissing, "Unauthorized"))
			return
		}
		next(w, r)
	}
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	base := requestBase(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"title":       "ZDNS TAXII 2.1",
		"description": "ZDNS Threat Intelligence TAXII server",
		"default":     base + "/taxii2/api1",
		"api_roots":   []string{base + "/taxii2/api1"},
	})
}

func (s *Server) handleAPIRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"title":               "ZDNS API Root",
		"versions":            []string{"taxii-2.1"},
		"max_content_length":  10485760,
	})
}

func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	if err := s.EnsureDefaultCollection(); err != nil {
		writeErr(w, zerrors.Wrap(err, zerrors.KindStoreError, "ensure default collection"))
		return
	}
	cols, err := s.store.ListCollections()
	if err != nil {
		writeErr(w, zerrors.Wrap(err, zerrors.KindStoreError, "list collections"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collections": cols})
}

func (s *Server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	col, err := s.store.GetCollection(id)
	if err != nil {
		writeErr(w, zerrors.Wrap(err, zerrors.KindStoreError, "get collection"))
		return
	}
	if col == nil {
		writeErr(w, zerrors.New(zerrors.KindNotFound, "Collection not found"))
		return
	}
	writeJSON(w, http.StatusOK, col)
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	entries, err := s.store.ListSTIXObjects(id, nil, 1<<30)
	if err != nil {
		writeErr(w, zerrors.Wrap(err, zerrors.KindStoreError, "list stix objects"))
		return
	}
	manifest := make([]map[string]string, 0, len(entries))
	for _, o := range entries {
		version := o.Modified
		if version == "" {
			version = o.AddedAt.UTC().Format(time.RFC3339)
		}
		manifest = append(manifest, map[string]string{
			"id":         o.ID,
			"date_added": o.AddedAt.UTC().Format(time.RFC3339),
			"version":    version,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"objects": manifest})
}

func (s *Server) handleGetObjects(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	limit := maxObjectsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n < maxObjectsLimit {
			limit = n
		}
	}

	var addedAfter *time.Time
	if raw := r.URL.Query().Get("added_after"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			addedAfter = &t
		}
	}

	objs, err := s.store.ListSTIXObjects(id, addedAfter, limit)
	if err != nil {
		writeErr(w, zerrors.Wrap(err, zerrors.KindStoreError, "list stix objects"))
		return
	}

	out := make([]json.RawMessage, 0, len(objs))
	for _, o := range objs {
		out = append(out, json.RawMessage(o.RawJSON))
	}
	writeJSON(w, http.StatusOK, map[string]any{"objects": out})
}

func (s *Server) handleAddObjects(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body struct {
		Objects []json.RawMessage `json:"objects"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, zerrors.New(zerrors.KindInputInvalid, "objects must be a list"))
		return
	}

	added, err := s.AddObjects(id, body.Objects)
	if err != nil {
		writeErr(w, zerrors.Wrap(err, zerrors.KindStoreError, "add objects"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"added": added})
}

func (s *Server) handleImportBundle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type         string            `json:"type"`
		CollectionID string            `json:"collection_id"`
		Objects      []json.RawMessage `json:"objects"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, zerrors.New(zerrors.KindInputInvalid, "invalid body"))
		return
	}
	if body.Type != "bundle" {
		writeErr(w, zerrors.New(zerrors.KindInputInvalid, "Expected STIX bundle"))
		return
	}
	collectionID := body.CollectionID
	if collectionID == "" {
		collectionID = DefaultCollection
	}

	added, err := s.AddObjects(collectionID, body.Objects)
	if err != nil {
		writeErr(w, zerrors.Wrap(err, zerrors.KindStoreError, "add objects"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"added": added})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL          string            `json:"url"`
		APIRoot      string            `json:"api_root"`
		CollectionID string            `json:"collection_id"`
		Headers      map[string]string `json:"headers"`
		AddedAfter   string            `json:"added_after"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, zerrors.New(zerrors.KindInputInvalid, "invalid body"))
		return
	}
	if body.URL == "" || body.CollectionID == "" {
		writeErr(w, zerrors.New(zerrors.KindInputInvalid, "url and collection_id are required"))
		return
	}

	added, err := PullRemote(body.URL, body.APIRoot, body.CollectionID, body.AddedAfter, body.Headers, s.AddObjects)
	if err != nil {
		writeErr(w, zerrors.Wrap(err, zerrors.KindExternalTimeout, "pull remote taxii objects"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"added": added})
}

// AddObjects upserts each well-formed STIX object (must carry "id" and
// "type") into collectionID, replacing any prior copy by id.
func (s *Server) AddObjects(collectionID string, objects []json.RawMessage) (int, error) {
	added := 0
	for _, raw := range objects {
		var meta struct {
			ID          string `json:"id"`
			Type        string `json:"type"`
			SpecVersion string `json:"spec_version"`
			Created     string `json:"created"`
			Modified    string `json:"modified"`
		}
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}
		if meta.ID == "" || meta.Type == "" {
			continue
		}

		if err := s.store.UpsertSTIXObject(store.STIXObject{
			ID:           meta.ID,
			CollectionID: collectionID,
			Type:         meta.Type,
			SpecVersion:  meta.SpecVersion,
			Created:      meta.Created,
			Modified:     meta.Modified,
			AddedAt:      time.Now().UTC(),
			RawJSON:      string(raw),
		}); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

func requestBase(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return strings.TrimSuffix(fmt.Sprintf("%s://%s", scheme, r.Host), "/")
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
	writeJSON(w, zerrors.GetKind(err).HTTPStatus(), map[string]string{"detail": err.Error()})
}

// ErrNoAPIRoots is returned by PullRemote when discovery yields no api_roots.
var ErrNoAPIRoots = errors.New("stix: no api_roots found in TAXII discovery")
