package stix

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"zdns.dev/zdns/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	s := NewServer(st, "test-key")
	require.NoError(t, s.EnsureDefaultCollection())
	return s, st
}

func newRouter(s *Server) *mux.Router {
	r := mux.NewRouter()
	s.Register(r)
	return r
}

func TestEnsureDefaultCollectionMaterializesOnce(t *testing.T) {
	s, st := newTestServer(t)
	require.NoError(t, s.EnsureDefaultCollection())

	cols, err := st.ListCollections()
	require.NoError(t, err)
	require.Len(t, cols, 1)
	require.Equal(t, DefaultCollection, cols[0].ID)
	require.Equal(t, "ZDNS Threat Intel", cols[0].Title)
}

func TestDiscoveryRequiresAPIKey(t *testing.T) {
	s, _ := newTestServer(t)
	router := newRouter(s)

	req := httptest.NewRequest(http.MethodGet, "/taxii2", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDiscoveryWithKeyReturnsAPIRoot(t *testing.T) {
	s, _ := newTestServer(t)
	router := newRouter(s)

	req := httptest.NewRequest(http.MethodGet, "/taxii2", nil)
	req.Header.Set("X-API-Key", "test-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body["default"], "/taxii2/api1")
}

func TestAddObjectsThenObjectsAndManifestRoundtrip(t *testing.T) {
	s, _ := newTestServer(t)
	router := newRouter(s)

	payload := `{"objects":[{"id":"indicator--1","type":"indicator","pattern":"[domain-name:value = 'bad.example']"}]}`
	req := httptest.NewRequest(http.MethodPost, "/taxii2/api1/collections/"+DefaultCollection+"/objects", strings.NewReader(payload))
	req.Header.Set("X-API-Key", "test-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var addResp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &addResp))
	require.Equal(t, 1, addResp["added"])

	req = httptest.NewRequest(http.MethodGet, "/taxii2/api1/collections/"+DefaultCollection+"/objects", nil)
	req.Header.Set("X-API-Key", "test-key")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var objResp map[string][]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &objResp))
	require.Len(t, objResp["objects"], 1)

	req = httptest.NewRequest(http.MethodGet, "/taxii2/api1/collections/"+DefaultCollection+"/manifest", nil)
	req.Header.Set("X-API-Key", "test-key")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var manifest map[string][]map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &manifest))
	require.Len(t, manifest["objects"], 1)
	require.Equal(t, "indicator--1", manifest["objects"][0]["id"])
}

func TestAddObjectsSkipsMalformedEntries(t *testing.T) {
	s, _ := newTestServer(t)
	added, err := s.AddObjects(DefaultCollection, []json.RawMessage{
		[]byte(`{"id":"indicator--1","type":"indicator"}`),
		[]byte(`{"type":"indicator"}`),
		[]byte(`not json`),
	})
	require.NoError(t, err)
	require.Equal(t, 1, added)
}
