package feeds

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"zdns.dev/zdns/internal/store"
)

func TestExtractDomainSkipsCommentsAndBlank(t *testing.T) {
	for _, line := range []string{"", "  ", "# comment", "// comment", "; comment"} {
		_, ok := extractDomain(line)
		require.False(t, ok, line)
	}
}

func TestExtractDomainStripsSinkholePrefix(t *testing.T) {
	d, ok := extractDomain("0.0.0.0 ads.example.com")
	require.True(t, ok)
	require.Equal(t, "ads.example.com", d)

	d, ok = extractDomain("127.0.0.1 tracker.example.com # comment")
	require.True(t, ok)
	require.Equal(t, "tracker.example.com", d)
}

func TestExtractDomainResolvesURLLines(t *testing.T) {
	d, ok := extractDomain("https://cdn.example.com/path?q=1")
	require.True(t, ok)
	require.Equal(t, "cdn.example.com", d)
}

func TestExtractDomainRejectsInvalidHostname(t *testing.T) {
	_, ok := extractDomain("not a domain with spaces and/slash")
	require.False(t, ok)
}

func TestExtractDomainPlainLine(t *testing.T) {
	d, ok := extractDomain("Bad.Example.COM.")
	require.True(t, ok)
	require.Equal(t, "bad.example.com", d)
}

func TestExtractOTXDomainsHandlesListOfDicts(t *testing.T) {
	var raw any
	require.NoError(t, json.Unmarshal([]byte(`[{"indicator":"evil1.example"},{"domain":"evil2.example"}]`), &raw))
	domains := extractOTXDomains(raw)
	require.ElementsMatch(t, []string{"evil1.example", "evil2.example"}, domains)
}

func TestExtractOTXDomainsHandlesListOfStrings(t *testing.T) {
	var raw any
	require.NoError(t, json.Unmarshal([]byte(`["evil1.example","evil2.example"]`), &raw))
	domains := extractOTXDomains(raw)
	require.ElementsMatch(t, []string{"evil1.example", "evil2.example"}, domains)
}

func TestExtractOTXDomainsHandlesResultsWrapper(t *testing.T) {
	var raw any
	require.NoError(t, json.Unmarshal([]byte(`{"results":[{"value":"evil.example"}]}`), &raw))
	domains := extractOTXDomains(raw)
	require.Equal(t, []string{"evil.example"}, domains)
}

func TestIndicatorBuildsValidSTIXPattern(t *testing.T) {
	raw := indicator("evil.example", "otx")

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Equal(t, "indicator", doc["type"])
	require.Contains(t, doc["pattern"], "evil.example")
	require.Equal(t, "otx", doc["x_zdns_source"])
}

func TestPullMISPParsesResponseWrapper(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "test-key", r.Header.Get("Authorization"))
		w.Write([]byte(`{"response":{"Attribute":[{"value":"bad.example|1.2.3.4"}]}}`))
	}))
	defer srv.Close()

	var captured []json.RawMessage
	addObjects := func(collection string, objects []json.RawMessage) (int, error) {
		captured = objects
		return len(objects), nil
	}

	n, err := PullMISP(srv.URL, "test-key", 100, addObjects)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Contains(t, string(captured[0]), "bad.example")
	require.NotContains(t, string(captured[0]), "1.2.3.4")
}

func TestPullListSourceUpsertsBlockRules(t *testing.T) {
	list := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("# comment\n0.0.0.0 ads.example.com\nbad.example.com\n"))
	}))
	defer list.Close()

	st, err := store.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer st.Close()

	srcID, err := st.CreateListSource(store.ListSource{Name: "test-list", ListType: "blocklist", URL: list.URL, Enabled: true})
	require.NoError(t, err)

	src, err := st.GetListSource(srcID)
	require.NoError(t, err)

	imported, err := PullListSource(st, *src)
	require.NoError(t, err)
	require.Equal(t, 2, imported)

	rules, err := st.ListRules()
	require.NoError(t, err)
	require.Len(t, rules, 2)
	for _, r := range rules {
		require.Equal(t, "BLOCK", r.Action)
		require.Equal(t, 100, r.Priority)
	}

	updated, err := st.GetListSource(srcID)
	require.NoError(t, err)
	require.NotNil(t, updated.LastFetched)
	require.Empty(t, updated.LastError)
}

func TestPullListSourceRecordsErrorOnFailure(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer st.Close()

	srcID, err := st.CreateListSource(store.ListSource{Name: "bad", ListType: "blocklist", URL: "http://127.0.0.1:1/unreachable", Enabled: true})
	require.NoError(t, err)
	src, err := st.GetListSource(srcID)
	require.NoError(t, err)

	_, err = PullListSource(st, *src)
	require.Error(t, err)

	updated, err := st.GetListSource(srcID)
	require.NoError(t, err)
	require.NotEmpty(t, updated.LastError)
}
