package dns

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"zdns.dev/zdns/internal/config"
)

func testDNSConfig(threatAPI string) config.DNSConfig {
	return config.DNSConfig{
		ListenHost:      "127.0.0.1",
		ListenPort:      0,
		Upstream:        "1.1.1.1:53",
		UpstreamTimeout: 2 * time.Second,
		ThreatAPI:       threatAPI,
		ThreatTimeout:   1500 * time.Millisecond,
		BlockMode:       "SINKHOLE",
		WarnMode:        "ALLOW",
		FailOpen:        true,
		SinkholeIPv4:    "0.0.0.0",
		SinkholeIPv6:    "::",
	}
}

func TestDecideParsesDecisionAPIResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req decisionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "evil.example", req.Domain)

		json.NewEncoder(w).Encode(decisionResponse{Action: "BLOCK", RayID: "RAY-deadbeef", Score: 1.0})
	}))
	defer srv.Close()

	cfg := testDNSConfig(srv.URL)
	s := &Service{cfg: cfg, client: &http.Client{Timeout: cfg.ThreatTimeout}}

	d, err := s.decide("evil.example", "10.0.0.1", "A", cfg)
	require.NoError(t, err)
	require.Equal(t, "BLOCK", d.Action)
	require.Equal(t, "RAY-deadbeef", d.RayID)
}

func TestDecideErrorsWhenAPIUnreachable(t *testing.T) {
	cfg := testDNSConfig("http://127.0.0.1:1/unreachable")
	s := &Service{cfg: cfg, client: &http.Client{Timeout: 200 * time.Millisecond}}

	_, err := s.decide("example.com", "10.0.0.1", "A", cfg)
	require.Error(t, err)
}

func TestWriteSinkholeSynthesizesSingleARecord(t *testing.T) {
	cfg := testDNSConfig("")
	s := &Service{cfg: cfg}

	req := new(dns.Msg)
	req.SetQuestion("bad.example.", dns.TypeA)
	msg := new(dns.Msg)
	msg.SetReply(req)

	rec := &recordingWriter{}
	s.writeSinkhole(rec, msg, req.Question[0], "SINKHOLE", cfg)

	require.NotNil(t, rec.msg)
	require.Len(t, rec.msg.Answer, 1)
	a, ok := rec.msg.Answer[0].(*dns.A)
	require.True(t, ok)
	require.Equal(t, uint32(30), a.Hdr.Ttl)
	require.Equal(t, "0.0.0.0", a.A.String())
}

func TestWriteSinkholeNXDOMAINMode(t *testing.T) {
	cfg := testDNSConfig("")
	s := &Service{cfg: cfg}

	req := new(dns.Msg)
	req.SetQuestion("bad.example.", dns.TypeA)
	msg := new(dns.Msg)
	msg.SetReply(req)

	rec := &recordingWriter{}
	s.writeSinkhole(rec, msg, req.Question[0], "NXDOMAIN", cfg)

	require.NotNil(t, rec.msg)
	require.Equal(t, dns.RcodeNameError, rec.msg.Rcode)
	require.Empty(t, rec.msg.Answer)
}

// recordingWriter is a minimal dns.ResponseWriter stub for unit-testing
// handler logic without a real socket.
type recordingWriter struct {
	msg *dns.Msg
}

func (r *recordingWriter) LocalAddr() net.Addr         { return dummyAddr{} }
func (r *recordingWriter) RemoteAddr() net.Addr        { return dummyAddr{} }
func (r *recordingWriter) WriteMsg(m *dns.Msg) error    { r.msg = m; return nil }
func (r *recordingWriter) Write(b []byte) (int, error) { return len(b), nil }
func (r *recordingWriter) Close() error                { return nil }
func (r *recordingWriter) TsigStatus() error            { return nil }
func (r *recordingWriter) TsigTimersOnly(bool)          {}
func (r *recordingWriter) Hijack()                      {}

type dummyAddr struct{}

func (dummyAddr) Network() string { return "udp" }
func (dummyAddr) String() string  { return "127.0.0.1:12345" }
