// Package dns implements ZDNS's DNS data plane (C8): dual UDP/TCP listeners
// that turn every query into a decision-API call and a synthesized or
// forwarded answer.
package dns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/miekg/dns"

	"zdns.dev/zdns/internal/config"
	"zdns.dev/zdns/internal/logging"
	"zdns.dev/zdns/internal/services"
)

// decisionRequest is the body POSTed to the decision API.
type decisionRequest struct {
	Domain   string `json:"domain"`
	ClientIP string `json:"client_ip,omitempty"`
	QType    string `json:"qtype,omitempty"`
}

// decisionResponse is the decision API's reply (§4.4).
type decisionResponse struct {
	Action    string  `json:"action"`
	RayID     string  `json:"ray_id"`
	Timestamp string  `json:"timestamp"`
	Score     float64 `json:"score"`
	Label     string  `json:"label"`
	Source    string  `json:"source"`
	Redirect  string  `json:"redirect,omitempty"`
}

// Service is the DNS resolver data plane. It implements services.Service so
// it can be started/stopped/reloaded alongside ZDNS's other long-running
// components.
type Service struct {
	mu      sync.RWMutex
	cfg     config.DNSConfig
	servers []*dns.Server
	client  *http.Client
	running bool
}

// NewService builds a Service bound to cfg.DNS. The HTTP client used to call
// the decision API is sized off DNS.ThreatTimeout.
func NewService(cfg *config.Config) *Service {
	s := &Service{cfg: cfg.DNS}
	s.client = &http.Client{Timeout: cfg.DNS.ThreatTimeout}
	return s
}

func (s *Service) Name() string { return "dns" }

// Start binds the UDP and TCP listeners on (ListenHost, ListenPort) and
// serves queries in the background until Stop is called; ctx is not watched.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := net.JoinHostPort(s.cfg.ListenHost, fmt.Sprintf("%d", s.cfg.ListenPort))

	udpConn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("dns: bind udp %s: %w", addr, err)
	}
	tcpListener, err := net.Listen("tcp", addr)
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("dns: bind tcp %s: %w", addr, err)
	}

	s.servers = []*dns.Server{
		{PacketConn: udpConn, Addr: addr, Net: "udp", Handler: s},
		{Listener: tcpListener, Addr: addr, Net: "tcp", Handler: s},
	}

	for _, srv := range s.servers {
		srv := srv
		go func() {
			if err := srv.ActivateAndServe(); err != nil {
				logging.Error("[dns] %s server on %s stopped: %v", srv.Net, srv.Addr, err)
			}
		}()
	}

	s.running = true
	logging.Info("[dns] listening on %s (udp+tcp)", addr)
	return nil
}

// Stop gracefully shuts down both listeners.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, srv := range s.servers {
		if err := srv.ShutdownContext(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.servers = nil
	s.running = false
	return firstErr
}

// Reload swaps in a new DNS configuration. A change to the listen address
// requires a restart (signalled via the bool return); other fields take
// effect on the next query without one.
func (s *Service) Reload(cfg *config.Config) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	restart := cfg.DNS.ListenHost != s.cfg.ListenHost || cfg.DNS.ListenPort != s.cfg.ListenPort
	s.cfg = cfg.DNS
	s.client = &http.Client{Timeout: cfg.DNS.ThreatTimeout}
	return restart, nil
}

func (s *Service) Status() services.ServiceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return services.ServiceStatus{Name: s.Name(), Running: s.running}
}

// ServeDNS implements dns.Handler — the per-query pipeline from §4.3.
func (s *Service) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Compress = false

	if len(r.Question) == 0 {
		w.WriteMsg(msg)
		return
	}

	q := r.Question[0]
	qname := strings.ToLower(strings.TrimSuffix(q.Name, "."))
	qtype := dns.TypeToString[q.Qtype]
	clientIP, _, _ := net.SplitHostPort(w.RemoteAddr().String())

	cfg := s.snapshotConfig()

	decision, err := s.decide(qname, clientIP, qtype, cfg)
	if err != nil {
		if cfg.FailOpen {
			logging.Warn("[dns] decision API unreachable for %s, fail-open ALLOW: %v", qname, err)
			decision = decisionResponse{Action: "ALLOW", RayID: "RAY-failopen"}
		} else {
			logging.Warn("[dns] decision API unreachable for %s, fail-closed BLOCK: %v", qname, err)
			decision = decisionResponse{Action: "BLOCK", RayID: "RAY-fail-closed"}
		}
	}

	switch decision.Action {
	case "BLOCK":
		s.writeSinkhole(w, msg, q, cfg.BlockMode, cfg)
	case "WARN":
		switch cfg.WarnMode {
		case "ALLOW":
			s.writeForward(w, r, cfg)
		default:
			s.writeSinkhole(w, msg, q, cfg.WarnMode, cfg)
		}
	default: // ALLOW
		s.writeForward(w, r, cfg)
	}
}

func (s *Service) snapshotConfig() config.DNSConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// decide calls the decision API. Callers interpret a non-nil error as the
// decision API being unreachable/erroring, and apply the fail-open policy.
func (s *Service) decide(domain, clientIP, qtype string, cfg config.DNSConfig) (decisionResponse, error) {
	body, err := json.Marshal(decisionRequest{Domain: domain, ClientIP: clientIP, QType: qtype})
	if err != nil {
		return decisionResponse{}, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ThreatTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.ThreatAPI, bytes.NewReader(body))
	if err != nil {
		return decisionResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return decisionResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decisionResponse{}, fmt.Errorf("dns: decision API returned %d", resp.StatusCode)
	}

	var d decisionResponse
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return decisionResponse{}, err
	}
	return d, nil
}

// writeSinkhole implements the BLOCK/WARN synthesis rules of §4.3 step 4.
func (s *Service) writeSinkhole(w dns.ResponseWriter, msg *dns.Msg, q dns.Question, mode string, cfg config.DNSConfig) {
	if mode == "NXDOMAIN" {
		msg.Rcode = dns.RcodeNameError
		w.WriteMsg(msg)
		return
	}

	const sinkholeTTL = 30
	header := dns.RR_Header{Name: q.Name, Class: dns.ClassINET, Ttl: sinkholeTTL}

	switch q.Qtype {
	case dns.TypeA, dns.TypeANY:
		if ip := net.ParseIP(cfg.SinkholeIPv4).To4(); ip != nil {
			h := header
			h.Rrtype = dns.TypeA
			msg.Answer = append(msg.Answer, &dns.A{Hdr: h, A: ip})
		}
	case dns.TypeAAAA:
		if ip := net.ParseIP(cfg.SinkholeIPv6); ip != nil {
			h := header
			h.Rrtype = dns.TypeAAAA
			msg.Answer = append(msg.Answer, &dns.AAAA{Hdr: h, AAAA: ip})
		}
	}

	if q.Qtype == dns.TypeANY {
		if ip := net.ParseIP(cfg.SinkholeIPv6); ip != nil {
			h := header
			h.Rrtype = dns.TypeAAAA
			msg.Answer = append(msg.Answer, &dns.AAAA{Hdr: h, AAAA: ip})
		}
	}

	msg.Rcode = dns.RcodeSuccess
	w.WriteMsg(msg)
}

// writeForward implements §4.3 step 6: forward verbatim to DNS_UPSTREAM.
func (s *Service) writeForward(w dns.ResponseWriter, r *dns.Msg, cfg config.DNSConfig) {
	client := &dns.Client{Net: "udp", Timeout: cfg.UpstreamTimeout}

	resp, _, err := client.Exchange(r, cfg.Upstream)
	if err != nil || resp == nil {
		logging.Warn("[dns] upstream %s failed: %v", cfg.Upstream, err)
		fail := new(dns.Msg)
		fail.SetRcode(r, dns.RcodeServerFailure)
		w.WriteMsg(fail)
		return
	}

	resp.SetReply(r)
	w.WriteMsg(resp)
}
