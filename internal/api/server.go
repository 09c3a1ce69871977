// Package api implements ZDNS's control-plane HTTP surface: the decision API
// (C7), operational listings and rule/list CRUD (C10), the RPZ export (C9)
// mount, and sinkhole HTML rendering, all behind one gorilla/mux router.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"zdns.dev/zdns/internal/config"
	"zdns.dev/zdns/internal/logging"
	"zdns.dev/zdns/internal/policy"
	"zdns.dev/zdns/internal/services"
	"zdns.dev/zdns/internal/stix"
	"zdns.dev/zdns/internal/store"
	syncer "zdns.dev/zdns/internal/sync"
)

// These timeouts mirror the teacher's slowloris-hardened http.Server
// configuration.
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 15 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 60 * time.Second
)

// excludedPrefixes are path prefixes the catch-all sinkhole handler never
// intercepts, matching the original implementation's reserved routes.
var excludedPrefixes = []string{
	"dashboard", "block", "static", "metrics", "events", "rules", "devices", "analytics", "model",
}

// Server is ZDNS's control-plane HTTP server. It implements services.Service
// so it starts/stops alongside the DNS data plane.
type Server struct {
	store  *store.Store
	engine *policy.Engine
	stix   *stix.Server
	syncer *syncer.Synchronizer
	cfg    config.Config

	httpServer *http.Server
	listenAddr string
	running    bool
}

// Deps bundles the components the API server wires together. The
// classifier is not passed directly: the policy Engine already holds the
// one it scores with, and the API layer never classifies on its own.
type Deps struct {
	Store  *store.Store
	Engine *policy.Engine
}

// NewServer builds a Server bound to cfg's HTTP listen address.
func NewServer(cfg *config.Config, deps Deps) *Server {
	st := stix.NewServer(deps.Store, cfg.TAXII.APIKey)
	return &Server{
		store:      deps.Store,
		engine:     deps.Engine,
		stix:       st,
		syncer:     syncer.New(deps.Store),
		cfg:        *cfg,
		listenAddr: cfg.HTTP.Listen,
	}
}

func (s *Server) Name() string { return "api" }

// Start builds the router and listens on cfg.HTTP.Listen until Stop is
// called. It also starts the optional STIX sync timer.
func (s *Server) Start(ctx context.Context) error {
	if err := s.stix.EnsureDefaultCollection(); err != nil {
		return err
	}

	if s.cfg.Sync.IntervalMinutes > 0 {
		s.syncer.Start(time.Duration(s.cfg.Sync.IntervalMinutes) * time.Minute)
	}

	router := s.buildRouter()
	s.httpServer = &http.Server{
		Addr:              s.listenAddr,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("[api] server stopped: %v", err)
		}
	}()

	s.running = true
	logging.Info("[api] listening on %s", s.listenAddr)
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.syncer.Stop()
	s.running = false
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Reload(cfg *config.Config) (bool, error) {
	restart := cfg.HTTP.Listen != s.listenAddr
	s.cfg = *cfg
	s.listenAddr = cfg.HTTP.Listen
	return restart, nil
}

func (s *Server) Status() services.ServiceStatus {
	return services.ServiceStatus{Name: s.Name(), Running: s.running}
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/dns/query", s.handleDNSQuery).Methods(http.MethodPost)

	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetricsJSON).Methods(http.MethodGet)
	r.PathPrefix("/metrics/prometheus").Handler(promhttp.Handler())
	r.HandleFunc("/analytics", s.handleAnalytics).Methods(http.MethodGet)
	r.HandleFunc("/devices", s.handleDevices).Methods(http.MethodGet)

	r.HandleFunc("/rules", s.handleListRules).Methods(http.MethodGet)
	r.HandleFunc("/rules", s.handleCreateRule).Methods(http.MethodPost)
	r.HandleFunc("/rules/rpz", s.handleRPZ).Methods(http.MethodGet)
	r.HandleFunc("/rules/export.yaml", s.handleExportRulesYAML).Methods(http.MethodGet)
	r.HandleFunc("/rules/import.yaml", s.handleImportRulesYAML).Methods(http.MethodPost)
	r.HandleFunc("/rules/{id}", s.handleUpdateRule).Methods(http.MethodPut)
	r.HandleFunc("/rules/{id}", s.handleDeleteRule).Methods(http.MethodDelete)

	r.HandleFunc("/lists", s.handleListSources).Methods(http.MethodGet)
	r.HandleFunc("/lists", s.handleCreateListSource).Methods(http.MethodPost)
	r.HandleFunc("/lists/pull", s.handlePullLists).Methods(http.MethodPost)
	r.HandleFunc("/lists/status", s.handleListStatus).Methods(http.MethodGet)
	r.HandleFunc("/lists/{id}", s.handleUpdateListSource).Methods(http.MethodPut)
	r.HandleFunc("/lists/{id}", s.handleDeleteListSource).Methods(http.MethodDelete)

	r.HandleFunc("/feeds/otx/pull", s.handlePullOTX).Methods(http.MethodPost)
	r.HandleFunc("/feeds/misp/pull", s.handlePullMISP).Methods(http.MethodPost)

	r.HandleFunc("/stix/sync", s.handleSTIXSync).Methods(http.MethodPost)
	s.stix.Register(r)

	r.HandleFunc("/model/train", s.handleTrainModel).Methods(http.MethodPost)

	r.HandleFunc("/block/malicious", s.handleBlockPage("malicious")).Methods(http.MethodGet)
	r.HandleFunc("/block/warning", s.handleBlockPage("warning")).Methods(http.MethodGet)
	r.HandleFunc("/block/error", s.handleBlockPage("error")).Methods(http.MethodGet)
	r.HandleFunc("/block/maintenance", s.handleBlockPage("maintenance")).Methods(http.MethodGet)

	r.HandleFunc("/", s.handleRoot)
	r.PathPrefix("/").HandlerFunc(s.handleCatchAll)

	return r
}
