// Command zdnsd runs the ZDNS resolver and control-plane server as a single
// process: the DNS data plane (C8), the decision/operational HTTP API
// (C7/C9/C10), and the background threat-intel sync timer, all started and
// stopped together.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"zdns.dev/zdns/internal/api"
	"zdns.dev/zdns/internal/classifier"
	"zdns.dev/zdns/internal/config"
	"zdns.dev/zdns/internal/logging"
	"zdns.dev/zdns/internal/policy"
	"zdns.dev/zdns/internal/services"
	dnssvc "zdns.dev/zdns/internal/services/dns"
	"zdns.dev/zdns/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Error("[zdnsd] config: %v", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Output: os.Stderr,
		Syslog: logging.SyslogConfig{
			Enabled:  cfg.Logging.Syslog.Enabled,
			Host:     cfg.Logging.Syslog.Host,
			Port:     cfg.Logging.Syslog.Port,
			Protocol: cfg.Logging.Syslog.Protocol,
		},
	})
	if err != nil {
		logging.Error("[zdnsd] syslog init: %v", err)
	}
	logging.SetDefault(logger)

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logging.Error("[zdnsd] store open %s: %v", cfg.Store.Path, err)
		os.Exit(1)
	}
	defer st.Close()

	clf := classifier.New(cfg.Classifier.ModelPath)
	engine := policy.New(st, clf)

	dnsService := dnssvc.NewService(cfg)
	apiServer := api.NewServer(cfg, api.Deps{Store: st, Engine: engine})

	svcs := []services.Service{apiServer, dnsService}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, svc := range svcs {
		if err := svc.Start(ctx); err != nil {
			logging.Error("[zdnsd] %s failed to start: %v", svc.Name(), err)
			os.Exit(1)
		}
	}
	logging.Info("[zdnsd] all services started")

	<-ctx.Done()
	logging.Info("[zdnsd] shutdown signal received, stopping services")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var g errgroup.Group
	for _, svc := range svcs {
		svc := svc
		g.Go(func() error {
			if err := svc.Stop(shutdownCtx); err != nil {
				logging.Error("[zdnsd] %s failed to stop cleanly: %v", svc.Name(), err)
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		os.Exit(1)
	}

	logging.Info("[zdnsd] shutdown complete")
}
