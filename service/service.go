package service

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/ethereum/go-ethereum/log"

	"github.com/devcapsys/capsys-easy-flow/metrics"
)

const (
	HealthzHost = "0.0.0.0"
	HealthzPort = "8080"

	MetricsHost = "0.0.0.0"
	MetricsPort = "7300"
)

var (
	DefaultHealthzAddr = net.JoinHostPort(HealthzHost, HealthzPort)
	DefaultMetricsAddr = net.JoinHostPort(MetricsHost, MetricsPort)
)

// Config holds the listen addresses. An empty address disables the server.
type Config struct {
	HealthzAddr string
	MetricsAddr string
}

type Service struct {
	Healthz *HealthzServer
	Metrics *MetricsServer
	cfg     Config
}

func New(cfg Config) *Service {
	s := &Service{
		Healthz: &HealthzServer{},
		Metrics: &MetricsServer{},
		cfg:     cfg,
	}
	return s
}

func (s *Service) Start(ctx context.Context) {
	log.Info("service starting")

	if addr := s.cfg.HealthzAddr; addr != "" {
		go func() {
			log.Info("starting healthz server", "addr", addr)
			if err := s.Healthz.Start(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("error starting healthz server", "err", err)
				metrics.RecordErrorDetails("error starting healthz server", err)
			}
		}()
	}

	if addr := s.cfg.MetricsAddr; addr != "" {
		go func() {
			log.Info("starting metrics server", "addr", addr)
			if err := s.Metrics.Start(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("error starting metrics server", "err", err)
				metrics.RecordErrorDetails("error starting metrics server", err)
			}
		}()
	}

	log.Info("service started")
}

func (s *Service) Shutdown() {
	log.Info("service shutting down")

	_ = s.Healthz.Shutdown()
	log.Info("healthz stopped")

	_ = s.Metrics.Shutdown()
	log.Info("metrics stopped")

	log.Info("service stopped")
}
