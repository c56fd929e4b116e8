package service

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"
	"github.com/rs/cors"
)

type HealthzServer struct {
	httpServer
	// Busy, when set, reports whether a test run is in flight.
	Busy func() bool
	hits atomic.Int64
}

func (h *HealthzServer) Start(ctx context.Context, addr string) error {
	hdlr := http.NewServeMux()
	hdlr.HandleFunc("/healthz", h.Handle)
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
	})
	return h.serve(ctx, addr, c.Handler(hdlr))
}

func (h *HealthzServer) Handle(w http.ResponseWriter, r *http.Request) {
	h.hits.Add(1)
	log.Debug("Received health check request", "path", r.URL.Path)
	if h.Busy != nil && h.Busy() {
		w.Write([]byte("OK running")) //nolint:errcheck
		return
	}
	w.Write([]byte("OK")) //nolint:errcheck
}
