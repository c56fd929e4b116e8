package service

import (
	"context"
	"net"
	"net/http"
	"sync"
)

// httpServer serves a handler and remembers the address it is bound to.
type httpServer struct {
	mu     sync.Mutex
	ctx    context.Context
	server *http.Server
	addr   net.Addr
}

func (s *httpServer) serve(ctx context.Context, addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ctx = ctx
	s.server = &http.Server{Handler: h, Addr: addr}
	s.addr = ln.Addr()
	srv := s.server
	s.mu.Unlock()
	return srv.Serve(ln)
}

// Addr returns the bound address, or nil before the server started.
func (s *httpServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *httpServer) Shutdown() error {
	s.mu.Lock()
	srv, ctx := s.server, s.ctx
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(context.WithoutCancel(ctx))
}
