package registry

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"notifyd/pkg/logx"
)

type server struct {
	ln  net.Listener
	srv *http.Server
	log logx.Logger
}

func listen(cfg Config, h http.Handler, log logx.Logger) (*server, error) {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	var (
		ln  net.Listener
		err error
	)
	if cfg.TLS() {
		cert, cerr := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if cerr != nil {
			return nil, fmt.Errorf("gateway tls: %w", cerr)
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		ln, err = tls.Listen("tcp", cfg.Addr, srv.TLSConfig)
	} else {
		ln, err = net.Listen("tcp", cfg.Addr)
	}
	if err != nil {
		return nil, fmt.Errorf("gateway listen %s: %w", cfg.Addr, err)
	}
	return &server{ln: ln, srv: srv, log: log}, nil
}

func (s *server) addr() string { return s.ln.Addr().String() }

func (s *server) serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = s.srv.Shutdown(cctx)
		cancel()
	}()
	err := s.srv.Serve(s.ln)
	if err == nil || errors.Is(err, http.ErrServerClosed) || ctx.Err() != nil {
		return nil
	}
	s.log.Error("gateway server failed", logx.Err(err))
	return err
}

// shutdown stops accepting. Hijacked WebSocket connections are not tracked
// by http.Server; the registry closes those itself.
func (s *server) shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
