package server

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"runtime"
	"time"
)

// TLSServer handles DNS queries over DNS-over-TLS (RFC 7858, default port
// 853). It is the TCP server with a TLS handshake in front: the same
// length-prefixed framing, per-IP limits, and pipelining rules apply, and
// connection handling is delegated to the shared TCP machinery with the
// "tls" transport label.
type TLSServer struct {
	Logger  *slog.Logger  // Optional logger
	Handler *QueryHandler // Query processor

	// Certificates is the server certificate chain presented to clients.
	Certificates []tls.Certificate
	// MinVersion defaults to TLS 1.2.
	MinVersion uint16

	inner *TCPServer
}

// Run starts TLS listeners (one per CPU core with SO_REUSEPORT) on addr and
// blocks until ctx is cancelled.
func (s *TLSServer) Run(ctx context.Context, addr string) error {
	minVersion := s.MinVersion
	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}
	tlsCfg := &tls.Config{
		Certificates: s.Certificates,
		MinVersion:   minVersion,
	}

	s.inner = &TCPServer{
		Logger:    s.Logger,
		Handler:   s.Handler,
		transport: "tls",
	}
	s.inner.mu.Lock()
	s.inner.connPerIP = map[string]int{}
	s.inner.mu.Unlock()

	socketCount := runtime.NumCPU()
	listeners := make([]net.Listener, 0, socketCount)
	for range socketCount {
		ln, err := listenTCPReusePort(ctx, addr)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return err
		}
		tlsLn := tls.NewListener(ln, tlsCfg)
		listeners = append(listeners, tlsLn)

		listener := tlsLn
		s.inner.wg.Go(func() {
			s.inner.acceptLoop(ctx, listener)
		})
	}
	s.inner.listeners = listeners

	<-ctx.Done()
	return s.Stop(5 * time.Second)
}

// Stop gracefully shuts down the TLS server.
func (s *TLSServer) Stop(timeout time.Duration) error {
	if s.inner == nil {
		return nil
	}
	return s.inner.Stop(timeout)
}
