package server

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/nodeglade/dnscore/internal/config"
	tsigpkg "github.com/nodeglade/dnscore/internal/tsig"
)

// Runner orchestrates the DNS server startup, configuration, and shutdown.
type Runner struct {
	logger *slog.Logger

	// Handler is the user query hook every transport dispatches to.
	Handler Handler
	// Hooks are the optional event callbacks.
	Hooks Hooks
	// Stats, when non-nil, collects per-transport query counters.
	Stats *DNSStats
}

// NewRunner creates a new server runner with the given logger.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{logger: logger}
}

// Run starts the DNS server with the given configuration.
//
// Server lifecycle:
//  1. Configure runtime (GOMAXPROCS based on workers setting)
//  2. Load the TSIG key ring from configuration
//  3. Start UDP and optionally TCP/TLS servers
//  4. Wait for shutdown signal (SIGINT/SIGTERM)
//  5. Gracefully stop servers with timeout
func (r *Runner) Run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	// Configure GOMAXPROCS based on worker settings
	desiredProcs := r.configureRuntime(cfg)

	// Calculate concurrency limits
	maxConc := r.calculateMaxConcurrency(cfg, desiredProcs)

	keys, err := LoadKeyRing(cfg.TSIGKeys)
	if err != nil {
		return err
	}

	timeout := time.Duration(cfg.Server.TimeoutMS) * time.Millisecond
	h := &QueryHandler{
		Logger:  r.logger,
		Handler: r.Handler,
		Hooks:   r.Hooks,
		Stats:   r.Stats,
		Timeout: timeout,
	}
	if len(keys) > 0 {
		h.Keys = keys
	}

	limiter := NewRateLimiter(RateLimitSettings{
		CleanupSeconds:   cfg.RateLimit.CleanupSeconds,
		MaxIPEntries:     cfg.RateLimit.MaxIPEntries,
		MaxPrefixEntries: cfg.RateLimit.MaxPrefixEntries,
		GlobalQPS:        cfg.RateLimit.GlobalQPS,
		GlobalBurst:      cfg.RateLimit.GlobalBurst,
		PrefixQPS:        cfg.RateLimit.PrefixQPS,
		PrefixBurst:      cfg.RateLimit.PrefixBurst,
		IPQPS:            cfg.RateLimit.IPQPS,
		IPBurst:          cfg.RateLimit.IPBurst,
	})

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	r.logStartup(cfg, addr, maxConc, len(keys))

	// Start servers
	udp := &UDPServer{Logger: r.logger, Handler: h, Limiter: limiter, WorkersPerSocket: maxConc}
	var tcp *TCPServer
	if cfg.Server.EnableTCP {
		tcp = &TCPServer{Logger: r.logger, Handler: h}
	}
	var tlsSrv *TLSServer
	if cfg.Server.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		if err != nil {
			return fmt.Errorf("server: load TLS key pair: %w", err)
		}
		tlsSrv = &TLSServer{Logger: r.logger, Handler: h, Certificates: []tls.Certificate{cert}}
	}

	errCh := make(chan error, 3)
	go func() { errCh <- udp.Run(ctx, addr) }()
	if tcp != nil {
		go func() { errCh <- tcp.Run(ctx, addr) }()
	}
	if tlsSrv != nil {
		tlsAddr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.TLS.Port))
		go func() { errCh <- tlsSrv.Run(ctx, tlsAddr) }()
	}

	// Wait for shutdown or error
	select {
	case <-ctx.Done():
		// shutdown requested via signal
	case err := <-errCh:
		if err != nil {
			cancelRun()
			return err
		}
	}

	// Graceful shutdown
	stopTimeout := 5 * time.Second
	_ = udp.Stop(stopTimeout)
	if tcp != nil {
		_ = tcp.Stop(stopTimeout)
	}
	if tlsSrv != nil {
		_ = tlsSrv.Stop(stopTimeout)
	}
	return nil
}

// LoadKeyRing decodes the configured TSIG keys into a verifier key ring.
func LoadKeyRing(entries []config.TSIGKeyConfig) (tsigpkg.KeyRing, error) {
	keys := make([]tsigpkg.Key, 0, len(entries))
	for i, e := range entries {
		secret, err := base64.StdEncoding.DecodeString(e.Secret)
		if err != nil {
			return nil, fmt.Errorf("server: tsig_keys[%d] secret is not valid base64: %w", i, err)
		}
		keys = append(keys, tsigpkg.Key{Name: e.Name, Algorithm: e.Algorithm, Secret: secret})
	}
	return tsigpkg.NewKeyRing(keys), nil
}

// configureRuntime sets GOMAXPROCS based on worker configuration.
// Workers can reduce but never increase parallelism beyond the default.
func (r *Runner) configureRuntime(cfg *config.Config) int {
	baseProcs := runtime.GOMAXPROCS(0)
	if baseProcs <= 0 {
		baseProcs = 1
	}
	desiredProcs := baseProcs

	if cfg.Server.Workers.Mode == config.WorkersFixed {
		w := cfg.Server.Workers.Value
		if w <= 0 {
			w = 1
		}
		if w < desiredProcs {
			desiredProcs = w
		}
	}

	prev := runtime.GOMAXPROCS(desiredProcs)
	actual := runtime.GOMAXPROCS(0)
	if r.logger != nil {
		r.logger.Info("runtime", "gomaxprocs", actual, "prev", prev, "base", baseProcs)
	}
	return actual
}

// calculateMaxConcurrency determines the maximum concurrent request handlers.
func (r *Runner) calculateMaxConcurrency(cfg *config.Config, procs int) int {
	maxConc := cfg.Server.MaxConcurrency
	if maxConc <= 0 {
		c := procs
		if c <= 0 {
			c = 1
		}
		maxConc = c * 256
		if maxConc > 2048 {
			maxConc = 2048
		}
		if maxConc < 1 {
			maxConc = 1
		}
	}
	return maxConc
}

// logStartup logs server configuration at startup.
func (r *Runner) logStartup(cfg *config.Config, addr string, maxConc, keyCount int) {
	if r.logger != nil {
		r.logger.Info(
			"dns listening",
			"addr", addr,
			"udp", true,
			"tcp", cfg.Server.EnableTCP,
			"tls", cfg.Server.TLS.Enabled,
			"tsig_keys", keyCount,
			"max_concurrency", maxConc,
		)
	}
}
