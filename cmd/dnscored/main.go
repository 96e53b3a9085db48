// Command dnscored runs the DNS server: UDP/TCP/TLS transports with TSIG
// authentication, a forwarding query handler built on the client engine,
// the optional SQLite audit store, and the management REST API.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/nodeglade/dnscore/internal/api"
	"github.com/nodeglade/dnscore/internal/audit"
	"github.com/nodeglade/dnscore/internal/config"
	"github.com/nodeglade/dnscore/internal/dns"
	"github.com/nodeglade/dnscore/internal/logging"
	"github.com/nodeglade/dnscore/internal/query"
	"github.com/nodeglade/dnscore/internal/server"
	"github.com/nodeglade/dnscore/internal/spf"
	"github.com/nodeglade/dnscore/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// cliFlags holds parsed command-line flag values.
type cliFlags struct {
	configPath string
	host       string
	port       int
	workers    int
	noTCP      bool
	jsonLogs   bool
	debug      bool
}

// parseFlags parses command-line flags and returns the values.
func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "Path to YAML config file (or set DNSCORE_CONFIG)")
	flag.StringVar(&f.host, "host", "", "Override DNS server bind host")
	flag.IntVar(&f.port, "port", 0, "Override DNS server bind port")
	flag.IntVar(&f.workers, "workers", -1, "Clamp GOMAXPROCS (can only reduce; -1 means default/auto)")
	flag.BoolVar(&f.noTCP, "no-tcp", false, "Disable TCP server")
	flag.BoolVar(&f.jsonLogs, "json-logs", false, "Enable JSON structured logging")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.Parse()
	return f
}

// applyCLIOverrides applies command-line overrides to the config.
func applyCLIOverrides(cfg *config.Config, f cliFlags) {
	if f.host != "" {
		cfg.Server.Host = f.host
	}
	if f.port != 0 {
		cfg.Server.Port = f.port
	}
	if f.workers >= 0 {
		cfg.Server.Workers.Mode = config.WorkersFixed
		cfg.Server.Workers.Value = f.workers
	}
	if f.noTCP {
		cfg.Server.EnableTCP = false
	}
	if f.jsonLogs {
		cfg.Logging.Structured = true
		cfg.Logging.StructuredFormat = "json"
	}
	if f.debug {
		cfg.Logging.Level = "DEBUG"
	}
}

func run() error {
	flags := parseFlags()

	cfg, err := config.Load(config.ResolveConfigPath(flags.configPath))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyCLIOverrides(cfg, flags)

	logger := logging.Configure(logging.Config{
		Level:            cfg.Logging.Level,
		Structured:       cfg.Logging.Structured,
		StructuredFormat: cfg.Logging.StructuredFormat,
		IncludePID:       cfg.Logging.IncludePID,
		ExtraFields:      cfg.Logging.ExtraFields,
	})

	// Optional audit store.
	var store *audit.Store
	if cfg.Audit.Enabled {
		store, err = audit.Open(cfg.Audit.Path)
		if err != nil {
			return fmt.Errorf("failed to open audit store: %w", err)
		}
		defer store.Close()

		keys := make([]audit.KeyInfo, 0, len(cfg.TSIGKeys))
		for _, k := range cfg.TSIGKeys {
			keys = append(keys, audit.KeyInfo{Name: k.Name, Algorithm: k.Algorithm})
		}
		if err := store.SyncKeys(keys); err != nil {
			return fmt.Errorf("failed to sync key metadata: %w", err)
		}
	}

	// Upstream query client: the server's handler forwards through it, and
	// the SPF evaluator resolves through it.
	client, err := newUpstreamClient(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build upstream client: %w", err)
	}
	defer client.Close()

	stats := server.NewDNSStats()
	checker := &spf.Checker{
		Resolver:   &spf.ClientResolver{Client: client},
		MaxLookups: cfg.SPF.MaxLookups,
		Logger:     logger,
	}

	// Management API.
	if cfg.API.Enabled {
		apiSrv := api.New(cfg, logger)
		apiSrv.Handler().SetStats(stats)
		apiSrv.Handler().SetSPFChecker(checker)
		if store != nil {
			apiSrv.Handler().SetAuditStore(store)
		}
		go func() {
			logger.Info("api listening", "addr", apiSrv.Addr())
			if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("api server failed", "err", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = apiSrv.Shutdown(ctx)
		}()
	}

	runner := server.NewRunner(logger)
	runner.Handler = &forwardHandler{client: client}
	runner.Stats = stats
	runner.Hooks = buildHooks(logger, store)

	return runner.Run(cfg)
}

// newUpstreamClient builds the query engine from the query config section.
func newUpstreamClient(cfg *config.Config, logger *slog.Logger) (*query.Client, error) {
	var tlsCfg *transport.TLSConfig
	if cfg.Query.TLS.AuthName != "" {
		tlsCfg = &transport.TLSConfig{AuthName: cfg.Query.TLS.AuthName}
		for _, pin := range cfg.Query.TLS.Pinsets {
			hash, err := base64.StdEncoding.DecodeString(pin.Hash)
			if err != nil {
				return nil, fmt.Errorf("invalid pin hash %q: %w", pin.Hash, err)
			}
			tlsCfg.Pinsets = append(tlsCfg.Pinsets, transport.Pin{Digest: pin.Digest, Hash: hash})
		}
	}

	servers := make([]transport.Server, 0, len(cfg.Query.Servers))
	for _, s := range cfg.Query.Servers {
		host, port := splitHostPort(s, 53)
		srv := transport.Server{Host: host, Port: port}
		if tlsCfg != nil {
			srv.Port = 853
			srv.TLS = tlsCfg
		}
		servers = append(servers, srv)
	}

	return query.NewClient(query.Config{
		Servers:               servers,
		Timeout:               time.Duration(cfg.Query.TimeoutMS) * time.Millisecond,
		ResponseValidation:    cfg.Query.ResponseValidation,
		CaseRandomization0x20: cfg.Query.CaseRandomization0x20,
		ReuseTCP:              cfg.Query.ReuseTCP,
		IdleTimeout:           time.Duration(cfg.Query.IdleTimeoutMS) * time.Millisecond,
		Logger:                logger,
	})
}

// forwardHandler answers queries by forwarding them upstream through the
// client engine. No caching: every query rides the engine's endpoint
// failover and validation rules.
type forwardHandler struct {
	client *query.Client
}

func (f *forwardHandler) HandleQuery(ctx context.Context, req dns.Packet, _ net.Addr, _ string) (dns.Packet, error) {
	if len(req.Questions) == 0 {
		return dns.BuildErrorResponse(req, uint16(dns.RCodeFormErr)), nil
	}

	res, err := f.client.Query(ctx, req.Questions[0])
	if err != nil {
		return dns.Packet{}, err
	}

	resp := res.Packet
	resp.Answers = res.Answers
	resp.Header.SetQR(true)
	resp.Header.SetRA(true)
	return resp, nil
}

// buildHooks wires the server event hooks into logging and, when enabled,
// the audit store.
func buildHooks(logger *slog.Logger, store *audit.Store) server.Hooks {
	return server.Hooks{
		InvalidSignedMessage: func(req dns.Packet, remote net.Addr, verr error) {
			qname := ""
			qtype := 0
			if len(req.Questions) > 0 {
				qname = req.Questions[0].Name
				qtype = int(req.Questions[0].Type)
			}
			logger.Warn("invalid signed message", "remote", addrString(remote), "qname", qname, "err", verr)
			if store != nil {
				_ = store.RecordEvent(audit.Event{
					Transport: "tcp",
					Remote:    addrString(remote),
					QName:     qname,
					QType:     qtype,
					RCode:     int(dns.RCodeNotAuth),
					Source:    "tsig-failure",
					Signed:    true,
					TSIGError: verr.Error(),
				})
			}
		},
		ExceptionThrown: func(err error) {
			logger.Error("handler failure", "err", err)
		},
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// splitHostPort splits "host:port" with a default port for bare hosts.
func splitHostPort(s string, defaultPort int) (string, int) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return s, defaultPort
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil || port <= 0 {
		return host, defaultPort
	}
	return host, port
}
