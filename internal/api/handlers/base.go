// Package handlers implements the REST API endpoint handlers for dnscore.
//
// @title dnscore Management API
// @version 1.0
// @description REST API exposing health, runtime statistics, TSIG key metadata, and SPF evaluation.
//
// @contact.name dnscore
// @contact.url https://github.com/nodeglade/dnscore
//
// @license.name MIT
// @license.url https://opensource.org/licenses/MIT
//
// @host localhost:8080
// @BasePath /api/v1
//
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
package handlers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nodeglade/dnscore/internal/audit"
	"github.com/nodeglade/dnscore/internal/config"
	"github.com/nodeglade/dnscore/internal/server"
	"github.com/nodeglade/dnscore/internal/spf"
)

// Handler contains dependencies for API handlers.
type Handler struct {
	cfg       *config.Config
	logger    *slog.Logger
	startTime time.Time

	// Runtime components (set after server starts)
	stats      *server.DNSStats
	store      *audit.Store
	spfChecker *spf.Checker
	mu         sync.RWMutex
}

// New creates a new Handler with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:       cfg,
		logger:    logger,
		startTime: time.Now(),
	}
}

// SetStats wires the DNS statistics collector for /stats.
func (h *Handler) SetStats(s *server.DNSStats) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats = s
}

// SetAuditStore wires the audit store for /keys and /events.
func (h *Handler) SetAuditStore(s *audit.Store) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.store = s
}

// SetSPFChecker wires the SPF evaluator for /spf/check.
func (h *Handler) SetSPFChecker(c *spf.Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.spfChecker = c
}
