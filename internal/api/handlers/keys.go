package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/nodeglade/dnscore/internal/api/models"
	"github.com/nodeglade/dnscore/internal/audit"
)

// Keys godoc
// @Summary List TSIG keys
// @Description Returns the names and algorithms of configured TSIG keys. Secrets are never exposed.
// @Tags tsig
// @Produce json
// @Success 200 {object} models.KeysResponse
// @Failure 503 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /keys [get]
func (h *Handler) Keys(c *gin.Context) {
	h.mu.RLock()
	store := h.store
	h.mu.RUnlock()

	// Without an audit store, fall back to the live configuration.
	if store == nil {
		keys := make([]audit.KeyInfo, 0, len(h.cfg.TSIGKeys))
		for _, k := range h.cfg.TSIGKeys {
			keys = append(keys, audit.KeyInfo{Name: k.Name, Algorithm: k.Algorithm})
		}
		c.JSON(http.StatusOK, models.KeysResponse{Keys: keys})
		return
	}

	keys, err := store.ListKeys()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.KeysResponse{Keys: keys})
}

// Events godoc
// @Summary Recent query events
// @Description Returns the most recent query and TSIG-failure events from the audit ring.
// @Tags audit
// @Produce json
// @Param limit query int false "maximum events to return" default(100)
// @Success 200 {object} models.EventsResponse
// @Failure 503 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /events [get]
func (h *Handler) Events(c *gin.Context) {
	h.mu.RLock()
	store := h.store
	h.mu.RUnlock()
	if store == nil {
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: "audit store disabled"})
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = min(n, 10000)
		}
	}

	events, err := store.RecentEvents(limit)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.EventsResponse{Events: events})
}
