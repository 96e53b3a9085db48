package handlers

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nodeglade/dnscore/internal/api/models"
)

// SPFCheck godoc
// @Summary Evaluate SPF
// @Description Runs the SPF evaluator for a client IP and sender, returning the result qualifier and the number of DNS lookups spent.
// @Tags spf
// @Accept json
// @Produce json
// @Param request body models.SPFCheckRequest true "evaluation input"
// @Success 200 {object} models.SPFCheckResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 503 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /spf/check [post]
func (h *Handler) SPFCheck(c *gin.Context) {
	h.mu.RLock()
	checker := h.spfChecker
	h.mu.RUnlock()
	if checker == nil {
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: "spf evaluator disabled"})
		return
	}

	var req models.SPFCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}

	ip := net.ParseIP(req.IP)
	if ip == nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid ip"})
		return
	}

	domain := req.Domain
	if domain == "" {
		// Default to the sender's domain part.
		if at := strings.LastIndexByte(req.Sender, '@'); at >= 0 {
			domain = req.Sender[at+1:]
		}
	}
	if domain == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "sender has no domain and no domain was given"})
		return
	}

	out := checker.CheckHost(c.Request.Context(), ip, domain, req.Sender, req.Helo)
	c.JSON(http.StatusOK, models.SPFCheckResponse{
		Result:      out.Result.String(),
		Explanation: out.Explanation,
		Lookups:     out.Lookups,
	})
}
