package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nodeglade/dnscore/internal/api/models"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Health godoc
// @Summary Health check
// @Description Returns server health status
// @Tags system
// @Produce json
// @Success 200 {object} models.StatusResponse
// @Router /health [get]
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, models.StatusResponse{Status: "ok"})
}

// Stats godoc
// @Summary Server statistics
// @Description Returns runtime statistics including system CPU usage, memory usage, and DNS metrics
// @Tags system
// @Produce json
// @Success 200 {object} models.ServerStatsResponse
// @Security ApiKeyAuth
// @Router /stats [get]
func (h *Handler) Stats(c *gin.Context) {
	uptime := time.Since(h.startTime)

	// Get system memory stats
	memStats := models.MemoryStats{}
	if vmStat, err := mem.VirtualMemory(); err == nil {
		memStats.TotalMB = float64(vmStat.Total) / 1024 / 1024
		memStats.FreeMB = float64(vmStat.Available) / 1024 / 1024
		memStats.UsedMB = float64(vmStat.Used) / 1024 / 1024
		memStats.UsedPercent = vmStat.UsedPercent
	}

	// Get system CPU stats (average over 200ms sample)
	cpuStats := models.CPUStats{
		NumCPU: runtime.NumCPU(),
	}
	if cpuPercent, err := cpu.Percent(200*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		cpuStats.UsedPercent = cpuPercent[0]
		cpuStats.IdlePercent = 100.0 - cpuPercent[0]
	}

	dnsStats := models.DNSStats{}
	h.mu.RLock()
	stats := h.stats
	h.mu.RUnlock()
	if stats != nil {
		snap := stats.Snapshot()
		dnsStats = models.DNSStats{
			QueriesTotal: snap.QueriesTotal,
			QueriesUDP:   snap.QueriesUDP,
			QueriesTCP:   snap.QueriesTCP,
			ResponsesNX:  snap.ResponsesNX,
			ResponsesErr: snap.ResponsesErr,
			AvgLatencyMs: snap.AvgLatencyMs,
		}
	}

	c.JSON(http.StatusOK, models.ServerStatsResponse{
		UptimeSeconds: uptime.Seconds(),
		Memory:        memStats,
		CPU:           cpuStats,
		DNS:           dnsStats,
	})
}
