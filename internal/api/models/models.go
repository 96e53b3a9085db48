// Package models defines the request and response bodies of the management
// REST API.
package models

import "github.com/nodeglade/dnscore/internal/audit"

// StatusResponse is a simple status payload.
type StatusResponse struct {
	Status string `json:"status"`
}

// ErrorResponse carries an error message.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MemoryStats reports system memory usage.
type MemoryStats struct {
	TotalMB     float64 `json:"total_mb"`
	FreeMB      float64 `json:"free_mb"`
	UsedMB      float64 `json:"used_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// CPUStats reports system CPU usage.
type CPUStats struct {
	NumCPU      int     `json:"num_cpu"`
	UsedPercent float64 `json:"used_percent"`
	IdlePercent float64 `json:"idle_percent"`
}

// DNSStats reports DNS query counters.
type DNSStats struct {
	QueriesTotal uint64  `json:"queries_total"`
	QueriesUDP   uint64  `json:"queries_udp"`
	QueriesTCP   uint64  `json:"queries_tcp"`
	ResponsesNX  uint64  `json:"responses_nxdomain"`
	ResponsesErr uint64  `json:"responses_error"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// ServerStatsResponse is the /stats payload.
type ServerStatsResponse struct {
	UptimeSeconds float64     `json:"uptime_seconds"`
	Memory        MemoryStats `json:"memory"`
	CPU           CPUStats    `json:"cpu"`
	DNS           DNSStats    `json:"dns"`
}

// KeysResponse lists configured TSIG key metadata. Secrets never appear.
type KeysResponse struct {
	Keys []audit.KeyInfo `json:"keys"`
}

// EventsResponse lists recent audit events, newest first.
type EventsResponse struct {
	Events []audit.Event `json:"events"`
}

// SPFCheckRequest asks for one SPF evaluation.
type SPFCheckRequest struct {
	IP     string `json:"ip"     binding:"required"`
	Sender string `json:"sender" binding:"required"`
	Helo   string `json:"helo"`
	Domain string `json:"domain"`
}

// SPFCheckResponse is the evaluation outcome.
type SPFCheckResponse struct {
	Result      string `json:"result"`
	Explanation string `json:"explanation,omitempty"`
	Lookups     int    `json:"lookups"`
}
