package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus formats metrics in Prometheus text format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	sb.WriteString("# HELP gateway_uptime_seconds Time since gateway started\n")
	sb.WriteString("# TYPE gateway_uptime_seconds gauge\n")
	sb.WriteString(fmt.Sprintf("gateway_uptime_seconds %d\n", snap.Uptime))
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_requests_total Total number of gateway calls by operation\n")
	sb.WriteString("# TYPE gateway_requests_total counter\n")
	for _, op := range sortedKeys(snap.TotalRequests) {
		sb.WriteString(fmt.Sprintf("gateway_requests_total{operation=%q} %d\n", op, snap.TotalRequests[op]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_request_errors_total Total number of failed gateway calls by operation\n")
	sb.WriteString("# TYPE gateway_request_errors_total counter\n")
	for _, op := range sortedKeys(snap.RequestErrors) {
		sb.WriteString(fmt.Sprintf("gateway_request_errors_total{operation=%q} %d\n", op, snap.RequestErrors[op]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_request_duration_ms_total Total request duration in milliseconds\n")
	sb.WriteString("# TYPE gateway_request_duration_ms_total counter\n")
	for _, op := range sortedKeys(snap.TotalRequestsDur) {
		sb.WriteString(fmt.Sprintf("gateway_request_duration_ms_total{operation=%q} %d\n", op, snap.TotalRequestsDur[op]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_rate_limit_hits_total Total number of rate limit rejections\n")
	sb.WriteString("# TYPE gateway_rate_limit_hits_total counter\n")
	sb.WriteString(fmt.Sprintf("gateway_rate_limit_hits_total %d\n", snap.RateLimitHits))
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_rate_limit_by_user_total Rate limit hits by user\n")
	sb.WriteString("# TYPE gateway_rate_limit_by_user_total counter\n")
	for _, user := range sortedKeys(snap.RateLimitByUser) {
		// Mask user IDs for privacy
		sb.WriteString(fmt.Sprintf("gateway_rate_limit_by_user_total{user=%q} %d\n", maskUserID(user), snap.RateLimitByUser[user]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_upstream_responses_total Upstream responses by HTTP status\n")
	sb.WriteString("# TYPE gateway_upstream_responses_total counter\n")
	for _, status := range sortedKeys(snap.UpstreamByStatus) {
		sb.WriteString(fmt.Sprintf("gateway_upstream_responses_total{status=%q} %d\n", status, snap.UpstreamByStatus[status]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_upstream_transport_failures_total Upstream calls that never produced a status\n")
	sb.WriteString("# TYPE gateway_upstream_transport_failures_total counter\n")
	sb.WriteString(fmt.Sprintf("gateway_upstream_transport_failures_total %d\n", snap.UpstreamTransport))
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_sweep_runs_total Completed retention sweeps\n")
	sb.WriteString("# TYPE gateway_sweep_runs_total counter\n")
	sb.WriteString(fmt.Sprintf("gateway_sweep_runs_total %d\n", snap.SweepRuns))
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_sweep_deleted_rows_total Ledger rows deleted by retention sweeps\n")
	sb.WriteString("# TYPE gateway_sweep_deleted_rows_total counter\n")
	sb.WriteString(fmt.Sprintf("gateway_sweep_deleted_rows_total %d\n", snap.SweepDeleted))
	sb.WriteString("\n")

	return sb.String()
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func maskUserID(userID string) string {
	if len(userID) <= 4 {
		return "user_***"
	}
	return "user_***" + userID[len(userID)-4:]
}
