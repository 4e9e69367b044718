/*
Package metrics provides Prometheus metrics collection and exposition
for halvor's agent daemon: peer mesh membership, sync cycle duration,
agent protocol RPC volume, and join/verify outcomes. Metrics are
exposed via the Handler HTTP endpoint for scraping.

Naming follows the halvor_<subsystem>_<noun>_<unit> convention:

	halvor_peers_total{status}
	halvor_sync_cycles_total
	halvor_sync_cycle_duration_seconds
	halvor_sync_failures_total{peer}
	halvor_agent_requests_total{kind,outcome}
	halvor_agent_request_duration_seconds{kind}
	halvor_join_attempts_total{outcome}
	halvor_join_duration_seconds
	halvor_verify_attempts_total
*/
package metrics
