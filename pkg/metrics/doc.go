/*
Package metrics holds the process-wide Prometheus collectors for the
master's registry and allocator, the worker's heartbeat and execution
path, and the client engine's dispatch loop. Collectors are registered
in init() and exposed by Handler(), which callers mount at /metrics.
*/
package metrics
