// SPDX-License-Identifier: MPL-2.0

// Package api serves the relic pipeline over HTTP for `relic serve`.
//
// Routes:
//
//	POST /v1/analyze             classify a script
//	POST /v1/resolve             classify and resolve a script
//	POST /v1/runs                start an execution
//	GET  /v1/runs                list executions started by this server
//	GET  /v1/runs/{id}           execution summary
//	GET  /v1/runs/{id}/logs      WebSocket: replay then follow log events
//	POST /v1/runs/{id}/cancel    cancel an execution
//	GET  /v1/history             audit records of a project
//	POST /v1/knowledge/reload    re-read the knowledge layers
//	GET  /metrics                Prometheus metrics
//	GET  /healthz                liveness
package api
