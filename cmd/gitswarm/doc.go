// Copyright (c) GitSwarm Authors.
// Licensed under the MIT License.

/*
Package main is the gitswarm executable: the federation authority
server plus its operational subcommands.

Subcommands:

  - serve: run the authority HTTP API and the metrics endpoint
  - migrate: database schema migrations (up/down/steps/goto/...)
  - version: print build information
  - health: probe a running instance's /health endpoint

serve wires the full authority stack from one YAML config: governance
store (memory, gorm or redis), merge backends (cascade and, when a
hosting API is configured, remote-api), consensus evaluator, proposal
executor, the federation handlers, and the optional MongoDB audit
archiver. Two internal/server.Manager instances carry the API and the
Prometheus /metrics listener; shutdown drains them in order on
SIGINT/SIGTERM.

Every API request passes through the middleware chain built here:
panic recovery, request ids, security headers, request logging,
Prometheus timing, OpenTelemetry spans, CORS, per-IP rate limiting and
bearer-token authentication. Version, BuildTime and GitCommit are
injected at build time via ldflags.
*/
package main
