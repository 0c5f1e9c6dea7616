// Copyright (c) GitSwarm Authors.
// Licensed under the MIT License.

/*
Package handlers implements the HTTP request handlers of the gitswarm
federation authority.

# Overview

The handlers serve two audiences. Subordinate agents speak the strict
federation wire contract: merge delegation, ordered event pushes and
the WebSocket activity feed, all of which exchange bare wire DTOs.
Operators and dashboards use the enveloped read models and health
endpoints.

# Core types

  - FederationHandler: merge delegation, event ingestion, stream and
    audit read models
  - Feed: WebSocket fan-out of applied events and merge decisions,
    non-blocking for publishers
  - HealthHandler: service health checks (/health, /healthz, /ready)
  - Response: uniform JSON envelope (success + data + error + timestamp)
  - ErrorInfo: structured error with code, message and retryable flag
  - ResponseWriter: wraps http.ResponseWriter to capture the status code
  - HealthCheck: pluggable readiness probe (store, cache, archiver)

# Capabilities

  - Uniform responses: WriteSuccess / WriteError / WriteJSON helpers
  - Domain error translation: store, consensus and executor sentinels
    map to HTTP statuses through WriteDomainError
  - Request validation: DecodeJSONBody (1 MB cap + strict fields),
    ValidateContentType
  - Merge safety: singleflight deduplication per repo/stream and
    per-stream execution locks
  - Idempotent ingestion: per-agent sequence markers acknowledge
    replayed events without reapplying them
*/
package handlers
