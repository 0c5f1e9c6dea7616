// Copyright (c) GitSwarm Authors.
// Licensed under the MIT License.

// Package api defines the wire types of the gitswarm federation API.
//
// This package contains the request/response structures shared by the
// authority-side HTTP handlers and the subordinate client, plus the
// unified response envelope.
//
// # API Overview
//
// The federation API serves:
//   - Merge delegation: subordinates submit gated merge requests and
//     receive a merged/deferred/denied decision
//   - Ordered event ingestion: subordinates flush their sync queues in
//     strict per-agent sequence order
//   - Stream and audit read models
//   - A live activity feed over WebSocket
//   - Health monitoring and version info
//
// # Authentication
//
// Federation endpoints require a bearer token in the Authorization
// header. Subordinates mint short-lived HS256 session tokens from the
// shared secret; static tokens are accepted for fixed deployments:
//
//	Authorization: Bearer <token>
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
//
// # Wire Compatibility
//
// The merge-request, decision, event envelope and push receipt bodies
// are type aliases of their swarm/authority definitions. The client and
// server compile against the same structs, so the wire contract cannot
// drift between them.
package api
