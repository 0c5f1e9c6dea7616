// Copyright (c) GitSwarm Authors.
// Licensed under the MIT License.

// Package ctxkeys carries per-request identities through context: the
// request id assigned by the HTTP middleware and the agent id extracted
// from the bearer token.
package ctxkeys
