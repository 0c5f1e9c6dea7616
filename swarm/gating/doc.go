// Copyright (c) GitSwarm Authors.
// Licensed under the MIT License.

// Package gating authorizes stream merges. The decision path depends
// on the repo's merge mode and, for gated repos, on whether this
// instance runs disconnected or synced to a remote authority. A synced
// instance never substitutes local judgment for the authority's: when
// the authority cannot be reached the request is queued, not decided.
package gating
