// Copyright (c) GitSwarm Authors.
// Licensed under the MIT License.

// Package store provides persistent storage for the federation engine's
// governance state: repos, streams, reviews, council proposals, the sync
// event queue, and the merge audit log.
//
// Supported backends:
// - Memory: for development and testing (default)
// - Gorm: SQLite/PostgreSQL/MySQL for single-node and shared deployments
// - Redis: for distributed deployments
package store
