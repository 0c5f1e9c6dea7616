// Copyright (c) GitSwarm Authors.
// Licensed under the MIT License.

// Package archive mirrors the merge audit log into a MongoDB collection
// for long-term retention. Archiving happens after the audit record is
// committed to the primary store and is never on the merge path: an
// archive failure is reported to the caller for logging, not raised into
// the proposal executor's outcome.
package archive
