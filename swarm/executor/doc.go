// Copyright (c) GitSwarm Authors.
// Licensed under the MIT License.

// Package executor runs passed council proposals against a repo's
// merge backend. Execution is idempotent: an executed proposal replays
// its recorded outcome instead of touching the backend again, and a
// soft backend failure parks the stream without consuming the
// proposal so the operation can be retried.
package executor
