// Copyright (c) GitSwarm Authors.
// Licensed under the MIT License.

// Package flow provides a load-adaptive handoff buffer. The archive
// sink uses it as the admission queue between the merge path and the
// MongoDB writers: capacity grows under merge bursts and shrinks back
// as the consumer catches up.
package flow
