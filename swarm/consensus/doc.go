// Copyright (c) GitSwarm Authors.
// Licensed under the MIT License.

// Package consensus decides whether a stream's reviews clear its
// repo's weighted approval quorum. Evaluation always flushes the sync
// queue first: approving against undelivered review state could pass a
// stream whose latest reviews were rejections.
package consensus
