// Copyright (c) GitSwarm Authors.
// Licensed under the MIT License.

// Package authority implements the federation client used by
// subordinate instances to reach their remote authority: merge
// delegation, ordered event push, and a cached connectivity probe.
package authority
