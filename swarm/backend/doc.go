// Copyright (c) GitSwarm Authors.
// Licensed under the MIT License.

// Package backend executes merge, revert and fast-forward-promote
// operations against a repo's configured merge engine. Two engines are
// supported: the local cascading-merge engine (cascade) operating
// directly on repository storage, and a remote code-hosting API
// (remote-api) that models operations as requests.
//
// Each engine implements the same capability set. Capabilities may
// degrade: a remote-api revert is not executable in place and reports
// the remote status flag as authoritative instead.
package backend
