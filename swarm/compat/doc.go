// Copyright (c) GitSwarm Authors.
// Licensed under the MIT License.

// Package compat surfaces plugin tier compatibility diagnostics for
// federated repos. It is an observability contract only: nothing in
// this package blocks or alters merge and consensus behavior.
package compat
