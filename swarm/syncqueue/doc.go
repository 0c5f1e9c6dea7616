// Copyright (c) GitSwarm Authors.
// Licensed under the MIT License.

// Package syncqueue provides the durable, ordered log of local events
// awaiting delivery to the remote authority. Events flush strictly in
// sequence order and a failed event halts the flush so nothing is ever
// delivered out of order.
package syncqueue
