// Copyright (c) GitSwarm Authors.
// Licensed under the MIT License.

/*
Package pool provides bounded-concurrency and buffer-reuse primitives.

WorkerPool runs fire-and-forget tasks on goroutines spawned on demand
up to a fixed cap, with a bounded backlog and idle retirement; the
archive sink uses it to keep MongoDB writes off the merge path without
unbounded goroutine growth. BufferPool recycles byte buffers, dropping
any that grew past a keep cap; the shared Buffers pool captures git
subprocess output.
*/
package pool
