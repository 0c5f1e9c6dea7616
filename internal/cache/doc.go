// Copyright (c) GitSwarm Authors.
// Licensed under the MIT License.

/*
Package cache backs the authority's sync-ack idempotency markers with
Redis.

Manager owns the go-redis connection: it verifies connectivity on
startup, probes liveness in the background and exposes the SetNX
primitive markers are built on. Dedupe is the applied-event marker set
the flush endpoint consults before applying a batch: MemoryDedupe for
single-node deployments, RedisDedupe to share markers across replicas
through a Manager.

ErrClosed marks use after Close.
*/
package cache
