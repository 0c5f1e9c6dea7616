// Copyright (c) GitSwarm Authors.
// Licensed under the MIT License.

/*
Package database manages the SQL connection pool behind the federation
store.

PoolManager applies PoolConfig's idle/open limits and lifetimes to the
sql.DB behind a gorm handle, probes connectivity on an interval and
publishes open/idle gauges through the metrics collector. Its Transact
method runs a function inside a transaction and retries transient
failures (deadlocks, serialization aborts, dropped connections) with
exponential backoff; the gorm store routes its contended writes through
it.
*/
package database
