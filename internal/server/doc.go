// Copyright (c) GitSwarm Authors.
// Licensed under the MIT License.

/*
Package server manages the HTTP/HTTPS lifecycle of the federation API:
non-blocking startup, graceful shutdown, and signal handling.

Manager wraps net/http.Server with a bounded listener and an async
failure channel. Start returns immediately and serves in a background
goroutine; WaitForShutdown blocks on SIGINT/SIGTERM or a serve failure
and then drains in-flight requests within the configured grace period.

Config controls the listen address, timeouts, the request header cap,
and the concurrent connection cap enforced through
x/net/netutil.LimitListener; zero fields take package defaults. A
certificate pair in the config switches the manager to HTTPS with the
hardened profile from the tlsutil package.
*/
package server
