// Copyright (c) GitSwarm Authors.
// Licensed under the MIT License.

// Package tlsutil centralizes TLS configuration. The federation
// listener and the outbound authority and hosting clients all get a
// TLS 1.2 floor with AEAD-only cipher suites; outbound clients add a
// connection pool sized for a single upstream.
package tlsutil
