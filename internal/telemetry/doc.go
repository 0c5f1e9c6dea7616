// Copyright (c) GitSwarm Authors.
// Licensed under the MIT License.

// Package telemetry wraps OpenTelemetry SDK initialization, installing
// the global TracerProvider and MeterProvider for the federation
// service. When telemetry is disabled the globals stay noop and no
// external connection is made.
package telemetry
