// Copyright (c) GitSwarm Authors.
// Licensed under the MIT License.

/*
Package metrics provides Prometheus metrics for the federation engine,
covering HTTP serving, the merge pipeline, sync traffic and database
health.

# Overview

Collector registers all metric vectors under one namespace through
promauto, so callers never manage a Registry by hand. A nil *Collector
records nothing, which lets components treat metrics as an optional
collaborator.

# Metric groups

  - HTTP: request totals, duration and body-size histograms grouped by
    method and path, with status codes bucketed as 2xx/3xx/4xx/5xx.
  - Merge pipeline: merge executions by backend and outcome, authority
    decisions by status, and gating decisions by repo mode and outcome.
  - Sync: events applied and rejected by type, flush attempts by
    result, and a per-agent queue depth gauge.
  - Database: open and idle connection gauges and a query duration
    histogram grouped by database and operation.
*/
package metrics
