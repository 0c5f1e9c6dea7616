// Copyright (c) GitSwarm Authors.
// Licensed under the MIT License.

/*
Package migration manages the federation schema across PostgreSQL,
MySQL and SQLite using golang-migrate with embedded SQL files.

# Overview

Dialect-specific migrations live under migrations/ and are compiled
into the binary, so gitswarm migrates any supported database without
external files. The schema covers repos, streams, reviews, council
proposals, sync events and merge records.

# Core types

  - Dialect: a supported SQL dialect, resolved from a driver name with
    ParseDialect.
  - Migrator: the operation set, Up/Rollback/Reset/Steps/Goto/Force/
    Status/Close.
  - SchemaMigrator: the golang-migrate backed implementation, opened
    with Open or OpenFromDatabase.
  - SchemaStatus: the current version plus the applied state of every
    known migration.
  - CLI: terminal-formatted wrappers for the migrate subcommand.

Open accepts options: WithTable renames the bookkeeping table and
WithSourceDir swaps the embedded files for a directory on disk.
*/
package migration
