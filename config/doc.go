// Copyright (c) GitSwarm Authors.
// Licensed under the MIT License.

// Package config provides gitswarm configuration management.
//
// It covers loading from defaults, YAML files and environment
// variables, plus runtime hot reload with rollback and a change
// history. The HTTP surface over the Reloader lives in api/handlers.
package config
