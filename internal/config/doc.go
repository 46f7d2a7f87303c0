// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package config loads the sdrd configuration with precedence
// ENV > file > defaults, validates it and holds it for hot reload.
//
// Reloads only affect sessions started afterwards. A running session keeps the
// pipeline, timeout and escalation settings it was started with.
package config
