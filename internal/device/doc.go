// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package device describes the physical capture devices sdrd coordinates.
//
// Detection itself is performed by an external collaborator that implements
// Lister; this package only models its output, the closed set of supported
// hardware kinds, and the per-kind addressing capability used when a capture
// command is built for a claimed device.
package device
