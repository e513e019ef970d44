// SPDX-License-Identifier: MPL-2.0

// Package pipeline wires detection, resolution, generation and execution
// into the single service the CLI and the HTTP API drive.
package pipeline
