// SPDX-License-Identifier: MPL-2.0

// Package resolve turns a detection result into an environment profile:
// a base image chosen by scoring the knowledge base's image rules, and one
// pinned, aliased, guessed or unresolved entry per imported library.
package resolve
