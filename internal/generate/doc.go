// SPDX-License-Identifier: MPL-2.0

// Package generate turns a resolved environment profile and a script into a
// content-addressed container definition.
//
// Generation is deterministic: the same profile and script always render
// the same Dockerfile, and the definition hash covers both the Dockerfile
// and the sanitized script. Host paths in the script are rewritten to their
// container mounts on a copy; the original is never touched.
package generate
