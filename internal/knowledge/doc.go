// SPDX-License-Identifier: MPL-2.0

// Package knowledge loads the historical package knowledge base: which
// versions of which libraries were installable on which interpreter and OS
// release, which base images exist, and which import names map to which
// distributions.
//
// A knowledge base is built from layers that share one CUE schema: an
// embedded or configured base, enterprise overlays, and an optional user
// layer. Layers may be written in CUE, JSON, YAML or TOML. They are deep
// merged with kvtree before the result is validated and frozen into a
// Snapshot, which a Store publishes through an atomic pointer.
package knowledge
