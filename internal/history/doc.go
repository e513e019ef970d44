// SPDX-License-Identifier: MPL-2.0

// Package history keeps the audit trail of script executions inside a
// project directory.
//
// Every execution snapshots the verbatim script under
// .relic/snapshots/<UTC timestamp>_<hash8>/ and appends one Record to the
// configured backend. Records are never edited. Paths in records are
// relative to the project root, so a project can be moved or copied and
// Verify still finds every snapshot.
//
// Layout under the project root:
//
//	.relic/
//	  snapshots/20240102T150405Z_3f2a9c01/calc.py   (mode 0444)
//	  history/records.jsonl                         (jsonl backend)
//	  history/history.db                            (sqlite backend)
package history
