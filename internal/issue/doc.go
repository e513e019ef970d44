// SPDX-License-Identifier: MPL-2.0

// Package issue provides the error taxonomy and actionable error handling.
//
// Every error the core returns carries a Kind (AnalysisUncertain,
// UnresolvedDependency, GenerationError, OrchestrationError,
// HistoryWriteError), remediation suggestions, and a Markdown help page that
// the CLI renders with glamour.
package issue
