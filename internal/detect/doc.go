// SPDX-License-Identifier: MPL-2.0

// Package detect classifies a Python script as legacy (Python 2) or modern
// (Python 3) and extracts the libraries it imports.
//
// Detection is a ranked chain of strategies. The structural strategy parses
// the script with pyparse and accepts only valid Python 3; legacy markers
// found alongside a clean parse still win and lower the confidence to
// medium. The pattern strategy scans comment-stripped lines and survives
// syntax errors. Detection is pure and never fails: when nothing matches the
// result is Unknown and Result.Err reports AnalysisUncertain.
package detect
