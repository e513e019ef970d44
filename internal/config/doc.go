// SPDX-License-Identifier: MPL-2.0

// Package config handles relic configuration using Viper with CUE as the file format.
//
// Configuration is loaded from ~/.config/relic/config.cue (or the XDG equivalent on
// Linux, ~/Library/Application Support/relic/config.cue on macOS, %APPDATA%\relic\config.cue
// on Windows), validated against the embedded #Config schema and merged over the
// defaults. RELIC_* environment variables override both, e.g. RELIC_HISTORY_BACKEND
// for history.backend.
package config
