// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"runtime"
	"testing"
)

// SetHomeDir points the platform's home variable at dir for the rest of the
// test. Build roots and the user config directory resolve under it.
// Tests calling SetHomeDir cannot run in parallel.
func SetHomeDir(t testing.TB, dir string) {
	t.Helper()

	switch runtime.GOOS {
	case "windows":
		t.Setenv("USERPROFILE", dir)
	default:
		t.Setenv("HOME", dir)
	}
	t.Setenv("XDG_CONFIG_HOME", "")
}
