// SPDX-License-Identifier: MPL-2.0

package main

import cmd "github.com/relicrun/relic/cmd/relic"

func main() {
	cmd.Execute()
}
