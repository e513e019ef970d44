// SPDX-License-Identifier: MPL-2.0

// Package testutil holds helpers shared by relic's tests.
package testutil
