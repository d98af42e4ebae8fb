// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package testutil holds helpers shared by tests that touch the host kernel.
package testutil

import (
	"os"
	"testing"
)

// VMTestEnv gates tests that create devices or sockets on the host.
const VMTestEnv = "TAGACCT_VM_TEST"

// RequireVM skips the test unless TAGACCT_VM_TEST is set. Such tests mutate
// kernel state (links, netns) and belong in a throwaway VM.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv(VMTestEnv) == "" {
		t.Skipf("Skipping test: requires %s environment", VMTestEnv)
	}
}

// RequireRoot skips the test unless it runs as uid 0.
func RequireRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("Skipping test: requires root")
	}
}
