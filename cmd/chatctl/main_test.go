package main

import (
	"strings"
	"testing"

	"github.com/matheus3301/chatcore/internal/account"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCmd()
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestQueueAndSweepOnEmptyAccount(t *testing.T) {
	t.Setenv(account.HomeEnv, t.TempDir())
	t.Setenv("CHATCORE_IDENTITY_USER_ID", "u1")

	if err := execute(t, "queue"); err != nil {
		t.Fatalf("queue error = %v", err)
	}
	if err := execute(t, "sweep", "--json"); err != nil {
		t.Fatalf("sweep error = %v", err)
	}
	jsonOutput = false
}

func TestTypingRejectsUnknownState(t *testing.T) {
	t.Setenv(account.HomeEnv, t.TempDir())

	err := execute(t, "typing", "c1", "maybe")
	if err == nil || !strings.Contains(err.Error(), "on or off") {
		t.Errorf("typing maybe error = %v", err)
	}
}

func TestDirectWithoutIdentityIsUnauthenticated(t *testing.T) {
	t.Setenv(account.HomeEnv, t.TempDir())
	t.Setenv("CHATCORE_IDENTITY_USER_ID", "")

	err := execute(t, "direct", "u2")
	if err == nil || !strings.Contains(err.Error(), "unauthenticated") {
		t.Errorf("direct error = %v, want unauthenticated", err)
	}
}

func TestInvalidAccountName(t *testing.T) {
	t.Setenv(account.HomeEnv, t.TempDir())

	err := execute(t, "queue", "--account", "Bad/Name")
	if err == nil || !strings.Contains(err.Error(), "invalid account name") {
		t.Errorf("error = %v, want invalid account name", err)
	}
	accountFlag = ""
}
