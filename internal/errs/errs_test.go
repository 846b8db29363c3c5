package errs

import (
	"errors"
	"testing"
)

func TestUnrecoverableKeepsCause(t *testing.T) {
	cause := errors.New("account not connected")
	err := Wrap(Unrecoverable(cause), "route webhook")

	if !IsUnrecoverable(err) {
		t.Fatalf("IsUnrecoverable() = false, want true")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is(cause) = false, want true")
	}
	if err.Error() != "route webhook: account not connected" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestUnrecoverableNil(t *testing.T) {
	if Unrecoverable(nil) != nil {
		t.Fatalf("Unrecoverable(nil) != nil")
	}
	if IsUnrecoverable(errors.New("db down")) {
		t.Fatalf("plain error reported unrecoverable")
	}
}

func TestErrorChainStrings(t *testing.T) {
	root := errors.New("root")
	err := Wrap(Unrecoverable(Wrap(root, "inner")), "outer")

	chain := ErrorChainStrings(err)
	want := []string{"outer: inner: root", "inner: root", "inner: root", "root"}
	if len(chain) != len(want) {
		t.Fatalf("ErrorChainStrings() = %#v", chain)
	}
	for i := range want {
		if chain[i] != want[i] {
			t.Fatalf("ErrorChainStrings()[%d] = %q, want %q", i, chain[i], want[i])
		}
	}
}
