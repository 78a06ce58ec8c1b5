package vmerrors

import (
	"errors"
	"testing"
)

func TestWrapIsMatchableWithErrorsIs(t *testing.T) {
	err := Wrap(ErrTimeout, "vm-123")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected wrapped error to match sentinel via errors.Is")
	}
	if err.Error() != "timeout: vm-123" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}

func TestWrapWithEmptyContextReturnsSentinel(t *testing.T) {
	if Wrap(ErrVMNotFound, "") != ErrVMNotFound {
		t.Fatalf("expected bare sentinel when context is empty")
	}
}
