package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAppErrorPredicates(t *testing.T) {
	wrapped := fmt.Errorf("lookup: %w", NewNotFoundError("conversation not found"))
	if !IsNotFound(wrapped) {
		t.Fatal("expected wrapped not-found error to match")
	}
	if IsInvalidInput(wrapped) {
		t.Fatal("not-found must not match invalid input")
	}
	if got := CodeOf(wrapped); got != CodeNotFound {
		t.Errorf("CodeOf = %s, want %s", got, CodeNotFound)
	}
	if got := CodeOf(errors.New("plain")); got != CodeInternal {
		t.Errorf("CodeOf(plain) = %s, want %s", got, CodeInternal)
	}
}

func TestAppErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := NewInternalErrorWithCause("append message", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to be reachable through Unwrap")
	}
	if err.Error() != "[INTERNAL_ERROR] append message: disk full" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !IsForbidden(NewForbiddenError("tenant mismatch")) {
		t.Error("expected forbidden")
	}
	if !IsAlreadyExists(NewAlreadyExistsError("dup")) {
		t.Error("expected already exists")
	}
}
