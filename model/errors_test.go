package model

import "testing"

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "worker missing"}
	want := "NOT_FOUND: worker missing"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestNewNotFoundError(t *testing.T) {
	e := NewNotFoundError("resource missing")
	if e.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", e.Code, ErrNotFound)
	}
	if e.Message != "resource missing" {
		t.Errorf("Message = %q, want %q", e.Message, "resource missing")
	}
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "type", Code: "REQUIRED", Message: "type is required"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Field != "type" {
		t.Errorf("Details[0].Field = %q, want %q", e.Details[0].Field, "type")
	}
}

func TestNewDispatchError(t *testing.T) {
	e := NewDispatchError("publish failed")
	if e.Code != ErrDispatchError {
		t.Errorf("Code = %q, want %q", e.Code, ErrDispatchError)
	}
}

func TestNewWorkerTimeoutError(t *testing.T) {
	e := NewWorkerTimeoutError("no result within 120s")
	if e.Code != ErrWorkerTimeout {
		t.Errorf("Code = %q, want %q", e.Code, ErrWorkerTimeout)
	}
}

func TestNewNodeLifecycleError(t *testing.T) {
	e := NewNodeLifecycleError("pod create rejected")
	if e.Code != ErrNodeLifecycleError {
		t.Errorf("Code = %q, want %q", e.Code, ErrNodeLifecycleError)
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(NewConflictError("dup")); got != ErrConflict {
		t.Errorf("CodeOf(conflict) = %q, want %q", got, ErrConflict)
	}
	if got := CodeOf(errPlain{}); got != ErrInternalError {
		t.Errorf("CodeOf(plain error) = %q, want %q", got, ErrInternalError)
	}
}

func TestIsCode(t *testing.T) {
	err := NewWorkerTimeoutError("slow")
	if !IsCode(err, ErrWorkerTimeout) {
		t.Error("IsCode(timeout, WORKER_TIMEOUT) = false, want true")
	}
	if IsCode(err, ErrNotFound) {
		t.Error("IsCode(timeout, NOT_FOUND) = true, want false")
	}
	if IsCode(errPlain{}, ErrInternalError) {
		t.Error("IsCode(plain error) = true, want false")
	}
}

type errPlain struct{}

func (errPlain) Error() string { return "plain" }
