package model

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestAPIError_Error(t *testing.T) {
	err := &APIError{Code: ErrNotFound, Message: "run 'run_123' not found"}
	want := "NOT_FOUND: run 'run_123' not found"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("run", "run_abc")
	if err.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", err.Code, ErrNotFound)
	}
	if err.Message != "run 'run_abc' not found" {
		t.Errorf("Message = %q", err.Message)
	}
}

func TestNewValidationError(t *testing.T) {
	err := NewValidationError("Invalid request",
		FieldError{Field: "graph", Message: "required"},
		FieldError{Field: "experimentName", Message: "required"},
	)
	if err.Code != ErrValidation {
		t.Errorf("Code = %q, want %q", err.Code, ErrValidation)
	}
	if len(err.Details) != 2 {
		t.Errorf("Details length = %d, want 2", len(err.Details))
	}
}

func TestHasCode_Wrapped(t *testing.T) {
	err := fmt.Errorf("materialize: %w", UnresolvedParameter("Q"))
	if !HasCode(err, CodeUnresolvedParameter) {
		t.Error("expected UnresolvedParameter to be found through wrapping")
	}
	if HasCode(err, CodeModuleCycle) {
		t.Error("unexpected ModuleCycle match")
	}
	if !HasKind(err, KindValidation) {
		t.Error("expected validation kind")
	}
	var e *Error
	if !errors.As(err, &e) || e.Subject != "Q" {
		t.Errorf("errors.As subject = %v", e)
	}
}

func TestAggregatedValidationError(t *testing.T) {
	agg := &AggregatedValidationError{Diagnostics: []*Error{
		MissingParameter("train", "lr"),
		ModuleCycle([]string{"a", "b", "a"}),
	}}
	if !HasCode(agg, CodeModuleCycle) {
		t.Error("aggregate should unwrap to ModuleCycle")
	}
	if !HasCode(agg, CodeMissingParameter) {
		t.Error("aggregate should unwrap to MissingParameter")
	}
	if !strings.Contains(agg.Error(), "2 problem(s)") {
		t.Errorf("Error() = %q", agg.Error())
	}
}

func TestNodeFailed(t *testing.T) {
	err := NodeFailed("score", 3)
	if err.ExitCode != 3 || err.Kind != KindExecution {
		t.Errorf("got %+v", err)
	}
	if !strings.Contains(err.Error(), "exited with code 3") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestInvalidTransitionError(t *testing.T) {
	err := &InvalidTransitionError{
		Entity: "node",
		ID:     "n1",
		From:   "Completed",
		To:     "Pending",
	}
	want := "invalid node state transition: Completed → Pending (entity n1)"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
