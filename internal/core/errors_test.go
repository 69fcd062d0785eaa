package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestDomainError_Retryability(t *testing.T) {
	if IsRetryable(ErrConfiguration(CodeNoPhases, "no phases")) {
		t.Fatalf("configuration errors must not be retryable")
	}
	if !IsRetryable(ErrRetryableStep(CodeStepTimeout, "deadline exceeded")) {
		t.Fatalf("step failures must be retryable")
	}
	if IsRetryable(ErrFatalPhase(CodeSchemaMismatch, "bad shape")) {
		t.Fatalf("fatal phase failures must not be retryable")
	}
	if !IsRetryable(ErrPoolBusy("tenant-a", "mapper")) {
		t.Fatalf("pool busy must be retryable")
	}
}

func TestDomainError_CategoryThroughWrapping(t *testing.T) {
	inner := ErrFatalPhase(CodeMissingInput, "field list missing")
	wrapped := fmt.Errorf("running phase: %w", inner)

	if GetCategory(wrapped) != ErrCatFatal {
		t.Fatalf("expected fatal category through wrapping, got %s", GetCategory(wrapped))
	}
	var domErr *DomainError
	if !errors.As(wrapped, &domErr) {
		t.Fatalf("expected errors.As to find DomainError")
	}
	if domErr.Code != CodeMissingInput {
		t.Fatalf("expected code %s, got %s", CodeMissingInput, domErr.Code)
	}
}

func TestDomainError_Is(t *testing.T) {
	err := ErrSessionTerminated("s1")
	target := &DomainError{Category: ErrCatTerminated, Code: CodeSessionTerminated}
	if !errors.Is(err, target) {
		t.Fatalf("expected terminated errors to match by category and code")
	}
}

func TestGetCategory_Unknown(t *testing.T) {
	if GetCategory(errors.New("plain")) != ErrCatInternal {
		t.Fatalf("expected internal category for plain errors")
	}
}
