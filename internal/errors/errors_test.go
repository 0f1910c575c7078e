package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapPreservesCodeAndCause(t *testing.T) {
	cause := stdErrors.New("dial tcp: connection refused")
	err := Wrap(CodeUpstreamFailure, cause, "read balance", WithMetadata("ledger", "base"))

	wrapped := fmt.Errorf("cycle: %w", err)
	if CodeOf(wrapped) != CodeUpstreamFailure {
		t.Fatalf("unexpected code %s", CodeOf(wrapped))
	}
	if !stdErrors.Is(wrapped, cause) {
		t.Fatal("expected cause to be reachable through errors.Is")
	}
	if !stdErrors.Is(wrapped, New(CodeUpstreamFailure, "")) {
		t.Fatal("expected code match through errors.Is")
	}
	if got := err.Metadata()["ledger"]; got != "base" {
		t.Fatalf("unexpected metadata %q", got)
	}
}

func TestAttributeOverrides(t *testing.T) {
	const code Code = "TEST_ONLY_CODE"
	Register(code, Attributes{Message: "test", Severity: SeverityInfo, Retryable: true})

	err := New(code, "", WithRetryable(false), WithAlert(true), WithSeverity(SeverityCritical))
	if err.Message() != "test" {
		t.Fatalf("expected registered default message, got %q", err.Message())
	}
	if RetryableError(err) {
		t.Fatal("override should disable retry")
	}
	if !ShouldAlert(err) {
		t.Fatal("override should enable alert")
	}
	if SeverityOf(err) != SeverityCritical {
		t.Fatalf("unexpected severity %s", SeverityOf(err))
	}
}

func TestUnknownErrorsFallBack(t *testing.T) {
	plain := stdErrors.New("boom")
	if CodeOf(plain) != CodeUnknown {
		t.Fatalf("expected UNKNOWN, got %s", CodeOf(plain))
	}
	if RetryableError(plain) {
		t.Fatal("plain errors are not retryable")
	}
	if AttributesOf("NEVER_REGISTERED").Severity != SeverityCritical {
		t.Fatal("unregistered codes should fall back to UNKNOWN attributes")
	}
}
