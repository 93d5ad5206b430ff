package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapPreservesCauseAndCode(t *testing.T) {
	cause := stdErrors.New("connection refused")
	err := Wrap(CodeStorageFailure, cause, "写入任务失败")

	if CodeOf(err) != CodeStorageFailure {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("wrapped cause should be reachable via errors.Is")
	}
	if err.Error() == "" || err.Message() != "写入任务失败" {
		t.Fatalf("unexpected message: %q", err.Message())
	}
}

func TestIsMatchesByCode(t *testing.T) {
	sentinel := New(CodeNotFound, "task not found")
	wrapped := fmt.Errorf("outer: %w", New(CodeNotFound, "another message"))

	if !stdErrors.Is(wrapped, sentinel) {
		t.Fatalf("errors with the same code should match")
	}
	other := New(CodeConflict, "conflict")
	if stdErrors.Is(other, sentinel) {
		t.Fatalf("different codes must not match")
	}
}

func TestRegisteredAttributesDriveAlerting(t *testing.T) {
	const code Code = "TEST_ONLY_CODE"
	Register(code, Attributes{
		Message:  "test only",
		Severity: SeverityWarning,
		Alert:    true,
	})

	err := New(code, "")
	if err.Message() != "test only" {
		t.Fatalf("empty message should fall back to registry: %q", err.Message())
	}
	if !ShouldAlert(err) || SeverityOf(err) != SeverityWarning {
		t.Fatalf("registered attributes not applied: alert=%v severity=%s", ShouldAlert(err), SeverityOf(err))
	}

	plain := stdErrors.New("plain")
	if ShouldAlert(plain) {
		t.Fatalf("plain errors must not alert")
	}
	if CodeOf(plain) != CodeUnknown {
		t.Fatalf("plain errors map to UNKNOWN, got %s", CodeOf(plain))
	}
}

func TestMetadataIsCopied(t *testing.T) {
	err := New(CodeUpstreamFailure, "boom", WithMetadata("provider", "deepseek"))
	meta := err.Metadata()
	meta["provider"] = "tampered"
	if err.Metadata()["provider"] != "deepseek" {
		t.Fatalf("metadata must be copy-on-read")
	}
}
