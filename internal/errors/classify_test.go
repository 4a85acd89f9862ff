package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestClassifyMessageKeywordOrder(t *testing.T) {
	cases := []struct {
		msg  string
		want Category
	}{
		{"insufficient funds for gas * price + value", CategoryInsufficientFunds},
		{"balance too low", CategoryInsufficientFunds},
		{"network unreachable", CategoryNetwork},
		{"request timeout after 30s", CategoryNetwork},
		{"invalid address", CategoryUserInput},
		{"bad number format", CategoryUserInput},
		{"please retry later", CategoryRetryable},
		{"execution reverted", CategoryFatal},
		// insufficient 先于 timeout 命中。
		{"insufficient balance after timeout", CategoryInsufficientFunds},
	}
	for _, tc := range cases {
		if got := ClassifyMessage(tc.msg); got != tc.want {
			t.Errorf("ClassifyMessage(%q) = %s, want %s", tc.msg, got, tc.want)
		}
	}
}

func TestClassifyPrefersCategoryCode(t *testing.T) {
	err := Wrap(CodeNetwork, stdErrors.New("invalid response"), "rpc call failed")
	if got := Classify(err); got != CategoryNetwork {
		t.Fatalf("expected network category, got %s", got)
	}

	wrapped := fmt.Errorf("step 2: %w", New(CodeInsufficientFunds, ""))
	if got := Classify(wrapped); got != CategoryInsufficientFunds {
		t.Fatalf("expected insufficient funds, got %s", got)
	}

	if got := Classify(nil); got != "" {
		t.Fatalf("expected empty category for nil, got %s", got)
	}
}

func TestErrorAttributes(t *testing.T) {
	err := New(CodeNetwork, "")
	if !err.Retryable() {
		t.Fatal("network errors should be retryable")
	}
	if err.Message() != "network failure" {
		t.Fatalf("unexpected default message %q", err.Message())
	}
	override := New(CodeNetwork, "rpc down", WithRetryable(false), WithMetadata("step", "1"))
	if override.Retryable() {
		t.Fatal("retryable override ignored")
	}
	if override.Metadata()["step"] != "1" {
		t.Fatalf("metadata missing: %v", override.Metadata())
	}
	if !stdErrors.Is(fmt.Errorf("ctx: %w", override), New(CodeNetwork, "other")) {
		t.Fatal("errors.Is should match by code")
	}
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatal("plain errors should map to UNKNOWN")
	}
}

func TestCategoryOverrideAndLateRegistration(t *testing.T) {
	custom := Code("LATE_CODE")
	early := New(custom, "")
	Register(custom, Attributes{Message: "late", Severity: SeverityInfo, Category: CategoryRetryable, Retryable: true})
	if early.Message() != "late" || !early.Retryable() || Classify(early) != CategoryRetryable {
		t.Fatalf("attributes should resolve at read time: %q retryable=%v", early.Message(), early.Retryable())
	}

	forced := Wrap(CodeStorageFailure, stdErrors.New("timeout"), "write", WithCategory(CategoryFatal))
	if got := Classify(forced); got != CategoryFatal {
		t.Fatalf("explicit category ignored, got %s", got)
	}
	if got := Classify(Wrap(CodeStorageFailure, stdErrors.New("timeout"), "write")); got != CategoryNetwork {
		t.Fatalf("uncategorised code should fall back to keywords, got %s", got)
	}
}
