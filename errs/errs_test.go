package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesMetadataAndCause(t *testing.T) {
	err := New(
		"delivery",
		CodeValidation,
		WithHTTP(422),
		WithMessage("write endpoint rejected payload"),
		WithField("endpoint", "/api/care-logs"),
		WithField("record_id", "42"),
		WithRemediation("correct the submission before resending"),
		WithCause(errors.New("http 422")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=delivery") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=validation_rejected") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "http=422") {
		t.Fatalf("expected http status in error string: %s", out)
	}
	expectedMeta := "meta=endpoint=\"/api/care-logs\",record_id=\"42\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, "remediation=\"correct the submission before resending\"") {
		t.Fatalf("expected remediation guidance in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"http 422\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithFieldIgnoresBlankKeys(t *testing.T) {
	err := New("queue", CodePersistence, WithField("  ", "x"), WithField("table", " pending_submissions "))
	if len(err.Metadata) != 1 {
		t.Fatalf("expected one metadata entry, got %d", len(err.Metadata))
	}
	if got := err.Metadata["table"]; got != "pending_submissions" {
		t.Fatalf("expected trimmed metadata value, got %q", got)
	}
}

func TestCodeOfWalksWrappedChain(t *testing.T) {
	root := New("queue", CodeStoreUnavailable, WithMessage("open failed"))
	wrapped := fmt.Errorf("start page context: %w", root)
	if got := CodeOf(wrapped); got != CodeStoreUnavailable {
		t.Fatalf("expected store_unavailable, got %q", got)
	}
	if !IsCode(wrapped, CodeStoreUnavailable) {
		t.Fatalf("expected IsCode to match wrapped envelope")
	}
	if IsCode(errors.New("plain"), CodeStoreUnavailable) {
		t.Fatalf("plain errors must not match any code")
	}
	if IsCode(nil, CodeStoreUnavailable) {
		t.Fatalf("nil error must not match any code")
	}
}

func TestHTTPStatus(t *testing.T) {
	err := fmt.Errorf("deliver: %w", New("delivery", CodeTransient, WithHTTP(503)))
	if got := HTTPStatus(err); got != 503 {
		t.Fatalf("expected 503, got %d", got)
	}
	if got := HTTPStatus(errors.New("x")); got != 0 {
		t.Fatalf("expected 0 for plain error, got %d", got)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := New("queue", CodePersistence, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find cause")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
