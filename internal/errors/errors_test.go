// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// TestAppErrorMessage verifies Error() formatting with and without a cause.
func TestAppErrorMessage(t *testing.T) {
	plain := New(ErrNoConnectivity, "device is offline")
	if got := plain.Error(); got != "[NO_CONNECTIVITY] device is offline" {
		t.Errorf("Error() = %q", got)
	}

	wrapped := Wrap(ErrStorage, "failed to persist outbox", errors.New("disk full"))
	if !strings.Contains(wrapped.Error(), "disk full") {
		t.Errorf("Error() = %q, want cause included", wrapped.Error())
	}
	if !errors.Is(wrapped, wrapped.Err) {
		t.Error("Unwrap() should expose the cause")
	}
}

// TestIsMatchesThroughWrapping verifies Is follows fmt.Errorf and nested AppErrors.
func TestIsMatchesThroughWrapping(t *testing.T) {
	inner := New(ErrPayloadTooLarge, "413 from collector")
	outer := Wrap(ErrTransport, "submission failed", inner)
	viaFmt := fmt.Errorf("pass: %w", outer)

	if !Is(viaFmt, ErrTransport) {
		t.Error("Is(ErrTransport) = false, want true")
	}
	if !Is(viaFmt, ErrPayloadTooLarge) {
		t.Error("Is(ErrPayloadTooLarge) = false, want true for nested AppError")
	}
	if Is(viaFmt, ErrStorage) {
		t.Error("Is(ErrStorage) = true, want false")
	}
	if Is(errors.New("plain"), ErrStorage) {
		t.Error("Is() on a plain error should be false")
	}
	if Is(nil, ErrStorage) {
		t.Error("Is(nil) should be false")
	}
}

// TestCodeOf verifies the outermost code is reported.
func TestCodeOf(t *testing.T) {
	if got := CodeOf(Wrap(ErrValidation, "bad payload", nil)); got != ErrValidation {
		t.Errorf("CodeOf() = %s, want %s", got, ErrValidation)
	}
	if got := CodeOf(errors.New("x")); got != ErrInternal {
		t.Errorf("CodeOf(plain) = %s, want %s", got, ErrInternal)
	}
}
