package firmware

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKind_Retryable(t *testing.T) {
	tests := []struct {
		kind      Kind
		retryable bool
	}{
		{StorageRead, true},
		{StorageWrite, true},
		{StorageErase, true},
		{InvalidOffset, false},
		{VersionTooLong, false},
		{VersionMismatch, false},
		{SessionNotOpen, false},
		{ChecksumMismatch, false},
		{PayloadTooLarge, false},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			if got := tt.kind.Retryable(); got != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestError_IsAndKindOf(t *testing.T) {
	err := opError("write", InvalidOffset, 12, []byte("v1"), errors.New("expected offset 8"))
	wrapped := fmt.Errorf("transfer: %w", err)

	if !errors.Is(wrapped, ErrInvalidOffset) {
		t.Error("wrapped error should match ErrInvalidOffset")
	}
	if errors.Is(wrapped, ErrChecksumMismatch) {
		t.Error("wrapped error should not match ErrChecksumMismatch")
	}
	if got := KindOf(wrapped); got != InvalidOffset {
		t.Errorf("KindOf = %v, want InvalidOffset", got)
	}
	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Errorf("KindOf(plain) = %v", got)
	}

	msg := err.Error()
	for _, want := range []string{"write", "invalid_offset", `"v1"`, "offset 12", "expected offset 8"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q should contain %q", msg, want)
		}
	}
}
