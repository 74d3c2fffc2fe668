package playback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// TestKindOf tests error classification.
func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"not found", fmt.Errorf("chunk 9: %w", ErrNotFound), KindNotFound},
		{"transient helper", Transient(errors.New("503")), KindTransient},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"canceled", context.Canceled, KindStale},
		{"stale", ErrStale, KindStale},
		{"malformed", ErrMalformedTimings, KindMalformedTiming},
		{"exhausted", fmt.Errorf("load: %w", ErrRetriesExhausted), KindUnrecoverable},
		{"explicit kind wins", NewError(KindCalibration, "calibration", "save", -1, ErrNotFound), KindCalibration},
		{"plain error", errors.New("boom"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestErrorFormatting tests Error() and Unwrap().
func TestErrorFormatting(t *testing.T) {
	err := NewError(KindUnknown, "transition", "ensure", 3, Transient(errors.New("timeout")))

	if err.Kind != KindTransient {
		t.Errorf("Kind = %v, want transient", err.Kind)
	}
	if !strings.Contains(err.Error(), "transition: ensure chunk 3") {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, ErrTransient) {
		t.Error("errors.Is should see through the wrapper")
	}

	noChunk := NewError(KindCalibration, "calibration", "load", -1, errors.New("disk"))
	if got := noChunk.Error(); got != "calibration: load: disk" {
		t.Errorf("Error() = %q", got)
	}
}

// TestIsRecoverable tests recoverability.
func TestIsRecoverable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, true},
		{Transient(errors.New("x")), true},
		{ErrNotFound, true},
		{ErrMalformedTimings, true},
		{ErrRetriesExhausted, false},
		{ErrUnsupportedAudio, false},
		{fmt.Errorf("cfg: %w", ErrInvalidConfig), false},
		{ErrSessionClosed, false},
	}

	for _, tt := range tests {
		if got := IsRecoverable(tt.err); got != tt.want {
			t.Errorf("IsRecoverable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
