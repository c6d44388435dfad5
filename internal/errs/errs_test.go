package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf_WrappedChain(t *testing.T) {
	base := E(KindNotFound, "drive.stat", "file abc")
	wrapped := fmt.Errorf("acquire: %w", base)

	if got := KindOf(wrapped); got != KindNotFound {
		t.Fatalf("expected not_found, got %q", got)
	}
	if !Is(wrapped, KindNotFound) {
		t.Fatal("Is should match through fmt wrapping")
	}
	if Is(nil, KindNotFound) {
		t.Fatal("nil error must not match any kind")
	}
}

func TestKindOf_DeadlineIsTimeout(t *testing.T) {
	err := fmt.Errorf("download: %w", context.DeadlineExceeded)
	if KindOf(err) != KindTimeout {
		t.Fatalf("expected timeout, got %q", KindOf(err))
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"timeout", E(KindTimeout, "op", ""), true},
		{"transport", Wrap(KindTransport, "op", errors.New("reset")), true},
		{"rate limited", E(KindRateLimited, "op", ""), true},
		{"not found", E(KindNotFound, "op", ""), false},
		{"too large", E(KindTooLarge, "op", ""), false},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestReason(t *testing.T) {
	if got := Reason(E(KindTooShort, "processor", "1.2s")); got != "too short" {
		t.Errorf("unexpected reason %q", got)
	}
	if got := Reason(Wrapf(KindSink, "sink.append", errors.New("disk full"), "sheet %s", "Sheet1")); got != "sink: sheet Sheet1" {
		t.Errorf("unexpected reason %q", got)
	}
	if got := Reason(errors.New("plain")); got != "plain" {
		t.Errorf("unexpected reason %q", got)
	}
}

func TestWrap_NilCause(t *testing.T) {
	if Wrap(KindSink, "op", nil) != nil {
		t.Fatal("Wrap(nil) must return nil")
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestNetwork(t *testing.T) {
	if !Is(Network("get", timeoutErr{}), KindTimeout) {
		t.Error("net timeout should map to timeout")
	}
	if !Is(Network("get", errors.New("connection refused")), KindTransport) {
		t.Error("generic failure should map to transport")
	}
	if err := Network("get", context.Canceled); !errors.Is(err, context.Canceled) || KindOf(err) != KindUnknown {
		t.Errorf("cancellation should pass through, got %v", err)
	}
	if Network("get", nil) != nil {
		t.Error("nil should stay nil")
	}
}
