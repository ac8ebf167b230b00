package agent

import "testing"

func TestTailBufferKeepsLastBytes(t *testing.T) {
	t.Parallel()

	tb := newTailBuffer(8)
	_, _ = tb.Write([]byte("hello"))
	if got := tb.String(); got != "hello" {
		t.Fatalf("expected hello, got %q", got)
	}

	_, _ = tb.Write([]byte(" world"))
	if got := tb.String(); got != "lo world" {
		t.Fatalf("expected wrapped tail, got %q", got)
	}

	_, _ = tb.Write([]byte("0123456789"))
	if got := tb.String(); got != "23456789" {
		t.Fatalf("expected oversized write tail, got %q", got)
	}
}
