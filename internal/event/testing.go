package event

import (
	"testing"
	"time"
)

// ReceiveWithTimeout reads one value from ch or fails the test.
func ReceiveWithTimeout[T any](t *testing.T, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case value, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed before receiving a value")
		}
		return value
	case <-time.After(timeout):
		t.Fatalf("timed out after %s waiting for value", timeout)
	}
	var zero T
	return zero
}

// ExpectClosed drains ch until it closes or fails the test on timeout.
// It returns the values drained before the close.
func ExpectClosed[T any](t *testing.T, ch <-chan T, timeout time.Duration) []T {
	t.Helper()
	var drained []T
	deadline := time.After(timeout)
	for {
		select {
		case value, ok := <-ch:
			if !ok {
				return drained
			}
			drained = append(drained, value)
		case <-deadline:
			t.Fatalf("timed out after %s waiting for channel close", timeout)
			return drained
		}
	}
}
