// Package gtest contains helpers shared across tests in this module.
package gtest

import (
	"log/slog"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
)

// NewLogger returns a logger that writes through t.Log,
// so that output is only shown for failing tests or with -v.
func NewLogger(t testing.TB) *slog.Logger {
	return slogt.New(t, slogt.Text())
}

// timeScale is read once from SEQ_TEST_TIME_SCALE,
// allowing slower machines to stretch test deadlines.
var timeScale = func() float64 {
	s := os.Getenv("SEQ_TEST_TIME_SCALE")
	if s == "" {
		return 1
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		panic("SEQ_TEST_TIME_SCALE must be a positive float")
	}
	return f
}()

// ScaleMs returns ms milliseconds, scaled by SEQ_TEST_TIME_SCALE.
func ScaleMs(ms int64) time.Duration {
	return time.Duration(float64(ms) * timeScale * float64(time.Millisecond))
}

// ReceiveOrTimeout receives a value from ch,
// failing the test if nothing arrives within timeout.
func ReceiveOrTimeout[T any](t testing.TB, ch <-chan T, timeout time.Duration) T {
	t.Helper()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed before receiving a value")
		}
		return v
	case <-timer.C:
		t.Fatalf("no value received within %s", timeout)
	}

	panic("unreachable")
}

// ReceiveSoon is ReceiveOrTimeout with a short default timeout.
func ReceiveSoon[T any](t testing.TB, ch <-chan T) T {
	t.Helper()
	return ReceiveOrTimeout(t, ch, ScaleMs(100))
}

// SendSoon sends v on ch, failing the test if the send blocks too long.
func SendSoon[T any](t testing.TB, ch chan<- T, v T) {
	t.Helper()

	timer := time.NewTimer(ScaleMs(100))
	defer timer.Stop()

	select {
	case ch <- v:
	case <-timer.C:
		t.Fatalf("could not send value within %s", ScaleMs(100))
	}
}

// NotSending fails the test if a value is immediately ready on ch.
func NotSending[T any](t testing.TB, ch <-chan T) {
	t.Helper()

	select {
	case v := <-ch:
		t.Fatalf("expected no value, got %v", v)
	default:
	}
}

// NotSendingSoon fails the test if a value arrives on ch within a short window.
func NotSendingSoon[T any](t testing.TB, ch <-chan T) {
	t.Helper()

	timer := time.NewTimer(ScaleMs(25))
	defer timer.Stop()

	select {
	case v := <-ch:
		t.Fatalf("expected no value, got %v", v)
	case <-timer.C:
	}
}

// WaitClosed fails the test if ch is not closed within timeout.
func WaitClosed[T any](t testing.TB, ch <-chan T, timeout time.Duration) {
	t.Helper()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-timer.C:
			t.Fatalf("channel not closed within %s", timeout)
		}
	}
}
