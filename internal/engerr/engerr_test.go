package engerr

import (
	"errors"
	"testing"
)

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(cause, Connection, "dial failed")
	if CodeOf(err) != Connection {
		t.Fatalf("expected Connection code, got %s", CodeOf(err))
	}
	if !errors.Is(err, err) {
		t.Fatal("self-equality broken")
	}
	var asErr *Error
	if !errors.As(err, &asErr) {
		t.Fatal("expected errors.As to find *Error")
	}
	if asErr.Unwrap() == nil {
		t.Fatal("expected non-nil unwrapped cause")
	}
}

func TestCodeOfDefaultsToSystem(t *testing.T) {
	if CodeOf(errors.New("plain")) != System {
		t.Fatal("expected System for a plain error")
	}
}
