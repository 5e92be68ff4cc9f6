package xerrors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

type hasStack interface{ StackPCs() []uintptr }
type hasPC interface{ PC() uintptr }

func TestNew_CapturesStack(t *testing.T) {
	err := New("boom")
	if err.Error() != "boom" {
		t.Fatalf("Error() = %q, want boom", err.Error())
	}

	var hs hasStack
	if !errors.As(err, &hs) {
		t.Fatal("New error does not carry a stack")
	}
	if len(hs.StackPCs()) == 0 {
		t.Fatal("captured stack is empty")
	}
}

func TestNewf_Formats(t *testing.T) {
	err := Newf("bad value %d", 42)
	if err.Error() != "bad value 42" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestWrap_PrefixesAndUnwraps(t *testing.T) {
	base := errors.New("inner")
	err := Wrap(base, "outer")

	if err.Error() != "outer: inner" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !errors.Is(err, base) {
		t.Fatal("wrapped error does not unwrap to base")
	}

	var hp hasPC
	if !errors.As(err, &hp) || hp.PC() == 0 {
		t.Fatal("wrap site PC not recorded")
	}
}

func TestWrap_NilPassthrough(t *testing.T) {
	if Wrap(nil, "msg") != nil {
		t.Fatal("Wrap(nil) != nil")
	}
	if Wrapf(nil, "msg %d", 1) != nil {
		t.Fatal("Wrapf(nil) != nil")
	}
	if WithStack(nil) != nil {
		t.Fatal("WithStack(nil) != nil")
	}
	if EnsureTrace(nil) != nil {
		t.Fatal("EnsureTrace(nil) != nil")
	}
}

func TestEnsureTrace_Idempotent(t *testing.T) {
	err := New("already stacked")
	if got := EnsureTrace(err); got != err {
		t.Fatal("EnsureTrace re-wrapped an error that already has a stack")
	}

	plain := errors.New("plain")
	got := EnsureTrace(plain)
	if got == plain {
		t.Fatal("EnsureTrace did not add a stack to a plain error")
	}
	var hs hasStack
	if !errors.As(got, &hs) || len(hs.StackPCs()) == 0 {
		t.Fatal("EnsureTrace result has no stack")
	}
}

func TestEnsureTrace_SeesStackThroughWrapping(t *testing.T) {
	inner := New("inner")
	wrapped := fmt.Errorf("outer: %w", inner)
	if got := EnsureTrace(wrapped); got != wrapped {
		t.Fatal("EnsureTrace re-stacked an error whose chain already has one")
	}
}

func TestWrapf_MessageChain(t *testing.T) {
	base := errors.New("db down")
	err := Wrapf(Wrap(base, "query"), "handler %s", "GET /x")

	want := "handler GET /x: query: db down"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
	if !strings.Contains(err.Error(), "db down") {
		t.Fatal("root cause missing from message")
	}
}
