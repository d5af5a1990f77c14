package runtimex

import (
	"errors"
	"testing"
)

func TestPanicIfFalse(t *testing.T) {
	t.Run("expect a panic for a false statement", func(t *testing.T) {
		assertPanic(t, func() { PanicIfFalse(1 == 2, "should panic") })
	})
	t.Run("do not expect a panic for a true statement", func(t *testing.T) {
		PanicIfFalse(1 == 0+1, "should not panic")
	})
}

func TestPanicIfTrue(t *testing.T) {
	t.Run("expect a panic for a true statement", func(t *testing.T) {
		assertPanic(t, func() { PanicIfTrue(1 == 0+1, "should panic") })
	})
	t.Run("do not expect a panic for a false statement", func(t *testing.T) {
		PanicIfTrue(1 == 0, "should not panic")
	})
}

func TestPanicOnError(t *testing.T) {
	t.Run("the panic value wraps the original error", func(t *testing.T) {
		bad := errors.New("bad thing")
		defer func() {
			r := recover()
			err, ok := r.(error)
			if !ok {
				t.Fatalf("expected an error value, got %v", r)
			}
			if !errors.Is(err, bad) {
				t.Errorf("expected %v to wrap %v", err, bad)
			}
		}()
		PanicOnError(bad, "should panic")
	})
	t.Run("do not expect a panic for a nil error", func(t *testing.T) {
		PanicOnError(nil, "should not panic")
	})
}

func assertPanic(t *testing.T, f func()) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("expected code to panic")
		}
	}()
	f()
}
