// Package tester holds the small assertion helpers shared by package tests.
package tester

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func fail(t *testing.T, detail string, msgAndArgs []any) {
	t.Helper()
	if len(msgAndArgs) > 0 {
		msg := sprint(msgAndArgs[0])
		if format, ok := msgAndArgs[0].(string); ok && len(msgAndArgs) > 1 {
			msg = fmt.Sprintf(format, msgAndArgs[1:]...)
		}
		t.Fatalf("%s: %s", msg, detail)
	}
	t.Fatal(detail)
}

// Eq asserts that got equals want using reflect.DeepEqual.
func Eq[T any](t *testing.T, got, want T, msgAndArgs ...any) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		fail(t, "got="+sprint(got)+" want="+sprint(want), msgAndArgs)
	}
}

// True asserts that cond is true.
func True(t *testing.T, cond bool, msgAndArgs ...any) {
	t.Helper()
	if !cond {
		fail(t, "expected condition to be true", msgAndArgs)
	}
}

// False asserts that cond is false.
func False(t *testing.T, cond bool, msgAndArgs ...any) {
	t.Helper()
	if cond {
		fail(t, "expected condition to be false", msgAndArgs)
	}
}

// NoErr asserts that err is nil.
func NoErr(t *testing.T, err error, msgAndArgs ...any) {
	t.Helper()
	if err != nil {
		fail(t, "unexpected error: "+err.Error(), msgAndArgs)
	}
}

// ErrIs asserts that errors.Is(err, target) holds.
func ErrIs(t *testing.T, err, target error, msgAndArgs ...any) {
	t.Helper()
	if !errors.Is(err, target) {
		fail(t, "error "+sprint(err)+" is not "+sprint(target), msgAndArgs)
	}
}

// Contains asserts that s contains substr.
func Contains(t *testing.T, s, substr string, msgAndArgs ...any) {
	t.Helper()
	if !strings.Contains(s, substr) {
		fail(t, sprint(s)+" does not contain "+sprint(substr), msgAndArgs)
	}
}

func sprint(v any) string { return fmt.Sprintf("%v", v) }
