package errcode

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodesAreStableStrings(t *testing.T) {
	cases := map[string]Code{
		"ok":             OK,
		"invalid_params": InvalidParams,
		"timeout":        Timeout,
		"pin_fault":      PinFault,
		"unknown_pin":    UnknownPin,
		"closed":         Closed,
		"error":          Error,
	}
	for want, c := range cases {
		if c.Error() != want {
			t.Fatalf("code %q mismatch: got %q", want, c.Error())
		}
	}
}

func TestOfUnwrapsChains(t *testing.T) {
	cause := errors.New("gpio: busy")
	e := Wrap(PinFault, "configure_input", cause)

	if got := Of(nil); got != OK {
		t.Fatalf("Of(nil) = %q", got)
	}
	if got := Of(e); got != PinFault {
		t.Fatalf("Of(E) = %q", got)
	}
	if got := Of(fmt.Errorf("cycle: %w", e)); got != PinFault {
		t.Fatalf("Of(wrapped E) = %q", got)
	}
	if got := Of(Closed); got != Closed {
		t.Fatalf("Of(Code) = %q", got)
	}
	if got := Of(cause); got != Error {
		t.Fatalf("Of(plain) = %q", got)
	}
	if !errors.Is(e, cause) {
		t.Fatal("errors.Is should reach the cause")
	}
	if !errors.Is(e, PinFault) || errors.Is(e, Timeout) {
		t.Fatal("errors.Is should match on code only")
	}
}

func TestErrorText(t *testing.T) {
	cases := []struct {
		e    *E
		want string
	}{
		{&E{C: Timeout}, "timeout"},
		{&E{C: Timeout, Op: "await_rising"}, "timeout (await_rising)"},
		{&E{C: PinFault, Op: "set", Err: errors.New("io")}, "pin_fault (set): io"},
		{&E{C: InvalidParams, Msg: "nil pin", Err: errors.New("ignored")}, "invalid_params: nil pin"},
	}
	for _, c := range cases {
		if got := c.e.Error(); got != c.want {
			t.Fatalf("Error() = %q, want %q", got, c.want)
		}
	}
}
