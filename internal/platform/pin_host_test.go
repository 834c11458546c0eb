//go:build !rp2040 && !rp2350

package platform

import (
	"testing"

	"rangefinder-go/errcode"
)

func TestOpenPinUnknownName(t *testing.T) {
	_, err := OpenPin("no-such-pin-42")
	if err == nil {
		t.Fatal("expected error for unknown pin")
	}
	if c := errcode.Of(err); c != errcode.UnknownPin && c != errcode.PinFault {
		t.Fatalf("unexpected code %q (%v)", c, err)
	}
}

func TestHostInitIsIdempotent(t *testing.T) {
	first, second := HostInit(), HostInit()
	if (first == nil) != (second == nil) || (first != nil && first.Error() != second.Error()) {
		t.Fatalf("HostInit changed result: %v then %v", first, second)
	}
}
