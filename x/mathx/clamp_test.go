package mathx

import (
	"math"
	"testing"
)

func TestAtLeast(t *testing.T) {
	for _, c := range []struct{ v, want int }{
		{math.MinInt, 1000},
		{-5, 1000},
		{0, 1000},
		{500, 1000},
		{999, 1000},
		{1000, 1000},
		{1001, 1001},
		{math.MaxInt, math.MaxInt},
	} {
		if got := AtLeast(c.v, 1000); got != c.want {
			t.Fatalf("AtLeast(%d, 1000) = %d, want %d", c.v, got, c.want)
		}
	}
}

func TestFloorDiv(t *testing.T) {
	for _, c := range []struct{ a, b, want int64 }{
		{5800, 580, 10},
		{579, 580, 0},
		{1159, 580, 1},
		{0, 580, 0},
		{-580, 580, 0},
		{580, 0, 0},
	} {
		if got := FloorDiv(c.a, c.b); got != c.want {
			t.Fatalf("FloorDiv(%d,%d) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}
