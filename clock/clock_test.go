package clock_test

import (
	"testing"
	"time"

	"github.com/neuroacq/neuroacq/clock"
)

func TestIncrementingAdvancesPerRead(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := clock.NewIncrementing(start, time.Millisecond)
	for i := 0; i < 5; i++ {
		want := start.Add(time.Duration(i) * time.Millisecond)
		if got := c.Now(); !got.Equal(want) {
			t.Errorf("read %d: got %v, want %v", i, got, want)
		}
	}
}

func TestWallIsRoughlyNow(t *testing.T) {
	before := time.Now()
	got := clock.Wall().Now()
	after := time.Now()
	if got.Before(before) || got.After(after) {
		t.Errorf("wall clock reading %v outside [%v, %v]", got, before, after)
	}
}
