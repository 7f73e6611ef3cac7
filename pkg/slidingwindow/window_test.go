package slidingwindow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// S5: three transactions for the same card at t=0s, t=30s, t=90s (100 each).
// At t=90s the 1h count window must read 3.
func TestWindow_VelocityCountScenario(t *testing.T) {
	w := New(time.Hour)
	base := time.Unix(1_700_000_000, 0)

	w.Add(base, 100)
	w.Add(base.Add(30*time.Second), 100)
	w.Add(base.Add(90*time.Second), 100)

	assert.Equal(t, 3, w.Count(base.Add(90*time.Second)))
	assert.Equal(t, float64(300), w.Sum(base.Add(90*time.Second)))
}

func TestWindow_EvictsSamplesOutsideSpan(t *testing.T) {
	w := New(time.Minute)
	base := time.Unix(1_700_000_000, 0)

	w.Add(base, 1)
	w.Add(base.Add(30*time.Second), 1)

	assert.Equal(t, 2, w.Count(base.Add(30*time.Second)))

	// 90s later the first sample has aged out of a 1-minute window.
	assert.Equal(t, 1, w.Count(base.Add(90*time.Second)))
}

func TestLocalCache_ReturnsSameWindowForSameKey(t *testing.T) {
	c := NewLocalCache()
	w1 := c.Get("card1\x1fcount\x1f1h", time.Hour)
	w2 := c.Get("card1\x1fcount\x1f1h", time.Hour)
	assert.Same(t, w1, w2)

	w3 := c.Get("card2\x1fcount\x1f1h", time.Hour)
	assert.NotSame(t, w1, w3)
}
