package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeClock(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("time stands still", func(t *testing.T) {
		c := Fake(start)

		require.Equal(t, start, c.Now())
		require.Equal(t, start, c.Now(), "fake time must not move on its own")
	})

	t.Run("advance and set", func(t *testing.T) {
		c := Fake(start)

		c.Advance(90 * time.Second)
		require.Equal(t, start.Add(90*time.Second), c.Now())

		c.Set(start)
		require.Equal(t, start, c.Now())
	})

	t.Run("ticker fires on advance", func(t *testing.T) {
		c := Fake(start)
		ticker := c.NewTicker(time.Minute)
		defer ticker.Stop()

		c.Advance(59 * time.Second)
		select {
		case <-ticker.C:
			t.Fatal("ticker must not fire before interval elapsed")
		default:
		}

		c.Advance(time.Second)
		select {
		case got := <-ticker.C:
			require.Equal(t, start.Add(time.Minute), got)
		default:
			t.Fatal("ticker should fire when interval elapsed")
		}
	})

	t.Run("slow consumer drops ticks", func(t *testing.T) {
		c := Fake(start)
		ticker := c.NewTicker(time.Minute)
		defer ticker.Stop()

		c.Advance(5 * time.Minute)

		require.Len(t, ticker.C, 1, "only one tick is buffered")
	})

	t.Run("stopped ticker never fires", func(t *testing.T) {
		c := Fake(start)
		ticker := c.NewTicker(time.Minute)
		ticker.Stop()

		c.Advance(time.Hour)

		require.Len(t, ticker.C, 0)
	})

	t.Run("non positive interval panics", func(t *testing.T) {
		c := Fake(start)

		require.Panics(t, func() { c.NewTicker(0) })
	})
}
