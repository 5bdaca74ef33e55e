package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

func TestFakeAdvanceFiresInDeadlineOrder(t *testing.T) {
	t.Parallel()

	c := NewFake(epoch)
	var order []string
	c.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	c.AfterFunc(time.Second, func() { order = append(order, "a") })
	c.AfterFunc(5*time.Second, func() { order = append(order, "late") })

	c.Advance(3 * time.Second)

	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, epoch.Add(3*time.Second), c.Now())
	assert.Equal(t, 1, c.Pending())
}

func TestFakeStop(t *testing.T) {
	t.Parallel()

	c := NewFake(epoch)
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })

	require.True(t, tm.Stop())
	require.False(t, tm.Stop())
	c.Advance(time.Minute)
	assert.False(t, fired)
}

func TestFakeStopAfterFire(t *testing.T) {
	t.Parallel()

	c := NewFake(epoch)
	tm := c.AfterFunc(time.Second, func() {})
	c.Advance(time.Second)
	assert.False(t, tm.Stop())
}

func TestFakeRearmInsideCallback(t *testing.T) {
	t.Parallel()

	c := NewFake(epoch)
	var ticks []time.Time
	var arm func()
	arm = func() {
		c.AfterFunc(time.Minute, func() {
			ticks = append(ticks, c.Now())
			arm()
		})
	}
	arm()

	c.Advance(3 * time.Minute)

	require.Len(t, ticks, 3)
	assert.Equal(t, epoch.Add(3*time.Minute), ticks[2])
}
