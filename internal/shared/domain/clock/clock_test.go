package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRealClock_IsDefault(t *testing.T) {
	t.Cleanup(Reset)

	before := time.Now().UTC().Add(-time.Second)
	now := Now()
	after := time.Now().UTC().Add(time.Second)

	assert.True(t, now.After(before) && now.Before(after))
}

func TestFixedClock(t *testing.T) {
	t.Cleanup(Reset)

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	Set(FixedClock{Time: fixed})

	assert.Equal(t, fixed, Now())
	assert.Equal(t, fixed, Now(), "fixed clock does not advance")
}

func TestSteppingClock_Advance(t *testing.T) {
	t.Cleanup(Reset)

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewSteppingClock(start)
	Set(c)

	assert.Equal(t, start, Now())

	c.Advance(48 * time.Hour)
	assert.Equal(t, start.Add(48*time.Hour), Now())
}
