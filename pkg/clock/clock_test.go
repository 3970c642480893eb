package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeSleepAdvances(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	assert.NoError(t, f.Sleep(context.Background(), 5*time.Second))
	assert.Equal(t, start.Add(5*time.Second), f.Now())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.Sleep(ctx, time.Hour), context.Canceled)
	assert.Equal(t, start.Add(5*time.Second), f.Now(), "a cancelled sleep does not advance")
}

func TestRealSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Real().Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, Real().Sleep(context.Background(), time.Millisecond))
}
