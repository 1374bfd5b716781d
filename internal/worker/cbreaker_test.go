package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRouteBreaker(t *testing.T) {
	t.Run("stays closed below the threshold", func(t *testing.T) {
		b := newRouteBreaker(3, time.Minute)

		for i := 0; i < 2; i++ {
			assert.True(t, b.tryAcquire())
			b.onFailure()
		}
		assert.True(t, b.tryAcquire())
	})

	t.Run("opens after consecutive failures", func(t *testing.T) {
		b := newRouteBreaker(3, time.Minute)

		for i := 0; i < 3; i++ {
			b.onFailure()
		}
		assert.False(t, b.tryAcquire())
	})

	t.Run("success resets the failure streak", func(t *testing.T) {
		b := newRouteBreaker(3, time.Minute)

		b.onFailure()
		b.onFailure()
		b.onSuccess()
		b.onFailure()
		b.onFailure()
		assert.True(t, b.tryAcquire(), "streak restarted after a success")
	})

	t.Run("admits one probe after the cool-down", func(t *testing.T) {
		b := newRouteBreaker(1, 10*time.Millisecond)

		b.onFailure()
		assert.False(t, b.tryAcquire())

		time.Sleep(20 * time.Millisecond)
		assert.True(t, b.tryAcquire(), "first caller after cool-down probes")
		assert.False(t, b.tryAcquire(), "only one probe at a time")
	})

	t.Run("failed probe reopens", func(t *testing.T) {
		b := newRouteBreaker(1, 10*time.Millisecond)

		b.onFailure()
		time.Sleep(20 * time.Millisecond)
		assert.True(t, b.tryAcquire())
		b.onFailure()
		assert.False(t, b.tryAcquire(), "cool-down restarts after a failed probe")
	})

	t.Run("successful probe closes", func(t *testing.T) {
		b := newRouteBreaker(1, 10*time.Millisecond)

		b.onFailure()
		time.Sleep(20 * time.Millisecond)
		assert.True(t, b.tryAcquire())
		b.onSuccess()
		assert.True(t, b.tryAcquire())
		assert.True(t, b.tryAcquire())
	})

	t.Run("defaults apply to nonsense settings", func(t *testing.T) {
		b := newRouteBreaker(0, 0)
		assert.Equal(t, 3, b.failThreshold)
		assert.Equal(t, 15*time.Second, b.openFor)
	})
}
