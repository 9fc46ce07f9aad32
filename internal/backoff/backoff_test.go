package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialDelay(t *testing.T) {
	t.Parallel()

	e := Exponential{Base: 10 * time.Second, Max: 60 * time.Second}
	assert.Equal(t, 10*time.Second, e.Delay(0))
	assert.Equal(t, 20*time.Second, e.Delay(1))
	assert.Equal(t, 40*time.Second, e.Delay(2))
	assert.Equal(t, 60*time.Second, e.Delay(3))
	assert.Equal(t, 60*time.Second, e.Delay(40))
	assert.Zero(t, e.Delay(-1))

	uncapped := Exponential{Base: time.Second}
	assert.Equal(t, 8*time.Second, uncapped.Delay(3))
}

func TestJitteredStaysWithinBounds(t *testing.T) {
	t.Parallel()

	e := Exponential{Base: time.Second, Max: 4 * time.Second}
	for i := 0; i < 50; i++ {
		d := e.Jittered(2)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.Less(t, d, 4*time.Second)
	}
	assert.Zero(t, Jitter(0))
}
