package updater_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/deltatree/coretree/updater"
)

func noJitter(d time.Duration) time.Duration { return d }

func TestDelayDoublesUntilCap(t *testing.T) {
	p := updater.DefaultRetryPolicy()
	p.Jitter = noJitter

	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 30*time.Second, p.Delay(6))
}

func TestDefaultRetryPolicyShape(t *testing.T) {
	p := updater.DefaultRetryPolicy()
	assert.Equal(t, 6, p.MaxAttempts)
	assert.Equal(t, time.Second, p.Base)
	assert.Equal(t, 30*time.Second, p.Cap)
}
