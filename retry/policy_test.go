package retry

import (
	"testing"
	"time"

	"github.com/nutrimesh/nutrimesh/core"
	"github.com/stretchr/testify/assert"
)

func TestPolicy_Delay(t *testing.T) {
	p := Policy{MaxRetries: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: 1 * time.Second, BackoffMultiplier: 2.0}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	// Capped at MaxDelay.
	assert.Equal(t, 1*time.Second, p.Delay(10))
}

func TestPolicy_ShouldRetry(t *testing.T) {
	p := DefaultPolicy()

	transient := core.Failure(core.StageRecipe, core.ReasonTransient, "503")
	permanent := core.Failure(core.StageRecipe, core.ReasonPermanent, "401")

	assert.True(t, p.ShouldRetry(transient, 1))
	assert.False(t, p.ShouldRetry(transient, 2)) // bound of 1 retry exhausted
	assert.False(t, p.ShouldRetry(permanent, 1))
	assert.False(t, p.ShouldRetry(core.TimedOut(core.StageRecipe), 1))
	assert.False(t, p.ShouldRetry(core.Success(core.StageRecipe, nil), 1))
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	assert.NoError(t, Policy{MaxRetries: 0}.Validate())
	assert.Error(t, Policy{MaxRetries: -1}.Validate())
	assert.Error(t, Policy{MaxRetries: 1}.Validate())
	assert.Error(t, Policy{MaxRetries: 1, InitialDelay: 2 * time.Second, MaxDelay: time.Second, BackoffMultiplier: 2}.Validate())
}
