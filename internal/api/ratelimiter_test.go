package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_AllowsUpToLimitThenRejects(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)

	assert.True(t, rl.Allow("tenant1"))
	assert.True(t, rl.Allow("tenant1"))
	assert.True(t, rl.Allow("tenant1"))
	assert.False(t, rl.Allow("tenant1"))
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)

	assert.True(t, rl.Allow("tenant1"))
	assert.True(t, rl.Allow("tenant2"))
	assert.False(t, rl.Allow("tenant1"))
}

func TestRateLimiter_OldRequestsAgeOutOfTheWindow(t *testing.T) {
	rl := NewRateLimiter(1, 20*time.Millisecond)

	assert.True(t, rl.Allow("tenant1"))
	assert.False(t, rl.Allow("tenant1"))

	time.Sleep(30 * time.Millisecond)
	assert.True(t, rl.Allow("tenant1"))
}
