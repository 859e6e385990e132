package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGuardCooldown(t *testing.T) {
	g := NewGuard(10 * time.Minute)
	t0 := time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)
	assert.True(t, g.Claim("s", t0))
	assert.False(t, g.Claim("s", t0.Add(9*time.Minute)))
	assert.True(t, g.Claim("s", t0.Add(10*time.Minute)))

	g.Prune(t0.Add(15 * time.Minute))
	assert.Equal(t, 1, g.Len(), "claim at +10m still cooling")
	g.Prune(t0.Add(20 * time.Minute))
	assert.Equal(t, 0, g.Len())

	assert.True(t, g.Claim("x", t0))
	g.Clear("x")
	assert.True(t, g.Claim("x", t0.Add(time.Second)))
	assert.Contains(t, g.Snapshot(), "x")
}
