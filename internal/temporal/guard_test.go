package temporal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hustlex/backend/internal/hxerr"
)

func TestGuardCheck(t *testing.T) {
	g := NewGuard(5 * time.Second)
	last := time.Now()

	assert.NoError(t, g.Check(last.Add(time.Second), last), "newer event admitted")
	assert.NoError(t, g.Check(last.Add(-3*time.Second), last), "within skew admitted")
	assert.NoError(t, g.Check(time.Time{}, last), "zero event time admitted")

	err := g.Check(last.Add(-10*time.Second), last)
	assert.True(t, hxerr.Is(err, hxerr.ErrStaleEvent))
}

func TestGuardZeroSkewIsStrict(t *testing.T) {
	g := NewGuard(0)
	last := time.Now()
	err := g.Check(last.Add(-time.Millisecond), last)
	assert.True(t, hxerr.Is(err, hxerr.ErrStaleEvent))
	assert.NoError(t, g.Check(last.Add(time.Millisecond), last))
}
