package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeActivity struct {
	active map[string]bool
}

func (f *fakeActivity) HasActivity(name string) bool { return f.active[name] }

func fixedClock(t *time.Time) func() time.Time {
	return func() time.Time { return *t }
}

func TestGetCreatesOnDemand(t *testing.T) {
	now := time.Now()
	r := NewWithClock(time.Second, fixedClock(&now))

	l := r.Get("host:80:", "", 100)
	require.NotNil(t, l)
	assert.Equal(t, 100, l.Limit())
	assert.Equal(t, 1, r.Len())
}

func TestGetReturnsSameLimiterForSameKey(t *testing.T) {
	now := time.Now()
	r := NewWithClock(time.Second, fixedClock(&now))

	a := r.Get("host:80:", "", 100)
	b := r.Get("host:80:", "", 100)
	assert.Same(t, a, b)
	assert.Equal(t, 1, r.Len())
}

func TestGetSplitsByFlag(t *testing.T) {
	now := time.Now()
	r := NewWithClock(time.Second, fixedClock(&now))

	a := r.Get("host:80:", "groupA", 100)
	b := r.Get("host:80:", "groupB", 100)
	assert.NotSame(t, a, b)
	assert.Equal(t, 2, r.Len())
}

func TestGetReclampsOnTargetChange(t *testing.T) {
	now := time.Now()
	r := NewWithClock(time.Second, fixedClock(&now))

	l := r.Get("host:80:", "", 100)
	l.SetLimit(80)

	l2 := r.Get("host:80:", "", 50)
	assert.Same(t, l, l2)
	assert.Equal(t, 50, l.Limit())
}

func TestCleanupRemovesIdleLimitersWithoutActivity(t *testing.T) {
	now := time.Now()
	r := NewWithClock(time.Second, fixedClock(&now))

	r.Get("h1:80:", "", 100)
	r.Get("h2:80:", "", 100)

	now = now.Add(61 * time.Second)

	removed := r.Cleanup(&fakeActivity{active: map[string]bool{"h2:80:": true}}, 60*time.Second)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, r.Len())
}

func TestCleanupNeverRemovesActiveLimiter(t *testing.T) {
	now := time.Now()
	r := NewWithClock(time.Second, fixedClock(&now))

	r.Get("h1:80:", "", 100)
	now = now.Add(61 * time.Second)

	removed := r.Cleanup(&fakeActivity{active: map[string]bool{"h1:80:": true}}, 60*time.Second)
	assert.Equal(t, 0, removed)
	assert.Equal(t, 1, r.Len())
}
