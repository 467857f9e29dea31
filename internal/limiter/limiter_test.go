package limiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t *time.Time) func() time.Time {
	return func() time.Time { return *t }
}

func TestAcceptWithinLimit(t *testing.T) {
	now := time.Now()
	l := NewWithClock("example.com:80:", "", 10, time.Second, fixedClock(&now))

	for i := 0; i < 10; i++ {
		require.True(t, l.Accept(1))
	}
	require.False(t, l.Accept(1))

	stat := l.GetStat()
	assert.Equal(t, 10, stat.Accepted)
	assert.Equal(t, 11, stat.Incoming)
}

func TestAcceptRolloverResetsCounters(t *testing.T) {
	now := time.Now()
	l := NewWithClock("example.com:80:", "", 5, time.Second, fixedClock(&now))

	for i := 0; i < 5; i++ {
		require.True(t, l.Accept(1))
	}
	require.False(t, l.Accept(1))

	now = now.Add(2 * time.Second)
	require.True(t, l.Accept(1))

	stat := l.GetStat()
	assert.Equal(t, 1, stat.Accepted)
	assert.Equal(t, 1, stat.Incoming)
}

func TestSetLimitClampsToBounds(t *testing.T) {
	now := time.Now()
	l := NewWithClock("h:1:", "", 100, time.Second, fixedClock(&now))

	l.SetLimit(-5)
	assert.Equal(t, 1, l.Limit())

	l.SetLimit(10_000_000)
	assert.Equal(t, 1_000_000, l.Limit())
}

func TestSetLimitLowersRejectsImmediately(t *testing.T) {
	now := time.Now()
	l := NewWithClock("h:1:", "", 100, time.Second, fixedClock(&now))

	require.True(t, l.Accept(1))
	l.SetLimit(1)
	assert.False(t, l.Accept(1))
}

func TestReclampToTargetLoweredAppliesImmediately(t *testing.T) {
	now := time.Now()
	l := NewWithClock("h:1:", "", 100, time.Second, fixedClock(&now))
	l.SetLimit(80)

	l.ReclampToTarget(50)
	assert.Equal(t, 50, l.Limit())
}

func TestReclampToTargetRaisedDoesNotInflate(t *testing.T) {
	now := time.Now()
	l := NewWithClock("h:1:", "", 100, time.Second, fixedClock(&now))
	l.SetLimit(30)

	l.ReclampToTarget(200)
	assert.Equal(t, 30, l.Limit())
}

func TestAddTimeMovesAverageTime(t *testing.T) {
	now := time.Now()
	l := NewWithClock("h:1:", "", 100, time.Second, fixedClock(&now))

	for i := 0; i < 20; i++ {
		l.AddTime(500 * time.Millisecond)
	}
	assert.Greater(t, l.AverageTime(), 400.0)

	for i := 0; i < 20; i++ {
		l.AddTime(10 * time.Millisecond)
	}
	assert.Less(t, l.AverageTime(), 400.0)
}

func TestRejectIncrementsIncomingAndOptionallyFailed(t *testing.T) {
	now := time.Now()
	l := NewWithClock("h:1:", "", 100, time.Second, fixedClock(&now))

	l.Reject(true)
	stat := l.GetStat()
	assert.Equal(t, 0, stat.Accepted)
	assert.Equal(t, 1, stat.Incoming)

	tallies := l.ResetTalliesAndRecompute()
	assert.Equal(t, 1, tallies.Failed)
}

func TestFeedbackDueAndRecompute(t *testing.T) {
	now := time.Now()
	l := NewWithClock("h:1:", "", 100, time.Second, fixedClock(&now))

	assert.False(t, l.FeedbackDue(time.Second))
	now = now.Add(2 * time.Second)
	assert.True(t, l.FeedbackDue(time.Second))

	l.ResetTalliesAndRecompute()
	assert.False(t, l.FeedbackDue(time.Second))
}

func TestIdle(t *testing.T) {
	now := time.Now()
	l := NewWithClock("h:1:", "", 100, time.Second, fixedClock(&now))

	assert.False(t, l.Idle(60*time.Second))
	now = now.Add(61 * time.Second)
	assert.True(t, l.Idle(60*time.Second))
}
