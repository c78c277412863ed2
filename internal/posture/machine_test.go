package posture

import (
	"testing"
	"time"

	"azazel.dev/azazel/internal/config"
	"github.com/stretchr/testify/require"
)

func thresholds() config.Thresholds {
	return config.Thresholds{
		T0Normal: 20, T1Shield: 50, T2Lockdown: 80,
		UnlockWaitSecs:      config.UnlockWaitSecs{Shield: 600, Portal: 1800},
		UserModeTimeoutMins: 3,
	}
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time    { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestMachine() (*Machine, *fakeClock) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	m := New(thresholds(), config.Scoring{EWMATau: 60, WindowSize: 5}, clock.Now)
	return m, clock
}

func TestThresholdBoundariesAreInclusive(t *testing.T) {
	m, _ := newTestMachine()
	require.Equal(t, StatePortal, m.ApplyScore(20).TargetMode)

	m2, _ := newTestMachine()
	require.Equal(t, StateShield, m2.ApplyScore(50).TargetMode)

	m3, _ := newTestMachine()
	require.Equal(t, StateLockdown, m3.ApplyScore(80).TargetMode)
}

func TestStepDownFromLockdownNeverSkipsShield(t *testing.T) {
	m, clock := newTestMachine()
	m.ApplyScore(90) // -> lockdown, arms unlock_until[shield] = now+600

	clock.Advance(500 * time.Second)
	result := m.ApplyScore(0)
	require.Equal(t, StateLockdown, result.TargetMode, "still inside the shield unlock wait")

	clock.Advance(101 * time.Second) // total 601s
	result = m.ApplyScore(0)
	require.Equal(t, StateShield, result.TargetMode, "shield unlock wait has elapsed")

	clock.Advance(1800 * time.Second)
	result = m.ApplyScore(0)
	require.Equal(t, StatePortal, result.TargetMode, "portal unlock wait has also elapsed")
}

func TestEntryToNormalIsUnconditional(t *testing.T) {
	m, clock := newTestMachine()
	m.ApplyScore(90)
	clock.Advance(time.Second)
	result := m.ApplyScore(-100) // clamped to 0, but EWMA won't crash to 0 instantly
	// Right after lockdown a below-t0 EWMA still steps down through the
	// shield and portal waits; only the final portal -> normal move is
	// free of any wait.
	_ = result
	require.NotPanics(t, func() { m.targetForNormalLocked() })

	// From portal, normal is entered as soon as the EWMA drops below t0,
	// with no unlock wait.
	m2, clock2 := newTestMachine()
	m2.ApplyScore(30) // -> portal
	clock2.Advance(600 * time.Second)
	require.Equal(t, StateNormal, m2.ApplyScore(0).TargetMode)
}

func TestEWMANeverExceedsObservedSamples(t *testing.T) {
	m, clock := newTestMachine()
	for i := 0; i < 20; i++ {
		clock.Advance(time.Second)
		result := m.ApplyScore(40)
		require.LessOrEqual(t, result.Average, 40.0001)
	}
}

func TestEWMADecaysTowardZeroWithoutEvents(t *testing.T) {
	m, clock := newTestMachine()
	m.ApplyScore(100)
	for i := 0; i < 10; i++ {
		clock.Advance(60 * time.Second)
		m.ApplyScore(0)
	}
	require.Less(t, m.Snapshot().EWMA, 1.0)
}

func TestUserModeOverrideSuppressesAutoTransitions(t *testing.T) {
	m, clock := newTestMachine()
	m.StartUserMode(StateLockdown, 3*time.Minute)
	require.Equal(t, UserState(StateLockdown), m.Current())

	clock.Advance(time.Second)
	result := m.ApplyScore(0) // would otherwise go to normal
	require.True(t, result.UserOverride)
	require.Equal(t, UserState(StateLockdown), result.TargetMode)
}

func TestUserModeTimesOutToBaseMode(t *testing.T) {
	m, clock := newTestMachine()
	m.StartUserMode(StateShield, time.Minute)

	clock.Advance(61 * time.Second)
	result := m.ApplyScore(0)
	require.False(t, result.UserOverride)
	require.Equal(t, StateNormal, result.TargetMode)
}
