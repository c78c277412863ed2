package posture

import (
	"math"
	"sync"
	"time"

	"azazel.dev/azazel/internal/config"
)

// ApplyResult is the output of one ApplyScore call.
type ApplyResult struct {
	Average          float64
	DesiredMode      State
	TargetMode       State
	AppliedMode      State
	UserOverride     bool
	TimeoutRemaining time.Duration
}

// Snapshot is a point-in-time read of the machine's state, safe to
// serialize for the decision recorder and runtime snapshot.
type Snapshot struct {
	State             State
	EWMA              float64
	Window            []int
	UserOverrideUntil time.Time
}

// Machine is component G. Per the Design Notes, the EWMA clock is a
// single monotone time source injected at construction, and the
// machine is intended to be called from a single serialized path (the
// recommended implementation places it behind the same lock that
// serializes the router's sink) — Machine additionally guards itself
// with its own mutex so it is safe even if that discipline slips.
type Machine struct {
	mu sync.Mutex

	thresholds config.Thresholds
	ewmaTau    float64
	windowSize int
	clock      func() time.Time

	current State
	window  []int

	ewma            float64
	ewmaInitialized bool
	lastEWMATS      time.Time

	unlockUntil       map[State]time.Time
	userOverrideUntil time.Time
}

// New builds a Machine starting in StateNormal.
func New(thresholds config.Thresholds, scoring config.Scoring, clock func() time.Time) *Machine {
	if clock == nil {
		clock = time.Now
	}
	tau := scoring.EWMATau
	if tau <= 0 {
		tau = 60
	}
	windowSize := scoring.WindowSize
	if windowSize <= 0 {
		windowSize = 5
	}
	return &Machine{
		thresholds:  thresholds,
		ewmaTau:     tau,
		windowSize:  windowSize,
		clock:       clock,
		current:     StateNormal,
		unlockUntil: make(map[State]time.Time),
		lastEWMATS:  clock(),
	}
}

// Current returns the machine's current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Snapshot returns a copy of the machine's observable state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	window := make([]int, len(m.window))
	copy(window, m.window)
	return Snapshot{
		State:             m.current,
		EWMA:              m.ewma,
		Window:            window,
		UserOverrideUntil: m.userOverrideUntil,
	}
}

// ApplyScore appends severity to the rolling window, updates the
// EWMA, and advances the state machine toward the desired mode,
// observing hysteresis and any active manual override.
func (m *Machine) ApplyScore(severity int) ApplyResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	timeoutOccurred := m.checkUserModeTimeoutLocked()

	average, desired := m.evaluateWindowLocked(severity)
	now := m.clock()

	if m.current.IsUserMode() && !timeoutOccurred {
		remaining := m.userOverrideUntil.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		return ApplyResult{
			Average:          average,
			DesiredMode:      desired,
			TargetMode:       m.current,
			AppliedMode:      m.current,
			UserOverride:     true,
			TimeoutRemaining: remaining,
		}
	}

	var target State
	switch desired {
	case StateNormal:
		if m.current == StateLockdown || m.current == StateShield {
			// Still above portal: step down through the same gated
			// path as a portal request, never skipping a state.
			target = m.targetForPortalLocked(now)
		} else {
			target = m.targetForNormalLocked()
		}
	case StatePortal:
		target = m.targetForPortalLocked(now)
	case StateShield:
		target = m.targetForShieldLocked(now)
	default:
		target = desired // lockdown: upward transitions are immediate
	}

	if target != m.current {
		m.dispatchLocked(target)
	}

	return ApplyResult{
		Average:      average,
		DesiredMode:  desired,
		TargetMode:   target,
		AppliedMode:  m.current,
		UserOverride: false,
	}
}

// evaluateWindowLocked appends the sample, updates the EWMA using
// elapsed-time smoothing (alpha = 1 - exp(-dt/tau)), and returns the
// current EWMA plus the desired mode implied by the threshold table.
// Thresholds are inclusive on the upper side: score == t0 selects
// portal, == t1 selects shield, == t2 selects lockdown.
func (m *Machine) evaluateWindowLocked(severity int) (float64, State) {
	if severity < 0 {
		severity = 0
	}
	m.window = append(m.window, severity)
	if len(m.window) > m.windowSize {
		m.window = m.window[len(m.window)-m.windowSize:]
	}

	now := m.clock()
	dt := now.Sub(m.lastEWMATS).Seconds()
	if dt < 0 {
		dt = 0
	}

	var alpha float64
	if m.ewmaTau <= 0 || dt <= 0 {
		alpha = 1
	} else {
		alpha = 1 - math.Exp(-dt/m.ewmaTau)
	}

	if !m.ewmaInitialized {
		m.ewma = float64(severity)
		m.ewmaInitialized = true
	} else {
		m.ewma = alpha*float64(severity) + (1-alpha)*m.ewma
	}
	m.lastEWMATS = now

	average := m.ewma
	var desired State
	switch {
	case average >= float64(m.thresholds.T2Lockdown):
		desired = StateLockdown
	case average >= float64(m.thresholds.T1Shield):
		desired = StateShield
	case average >= float64(m.thresholds.T0Normal):
		desired = StatePortal
	default:
		desired = StateNormal
	}
	return average, desired
}

func (m *Machine) targetForShieldLocked(now time.Time) State {
	if m.current == StateLockdown {
		if unlockAt, ok := m.unlockUntil[StateShield]; ok && now.Before(unlockAt) {
			return StateLockdown
		}
	}
	return StateShield
}

func (m *Machine) targetForNormalLocked() State {
	// Entry into normal from portal is unconditional; no wait delays
	// apply. Higher states reach normal only by stepping through portal.
	return StateNormal
}

func (m *Machine) targetForPortalLocked(now time.Time) State {
	if m.current == StateLockdown {
		if unlockAt, ok := m.unlockUntil[StateShield]; ok && now.Before(unlockAt) {
			return StateLockdown
		}
		// Step-down path: lockdown -> shield before portal.
		return StateShield
	}
	if m.current == StateShield {
		if unlockAt, ok := m.unlockUntil[StatePortal]; ok && now.Before(unlockAt) {
			return StateShield
		}
	}
	return StatePortal
}

// dispatchLocked moves current to target and re-arms the hysteresis
// timers, mirroring _handle_transition.
func (m *Machine) dispatchLocked(target State) {
	previous := m.current
	m.current = target
	m.handleTransitionLocked(previous, target)
}

func (m *Machine) handleTransitionLocked(previous, current State) {
	now := m.clock()

	if current.IsUserMode() && m.userOverrideUntil.IsZero() {
		minutes := m.thresholds.UserModeTimeoutMins
		if minutes <= 0 {
			minutes = 3
		}
		m.userOverrideUntil = now.Add(time.Duration(minutes * float64(time.Minute)))
	} else if previous.IsUserMode() {
		m.userOverrideUntil = time.Time{}
	}

	switch current.Base() {
	case StateLockdown:
		if wait := m.thresholds.UnlockWaitSecs.Shield; wait > 0 {
			m.unlockUntil[StateShield] = now.Add(time.Duration(wait) * time.Second)
		}
	case StateShield:
		if wait := m.thresholds.UnlockWaitSecs.Portal; wait > 0 {
			m.unlockUntil[StatePortal] = now.Add(time.Duration(wait) * time.Second)
		}
		delete(m.unlockUntil, StateShield)
	case StatePortal:
		m.unlockUntil = make(map[State]time.Time)
	}
}

// StartUserMode moves the machine into user_<mode> and arms an
// override timer for duration. The timer is set before dispatching so
// handleTransitionLocked's own "current.IsUserMode() && zero" check
// does not clobber it — matching the ordering in
// azazel_pi/core/state_machine.py's start_user_mode.
func (m *Machine) StartUserMode(mode State, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.userOverrideUntil = m.clock().Add(duration)
	m.dispatchLocked(UserState(mode))
}

// checkUserModeTimeoutLocked transitions out of a user mode whose
// override has expired, recording it internally as a timeout so the
// caller can skip manual-override suppression for this pass.
func (m *Machine) checkUserModeTimeoutLocked() bool {
	if !m.current.IsUserMode() {
		return false
	}
	now := m.clock()
	if now.Before(m.userOverrideUntil) {
		return false
	}
	base := m.current.Base()
	m.dispatchLocked(base)
	m.userOverrideUntil = time.Time{}
	return true
}
