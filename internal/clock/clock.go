// Package clock provides the simulation's notion of "now".
// Read-only consumers depend on Clock; the simulation loop owns a
// TickingClock and advances it once per tick.
package clock

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Clock provides an abstraction for time operations.
type Clock interface {
	// Now returns the current time
	Now() time.Time
	// NowUnixMilli returns the current time as Unix milliseconds
	NowUnixMilli() int64
}

// TickingClock is a Clock that only moves when Tick is called.
type TickingClock interface {
	Clock
	// Tick advances the clock for one simulation step and returns the new time.
	Tick(elapsed time.Duration) time.Time
}

// Mode selects how a TickingClock advances.
type Mode string

const (
	// ModeWall mirrors the system time on every tick.
	ModeWall Mode = "wall"
	// ModeSimulated adds the scaled elapsed duration on every tick.
	ModeSimulated Mode = "simulated"
)

// ParseMode parses a clock mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeWall, "":
		return ModeWall, nil
	case ModeSimulated, "sim":
		return ModeSimulated, nil
	default:
		return "", fmt.Errorf("unknown clock mode %q: expected %q or %q", s, ModeWall, ModeSimulated)
	}
}

// NewTickingClock builds the clock for mode. start and scale only apply to
// the simulated mode; a non-positive scale means real-time speed.
func NewTickingClock(mode Mode, start time.Time, scale float64) TickingClock {
	if mode == ModeSimulated {
		return NewSteppedClock(start, scale)
	}
	return NewWallClock(nil)
}

// RealClock implements Clock using actual system time.
type RealClock struct{}

// Now returns the current system time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// NowUnixMilli returns the current time as Unix milliseconds.
func (RealClock) NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

// WallClock holds the system time observed at the last tick. Between ticks
// Now is stable, so every component sees the same instant for one step.
type WallClock struct {
	mu     sync.RWMutex
	now    time.Time
	source func() time.Time
}

// NewWallClock creates a WallClock reading from source, or time.Now when nil.
func NewWallClock(source func() time.Time) *WallClock {
	if source == nil {
		source = time.Now
	}
	return &WallClock{now: source(), source: source}
}

// Now returns the time captured by the last tick.
func (w *WallClock) Now() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.now
}

// NowUnixMilli returns Now as Unix milliseconds.
func (w *WallClock) NowUnixMilli() int64 {
	return w.Now().UnixMilli()
}

// Tick ignores elapsed and re-reads the time source.
func (w *WallClock) Tick(time.Duration) time.Time {
	t := w.source()
	w.mu.Lock()
	w.now = t
	w.mu.Unlock()
	return t
}

// SteppedClock advances by the elapsed tick duration multiplied by scale.
type SteppedClock struct {
	mu    sync.RWMutex
	now   time.Time
	scale float64
}

// NewSteppedClock creates a SteppedClock starting at start.
func NewSteppedClock(start time.Time, scale float64) *SteppedClock {
	if scale <= 0 {
		scale = 1
	}
	return &SteppedClock{now: start, scale: scale}
}

// Now returns the simulated time.
func (s *SteppedClock) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now
}

// NowUnixMilli returns the simulated time as Unix milliseconds.
func (s *SteppedClock) NowUnixMilli() int64 {
	return s.Now().UnixMilli()
}

// Scale returns the speed multiplier.
func (s *SteppedClock) Scale() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scale
}

// Tick moves simulated time forward. Negative durations are ignored so
// scheduled tasks never see time run backwards.
func (s *SteppedClock) Tick(elapsed time.Duration) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elapsed > 0 {
		s.now = s.now.Add(time.Duration(float64(elapsed) * s.scale))
	}
	return s.now
}

// MockClock implements TickingClock with time fully controlled by the test.
// Tick behaves like Advance.
type MockClock struct {
	currentTime time.Time
	mu          sync.Mutex
}

// NewMockClock creates a new MockClock set to the specified time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{currentTime: t}
}

// Now returns the mock clock's current time.
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

// NowUnixMilli returns the mock clock's current time as Unix milliseconds.
func (m *MockClock) NowUnixMilli() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime.UnixMilli()
}

// Set changes the mock clock's current time.
func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = t
}

// Advance moves the mock clock by the specified duration.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = m.currentTime.Add(d)
}

// Tick advances by elapsed and returns the new time.
func (m *MockClock) Tick(elapsed time.Duration) time.Time {
	m.Advance(elapsed)
	return m.Now()
}
