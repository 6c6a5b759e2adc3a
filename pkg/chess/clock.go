// Package chess defines the game entities
package chess

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultResolution is the tick interval used when a TimeControl leaves it unset
const DefaultResolution = time.Second

// TimeControl defines the time settings for a game
type TimeControl struct {
	WhiteTime  time.Duration // Remaining budget for white
	BlackTime  time.Duration
	Resolution time.Duration // Interval between clock ticks
}

// ClockTick defines a single clock tick
type ClockTick struct {
	White  int64 // milliseconds
	Black  int64
	Active Color // empty when no clock is running
}

// ClockOption configures a Clock
type ClockOption func(*Clock)

// WithTimeSource replaces the wall clock, mostly for tests
func WithTimeSource(clk clockwork.Clock) ClockOption {
	return func(c *Clock) { c.clk = clk }
}

// OnTick registers the handler fired on every tick of a running clock
func OnTick(fn func(ClockTick)) ClockOption {
	return func(c *Clock) { c.onTick = fn }
}

// OnTimeout registers the handler fired once when a color runs out of time
func OnTimeout(fn func(Color)) ClockOption {
	return func(c *Clock) { c.onTimeout = fn }
}

// Clock manages the chess clock for both players. At most one color runs at
// a time and each running color owns a single scheduled wake-up that is
// cancelled whenever the color stops.
type Clock struct {
	clk        clockwork.Clock
	resolution time.Duration

	mutex sync.Mutex

	whiteTime time.Duration
	blackTime time.Duration

	active   Color
	lastTick time.Time
	done     chan struct{}
	flagged  Color

	onTick    func(ClockTick)
	onTimeout func(Color)
}

// NewClock creates a new chess clock with the given time controls
func NewClock(tc TimeControl, opts ...ClockOption) *Clock {
	c := &Clock{
		clk:        clockwork.NewRealClock(),
		resolution: tc.Resolution,
		whiteTime:  tc.WhiteTime,
		blackTime:  tc.BlackTime,
	}
	if c.resolution <= 0 {
		c.resolution = DefaultResolution
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start starts the clock for color, stopping the other color first.
// Starting the color that already runs is a no-op, and so is starting a
// color that has no time left.
func (c *Clock) Start(color Color) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !color.Valid() || c.active == color {
		return
	}

	if c.active != "" {
		c.settleLocked()
		c.haltLocked()
	}

	if c.remainingLocked(color) <= 0 {
		return
	}

	c.active = color
	c.lastTick = c.clk.Now()
	done := make(chan struct{})
	c.done = done

	timer := c.clk.NewTimer(c.nextWakeLocked())
	go c.run(color, timer, done)
}

// Stop halts color's clock and records the exact remaining time
func (c *Clock) Stop(color Color) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.active == "" || c.active != color {
		return
	}

	c.settleLocked()
	c.haltLocked()
}

// StopAll halts whichever clock is running
func (c *Clock) StopAll() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.active == "" {
		return
	}

	c.settleLocked()
	c.haltLocked()
}

// Running returns the running color, or the empty color
func (c *Clock) Running() Color {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.active
}

// Expired reports whether color has no time left, counting the time
// elapsed since the last tick.
func (c *Clock) Expired(color Color) bool {
	if c.Flagged() == color {
		return true
	}
	rt := c.GetRemainingTime()
	if color == White {
		return rt.White <= 0
	}
	return rt.Black <= 0
}

// Flagged returns the color whose timeout already fired, if any
func (c *Clock) Flagged() Color {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.flagged
}

// GetRemainingTime returns the current remaining time for both players
func (c *Clock) GetRemainingTime() ClockTick {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	whiteTime := c.whiteTime
	blackTime := c.blackTime

	// If clock is running, calculate current time
	if c.active != "" {
		elapsed := c.clk.Since(c.lastTick)
		if c.active == White {
			whiteTime -= elapsed
		} else {
			blackTime -= elapsed
		}
	}

	return ClockTick{
		White:  clampMs(whiteTime),
		Black:  clampMs(blackTime),
		Active: c.active,
	}
}

func (c *Clock) run(color Color, timer clockwork.Timer, done <-chan struct{}) {
	defer timer.Stop()

	for {
		select {
		case <-done:
			return
		case <-timer.Chan():
		}

		tick, next, flagged, ok := c.advance(done)
		if !ok {
			return
		}

		if flagged {
			if c.onTimeout != nil {
				c.onTimeout(color)
			}
			return
		}

		if c.onTick != nil {
			c.onTick(tick)
		}
		timer.Reset(next)
	}
}

// advance applies the wall-clock delta since the previous tick. ok is false
// when the wake-up belongs to a run that was stopped in the meantime.
func (c *Clock) advance(done <-chan struct{}) (tick ClockTick, next time.Duration, flagged, ok bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	select {
	case <-done:
		return ClockTick{}, 0, false, false
	default:
	}

	c.settleLocked()

	if c.remainingLocked(c.active) <= 0 {
		c.flagged = c.active
		c.haltLocked()
		return c.snapshotLocked(), 0, true, true
	}

	return c.snapshotLocked(), c.nextWakeLocked(), false, true
}

func (c *Clock) settleLocked() {
	now := c.clk.Now()
	elapsed := now.Sub(c.lastTick)
	c.lastTick = now

	if c.active == White {
		c.whiteTime -= elapsed
		if c.whiteTime < 0 {
			c.whiteTime = 0
		}
	} else {
		c.blackTime -= elapsed
		if c.blackTime < 0 {
			c.blackTime = 0
		}
	}
}

func (c *Clock) haltLocked() {
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	c.active = ""
}

func (c *Clock) remainingLocked(color Color) time.Duration {
	if color == White {
		return c.whiteTime
	}
	return c.blackTime
}

func (c *Clock) nextWakeLocked() time.Duration {
	rem := c.remainingLocked(c.active)
	if rem < c.resolution {
		return rem
	}
	return c.resolution
}

func (c *Clock) snapshotLocked() ClockTick {
	return ClockTick{
		White:  clampMs(c.whiteTime),
		Black:  clampMs(c.blackTime),
		Active: c.active,
	}
}

func clampMs(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}

// FormatClockTime formats a duration in milliseconds to a user-friendly string (e.g., "1:30")
func FormatClockTime(timeMs int64) string {
	if timeMs < 0 {
		timeMs = 0
	}

	totalSeconds := timeMs / 1000
	minutes := totalSeconds / 60
	seconds := totalSeconds % 60

	// For times less than 10 seconds, show decimal
	if timeMs < 10000 {
		tenths := (timeMs % 1000) / 100
		return fmt.Sprintf("%d.%d", totalSeconds, tenths)
	}

	return fmt.Sprintf("%d:%02d", minutes, seconds)
}
