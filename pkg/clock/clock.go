// Package clock centralizes the process-wide wall clock and timezone so
// every component observes the same "now" and the same local-time rendering.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock is the capability every time-sensitive component depends on instead
// of calling time.Now()/time.Now().In() directly. Tests substitute a fixed
// implementation to make batching windows and pacing deterministic.
type Clock interface {
	Now() time.Time
	Location() *time.Location
}

type systemClock struct {
	loc atomic.Pointer[time.Location]
}

// New builds a Clock anchored to the given IANA zone (e.g. "America/Monterrey").
// If the zone can't be loaded it returns a UTC-anchored Clock together with
// the load error.
func New(tz string) (Clock, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
		c := &systemClock{}
		c.loc.Store(loc)
		return c, err
	}
	c := &systemClock{}
	c.loc.Store(loc)
	return c, nil
}

func (c *systemClock) Now() time.Time {
	return time.Now().In(c.loc.Load())
}

func (c *systemClock) Location() *time.Location {
	return c.loc.Load()
}

// FixedClock is a test double that always returns the same instant.
type FixedClock struct {
	At  time.Time
	Loc *time.Location
}

func (f FixedClock) Now() time.Time {
	if f.Loc != nil {
		return f.At.In(f.Loc)
	}
	return f.At
}

func (f FixedClock) Location() *time.Location {
	if f.Loc != nil {
		return f.Loc
	}
	return time.UTC
}

// LocalTimeLine renders a short "current local time" line the Supervisor
// injects into stage-1's dynamic prompt (§4.14).
func LocalTimeLine(c Clock) string {
	return "Current local time: " + c.Now().Format("Monday, 2 January 2006 15:04 MST")
}
