package clock

import "time"

// Clock supplies the current wall-clock time in the deployment timezone.
// Components obtain "now" once per logical step and reuse the value for
// every comparison within that step.
type Clock interface {
	Now() time.Time
}

// System is a Clock backed by the OS clock, pinned to a single location.
type System struct {
	loc *time.Location
}

// NewSystem builds a system clock for the named timezone. An empty or
// "Local" name uses the process-local zone.
func NewSystem(timezone string) (*System, error) {
	if timezone == "" || timezone == "Local" {
		return &System{loc: time.Local}, nil
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, err
	}
	return &System{loc: loc}, nil
}

// Now returns the current time in the configured location.
func (c *System) Now() time.Time {
	return time.Now().In(c.loc)
}

// Location exposes the deployment timezone.
func (c *System) Location() *time.Location {
	return c.loc
}

// Fixed is a Clock that always reports the same instant. Tests advance it
// explicitly.
type Fixed struct {
	now time.Time
}

// NewFixed builds a fixed clock starting at t.
func NewFixed(t time.Time) *Fixed {
	return &Fixed{now: t}
}

// Now returns the frozen instant.
func (c *Fixed) Now() time.Time {
	return c.now
}

// Set moves the clock to t.
func (c *Fixed) Set(t time.Time) {
	c.now = t
}

// Advance moves the clock forward by d.
func (c *Fixed) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}
