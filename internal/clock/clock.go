// Package clock resolves wall-clock time into tenant-local calendar parts.
//
// Resolution never fails: an empty or unknown timezone falls back to the
// process-local zone so one misconfigured tenant cannot stall the scheduler.
package clock

import (
	"strings"
	"sync"
	"time"
)

// DayKeyLayout formats the opaque per-day key (stable within one calendar day
// of the resolved zone).
const DayKeyLayout = "2006-01-02"

// Parts is a minute-resolution view of an instant in a tenant's zone.
type Parts struct {
	DayShort string // "Mon".."Sun"
	TimeHHMM string // zero-padded 24h "09:05"
	DayKey   string // "2026-10-12"
	Location *time.Location
	Fallback bool // true when the configured zone could not be used
}

// Resolver converts instants into Parts. Zero value is ready to use and
// reads the real clock.
type Resolver struct {
	// Now overrides the clock source (tests).
	Now func() time.Time

	locs sync.Map // tz string -> cachedZone
}

// NewFixed returns a resolver frozen at t.
func NewFixed(t time.Time) *Resolver {
	return &Resolver{Now: func() time.Time { return t }}
}

func (r *Resolver) now() time.Time {
	if r != nil && r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Current returns the resolver's notion of "now".
func (r *Resolver) Current() time.Time { return r.now() }

// Resolve returns the current Parts for tz.
func (r *Resolver) Resolve(tz string) Parts {
	return r.ResolveAt(tz, r.now())
}

// DayKey returns today's key for tz.
func (r *Resolver) DayKey(tz string) string {
	return r.Resolve(tz).DayKey
}

// ResolveAt returns the Parts of instant in tz.
func (r *Resolver) ResolveAt(tz string, instant time.Time) Parts {
	loc, ok := r.location(tz)
	local := instant.In(loc)
	return Parts{
		DayShort: local.Format("Mon"),
		TimeHHMM: local.Format("15:04"),
		DayKey:   local.Format(DayKeyLayout),
		Location: loc,
		Fallback: !ok,
	}
}

// Location returns the zone for tz, or time.Local when tz is unusable.
func (r *Resolver) Location(tz string) *time.Location {
	loc, _ := r.location(tz)
	return loc
}

func (r *Resolver) location(tz string) (*time.Location, bool) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, false
	}
	if r != nil {
		if v, ok := r.locs.Load(tz); ok {
			e := v.(cachedZone)
			return e.loc, e.ok
		}
	}
	loc, err := time.LoadLocation(tz)
	e := cachedZone{loc: loc, ok: err == nil && loc != nil}
	if !e.ok {
		e.loc = time.Local
	}
	if r != nil {
		r.locs.Store(tz, e)
	}
	return e.loc, e.ok
}

type cachedZone struct {
	loc *time.Location
	ok  bool
}

// ValidTimezone reports whether tz is a loadable IANA identifier.
func ValidTimezone(tz string) bool {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return false
	}
	_, err := time.LoadLocation(tz)
	return err == nil
}
