// Package schedule matches per-tenant posting profiles against a resolved
// local time. Matching is exact on minute granularity: a minute that is not
// observed by a tick never fires retroactively.
package schedule

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"postrobot/internal/clock"
)

// Mode is the publish visibility used for a post.
type Mode string

const (
	ModeLive  Mode = "live"
	ModeDraft Mode = "draft"
)

// NormalizeMode maps anything that is not "draft" to live.
func NormalizeMode(m Mode) Mode {
	if Mode(strings.ToLower(strings.TrimSpace(string(m)))) == ModeDraft {
		return ModeDraft
	}
	return ModeLive
}

// ParseMode is strict: only "live" and "draft" are accepted.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeLive:
		return ModeLive, nil
	case ModeDraft:
		return ModeDraft, nil
	default:
		return "", fmt.Errorf("invalid mode %q", raw)
	}
}

// Days lists the accepted weekday labels in time.Weekday order.
var Days = []string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

// ValidDay reports whether d is one of Days.
func ValidDay(d string) bool {
	for _, x := range Days {
		if x == d {
			return true
		}
	}
	return false
}

// Profile is one schedule entry of a tenant.
type Profile struct {
	Enabled    bool     `json:"enabled"`
	DaysOfWeek []string `json:"daysOfWeek"`
	Times      []string `json:"times"`
	Mode       Mode     `json:"mode"`
}

// UnmarshalJSON accepts the older shape where "enabled" may be missing
// (treated as true) and "time" is a comma-separated string.
func (p *Profile) UnmarshalJSON(b []byte) error {
	var raw struct {
		Enabled    *bool           `json:"enabled"`
		DaysOfWeek []string        `json:"daysOfWeek"`
		Times      json.RawMessage `json:"times"`
		Time       json.RawMessage `json:"time"`
		Mode       Mode            `json:"mode"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	times := raw.Times
	if len(times) == 0 || string(times) == "null" {
		times = raw.Time
	}
	list, err := decodeTimes(times)
	if err != nil {
		return err
	}
	*p = Profile{
		Enabled:    raw.Enabled == nil || *raw.Enabled,
		DaysOfWeek: raw.DaysOfWeek,
		Times:      list,
		Mode:       raw.Mode,
	}
	return nil
}

func decodeTimes(b json.RawMessage) ([]string, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		return list, nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("times: expected list or string: %w", err)
	}
	return strings.Split(s, ","), nil
}

// Normalize trims day labels, normalizes times to HH:MM (dropping invalid
// entries and duplicates) and coerces the mode.
func (p Profile) Normalize() Profile {
	out := Profile{Enabled: p.Enabled, Mode: NormalizeMode(p.Mode)}
	out.DaysOfWeek = make([]string, 0, len(p.DaysOfWeek))
	for _, d := range p.DaysOfWeek {
		if d = strings.TrimSpace(d); d != "" {
			out.DaysOfWeek = append(out.DaysOfWeek, d)
		}
	}
	out.Times = ParseTimes(p.Times)
	return out
}

// NormalizeTime converts "9:05" or "09:05" into "09:05".
// It returns false for anything else.
func NormalizeTime(s string) (string, bool) {
	s = strings.TrimSpace(s)
	hs, ms, ok := strings.Cut(s, ":")
	if !ok || len(hs) < 1 || len(hs) > 2 || len(ms) != 2 {
		return "", false
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 {
		return "", false
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 {
		return "", false
	}
	return fmt.Sprintf("%02d:%02d", h, m), true
}

// ParseTimes normalizes a list of raw time strings; each element may itself
// be a comma-separated list.
func ParseTimes(raw []string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		for _, part := range strings.Split(r, ",") {
			t, ok := NormalizeTime(part)
			if !ok {
				continue
			}
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

// IsDue reports whether p fires at the given local day/time.
func (p Profile) IsDue(dayShort, timeHHMM string) bool {
	if !p.Enabled {
		return false
	}
	return contains(p.DaysOfWeek, dayShort) && contains(p.Times, timeHHMM)
}

// Due returns the indices of profiles due at parts, in list order.
func Due(profiles []Profile, parts clock.Parts) []int {
	var due []int
	for i, p := range profiles {
		if p.IsDue(parts.DayShort, parts.TimeHHMM) {
			due = append(due, i)
		}
	}
	return due
}

// Default is the profile a fresh or reset tenant starts with.
func Default() Profile {
	return Profile{Enabled: true, DaysOfWeek: []string{"Mon"}, Times: []string{"09:00"}, Mode: ModeLive}
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
