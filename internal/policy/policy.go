// Package policy maps a post's publication time to the time its activity
// snapshot should be taken.
//
// Tracked posts are assumed to disappear 24h after publication, so most
// policies are expressed relative to that deletion time. Computation is
// pure: the current time is always an argument, never read from the wall
// clock.
package policy

import (
	"fmt"
	"time"
)

// Name selects an offset rule.
type Name string

const (
	// Standard snapshots at publish + 23h50m.
	Standard Name = "standard"
	// Immediate snapshots shortly after admission, regardless of publish time.
	Immediate Name = "immediate"
	// Minus5 snapshots 5 minutes before the 24h deletion mark.
	Minus5 Name = "minus5"
	// Minus30 snapshots 30 minutes before the 24h deletion mark.
	Minus30 Name = "minus30"
	// Minus60 snapshots 1 hour before the 24h deletion mark.
	Minus60 Name = "minus60"
)

// DefaultMinDelay is the floor applied when a computed time is already past.
const DefaultMinDelay = 2 * time.Minute

const deletionAge = 24 * time.Hour

// Valid reports whether n names a known policy.
func Valid(n Name) bool {
	switch n {
	case Standard, Immediate, Minus5, Minus30, Minus60:
		return true
	}
	return false
}

// ParseName validates a configured policy name.
func ParseName(s string) (Name, error) {
	n := Name(s)
	if s == "" {
		return Standard, nil
	}
	if !Valid(n) {
		return "", fmt.Errorf("unknown offset policy %q", s)
	}
	return n, nil
}

// Compute returns the snapshot time for a post published at publish under
// the given policy. minDelay <= 0 falls back to DefaultMinDelay.
//
// If the unclamped result is not after now (old posts, or posts admitted
// close to their deletion time), it is pushed to now + minDelay so the job
// still runs before dispatch could possibly reach it.
func Compute(publish time.Time, n Name, now time.Time, minDelay time.Duration) time.Time {
	if minDelay <= 0 {
		minDelay = DefaultMinDelay
	}

	deletion := publish.Add(deletionAge)

	var at time.Time
	switch n {
	case Immediate:
		// Relative to admission, not publication.
		at = now.Add(minDelay)
	case Minus5:
		at = deletion.Add(-5 * time.Minute)
	case Minus30:
		at = deletion.Add(-30 * time.Minute)
	case Minus60:
		at = deletion.Add(-time.Hour)
	default: // Standard and anything unrecognized
		at = publish.Add(23*time.Hour + 50*time.Minute)
	}

	if !at.After(now) {
		return now.Add(minDelay)
	}
	return at
}

// Clock supplies the current time. Scheduling code takes a Clock instead of
// calling time.Now so tests can drive it deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
