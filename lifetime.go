// SPDX-License-Identifier: Apache-2.0

package sspi

import "time"

// LifetimeStatus defines the possible states of a Lifetime
type LifetimeStatus int

const (
	// Indicates that the lifetime ExpiresAt value is valid
	LifetimeAvailable LifetimeStatus = iota

	// Indicates that the lifetime has expired and the ExpiresAt value is not valid
	LifetimeExpired

	// Indicates that the lifetime is indefinite;  the ExpiresAt value is not valid
	LifetimeIndefinite
)

// Lifetime is the mechanism reported validity of a credential or context.  The engine
// reports lifetimes but never enforces them.
type Lifetime struct {
	Status    LifetimeStatus
	ExpiresAt time.Time
}

// IndefiniteLifetime is used by packages whose credentials or contexts do not expire
var IndefiniteLifetime = Lifetime{Status: LifetimeIndefinite}

// MakeLifetime returns a lifetime that expires d after now.  A zero duration is treated
// as already expired.
func MakeLifetime(now time.Time, d time.Duration) Lifetime {
	status := LifetimeAvailable
	if d <= 0 {
		status = LifetimeExpired
	}

	return Lifetime{
		Status:    status,
		ExpiresAt: now.Add(d),
	}
}

// Expired reports whether the lifetime has passed at time now
func (l Lifetime) Expired(now time.Time) bool {
	switch l.Status {
	case LifetimeIndefinite:
		return false
	case LifetimeExpired:
		return true
	}

	return !now.Before(l.ExpiresAt)
}

// Earliest returns whichever of l and other expires first
func (l Lifetime) Earliest(other Lifetime) Lifetime {
	switch {
	case l.Status == LifetimeExpired || other.Status == LifetimeIndefinite:
		return l
	case other.Status == LifetimeExpired || l.Status == LifetimeIndefinite:
		return other
	case other.ExpiresAt.Before(l.ExpiresAt):
		return other
	}

	return l
}
