package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the default grace period for token
	// expiration checks. The IdP, this process, and the downstream API all
	// run their own clocks; a few seconds of NTP drift must not make a
	// freshly issued token look expired.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// IsExpired checks if a timestamp is past with the default clock skew grace
// period applied. A zero time means no expiration.
func IsExpired(expiresAt time.Time) bool {
	return IsExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsExpiredWithGracePeriod checks expiry with a custom grace period.
func IsExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}

// IsExpiringSoon checks if a timestamp will pass within the given threshold.
// Connection handles use this to refresh an access token before the
// downstream API starts rejecting it.
func IsExpiringSoon(expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().Add(threshold).After(expiresAt)
}

// IsIdleSince reports whether lastUsed is older than maxIdle.
// A zero lastUsed is treated as idle so half-written records cannot survive
// sweeps forever.
func IsIdleSince(lastUsed time.Time, maxIdle time.Duration) bool {
	if lastUsed.IsZero() {
		return true
	}
	return time.Since(lastUsed) > maxIdle
}
