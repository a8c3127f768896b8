package security

import "time"

// DefaultClockSkewGracePeriod tolerates small clock differences between replicas.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsExpired reports whether expiresAt has passed at now, allowing grace for
// clock skew. A zero expiresAt never expires.
func IsExpired(now, expiresAt time.Time, grace time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(grace))
}
