package clientdata

import "time"

// TTL constants for cached collaborator responses.
// These are added to time.Now() when storing to calculate expires_at.
const (
	// TTLScreeningAllowed bounds how long a clean verdict is trusted
	TTLScreeningAllowed = 24 * time.Hour
	// TTLScreeningBlocked keeps sanctioned addresses cached longer; providers rarely delist
	TTLScreeningBlocked = 7 * 24 * time.Hour
	// TTLScreeningStale is how long an expired verdict stays available as a
	// fallback for provider outages before cleanup purges it
	TTLScreeningStale = 30 * 24 * time.Hour
	// TTLRateFeed keeps the last pushed rate around for restarts
	TTLRateFeed = time.Hour
)
