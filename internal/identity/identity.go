// Package identity manages the fleet of upstream credential pairs: health
// tracking, round-robin selection, failure accounting, and token refresh.
package identity

import (
	"time"

	"github.com/qwenbridge/qwenbridge/internal/qwen"
)

// Health is the selection state of an identity.
type Health int

const (
	Healthy Health = iota
	Degraded
	Quarantined
)

// String returns the lowercase name of the health state.
func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Quarantined:
		return "quarantined"
	}
	return "unknown"
}

// Identity is one (token, cookie) credential pair with health metadata.
// All fields are guarded by the owning pool's mutex.
type Identity struct {
	id     string
	token  string
	cookie string

	health              Health
	consecutiveFailures int
	lastSuccess         time.Time
	lastFailure         time.Time
	lastUsed            time.Time
	lastRefresh         time.Time
	quarantinedAt       time.Time
	needsRefresh        bool
	refreshFailures     int
}

// Lease is the caller-facing snapshot handed out by Acquire. It carries
// everything a request needs without exposing pool-guarded state.
type Lease struct {
	ID    string
	Creds qwen.Credentials
}

// Status is the aggregate pool view for the health endpoint.
type Status struct {
	Total         int        `json:"total"`
	Healthy       int        `json:"healthy"`
	Degraded      int        `json:"degraded"`
	Quarantined   int        `json:"quarantined"`
	NearestExpiry *time.Time `json:"nearest_expiry,omitempty"`
}
