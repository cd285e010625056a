package session

import (
	"github.com/wolfeidau/storefront/internal/models"
)

// State is the position of the controller in the login flow.
type State int

const (
	StateIdle State = iota
	StateAwaitingOTP
	StateAuthenticated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingOTP:
		return "awaiting_otp"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Snapshot is a consistent view of the session for rendering.
type Snapshot struct {
	State State
	// LoginEmail is set while awaiting the login OTP.
	LoginEmail string
	Loading    bool
	// Err is the failure of the last completed operation.
	Err  error
	User *models.UserProfile
	// Authenticated mirrors the presence of an access token in the store.
	Authenticated bool
}
