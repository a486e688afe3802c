package session

import "time"

// Revocation reasons recorded on terminal sessions.
const (
	ReasonUserLogout        = "USER_LOGOUT"
	ReasonAdminForceLogout  = "ADMIN_FORCE_LOGOUT"
	ReasonPasswordReset     = "PASSWORD_RESET"
	ReasonInactivityTimeout = "INACTIVITY_TIMEOUT"
	ReasonSessionLimit      = "SESSION_LIMIT_EXCEEDED"
	ReasonTokenReuse        = "TOKEN_REUSE_DETECTED"
)

// Session is the durable record of an authenticated device session. It moves
// from active to exactly one terminal state: revoked (with a reason) or
// expired, the latter detected lazily on access.
type Session struct {
	ID               string
	UserID           int64
	OrganizationID   int64
	TokenHash        string
	RefreshTokenHash string
	IPAddress        string
	UserAgent        string
	CreatedAt        time.Time
	LastActivityAt   time.Time
	ExpiresAt        time.Time
	RevokedAt        *time.Time
	RevokeReason     string
}

// Active reports whether the session is neither revoked nor expired at now.
func (s *Session) Active(now time.Time) bool {
	if s == nil || s.RevokedAt != nil {
		return false
	}
	return now.Before(s.ExpiresAt)
}

// BlacklistedToken is an append-only record of a token hash that must never
// be honoured again. A hash appears at most once.
type BlacklistedToken struct {
	TokenHash string
	Reason    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// TokenPair carries a freshly issued access/refresh token pair.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Info is the caller-facing view of a session with derived device metadata
// and a masked IP.
type Info struct {
	ID             string    `json:"id"`
	Device         string    `json:"device"`
	OS             string    `json:"os"`
	Browser        string    `json:"browser"`
	IPAddress      string    `json:"ip_address"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	IsCurrent      bool      `json:"is_current"`
}

// TimeoutStatus reports idle state for a session heartbeat check.
type TimeoutStatus struct {
	IdleFor       time.Duration `json:"idle_seconds"`
	Warning       bool          `json:"warning"`
	TimedOut      bool          `json:"timed_out"`
	RemainingTime time.Duration `json:"remaining_seconds"`
}

// LogoutResult reports the client-facing outcome of a logout. Logout is
// fail-open: Degraded is set when server-side revocation failed and the
// stray state is left for the cleanup job.
type LogoutResult struct {
	LoggedOut bool `json:"logged_out"`
	Degraded  bool `json:"degraded,omitempty"`
}
