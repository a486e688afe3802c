package mfa

import "time"

// Challenge types.
const (
	ChallengeTOTP       = "TOTP"
	ChallengeBackupCode = "BACKUP_CODE"
)

// Configuration holds a user's enabled MFA state. The TOTP secret is stored
// encrypted; failure accounting and lockout live here so they survive across
// challenges.
type Configuration struct {
	UserID          int64
	SecretEncrypted string
	IsEnabled       bool
	VerifiedAt      *time.Time
	FailedAttempts  int
	LockedUntil     *time.Time
	LastUsedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// LockedAt reports whether the account is inside an active lockout window.
func (c *Configuration) LockedAt(now time.Time) bool {
	return c != nil && c.LockedUntil != nil && now.Before(*c.LockedUntil)
}

// BackupCode is a single-use fallback credential, stored only as a hash.
type BackupCode struct {
	ID            int64
	UserID        int64
	CodeHash      string
	UsedAt        *time.Time
	UsedIPAddress string
	UsedUserAgent string
	CreatedAt     time.Time
}

// Challenge is one login-time MFA prompt. It is terminal on completion,
// expiry or attempt exhaustion; a terminal challenge is never reusable.
type Challenge struct {
	ID             int64
	UserID         int64
	ChallengeToken string
	Type           string
	Attempts       int
	MaxAttempts    int
	ExpiresAt      time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
}

// Expired reports whether the challenge window has passed.
func (c *Challenge) Expired(now time.Time) bool {
	return c == nil || !now.Before(c.ExpiresAt)
}

// Exhausted reports whether the attempt budget is spent.
func (c *Challenge) Exhausted() bool {
	return c != nil && c.Attempts >= c.MaxAttempts
}

// Status is the caller-facing MFA state summary.
type Status struct {
	Enabled          bool       `json:"enabled"`
	VerifiedAt       *time.Time `json:"verified_at,omitempty"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
	LockedUntil      *time.Time `json:"locked_until,omitempty"`
	BackupCodesLeft  int        `json:"backup_codes_left"`
	BackupCodesTotal int        `json:"backup_codes_total"`
}

// SetupMaterial is returned by setup initiation: the QR URI and setup token.
// The secret itself lives only in the ephemeral cache until verified.
type SetupMaterial struct {
	SetupToken   string `json:"setup_token"`
	SecretBase32 string `json:"secret"`
	ProvisionURI string `json:"provision_uri"`
}

// BackupCodesState reports how much of the backup-code batch is left. Counts
// only: plaintext codes exist client-side for the one response that generated
// them, and hashes never leave the store.
type BackupCodesState struct {
	Total     int `json:"total"`
	Remaining int `json:"remaining"`
	Used      int `json:"used"`
}

// UsedBackupCode is the audit view of a consumed backup code.
type UsedBackupCode struct {
	UsedAt    time.Time `json:"used_at"`
	IPAddress string    `json:"ip_address"`
	UserAgent string    `json:"user_agent"`
}
