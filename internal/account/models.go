package account

import "time"

// KnownPlatforms are initialized on every new account as unregistered.
// Absence of a key means registration was never attempted.
var KnownPlatforms = []string{"twitter", "telegram", "discord"}

// PlatformStatus tracks registration state on one external platform.
type PlatformStatus struct {
	Username     string     `json:"username"`
	Registered   bool       `json:"registered"`
	LastActivity *time.Time `json:"last_activity"`
}

// Account is one credential record. The plaintext password is never part
// of this struct; only the derived hash is stored.
type Account struct {
	Email         string                    `json:"email"`
	PasswordHash  string                    `json:"password_hash"`
	RecoveryEmail string                    `json:"recovery_email,omitempty"`
	Proxy         string                    `json:"proxy,omitempty"`
	UserAgent     string                    `json:"user_agent,omitempty"`
	CreatedDate   string                    `json:"created_date"`
	Notes         string                    `json:"notes,omitempty"`
	Platforms     map[string]PlatformStatus `json:"platforms"`
}

// RegisteredOn reports whether the account completed registration on the
// given platform.
func (a *Account) RegisteredOn(platform string) bool {
	status, ok := a.Platforms[platform]
	return ok && status.Registered
}

func defaultPlatforms() map[string]PlatformStatus {
	platforms := make(map[string]PlatformStatus, len(KnownPlatforms))
	for _, name := range KnownPlatforms {
		platforms[name] = PlatformStatus{}
	}
	return platforms
}
