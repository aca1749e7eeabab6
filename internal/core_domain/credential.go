package core_domain

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// CredentialStatus is the lifecycle status of a stored OAuth credential.
type CredentialStatus string

const (
	CredentialActive  CredentialStatus = "active"
	CredentialExpired CredentialStatus = "expired"
	CredentialRevoked CredentialStatus = "revoked"
)

// Value implements the driver.Valuer interface for CredentialStatus.
func (s CredentialStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// Scan implements the sql.Scanner interface for CredentialStatus.
func (s *CredentialStatus) Scan(value interface{}) error {
	var strVal string
	switch v := value.(type) {
	case string:
		strVal = v
	case []byte:
		strVal = string(v)
	case CredentialStatus:
		strVal = string(v)
	default:
		return fmt.Errorf("failed to scan CredentialStatus: unsupported type %T", value)
	}
	switch CredentialStatus(strVal) {
	case CredentialActive, CredentialExpired, CredentialRevoked:
		*s = CredentialStatus(strVal)
		return nil
	}
	return fmt.Errorf("unknown CredentialStatus value: %s", strVal)
}

// UserCredential is a user's delegated access to one provider.
// Token fields hold plaintext only in memory inside the vault.
type UserCredential struct {
	UserID       string           `json:"user_id"`
	Provider     Provider         `json:"provider"`
	AccountEmail string           `json:"account_email"`
	AccessToken  string           `json:"-"`
	RefreshToken string           `json:"-"`
	Expiry       time.Time        `json:"expiry"`
	Scopes       []string         `json:"scopes"`
	Status       CredentialStatus `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Key returns the credential's (user, provider) pair.
func (c *UserCredential) Key() CredentialKey {
	return CredentialKey{UserID: c.UserID, Provider: c.Provider}
}

// StoredCredential is the at-rest form of a credential: secrets are sealed.
type StoredCredential struct {
	UserID          string
	Provider        Provider
	AccountEmail    string
	AccessTokenEnc  []byte
	RefreshTokenEnc []byte
	Expiry          time.Time
	Scopes          []string
	Status          CredentialStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AccessToken is the only form of a credential handed to callers of the vault.
type AccessToken struct {
	Value        string
	Expiry       time.Time
	Provider     Provider
	AccountEmail string
}
