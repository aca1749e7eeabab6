package core_domain

import (
	"fmt"
	"strings"
)

// Provider identifies a third-party mail service that sends on behalf of a user.
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
	ProviderSMTP    Provider = "smtp" // Generic SMTP relay with XOAUTH2
	ProviderMock    Provider = "mock"
)

// ParseProvider converts user input (path params, event payloads) into a Provider.
func ParseProvider(s string) (Provider, error) {
	switch Provider(strings.ToLower(strings.TrimSpace(s))) {
	case ProviderGmail:
		return ProviderGmail, nil
	case ProviderOutlook:
		return ProviderOutlook, nil
	case ProviderSMTP:
		return ProviderSMTP, nil
	case ProviderMock:
		return ProviderMock, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
}

func (p Provider) String() string { return string(p) }

// CredentialKey is the (user, provider) pair that scopes quota, refresh and revocation.
type CredentialKey struct {
	UserID   string
	Provider Provider
}

func (k CredentialKey) String() string {
	return k.UserID + "|" + string(k.Provider)
}
