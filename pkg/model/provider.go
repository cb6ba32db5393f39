package model

// Provider represents the authentication provider, i.e. Google.
type Provider string

// Supported authentication providers
const (
	ProviderLocal  Provider = "local"
	ProviderGoogle Provider = "google"
)

// IsValid reports whether the provider is supported.
func (provider Provider) IsValid() bool {
	switch provider {
	case ProviderLocal, ProviderGoogle:
		return true
	}
	return false
}

// ProviderProfile holds the identity returned by an external provider
// after a successful authorization grant.
type ProviderProfile struct {
	Provider      Provider
	ID            string
	Email         string
	EmailVerified bool
	GivenName     string
	FamilyName    string
}
