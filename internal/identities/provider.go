package identities

import "errors"

// ErrUnknownProvider indicates a provider value outside the supported set.
var ErrUnknownProvider = errors.New("identities: unknown provider")

// Provider names the external authentication source backing an identity.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderGitHub    Provider = "github"
	ProviderTwitter   Provider = "twitter"
	ProviderDiscord   Provider = "discord"
	ProviderApple     Provider = "apple"
	ProviderMicrosoft Provider = "microsoft"
	ProviderEmail     Provider = "email"
)

// supportedProviders lists every provider in wire enumeration order.
func supportedProviders() []Provider {
	return []Provider{
		ProviderGoogle,
		ProviderGitHub,
		ProviderTwitter,
		ProviderDiscord,
		ProviderApple,
		ProviderMicrosoft,
		ProviderEmail,
	}
}

func (p Provider) supported() bool {
	for _, candidate := range supportedProviders() {
		if p == candidate {
			return true
		}
	}
	return false
}

// String returns the stored representation.
func (p Provider) String() string {
	return string(p)
}
