package credentials

import (
	"github.com/oremus-labs/ol-redteam/config"
	"github.com/oremus-labs/ol-redteam/internal/campaign"
)

// FromConfig returns the provider for the service's probe API credential:
// a refreshable session when a refresh token is configured, a static token
// otherwise, and nil when no credential is configured.
func FromConfig(cfg *config.Config) campaign.CredentialProvider {
	switch {
	case cfg.RefreshToken != "":
		return NewSessionProvider(Options{
			BaseURL:     cfg.APIURL,
			RefreshPath: cfg.RefreshPath,
			Session: Session{
				AccessToken:  cfg.APIToken,
				RefreshToken: cfg.RefreshToken,
			},
		})
	case cfg.APIToken != "":
		return NewStatic(cfg.APIToken)
	default:
		return nil
	}
}
