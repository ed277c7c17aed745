package withings

import "time"

// ProviderConfig carries everything provider-specific: endpoints, scopes,
// app credentials and the measure-type table. Nothing in the pipeline hard
// codes a Withings constant; swapping a sandbox environment in is a matter
// of configuration.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	AuthorizeURL string
	TokenURL     string
	MeasureURL   string
	Scopes       []string

	// MeasureTypes maps provider measure type codes to canonical measures.
	MeasureTypes map[int]MeasureType
}

// DefaultProviderConfig returns the production Withings endpoints and type
// table. Client credentials are always supplied by the caller.
func DefaultProviderConfig(clientID, clientSecret, redirectURL string) ProviderConfig {
	return ProviderConfig{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		AuthorizeURL: "https://account.withings.com/oauth2_user/authorize2",
		TokenURL:     "https://wbsapi.withings.net/v2/oauth2",
		MeasureURL:   "https://wbsapi.withings.net/measure",
		Scopes:       []string{"user.metrics", "user.activity"},
		MeasureTypes: DefaultMeasureTypes(),
	}
}

// Configured reports whether client credentials are present.
func (c ProviderConfig) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.RedirectURL != ""
}

const (
	// stateTTL bounds how long an issued authorization state stays valid.
	stateTTL = 10 * time.Minute
	// refreshSafetyMargin refreshes tokens slightly early: the access token
	// may be consumed moments after the expiry check.
	refreshSafetyMargin = 5 * time.Minute
	// refreshTimeout bounds a detached token refresh.
	refreshTimeout = 30 * time.Second
	// defaultLookBack bounds the first sync and any sync with no recorded
	// predecessor.
	defaultLookBack = 30 * 24 * time.Hour
)
