package domain

import (
	"fmt"
	"regexp"
)

// DefaultSource is the source tag used when a caller does not name one.
const DefaultSource = "roster-api"

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// ValidateIdentifier checks tenant and source tags before they become
// path segments or lock keys.
func ValidateIdentifier(kind, value string) error {
	if !identifierPattern.MatchString(value) {
		return fmt.Errorf("%w: %s %q", ErrInvalidIdentifier, kind, value)
	}
	return nil
}

// SourceCredentials holds what is needed to call one tenant's roster API.
type SourceCredentials struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scope        string
}

// Validate checks that the credentials are usable.
func (c SourceCredentials) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("roster credentials: base_url is required")
	}
	if c.TokenURL != "" && (c.ClientID == "" || c.ClientSecret == "") {
		return fmt.Errorf("roster credentials: client_id and client_secret are required with token_url")
	}
	return nil
}
