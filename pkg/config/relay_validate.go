package config

import (
	"fmt"
	"net/url"
	"strings"
)

// validateRelayBaseURL checks that the base URL is a bare http(s) origin
// with no query string or fragment, since the relay client appends its own
// versioned path ("/v{N}/info", "/v{N}/dns").
func validateRelayBaseURL(base string) error {
	if strings.TrimSpace(base) != base || base == "" {
		return fmt.Errorf("relay.base_url must be non-empty with no surrounding whitespace")
	}
	u, err := url.Parse(base)
	if err != nil {
		return fmt.Errorf("relay.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("relay.base_url scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("relay.base_url must include a host")
	}
	if u.RawQuery != "" {
		return fmt.Errorf("relay.base_url must not include a query string")
	}
	if u.Fragment != "" {
		return fmt.Errorf("relay.base_url must not include a fragment")
	}
	return nil
}
