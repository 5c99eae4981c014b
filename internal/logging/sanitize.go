package logging

import (
	"net/url"
	"strings"
)

// SanitizeURL removes userinfo and query params for logging.
// CivitAI download links carry the API key as ?token=, so the query never reaches a log line.
func SanitizeURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return s
	}
	u, err := url.Parse(s)
	if err != nil {
		return s
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
