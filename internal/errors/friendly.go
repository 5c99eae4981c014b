package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const docsBase = "https://github.com/Armitage73/sd-civitai-browser-plus#"

// UserFriendlyError provides actionable error messages for end users
type UserFriendlyError struct {
	Message    string // User-facing message explaining what went wrong
	Suggestion string // Actionable steps to fix the issue
	DocsLink   string // Optional link to documentation
	Details    error  // Original error for debugging/logs
	StatusCode int    // HTTP status when the error came from the API
}

func (e *UserFriendlyError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)

	if e.Suggestion != "" {
		sb.WriteString("\n\n")
		sb.WriteString("How to fix:\n")
		sb.WriteString(e.Suggestion)
	}

	if e.DocsLink != "" {
		sb.WriteString("\n\n")
		sb.WriteString("Documentation: ")
		sb.WriteString(e.DocsLink)
	}

	return sb.String()
}

func (e *UserFriendlyError) Unwrap() error {
	return e.Details
}

// Short returns only the message line, for status bars and table cells.
func (e *UserFriendlyError) Short() string {
	return e.Message
}

// NewFriendlyError creates a user-friendly error
func NewFriendlyError(message, suggestion string) *UserFriendlyError {
	return &UserFriendlyError{
		Message:    message,
		Suggestion: suggestion,
	}
}

// WithDetails adds the underlying error details
func (e *UserFriendlyError) WithDetails(err error) *UserFriendlyError {
	e.Details = err
	return e
}

// WithDocs adds a documentation link
func (e *UserFriendlyError) WithDocs(link string) *UserFriendlyError {
	e.DocsLink = link
	return e
}

// As reports whether err wraps a *UserFriendlyError and returns it.
func As(err error) (*UserFriendlyError, bool) {
	var fe *UserFriendlyError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// IsStatus reports whether err is a friendly API error with the given HTTP status.
func IsStatus(err error, code int) bool {
	fe, ok := As(err)
	return ok && fe.StatusCode == code
}

// Short renders err for one-line displays.
func Short(err error) string {
	if err == nil {
		return ""
	}
	if fe, ok := As(err); ok {
		return fe.Short()
	}
	return err.Error()
}

// NetworkError returns a network-related error with helpful suggestions
func NetworkError(err error) *UserFriendlyError {
	msg := "Network error occurred"
	suggestion := "Check your internet connection and try again"

	if err != nil {
		errStr := err.Error()

		if strings.Contains(errStr, "no such host") || strings.Contains(errStr, "name resolution") {
			msg = "Cannot resolve hostname - DNS lookup failed"
			suggestion = "1. Check your internet connection\n2. Verify DNS settings\n3. If you use a proxy, set network.proxy"
		}

		if strings.Contains(errStr, "connection refused") {
			msg = "Server refused connection"
			suggestion = "CivitAI may be down or blocking requests. Try again later."
		}

		if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded") {
			msg = "Connection timed out"
			suggestion = "Server is slow or unreachable. Try:\n1. Raise network.timeout_seconds\n2. Check your network speed\n3. Try again later"
		}

		if strings.Contains(errStr, "certificate") || strings.Contains(errStr, "x509") {
			msg = "SSL/TLS certificate verification failed"
			suggestion = "You may be behind a proxy with its own CA. Try:\n  network.ca_bundle: /path/to/cabundle.pem\nOr disable verification (insecure):\n  network.disable_ssl_verify: true"
		}
	}

	return &UserFriendlyError{
		Message:    msg,
		Suggestion: suggestion,
		Details:    err,
	}
}

// AuthError returns authentication-related errors with API key setup guidance.
// hadKey reports whether an Authorization header was sent.
func AuthError(keyEnv string, statusCode int, hadKey bool, err error) *UserFriendlyError {
	if keyEnv == "" {
		keyEnv = "CIVITAI_API_KEY"
	}
	msg := fmt.Sprintf("CivitAI authentication failed (%d)", statusCode)
	suggestion := "1. Set your API key: export " + keyEnv + "=...\n" +
		"2. Create one at: https://civitai.com/user/account\n" +
		"3. Or set civitai.api_key in the config"
	if hadKey {
		msg = fmt.Sprintf("CivitAI rejected the API key (%d)", statusCode)
		suggestion = "1. Check that the key in " + keyEnv + " is current\n" +
			"2. Some models require accepting terms or a supporter tier on civitai.com"
	}
	return &UserFriendlyError{
		Message:    msg,
		Suggestion: suggestion,
		DocsLink:   docsBase + "api-key",
		Details:    err,
		StatusCode: statusCode,
	}
}

// APIKeyRequired is returned before a request that cannot work anonymously,
// such as listing liked models.
func APIKeyRequired(feature, keyEnv string) *UserFriendlyError {
	if keyEnv == "" {
		keyEnv = "CIVITAI_API_KEY"
	}
	return &UserFriendlyError{
		Message:    feature + " requires a CivitAI API key",
		Suggestion: "export " + keyEnv + "=... or set civitai.api_key in the config",
		DocsLink:   docsBase + "api-key",
	}
}

// EarlyAccessError explains why a version cannot be downloaded yet.
func EarlyAccessError(version string, endsAt time.Time) *UserFriendlyError {
	msg := fmt.Sprintf("%s is in early access", version)
	if !endsAt.IsZero() {
		msg += " until " + endsAt.Format("2006-01-02")
	}
	return &UserFriendlyError{
		Message:    msg,
		Suggestion: "Early access downloads are limited to supporters. Wait for public release or use an API key with access.",
		StatusCode: 403,
	}
}

// NotFoundError is returned for 404s from the API.
func NotFoundError(what string, err error) *UserFriendlyError {
	return &UserFriendlyError{
		Message:    fmt.Sprintf("%s not found on CivitAI", what),
		Suggestion: "The model may have been removed or made private",
		Details:    err,
		StatusCode: 404,
	}
}

// RateLimitError is returned for 429s; after is the server's Retry-After hint.
func RateLimitError(after time.Duration) *UserFriendlyError {
	s := "Wait a moment and try again, or lower civitai.requests_per_second"
	if after > 0 {
		s = fmt.Sprintf("Retry after %s, or lower civitai.requests_per_second", after.Round(time.Second))
	}
	return &UserFriendlyError{
		Message:    "CivitAI rate limit reached (429)",
		Suggestion: s,
		StatusCode: 429,
	}
}

// APIError wraps any other non-2xx API response.
func APIError(statusCode int, status, body string) *UserFriendlyError {
	body = strings.TrimSpace(body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	msg := "CivitAI API error: " + status
	if body != "" {
		msg += ": " + body
	}
	return &UserFriendlyError{
		Message:    msg,
		Suggestion: "Try again later; if it persists the API may have changed",
		StatusCode: statusCode,
	}
}

// ChecksumError reports a SHA256 mismatch after download.
func ChecksumError(path, expected, actual string) *UserFriendlyError {
	return &UserFriendlyError{
		Message:    fmt.Sprintf("SHA256 mismatch for %s", path),
		Suggestion: fmt.Sprintf("expected %s\ngot      %s\nDelete the file and download again", strings.ToLower(expected), actual),
	}
}

// DiskSpaceError returns disk space related errors
func DiskSpaceError(availableBytes, requiredBytes uint64) *UserFriendlyError {
	return &UserFriendlyError{
		Message: fmt.Sprintf("Insufficient disk space: need %s but only %s available",
			humanize.IBytes(requiredBytes),
			humanize.IBytes(availableBytes)),
		Suggestion: fmt.Sprintf("Free up at least %s of disk space and try again",
			humanize.IBytes(requiredBytes-availableBytes)),
	}
}

// ConfigError returns configuration-related errors
func ConfigError(field, issue string) *UserFriendlyError {
	return &UserFriendlyError{
		Message:    fmt.Sprintf("Configuration error in field '%s': %s", field, issue),
		Suggestion: "Run 'civitai-browser config validate' to check your configuration",
		DocsLink:   docsBase + "configuration",
	}
}

// DatabaseError returns database-related errors with recovery suggestions
func DatabaseError(err error) *UserFriendlyError {
	msg := "Database error"
	suggestion := "Check that data_root is writable"

	if err != nil {
		errStr := err.Error()

		if strings.Contains(errStr, "locked") {
			msg = "Database is locked by another process"
			suggestion = "Close other civitai-browser instances and try again"
		}

		if strings.Contains(errStr, "corrupt") || strings.Contains(errStr, "malformed") {
			msg = "Database is corrupted"
			suggestion = "Move state.db out of data_root; the queue and scan cache will be rebuilt"
		}
	}

	return &UserFriendlyError{
		Message:    msg,
		Suggestion: suggestion,
		Details:    err,
	}
}

// PathError returns file/directory path related errors
func PathError(path string, err error) *UserFriendlyError {
	msg := fmt.Sprintf("Path error: %s", path)
	suggestion := "Check that the path exists and you have permission to access it"

	if err != nil {
		errStr := err.Error()

		if strings.Contains(errStr, "permission denied") {
			msg = fmt.Sprintf("Permission denied: %s", path)
			suggestion = fmt.Sprintf("Ensure you have write permission:\n  chmod u+w %s", path)
		}

		if strings.Contains(errStr, "no such file or directory") {
			msg = fmt.Sprintf("Directory does not exist: %s", path)
			suggestion = fmt.Sprintf("Create the directory:\n  mkdir -p %s", path)
		}

		if strings.Contains(errStr, "not a directory") {
			msg = fmt.Sprintf("Path exists but is not a directory: %s", path)
			suggestion = "Remove the file or choose a different path"
		}
	}

	return &UserFriendlyError{
		Message:    msg,
		Suggestion: suggestion,
		Details:    err,
	}
}
