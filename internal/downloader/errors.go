package downloader

import (
	"errors"
	"io"
	stdhttp "net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/config"
	friendly "github.com/Armitage73/sd-civitai-browser-plus/internal/errors"
)

func parseRetryAfter(raw string) time.Duration {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0
	}
	if secs, err := strconv.Atoi(s); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(stdhttp.TimeFormat, s); err == nil {
		d := time.Until(t)
		if d < 0 {
			return 0
		}
		return d
	}
	return 0
}

// statusError maps a non-2xx download response to a user facing error.
// hadAuth reports whether an Authorization header was sent.
func statusError(cfg *config.Config, resp *stdhttp.Response, hadAuth bool) error {
	switch resp.StatusCode {
	case stdhttp.StatusUnauthorized, stdhttp.StatusForbidden:
		return friendly.AuthError(cfg.APIKeyEnvName(), resp.StatusCode, hadAuth, errors.New(resp.Status))
	case stdhttp.StatusNotFound:
		return friendly.NotFoundError("file", errors.New(resp.Status))
	case stdhttp.StatusTooManyRequests:
		return friendly.RateLimitError(parseRetryAfter(resp.Header.Get("Retry-After")))
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return friendly.APIError(resp.StatusCode, resp.Status, string(body))
}

// retryable reports whether a chunk failure is worth another attempt.
func retryable(err error) bool {
	if fe, ok := friendly.As(err); ok {
		return fe.StatusCode == 429 || fe.StatusCode >= 500
	}
	return true
}

func hadAuthHeader(headers map[string]string) bool {
	for k, v := range headers {
		if strings.EqualFold(k, "Authorization") && strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}

func errorText(err error) string {
	return friendly.Short(err)
}
