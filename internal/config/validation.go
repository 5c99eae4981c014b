package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	friendlyerrors "github.com/Armitage73/sd-civitai-browser-plus/internal/errors"
)

// Validate performs the hard checks that Load enforces.
func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", c.Version)
	}
	if c.General.DataRoot == "" {
		return errors.New("general.data_root is required")
	}
	if c.General.ModelsRoot == "" {
		return errors.New("general.models_root is required")
	}
	if c.CivitAI.CacheTTLHours < 0 {
		return errors.New("civitai.cache_ttl_hours must be >= 0")
	}
	if c.CivitAI.RequestsPerSecond < 0 {
		return errors.New("civitai.requests_per_second must be >= 0")
	}
	if s := c.Downloads.Aria2Split; s < 0 || s > 64 {
		return fmt.Errorf("downloads.aria2_split must be between 1 and 64: %d", s)
	}
	if n := c.Browser.TileCount; n < 0 || n > 100 {
		return fmt.Errorf("browser.tile_count must be between 1 and 100: %d", n)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level invalid: %s", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "human", "json":
	default:
		return fmt.Errorf("logging.format invalid: %s", c.Logging.Format)
	}
	if c.UI.RefreshHz < 0 {
		return errors.New("ui.refresh_hz must be >= 0")
	}
	for k, v := range c.DefaultSubfolders {
		if v == "" || v == "None" {
			continue
		}
		if !strings.HasPrefix(v, "/") && !strings.HasPrefix(v, `\`) {
			return fmt.Errorf("default_subfolders.%s must be None or start with a path separator: %q", k, v)
		}
	}
	return nil
}

// ValidationError represents a detailed config validation error
type ValidationError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("Config validation error in '%s': %s", e.Field, e.Message)
}

// ValidateDetailed reports soft problems: values that load fine but will
// likely misbehave at runtime.
func (c *Config) ValidateDetailed() []ValidationError {
	var errs []ValidationError

	if c.General.ModelsRoot != "" {
		if fi, err := os.Stat(c.General.ModelsRoot); err != nil || !fi.IsDir() {
			errs = append(errs, ValidationError{
				Field:      "general.models_root",
				Value:      c.General.ModelsRoot,
				Message:    "Directory does not exist",
				Suggestion: "Point it at your WebUI models folder, e.g.\n  models_root: ~/stable-diffusion-webui/models",
			})
		}
	}

	if c.Downloads.ChunkSizeMB < 0 || c.Downloads.ChunkSizeMB > 1000 {
		errs = append(errs, ValidationError{
			Field:      "downloads.chunk_size_mb",
			Value:      c.Downloads.ChunkSizeMB,
			Message:    "Must be between 1 and 1000 MB",
			Suggestion: "Recommended: 16-64 MB",
		})
	}

	if c.Downloads.PerFileChunks > 64 {
		errs = append(errs, ValidationError{
			Field:      "downloads.per_file_chunks",
			Value:      c.Downloads.PerFileChunks,
			Message:    "Unusually high (>64 connections)",
			Suggestion: "CivitAI's CDN throttles aggressive clients. Try 4-16.",
		})
	}

	if c.Downloads.MaxRetries < 0 {
		errs = append(errs, ValidationError{
			Field:      "downloads.max_retries",
			Value:      c.Downloads.MaxRetries,
			Message:    "Must be >= 0",
			Suggestion: "Recommended: 3-10 retries",
		})
	}

	if c.Downloads.Backoff.MaxMS > 0 && c.Downloads.Backoff.MaxMS < c.Downloads.Backoff.MinMS {
		errs = append(errs, ValidationError{
			Field:      "downloads.backoff.max_ms",
			Value:      c.Downloads.Backoff.MaxMS,
			Message:    "max_ms must be >= min_ms",
			Suggestion: fmt.Sprintf("Set max_ms to at least %d", c.Downloads.Backoff.MinMS),
		})
	}

	if c.Network.TimeoutSeconds > 3600 {
		errs = append(errs, ValidationError{
			Field:      "network.timeout_seconds",
			Value:      c.Network.TimeoutSeconds,
			Message:    "Very long timeout (>1 hour)",
			Suggestion: "Consider reducing to 30-300 seconds",
		})
	}

	if p := strings.TrimSpace(c.Network.Proxy); p != "" {
		u, err := url.Parse(p)
		if err != nil || u.Host == "" {
			errs = append(errs, ValidationError{
				Field:      "network.proxy",
				Value:      p,
				Message:    "Not a valid proxy URL",
				Suggestion: "Use socks5://host:port or http://host:port",
			})
		} else if c.Downloads.UseAria2 {
			errs = append(errs, ValidationError{
				Field:      "downloads.use_aria2",
				Value:      true,
				Message:    "aria2 downloads bypass network.proxy",
				Suggestion: "Set use_aria2: false for proxied downloads",
			})
		}
	}

	if c.Network.CABundle != "" {
		if _, err := os.Stat(c.Network.CABundle); err != nil {
			errs = append(errs, ValidationError{
				Field:      "network.ca_bundle",
				Value:      c.Network.CABundle,
				Message:    "CA bundle file not found",
				Suggestion: "Fix the path or remove the setting",
			})
		}
	}

	if c.APIKey() == "" {
		errs = append(errs, ValidationError{
			Field:      "civitai.api_key",
			Message:    fmt.Sprintf("No API key (civitai.api_key or %s)", c.APIKeyEnvName()),
			Suggestion: fmt.Sprintf("Some downloads and the liked-models filter need a key:\n  export %s=...\n  Get one at: https://civitai.com/user/account", c.APIKeyEnvName()),
		})
	}

	return errs
}

// ValidateWithFriendlyErrors returns a user-friendly validation error
func (c *Config) ValidateWithFriendlyErrors() error {
	if err := c.Validate(); err != nil {
		return err
	}

	errs := c.ValidateDetailed()
	if len(errs) == 0 {
		return nil
	}

	var msg strings.Builder
	msg.WriteString("Configuration validation failed:\n\n")

	for i, err := range errs {
		msg.WriteString(fmt.Sprintf("%d. %s\n", i+1, err.Error()))
		if err.Value != nil {
			msg.WriteString(fmt.Sprintf("   Current value: %v\n", err.Value))
		}
		if err.Suggestion != "" {
			for _, line := range strings.Split(err.Suggestion, "\n") {
				msg.WriteString(fmt.Sprintf("   → %s\n", line))
			}
		}
		msg.WriteString("\n")
	}

	return friendlyerrors.NewFriendlyError(
		"Config validation failed",
		msg.String(),
	).WithDocs("https://github.com/Armitage73/sd-civitai-browser-plus#configuration")
}
