package civitai

import (
	"context"
	"encoding/json"
	"net/url"
)

// DefaultBaseModels is used when the API does not reveal its current list.
var DefaultBaseModels = []string{
	"ODOR", "SD 1.4", "SD 1.5", "SD 1.5 LCM", "SD 1.5 Hyper", "SD 2.0",
	"SD 2.0 768", "SD 2.1", "SD 2.1 768", "SD 2.1 Unclip", "SDXL 0.9",
	"SDXL 1.0", "SD 3", "SD 3.5", "SD 3.5 Medium", "SD 3.5 Large", "SD 3.5 Large Turbo",
	"Pony", "Flux.1 S", "Flux.1 D", "Flux.1 Kontext", "AuraFlow", "SDXL 1.0 LCM",
	"SDXL Distilled", "SDXL Turbo", "SDXL Lightning", "SDXL Hyper", "Stable Cascade",
	"SVD", "SVD XT", "Playground v2", "PixArt a", "PixArt E", "Hunyuan 1", "Hunyuan Video",
	"Lumina", "Kolors", "Illustrious", "Mochi", "LTXV", "CogVideoX", "NoobAI", "Wan Video",
	"Wan Video 1.3B t2v", "Wan Video 14B t2v", "Wan Video 14B i2v 480p",
	"Wan Video 14B i2v 720p", "HiDream", "OpenAI", "Imagen4", "Veo 3", "Other",
}

// BaseModels discovers the valid baseModels filter values. The API has no
// endpoint for them, but a deliberately invalid value makes it answer with
// a validation error that lists the accepted options. Any failure falls back
// to DefaultBaseModels; the bool reports whether the list came from the API.
func (c *Client) BaseModels(ctx context.Context) ([]string, bool) {
	q := url.Values{}
	q.Set("baseModels", "GetModels")
	body, _, err := c.do(ctx, c.endpoint("/api/v1/models", q))
	if err != nil {
		c.log.Debugf("base models: %v", err)
		return defaultBaseModels(), false
	}
	if opts := parseBaseModelOptions(body); len(opts) > 0 {
		return opts, true
	}
	c.log.Debugf("base models: no options in API response; using defaults")
	return defaultBaseModels(), false
}

func defaultBaseModels() []string {
	return append([]string(nil), DefaultBaseModels...)
}

type baseModelsError struct {
	Error struct {
		Message string `json:"message"`
		Issues  []struct {
			UnionErrors []struct {
				Issues []struct {
					Options []string `json:"options"`
				} `json:"issues"`
			} `json:"unionErrors"`
		} `json:"issues"`
	} `json:"error"`
}

// parseBaseModelOptions understands both shapes the API has used: a zod
// issue tree with options, and a JSON encoded message whose first entry
// carries errors[][].values.
func parseBaseModelOptions(body []byte) []string {
	var e baseModelsError
	if err := json.Unmarshal(body, &e); err != nil {
		return nil
	}
	if is := e.Error.Issues; len(is) > 0 {
		if ue := is[0].UnionErrors; len(ue) > 0 {
			if inner := ue[0].Issues; len(inner) > 0 && len(inner[0].Options) > 0 {
				return inner[0].Options
			}
		}
	}
	if e.Error.Message == "" {
		return nil
	}
	var details []struct {
		Errors []json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal([]byte(e.Error.Message), &details); err != nil || len(details) == 0 {
		return nil
	}
	for _, rawGroup := range details[0].Errors {
		var group []json.RawMessage
		if json.Unmarshal(rawGroup, &group) != nil {
			continue
		}
		for _, rawItem := range group {
			var item struct {
				Values []string `json:"values"`
			}
			if json.Unmarshal(rawItem, &item) == nil && len(item.Values) > 0 {
				return item.Values
			}
		}
	}
	return nil
}
