package civitai

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	friendly "github.com/Armitage73/sd-civitai-browser-plus/internal/errors"
)

func (c *Client) Model(ctx context.Context, id int64) (*Model, error) {
	var m Model
	if err := c.getJSON(ctx, c.endpoint("/api/v1/models/"+strconv.FormatInt(id, 10), nil), fmt.Sprintf("model %d", id), true, &m); err != nil {
		return nil, err
	}
	if c.cfg.CivitAI.HideEarlyAccess {
		m.ModelVersions = filterVersions(m.ModelVersions, c.now())
	}
	return &m, nil
}

func (c *Client) Version(ctx context.Context, id int64) (*Version, error) {
	var v Version
	if err := c.getJSON(ctx, c.endpoint("/api/v1/model-versions/"+strconv.FormatInt(id, 10), nil), fmt.Sprintf("version %d", id), true, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// VersionByHash looks a local file up by its SHA256 (AutoV2 prefixes work too).
func (c *Client) VersionByHash(ctx context.Context, sha256 string) (*Version, error) {
	h := strings.TrimSpace(sha256)
	if h == "" {
		return nil, errors.New("empty hash")
	}
	var v Version
	if err := c.getJSON(ctx, c.endpoint("/api/v1/model-versions/by-hash/"+strings.ToUpper(h), nil), "hash "+shortHash(h), true, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// IsNotFound reports whether err is the API's 404.
func IsNotFound(err error) bool { return friendly.IsStatus(err, 404) }

func shortHash(h string) string {
	if len(h) > 10 {
		return h[:10]
	}
	return h
}

func filterVersions(vs []Version, now time.Time) []Version {
	out := vs[:0:0]
	for _, v := range vs {
		if !v.EarlyAccess(now) {
			out = append(out, v)
		}
	}
	return out
}

// dropEarlyAccess removes early access versions and then models with no
// versions left.
func dropEarlyAccess(models []Model, now time.Time) []Model {
	out := models[:0:0]
	for _, m := range models {
		m.ModelVersions = filterVersions(m.ModelVersions, now)
		if len(m.ModelVersions) > 0 {
			out = append(out, m)
		}
	}
	return out
}
