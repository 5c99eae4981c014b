package library

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/Armitage73/sd-civitai-browser-plus/internal/state"
)

// Filter returns the installed models matching query, best match first.
// Each model is matched on "model name version name file name"; an empty
// query returns models unchanged.
func Filter(models []state.InstalledModel, query string) []state.InstalledModel {
	query = strings.TrimSpace(query)
	if query == "" {
		return models
	}
	targets := make([]string, len(models))
	for i, m := range models {
		targets[i] = m.ModelName + " " + m.VersionName + " " + filepath.Base(m.Path)
	}
	ranks := fuzzy.RankFindNormalizedFold(query, targets)
	sort.Stable(ranks)
	out := make([]state.InstalledModel, 0, len(ranks))
	for _, r := range ranks {
		out = append(out, models[r.OriginalIndex])
	}
	return out
}
