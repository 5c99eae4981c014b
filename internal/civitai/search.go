package civitai

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"sync"

	friendly "github.com/Armitage73/sd-civitai-browser-plus/internal/errors"
)

// Sort orders accepted by /api/v1/models, in the order shown to users.
var SortOptions = []string{
	"Newest", "Oldest", "Most Downloaded", "Highest Rated", "Most Liked",
	"Most Buzz", "Most Discussed", "Most Collected", "Most Images",
}

// PeriodOptions maps the displayed time period to the API value.
var PeriodOptions = []struct{ Label, Value string }{
	{"All Time", "AllTime"},
	{"Year", "Year"},
	{"Month", "Month"},
	{"Week", "Week"},
	{"Day", "Day"},
}

// SearchTypes maps the search type choice to the query parameter it fills.
var SearchTypes = []struct{ Label, Param string }{
	{"Model name", "query"},
	{"User name", "username"},
	{"Tag", "tag"},
}

// CombinedLORA is the single content type choice shown when LoRA variants
// are merged (browser.use_lora).
const CombinedLORA = "LORA, LoCon, DoRA"

// ExpandTypes splits combined choices into API model types.
func ExpandTypes(types []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, t := range types {
		var parts []string
		if t == CombinedLORA {
			parts = []string{"LORA", "LoCon", "DoRA"}
		} else {
			parts = []string{strings.TrimSpace(t)}
		}
		for _, p := range parts {
			if p != "" && !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

func periodValue(label string) string {
	for _, p := range PeriodOptions {
		if strings.EqualFold(p.Label, label) || strings.EqualFold(p.Value, label) {
			return p.Value
		}
	}
	return ""
}

func searchParam(label string) string {
	for _, s := range SearchTypes {
		if strings.EqualFold(s.Label, label) || s.Param == label {
			return s.Param
		}
	}
	return "query"
}

type SearchParams struct {
	Query        string
	SearchType   string // "Model name", "User name" or "Tag"
	ContentTypes []string
	Sort         string
	Period       string
	BaseModels   []string
	NSFW         bool
	LikedOnly    bool
	Limit        int
	Page         int
}

// Values renders the params as the /api/v1/models query string.
func (p SearchParams) Values() url.Values {
	q := url.Values{}
	limit := p.Limit
	if limit <= 0 {
		limit = 15
	}
	if limit > 100 {
		limit = 100
	}
	q.Set("limit", strconv.Itoa(limit))
	if s := strings.TrimSpace(p.Query); s != "" {
		q.Set(searchParam(p.SearchType), s)
	}
	for _, t := range ExpandTypes(p.ContentTypes) {
		q.Add("types", t)
	}
	if p.Sort != "" {
		q.Set("sort", p.Sort)
	}
	if v := periodValue(p.Period); v != "" {
		q.Set("period", v)
	}
	for _, b := range p.BaseModels {
		if b != "" {
			q.Add("baseModels", b)
		}
	}
	q.Set("nsfw", strconv.FormatBool(p.NSFW))
	if p.LikedOnly {
		q.Set("favorites", "true")
	}
	// The API rejects page together with a text query; those use cursors.
	if p.Page > 1 && q.Get("query") == "" {
		q.Set("page", strconv.Itoa(p.Page))
	}
	return q
}

// Search runs one /api/v1/models query. Results are not cached.
func (c *Client) Search(ctx context.Context, p SearchParams) (*ModelsPage, error) {
	if p.LikedOnly && c.apiKey == "" {
		return nil, friendly.APIKeyRequired("Liked models only", c.cfg.APIKeyEnvName())
	}
	return c.searchURL(ctx, c.endpoint("/api/v1/models", p.Values()))
}

func (c *Client) searchURL(ctx context.Context, rawURL string) (*ModelsPage, error) {
	var page ModelsPage
	if err := c.getJSON(ctx, rawURL, "model search", false, &page); err != nil {
		return nil, err
	}
	if c.cfg.CivitAI.HideEarlyAccess {
		page.Items = dropEarlyAccess(page.Items, c.now())
	}
	return &page, nil
}

// Pager walks search results: Next follows metadata.nextPage, Prev replays
// the previous URL from history.
type Pager struct {
	c       *Client
	mu      sync.Mutex
	params  SearchParams
	history []string
	current *ModelsPage
}

func (c *Client) NewPager() *Pager { return &Pager{c: c} }

var ErrNoPage = errors.New("no page in that direction")

// First starts a new search and clears history.
func (p *Pager) First(ctx context.Context, params SearchParams) (*ModelsPage, error) {
	if params.LikedOnly && p.c.apiKey == "" {
		return nil, friendly.APIKeyRequired("Liked models only", p.c.cfg.APIKeyEnvName())
	}
	u := p.c.endpoint("/api/v1/models", params.Values())
	page, err := p.c.searchURL(ctx, u)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.params = params
	p.history = []string{u}
	p.current = page
	return page, nil
}

func (p *Pager) Next(ctx context.Context) (*ModelsPage, error) {
	p.mu.Lock()
	cur := p.current
	p.mu.Unlock()
	if cur == nil || cur.Metadata.NextPage == "" {
		return nil, ErrNoPage
	}
	next := cur.Metadata.NextPage
	page, err := p.c.searchURL(ctx, next)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, next)
	p.current = page
	return page, nil
}

func (p *Pager) Prev(ctx context.Context) (*ModelsPage, error) {
	p.mu.Lock()
	if len(p.history) < 2 {
		p.mu.Unlock()
		return nil, ErrNoPage
	}
	prev := p.history[len(p.history)-2]
	p.mu.Unlock()
	page, err := p.c.searchURL(ctx, prev)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = p.history[:len(p.history)-1]
	p.current = page
	return page, nil
}

// Goto re-runs the current search at page n (1-based).
func (p *Pager) Goto(ctx context.Context, n int) (*ModelsPage, error) {
	p.mu.Lock()
	params := p.params
	p.mu.Unlock()
	if n < 1 {
		n = 1
	}
	params.Page = n
	return p.First(ctx, params)
}

// Page is the 1-based number of the current page.
func (p *Pager) Page() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil && p.current.Metadata.CurrentPage > 0 {
		return p.current.Metadata.CurrentPage
	}
	if len(p.history) == 0 {
		return 0
	}
	start := 1
	if p.params.Page > 1 {
		start = p.params.Page
	}
	return start + len(p.history) - 1
}

// TotalPages is 0 when the API did not say (cursor based results).
func (p *Pager) TotalPages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return 0
	}
	return p.current.Metadata.TotalPages
}

func (p *Pager) HasNext() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil && p.current.Metadata.NextPage != ""
}

func (p *Pager) HasPrev() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.history) > 1
}

func (p *Pager) Current() *ModelsPage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *Pager) Params() SearchParams {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.params
}
