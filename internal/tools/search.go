package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/calliope-chat/calliope/internal/chat"
	"github.com/calliope-chat/calliope/internal/log"
)

// SearchInput defines input for the web_search tool.
type SearchInput struct {
	Query      string `json:"query" jsonschema_description:"The search query string"`
	Language   string `json:"language,omitempty" jsonschema_description:"Search language code (e.g., 'en', 'de'; default: 'en')"`
	MaxResults int    `json:"max_results,omitempty" jsonschema_description:"Maximum results to return (1-20)"`
}

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content,omitempty"`
}

// SearchConfig configures the web_search tool.
type SearchConfig struct {
	// BaseURL is the SearXNG instance to query, e.g. http://searxng:8080.
	BaseURL string

	// MaxResults caps results returned to the model regardless of the
	// per-call request.
	MaxResults int

	// Client overrides the HTTP client; nil uses a 10s-timeout default.
	Client *http.Client
}

// SearchTool implements web_search against a SearXNG metasearch instance.
// The instance URL is operator-configured and trusted; only result URLs are
// surfaced to the model, never fetched here.
type SearchTool struct {
	cfg    SearchConfig
	client *http.Client
	logger log.Logger
}

// NewSearchTool creates the web_search tool.
func NewSearchTool(cfg SearchConfig, logger log.Logger) (*SearchTool, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("search base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid search base URL: %w", err)
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 8
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SearchTool{cfg: cfg, client: client, logger: logger}, nil
}

// Declaration implements Tool.
func (t *SearchTool) Declaration() chat.Declaration {
	schema, err := jsonschema.For[SearchInput](nil)
	if err != nil {
		panic(fmt.Sprintf("BUG: search input schema: %v", err))
	}
	return chat.Declaration{
		Name:        "web_search",
		Description: "Search the web for current information. Returns a list of results with title, URL and snippet.",
		Notice:      "Searching the web",
		InputSchema: schema,
	}
}

// Call implements Tool. The result is a compact JSON document listing hits;
// an empty result set is reported as such rather than as an error so the
// model can rephrase the query.
func (t *SearchTool) Call(ctx context.Context, args json.RawMessage) (string, error) {
	var in SearchInput
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid web_search arguments: %w", err)
	}
	if strings.TrimSpace(in.Query) == "" {
		return "", fmt.Errorf("web_search requires a non-empty query")
	}

	limit := t.cfg.MaxResults
	if in.MaxResults > 0 && in.MaxResults < limit {
		limit = in.MaxResults
	}

	results, err := t.search(ctx, in.Query, in.Language)
	if err != nil {
		return "", err
	}
	if len(results) > limit {
		results = results[:limit]
	}

	t.logger.Info("web search completed", "query", in.Query, "results", len(results))

	if len(results) == 0 {
		return fmt.Sprintf("No results found for %q.", in.Query), nil
	}
	out, err := json.Marshal(map[string]any{
		"query":   in.Query,
		"results": results,
	})
	if err != nil {
		return "", fmt.Errorf("encoding search results: %w", err)
	}
	return string(out), nil
}

// searxngResponse mirrors the subset of the SearXNG JSON API we consume.
type searxngResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func (t *SearchTool) search(ctx context.Context, query, language string) ([]SearchResult, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")
	if language != "" {
		q.Set("language", language)
	}

	endpoint := strings.TrimRight(t.cfg.BaseURL, "/") + "/search?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search backend returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("reading search response: %w", err)
	}

	var parsed searxngResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parsing search response: %w", err)
	}

	results := make([]SearchResult, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		if r.URL == "" {
			continue
		}
		results = append(results, SearchResult{Title: r.Title, URL: r.URL, Content: r.Content})
	}
	return results, nil
}
