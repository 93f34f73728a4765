package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
	"github.com/gocolly/colly/v2"
	"github.com/google/jsonschema-go/jsonschema"

	"github.com/calliope-chat/calliope/internal/chat"
	"github.com/calliope-chat/calliope/internal/log"
)

// maxPageChars bounds the extracted text per page so one large article
// cannot blow up the model context.
const maxPageChars = 8000

// FetchInput defines input for the web_fetch tool.
type FetchInput struct {
	URLs []string `json:"urls" jsonschema_description:"The URLs to fetch and extract readable content from (max 5)"`
}

// FetchedPage is the per-URL extraction result. A failed URL carries Error
// instead of Content; one bad URL never fails the whole call.
type FetchedPage struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// urlValidator is the outbound-URL safety check required by FetchTool.
type urlValidator interface {
	ValidateURL(url string) error
}

// FetchConfig configures the web_fetch tool's crawler.
type FetchConfig struct {
	Parallelism int           // max concurrent requests per domain
	Delay       time.Duration // delay between requests to the same domain
	Timeout     time.Duration // per-request timeout
}

// FetchTool implements web_fetch: it downloads model-chosen URLs through a
// rate-limited crawler and reduces each page to readable article text.
// Every URL, including redirect targets, passes SSRF validation first.
type FetchTool struct {
	cfg       FetchConfig
	validator urlValidator
	logger    log.Logger
}

// NewFetchTool creates the web_fetch tool.
func NewFetchTool(cfg FetchConfig, validator urlValidator, logger log.Logger) (*FetchTool, error) {
	if validator == nil {
		return nil, fmt.Errorf("url validator is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 2
	}
	if cfg.Delay <= 0 {
		cfg.Delay = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &FetchTool{cfg: cfg, validator: validator, logger: logger}, nil
}

// Declaration implements Tool.
func (t *FetchTool) Declaration() chat.Declaration {
	schema, err := jsonschema.For[FetchInput](nil)
	if err != nil {
		panic(fmt.Sprintf("BUG: fetch input schema: %v", err))
	}
	return chat.Declaration{
		Name:        "web_fetch",
		Description: "Fetch one or more web pages and extract their readable article text. Use after web_search to read promising results.",
		Notice:      "Reading web pages",
		InputSchema: schema,
	}
}

// Call implements Tool.
func (t *FetchTool) Call(ctx context.Context, args json.RawMessage) (string, error) {
	var in FetchInput
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid web_fetch arguments: %w", err)
	}
	if len(in.URLs) == 0 {
		return "", fmt.Errorf("web_fetch requires at least one URL")
	}
	if len(in.URLs) > 5 {
		in.URLs = in.URLs[:5]
	}

	pages := t.fetchAll(ctx, in.URLs)

	out, err := json.Marshal(pages)
	if err != nil {
		return "", fmt.Errorf("encoding fetched pages: %w", err)
	}
	return string(out), nil
}

func (t *FetchTool) fetchAll(ctx context.Context, urls []string) []FetchedPage {
	var mu sync.Mutex
	byURL := make(map[string]*FetchedPage, len(urls))
	record := func(u string) *FetchedPage {
		mu.Lock()
		defer mu.Unlock()
		if p, ok := byURL[u]; ok {
			return p
		}
		p := &FetchedPage{URL: u}
		byURL[u] = p
		return p
	}

	c := colly.NewCollector(
		colly.Async(true),
		colly.MaxDepth(1),
		colly.UserAgent("calliope/1.0 (+https://github.com/calliope-chat/calliope)"),
	)
	c.SetRequestTimeout(t.cfg.Timeout)
	if err := c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: t.cfg.Parallelism,
		Delay:       t.cfg.Delay,
	}); err != nil {
		t.logger.Error("configuring crawler limits", "error", err)
	}
	c.SetRedirectHandler(func(req *http.Request, via []*http.Request) error {
		if len(via) >= 3 {
			return fmt.Errorf("stopped after 3 redirects")
		}
		return t.validator.ValidateURL(req.URL.String())
	})

	// Results are keyed by the URL the caller asked for. Redirects change
	// r.Request.URL to the final location, so the original travels in the
	// request context.
	origin := func(r *colly.Response) string {
		if u := r.Ctx.Get("origin"); u != "" {
			return u
		}
		return r.Request.URL.String()
	}

	c.OnResponse(func(r *colly.Response) {
		p := record(origin(r))
		mu.Lock()
		defer mu.Unlock()
		p.Title, p.Content = extractReadable(r.Body, r.Request.URL)
		if p.Content == "" {
			p.Error = "no readable content found"
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		p := record(origin(r))
		mu.Lock()
		defer mu.Unlock()
		p.Error = err.Error()
	})

	for _, u := range urls {
		p := record(u)
		if ctx.Err() != nil {
			p.Error = ctx.Err().Error()
			continue
		}
		if err := t.validator.ValidateURL(u); err != nil {
			t.logger.Warn("web fetch rejected URL", "url", u, "error", err)
			p.Error = fmt.Sprintf("URL rejected: %v", err)
			continue
		}
		reqCtx := colly.NewContext()
		reqCtx.Put("origin", u)
		if err := c.Request(http.MethodGet, u, nil, reqCtx, nil); err != nil {
			p.Error = err.Error()
		}
	}
	c.Wait()

	pages := make([]FetchedPage, 0, len(urls))
	mu.Lock()
	defer mu.Unlock()
	for _, u := range urls {
		if p, ok := byURL[u]; ok {
			pages = append(pages, *p)
		}
	}
	return pages
}

// extractReadable reduces an HTML document to its article title and text.
// Readability handles article-shaped pages; everything else falls back to a
// tag-stripped body via goquery.
func extractReadable(body []byte, pageURL *url.URL) (title, content string) {
	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return article.Title, truncate(collapseWhitespace(article.TextContent), maxPageChars)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", ""
	}
	doc.Find("script, style, noscript, iframe").Remove()
	title = strings.TrimSpace(doc.Find("title").First().Text())
	content = truncate(collapseWhitespace(doc.Find("body").Text()), maxPageChars)
	return title, content
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Back up to a rune boundary so the cut never produces invalid UTF-8.
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "…"
}
