package linkpersona

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

var whitespacePattern = regexp.MustCompile(`\s+`)

// Article is the readable content extracted from a fetched page.
type Article struct {
	URL       string `json:"url"`
	Title     string `json:"title"`
	Text      string `json:"text"`
	Truncated bool   `json:"truncated"`
}

// ArticleFetcher retrieves a page and extracts its readable text.
type ArticleFetcher interface {
	Fetch(ctx context.Context, rawURL string) (Article, error)
}

// skipTags are elements whose text never belongs to the article body.
var skipTags = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
	"nav":      true,
	"header":   true,
	"footer":   true,
	"aside":    true,
	"form":     true,
	"iframe":   true,
	"svg":      true,
	"button":   true,
	"table":    true,
}

// segmentTags are elements collected as one paragraph each.
var segmentTags = map[string]bool{
	"p":          true,
	"li":         true,
	"blockquote": true,
	"pre":        true,
	"h1":         true,
	"h2":         true,
	"h3":         true,
	"h4":         true,
	"h5":         true,
	"h6":         true,
}

// HTTPArticleFetcher is the production ArticleFetcher. It fetches over
// plain HTTP(S), follows redirects, reads at most maxBodyBytes of the
// response, and truncates extracted text to maxChars characters.
type HTTPArticleFetcher struct {
	httpClient   *http.Client
	userAgent    string
	maxBodyBytes int64
	maxChars     int
	logger       *slog.Logger
}

// NewHTTPArticleFetcher creates an HTTPArticleFetcher from config.
func NewHTTPArticleFetcher(
	config *FetcherConfig,
	logger *slog.Logger,
) *HTTPArticleFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	maxChars := config.ArticleMaxChars
	if maxChars <= 0 {
		maxChars = DefaultArticleMaxChars
	}
	maxBodyBytes := config.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultFetcherMaxBodyBytes
	}
	userAgent := config.UserAgent
	if userAgent == "" {
		userAgent = DefaultFetcherUserAgent
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultFetcherTimeout
	}
	return &HTTPArticleFetcher{
		httpClient:   &http.Client{Timeout: timeout},
		userAgent:    userAgent,
		maxBodyBytes: maxBodyBytes,
		maxChars:     maxChars,
		logger:       logger.With(loggerNameKey, "fetcher"),
	}
}

// Fetch retrieves rawURL and extracts its readable text. Failures are
// reported as *FetchError with a FetchFailure reason, except malformed
// URLs, which are a ValidationError.
func (f *HTTPArticleFetcher) Fetch(
	ctx context.Context,
	rawURL string,
) (Article, error) {
	var article Article

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" ||
		(parsed.Scheme != "http" && parsed.Scheme != "https") {
		return article, ValidationError(
			fmt.Sprintf("invalid URL: %s", rawURL),
		)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return article, ValidationError(
			fmt.Sprintf("invalid URL: %s", rawURL),
		)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return article, &FetchError{
			URL:    rawURL,
			Reason: requestFailure(err),
			Err:    err,
		}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return article, &FetchError{
			URL:    rawURL,
			Reason: statusFailure(resp.StatusCode),
			Status: resp.StatusCode,
		}
	}

	if contentType := resp.Header.Get("Content-Type"); contentType != "" {
		mediaType, _, parseErr := mime.ParseMediaType(contentType)
		if parseErr == nil && mediaType != "text/html" &&
			mediaType != "application/xhtml+xml" {
			return article, &FetchError{
				URL:    rawURL,
				Reason: FetchUnsupportedContent,
				Status: resp.StatusCode,
				Err: fmt.Errorf(
					"unsupported content type: %s",
					mediaType,
				),
			}
		}
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, f.maxBodyBytes))
	if err != nil {
		return article, &FetchError{
			URL:    rawURL,
			Reason: FetchUnsupportedContent,
			Status: resp.StatusCode,
			Err:    err,
		}
	}

	title, text := extractReadable(doc)
	if text == "" {
		return article, &FetchError{
			URL:    rawURL,
			Reason: FetchUnsupportedContent,
			Status: resp.StatusCode,
			Err:    errors.New("no readable content extracted"),
		}
	}

	article = Article{URL: rawURL, Title: title, Text: text}
	if utf8.RuneCountInString(text) > f.maxChars {
		article.Text = truncate(text, f.maxChars) + "..."
		article.Truncated = true
	}

	f.logger.Debug(
		"article fetched",
		"url", rawURL,
		"title", title,
		"chars", utf8.RuneCountInString(article.Text),
		"truncated", article.Truncated,
	)
	return article, nil
}

// requestFailure classifies a transport-level error.
func requestFailure(err error) FetchFailure {
	if errors.Is(err, context.DeadlineExceeded) {
		return FetchTimeout
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return FetchTimeout
	}
	return FetchUnreachable
}

// statusFailure classifies a non-2xx HTTP status.
func statusFailure(status int) FetchFailure {
	switch status {
	case http.StatusNotFound, http.StatusGone:
		return FetchNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return FetchForbidden
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return FetchTimeout
	default:
		return FetchUnreachable
	}
}

// extractReadable pulls the page title and the article body text from a
// parsed document. The title prefers the og:title meta tag over the
// <title> element. Body text is assembled from paragraph-like elements;
// pages with none fall back to the whole body's inline text.
func extractReadable(doc *html.Node) (title string, text string) {
	var ogTitle, docTitle string
	var segments []string
	var body *html.Node

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case skipTags[n.Data]:
				return
			case n.Data == "meta":
				if metaProperty(n) == "og:title" {
					ogTitle = metaContent(n)
				}
			case n.Data == "title" && docTitle == "":
				docTitle = inlineText(n)
			case n.Data == "body":
				body = n
			case segmentTags[n.Data]:
				if segment := inlineText(n); segment != "" {
					segments = append(segments, segment)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	title = strings.TrimSpace(ogTitle)
	if title == "" {
		title = docTitle
	}

	if len(segments) > 0 {
		return title, strings.Join(segments, "\n")
	}
	if body != nil {
		return title, inlineText(body)
	}
	return title, ""
}

// inlineText flattens an element's text content, collapsing whitespace.
func inlineText(n *html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteString(" ")
			return
		}
		if n.Type == html.ElementNode && skipTags[n.Data] {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(b.String(), " "))
}

func metaProperty(n *html.Node) string {
	for _, attr := range n.Attr {
		if attr.Key == "property" || attr.Key == "name" {
			return attr.Val
		}
	}
	return ""
}

func metaContent(n *html.Node) string {
	for _, attr := range n.Attr {
		if attr.Key == "content" {
			return attr.Val
		}
	}
	return ""
}
