package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"property-sync/utils"
)

// HTTPOpener loads pages with a plain GET and parses them with goquery.
// Pages it returns cannot evaluate scripts and capture no side responses.
type HTTPOpener struct {
	Client    *http.Client
	Timeout   time.Duration
	UserAgent string
}

func NewHTTPOpener(timeout time.Duration) *HTTPOpener {
	if timeout <= 0 {
		timeout = DefaultNavTimeout
	}
	return &HTTPOpener{
		Client:    &http.Client{},
		Timeout:   timeout,
		UserAgent: RandomUserAgent(),
	}
}

func (o *HTTPOpener) WithPage(ctx context.Context, url string, fn func(Page) error) error {
	reqCtx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return utils.NewValidationError("build request", err.Error())
	}
	req.Header.Set("User-Agent", o.UserAgent)
	req.Header.Set("Accept-Language", "ja,en;q=0.8")

	resp, err := o.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return utils.NewNetworkError("navigate", url, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return utils.NewNetworkError("navigate", url, resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return utils.NewNetworkError("read body", url, resp.StatusCode, err)
	}

	page, err := NewStaticPage(resp.Request.URL.String(), resp.StatusCode, string(body))
	if err != nil {
		return utils.NewParserError("html", url, err)
	}
	return fn(page)
}

// StaticOpener serves fixed documents by URL. Unknown URLs answer 404.
type StaticOpener struct {
	Pages map[string]*StaticPage
}

func (o *StaticOpener) WithPage(ctx context.Context, url string, fn func(Page) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, ok := o.Pages[url]
	if !ok {
		return utils.NewNetworkError("navigate", url, http.StatusNotFound, fmt.Errorf("unexpected status %d", http.StatusNotFound))
	}
	if p.status < 200 || p.status >= 300 {
		return utils.NewNetworkError("navigate", url, p.status, fmt.Errorf("unexpected status %d", p.status))
	}
	return fn(p)
}
