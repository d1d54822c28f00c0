package extract

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"

	"property-sync/browser"
	"property-sync/utils"
)

// Summary is one entry of a search results page.
type Summary struct {
	URL       string  `json:"url"`
	ListingID string  `json:"listingId"`
	Title     string  `json:"title,omitempty"`
	Address   string  `json:"address,omitempty"`
	Price     float64 `json:"price,omitempty"`
}

// SearchResults extracts the listing summaries of a results page and the URL of
// the next results page ("" on the last page). Summaries are de-duplicated by URL.
func (x *Extractor) SearchResults(p browser.Page) ([]Summary, string, error) {
	s := x.sel.Search
	items, err := p.QueryAll(s.Item)
	if err != nil {
		return nil, "", utils.NewParserError(s.Item, "search results on "+p.URL(), err)
	}

	seen := map[string]bool{}
	var out []Summary
	for _, el := range items {
		sum, ok := x.summary(p.URL(), el)
		if !ok || seen[sum.URL] {
			continue
		}
		seen[sum.URL] = true
		out = append(out, sum)
	}

	var next string
	if s.Next != "" {
		next, err = p.QueryAttribute(s.Next, "href")
		if err != nil {
			return out, "", utils.NewParserError(s.Next, "next page on "+p.URL(), err)
		}
	}
	if next != "" {
		next = Resolve(p.URL(), next)
		if next == p.URL() {
			next = ""
		}
	}

	if len(out) == 0 {
		missing(p, "search results")
	}
	return out, next, nil
}

// summary scopes the item's own markup in a static page so the same selectors apply.
func (x *Extractor) summary(base string, el browser.Element) (Summary, bool) {
	s := x.sel.Search
	href := el.Attr("href")
	item, err := browser.NewStaticPage(base, 200, el.HTML)
	if err == nil && href == "" {
		href, _ = item.QueryAttribute(s.Link, "href")
	}
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
		return Summary{}, false
	}

	sum := Summary{URL: Resolve(base, href)}
	sum.ListingID = ListingID(sum.URL)
	if item != nil {
		if s.Title != "" {
			sum.Title, _ = item.QueryText(s.Title)
			sum.Title = Normalize(sum.Title)
		}
		if s.Address != "" {
			addr, _ := item.QueryText(s.Address)
			sum.Address = Normalize(addr)
		}
		if s.Price != "" {
			price, _ := item.QueryText(s.Price)
			sum.Price = ParsePrice(price)
		}
	}
	return sum, true
}

var numericSegment = regexp.MustCompile(`^[A-Za-z_\-]*(\d{4,})(?:\.html?)?$`)

// ListingID derives a stable id from a detail URL: the last long numeric path
// segment, an id-like query parameter, or a hash of the normalized URL.
func ListingID(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err == nil {
		segs := strings.Split(strings.Trim(u.Path, "/"), "/")
		for i := len(segs) - 1; i >= 0; i-- {
			if m := numericSegment.FindStringSubmatch(segs[i]); m != nil {
				return m[1]
			}
		}
		q := u.Query()
		for _, key := range []string{"id", "bukken_id", "bkid", "property_id", "nc"} {
			if v := q.Get(key); v != "" {
				return v
			}
		}
		u.Fragment = ""
		raw = u.String()
	}
	sum := sha1.Sum([]byte(raw))
	return "u" + hex.EncodeToString(sum[:])[:16]
}
