package scraper

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"property-sync/browser"
	"property-sync/merge"
	"property-sync/models"
	"property-sync/scraper/coords"
	"property-sync/scraper/extract"
	"property-sync/utils"
)

const (
	searchURL = "https://www.example.com/search?page=1"
	detailURL = "https://www.example.com/bukken/detail/12345678/"
)

const searchHTML = `<html><body>
<article class="listing"><a href="/bukken/detail/12345678/"><h2>港区の戸建て</h2></a><span class="price">6,930万円</span></article>
<article class="listing"><a href="/bukken/detail/87654321/"><h2>目黒区のマンション</h2></a></article>
<a rel="next" href="/search?page=2">次へ</a>
</body></html>`

const detailHTML = `<html><body>
<div class="property-detail">
  <p class="property-price">6,930万円</p>
  <table class="spec"><tr><th>所在地</th><td>東京都港区六本木1-2-3</td></tr></table>
  <a href="https://maps.google.com/maps?ll=35.6628,139.7314&z=16">地図</a>
</div></body></html>`

func newScraper(t *testing.T, pages map[string]string) *Scraper {
	t.Helper()
	opener := &browser.StaticOpener{Pages: map[string]*browser.StaticPage{}}
	for url, html := range pages {
		p, err := browser.NewStaticPage(url, 200, html)
		if err != nil {
			t.Fatal(err)
		}
		opener.Pages[url] = p
	}
	capture := regexp.MustCompile(browser.DefaultCapturePattern)
	resolver := coords.NewResolver(1, 0, coords.DefaultStrategies(capture)...)
	return New(opener, extract.New(extract.DefaultSelectors()), resolver, Options{})
}

func TestScrapeSearchPage(t *testing.T) {
	s := newScraper(t, map[string]string{searchURL: searchHTML})
	page, err := s.ScrapeSearchPage(context.Background(), searchURL)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Listings) != 2 || page.Listings[0].ListingID != "12345678" {
		t.Errorf("listings = %+v", page.Listings)
	}
	if page.Next != "https://www.example.com/search?page=2" {
		t.Errorf("next = %q", page.Next)
	}
}

func TestScrapeDetailPage(t *testing.T) {
	s := newScraper(t, map[string]string{detailURL: detailHTML})
	d, err := s.ScrapeDetailPage(context.Background(), detailURL)
	if err != nil {
		t.Fatal(err)
	}
	r := d.Record
	if r.ID != "12345678" || r.SourceURL != detailURL || r.Status != models.StatusActive {
		t.Errorf("identity = %+v", r)
	}
	if r.Address != "東京都港区六本木1-2-3" || r.Price != 69300000 {
		t.Errorf("fields = %q %v", r.Address, r.Price)
	}
	if r.Coordinates == nil || r.Coordinates.Lat != 35.6628 || r.CoordinateSource != "map_link" {
		t.Errorf("coordinates = %v from %q", r.Coordinates, r.CoordinateSource)
	}
	f := d.Fields()
	if _, ok := f[models.FieldFloorPlan]; ok {
		t.Error("missing floor plan should not appear in fields")
	}
	if len(d.Problems) != 0 {
		t.Errorf("problems = %v", d.Problems)
	}
}

func TestScrapeDetailRemoved(t *testing.T) {
	s := newScraper(t, map[string]string{
		"https://www.example.com/bukken/detail/1111/": `<html><body><p>この物件は掲載を終了しました</p></body></html>`,
		"https://www.example.com/bukken/detail/2222/": `<html><body><p>トップページ</p></body></html>`,
	})
	cases := []string{
		"https://www.example.com/bukken/detail/1111/",
		"https://www.example.com/bukken/detail/2222/",
		"https://www.example.com/bukken/detail/9999/", // 404
	}
	for _, url := range cases {
		_, err := s.ScrapeDetailPage(context.Background(), url)
		if !utils.IsListingRemoved(err) {
			t.Errorf("%s: err = %v, want listing removed", url, err)
		}
	}
}

func TestScrapeDetailServerErrorIsRetriable(t *testing.T) {
	opener := &browser.StaticOpener{Pages: map[string]*browser.StaticPage{}}
	p, _ := browser.NewStaticPage(detailURL, 503, detailHTML)
	opener.Pages[detailURL] = p
	s := New(opener, extract.New(extract.DefaultSelectors()), nil, Options{})

	_, err := s.ScrapeDetailPage(context.Background(), detailURL)
	if utils.KindOf(err) != utils.KindNetwork || !utils.IsRetriable(err) {
		t.Errorf("err = %v, want retriable network error", err)
	}
}

// brokenPage fails every query on the selectors in bad, the way a chromedp tab
// does when its execution context is torn down mid-evaluation.
type brokenPage struct {
	browser.Page
	bad map[string]bool
}

var errContextDestroyed = errors.New("execution context was destroyed")

func (p *brokenPage) QueryText(sel string) (string, error) {
	if p.bad[sel] {
		return "", errContextDestroyed
	}
	return p.Page.QueryText(sel)
}

func (p *brokenPage) QueryAttribute(sel, attr string) (string, error) {
	if p.bad[sel] {
		return "", errContextDestroyed
	}
	return p.Page.QueryAttribute(sel, attr)
}

func (p *brokenPage) QueryAll(sel string) ([]browser.Element, error) {
	if p.bad[sel] {
		return nil, errContextDestroyed
	}
	return p.Page.QueryAll(sel)
}

type pageOpener struct {
	page browser.Page
}

func (o pageOpener) WithPage(ctx context.Context, url string, fn func(browser.Page) error) error {
	return fn(o.page)
}

func newBrokenScraper(t *testing.T, bad ...string) *Scraper {
	t.Helper()
	static, err := browser.NewStaticPage(detailURL, 200, detailHTML)
	if err != nil {
		t.Fatal(err)
	}
	page := &brokenPage{Page: static, bad: map[string]bool{}}
	for _, sel := range bad {
		page.bad[sel] = true
	}
	return New(pageOpener{page: page}, extract.New(extract.DefaultSelectors()), nil, Options{})
}

func TestFailedExtractorFieldIsLeftOutOfMerge(t *testing.T) {
	s := newBrokenScraper(t, ".sold")
	d, err := s.ScrapeDetailPage(context.Background(), detailURL)
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Problems) != 1 || !d.Failed(models.FieldIsSold) {
		t.Fatalf("problems = %v", d.Problems)
	}
	f := d.Fields()
	if _, ok := f[models.FieldIsSold]; ok {
		t.Errorf("fields carry isSold from a failed extractor: %v", f)
	}
	if f[models.FieldPrice] != 69300000.0 {
		t.Errorf("price = %v, other fields should survive", f[models.FieldPrice])
	}

	existing := &models.ListingRecord{ID: "12345678", IsSold: true, Price: 69300000, Status: models.StatusActive}
	delta, err := merge.NewEngine(merge.DefaultRules(0)).Merge(existing, f)
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := delta.Fields[models.FieldIsSold]; ok {
		t.Errorf("delta writes isSold=%v over stored true", v)
	}
}

func TestRemovalCheckFailureStillExtracts(t *testing.T) {
	bad := append([]string{"body"}, extract.DefaultSelectors().DetailMarkers...)
	s := newBrokenScraper(t, bad...)

	d, err := s.ScrapeDetailPage(context.Background(), detailURL)
	if err != nil {
		t.Fatalf("err = %v, want extraction to go on", err)
	}
	if d.Record.Address != "東京都港区六本木1-2-3" || d.Record.Price != 69300000 {
		t.Errorf("record = %+v", d.Record)
	}
	// the sold text check reads the body too, so only that field is lost
	if !d.Failed(models.FieldIsSold) || d.Failed(models.FieldAddress) {
		t.Errorf("problems = %v", d.Problems)
	}
}
