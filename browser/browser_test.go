package browser

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"property-sync/utils"
)

const fixture = `<html><body>
<h1 class="title"> 港区の戸建て </h1>
<a class="map" href="https://maps.google.com/?q=35.1,139.2">map</a>
<table class="spec">
  <tr><th>所在地</th><td>東京都港区六本木1-1</td></tr>
  <tr><th>価格</th><td>6,930万円</td></tr>
</table>
</body></html>`

func TestStaticPageQueries(t *testing.T) {
	p, err := NewStaticPage("https://example.com/d/1", 200, fixture)
	if err != nil {
		t.Fatalf("NewStaticPage: %v", err)
	}

	if got, _ := p.QueryText("h1.title"); got != "港区の戸建て" {
		t.Errorf("QueryText = %q", got)
	}
	if got, _ := p.QueryAttribute("a.map", "href"); got != "https://maps.google.com/?q=35.1,139.2" {
		t.Errorf("QueryAttribute = %q", got)
	}
	if got, err := p.QueryText(".missing"); got != "" || err != nil {
		t.Errorf("missing selector = %q, %v", got, err)
	}

	rows, err := p.QueryAll("table.spec tr")
	if err != nil {
		t.Fatalf("QueryAll: %v", err)
	}
	if len(rows) != 2 || len(rows[1].Cells) != 2 || rows[1].Cells[1] != "6,930万円" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestStaticPageInvalidSelector(t *testing.T) {
	p, _ := NewStaticPage("u", 200, fixture)
	if _, err := p.QueryText("[[["); err == nil {
		t.Error("expected error for invalid selector")
	}
}

func TestStaticPageEvaluate(t *testing.T) {
	p, _ := NewStaticPage("u", 200, fixture)
	var out float64
	if err := p.Evaluate("1+1", &out); !errors.Is(err, ErrEvaluateUnsupported) {
		t.Errorf("Evaluate err = %v", err)
	}
	p.SetEvaluator(func(script string, out any) error {
		*(out.(*float64)) = 2
		return nil
	})
	if err := p.Evaluate("1+1", &out); err != nil || out != 2 {
		t.Errorf("Evaluate = %v, %v", out, err)
	}
}

func TestStaticPageOnResponseReplays(t *testing.T) {
	p, _ := NewStaticPage("u", 200, fixture,
		Response{URL: "https://api.example.com/map/point", Body: []byte(`{"lat":35}`)},
		Response{URL: "https://cdn.example.com/app.js"},
	)
	var got []string
	p.OnResponse(MatchURL(regexp.MustCompile(DefaultCapturePattern)), func(r Response) {
		got = append(got, r.URL)
	})
	if len(got) != 1 || got[0] != "https://api.example.com/map/point" {
		t.Errorf("got = %v", got)
	}
}

func TestHTTPOpener(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(fixture))
	}))
	defer srv.Close()

	o := NewHTTPOpener(0)
	var title string
	err := o.WithPage(context.Background(), srv.URL+"/d/1", func(p Page) error {
		title, _ = p.QueryText("h1.title")
		return nil
	})
	if err != nil || title != "港区の戸建て" {
		t.Fatalf("title = %q err = %v", title, err)
	}

	err = o.WithPage(context.Background(), srv.URL+"/gone", func(Page) error { return nil })
	if utils.KindOf(err) != utils.KindNetwork || utils.HTTPStatus(err) != 404 {
		t.Errorf("err = %v", err)
	}
}

func TestStaticOpenerUnknownURL(t *testing.T) {
	o := &StaticOpener{Pages: map[string]*StaticPage{}}
	err := o.WithPage(context.Background(), "https://example.com/x", func(Page) error { return nil })
	if utils.HTTPStatus(err) != 404 {
		t.Errorf("err = %v", err)
	}
}

func TestStealthScriptRunsOnNewDocuments(t *testing.T) {
	for _, prop := range []string{"'webdriver'", "'languages'"} {
		if !strings.Contains(stealthScript, prop) {
			t.Errorf("stealth script does not patch navigator %s", prop)
		}
	}
	// registering the script is a CDP command, so it needs a tab to talk to
	if err := hideWebDriver().Do(context.Background()); err == nil {
		t.Error("hideWebDriver without a tab should fail")
	}
}
