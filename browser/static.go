package browser

import (
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
)

// StaticPage is a Page over an already fetched document. It backs the HTTP
// opener and is what extractor tests use as a fixture.
type StaticPage struct {
	url       string
	status    int
	raw       string
	doc       *goquery.Document
	responses []Response
	evaluator func(script string, out any) error

	mu sync.Mutex
}

// NewStaticPage parses html. responses are replayed to OnResponse handlers.
func NewStaticPage(url string, status int, html string, responses ...Response) (*StaticPage, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return &StaticPage{
		url:       url,
		status:    status,
		raw:       html,
		doc:       doc,
		responses: responses,
	}, nil
}

// SetEvaluator installs the function used by Evaluate.
func (p *StaticPage) SetEvaluator(fn func(script string, out any) error) {
	p.mu.Lock()
	p.evaluator = fn
	p.mu.Unlock()
}

func (p *StaticPage) URL() string     { return p.url }
func (p *StaticPage) StatusCode() int { return p.status }

func (p *StaticPage) HTML() (string, error) {
	return p.raw, nil
}

func (p *StaticPage) QueryText(selector string) (string, error) {
	sel, err := p.find(selector)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(sel.First().Text()), nil
}

func (p *StaticPage) QueryAttribute(selector, attr string) (string, error) {
	sel, err := p.find(selector)
	if err != nil {
		return "", err
	}
	v, _ := sel.First().Attr(attr)
	return strings.TrimSpace(v), nil
}

func (p *StaticPage) QueryAll(selector string) ([]Element, error) {
	sel, err := p.find(selector)
	if err != nil {
		return nil, err
	}
	out := make([]Element, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		out = append(out, toElement(s))
	})
	return out, nil
}

func (p *StaticPage) Evaluate(script string, out any) error {
	p.mu.Lock()
	fn := p.evaluator
	p.mu.Unlock()
	if fn == nil {
		return ErrEvaluateUnsupported
	}
	return fn(script, out)
}

func (p *StaticPage) OnResponse(pred func(Response) bool, handler func(Response)) func() {
	for _, r := range p.responses {
		if pred == nil || pred(r) {
			handler(r)
		}
	}
	return func() {}
}

// find rejects selectors goquery would silently treat as matching nothing.
func (p *StaticPage) find(selector string) (*goquery.Selection, error) {
	m, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
	}
	return p.doc.FindMatcher(m), nil
}

func toElement(s *goquery.Selection) Element {
	el := Element{
		Text:  strings.TrimSpace(s.Text()),
		Attrs: map[string]string{},
	}
	if html, err := goquery.OuterHtml(s); err == nil {
		el.HTML = html
	}
	if n := s.Get(0); n != nil {
		for _, a := range n.Attr {
			el.Attrs[a.Key] = a.Val
		}
	}
	s.Children().Each(func(_ int, c *goquery.Selection) {
		el.Cells = append(el.Cells, strings.TrimSpace(c.Text()))
	})
	return el
}
