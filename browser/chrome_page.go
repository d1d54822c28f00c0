package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

const evalTimeout = 10 * time.Second

type responseHandler struct {
	pred    func(Response) bool
	handler func(Response)
}

type chromePage struct {
	ctx     context.Context
	url     string
	status  int
	capture *regexp.Regexp

	active  atomic.Bool
	mu      sync.Mutex
	pending map[network.RequestID]Response
	seen    []Response
	subs    map[int]responseHandler
	nextSub int
	fetches sync.WaitGroup
}

func newChromePage(ctx context.Context, url string, capture *regexp.Regexp) *chromePage {
	return &chromePage{
		ctx:     ctx,
		url:     url,
		capture: capture,
		pending: make(map[network.RequestID]Response),
		subs:    make(map[int]responseHandler),
	}
}

// startCapture enables the Network domain and records matching responses.
// Listeners cannot be detached from a target, so delivery is gated on active.
func (p *chromePage) startCapture() error {
	p.active.Store(true)
	chromedp.ListenTarget(p.ctx, func(ev interface{}) {
		if !p.active.Load() {
			return
		}
		switch e := ev.(type) {
		case *network.EventResponseReceived:
			if e.Response == nil || !p.capture.MatchString(e.Response.URL) {
				return
			}
			p.mu.Lock()
			p.pending[e.RequestID] = Response{
				URL:      e.Response.URL,
				Status:   int(e.Response.Status),
				MIMEType: e.Response.MimeType,
			}
			p.mu.Unlock()
		case *network.EventLoadingFinished:
			p.mu.Lock()
			meta, ok := p.pending[e.RequestID]
			delete(p.pending, e.RequestID)
			p.mu.Unlock()
			if !ok {
				return
			}
			p.fetches.Add(1)
			go p.fetchBody(e.RequestID, meta)
		}
	})
	return chromedp.Run(p.ctx, network.Enable())
}

// fetchBody runs outside the event loop; GetResponseBody blocks on the same connection.
func (p *chromePage) fetchBody(id network.RequestID, meta Response) {
	defer p.fetches.Done()
	var body []byte
	err := chromedp.Run(p.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		body, err = network.GetResponseBody(id).Do(ctx)
		return err
	}))
	if err != nil || !p.active.Load() {
		return
	}
	meta.Body = body
	p.deliver(meta)
}

func (p *chromePage) deliver(r Response) {
	p.mu.Lock()
	p.seen = append(p.seen, r)
	subs := make([]responseHandler, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.Unlock()

	for _, s := range subs {
		if s.pred == nil || s.pred(r) {
			s.handler(r)
		}
	}
}

// stopCapture detaches handlers and disables the Network domain. It runs on every
// exit path of WithPage so no listener state leaks onto the next job.
func (p *chromePage) stopCapture() {
	p.active.Store(false)
	p.mu.Lock()
	p.subs = make(map[int]responseHandler)
	p.pending = make(map[network.RequestID]Response)
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(p.ctx, 2*time.Second)
	defer cancel()
	_ = chromedp.Run(ctx, network.Disable())

	done := make(chan struct{})
	go func() {
		p.fetches.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (p *chromePage) OnResponse(pred func(Response) bool, handler func(Response)) func() {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = responseHandler{pred: pred, handler: handler}
	replay := append([]Response(nil), p.seen...)
	p.mu.Unlock()

	for _, r := range replay {
		if pred == nil || pred(r) {
			handler(r)
		}
	}
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

func (p *chromePage) URL() string     { return p.url }
func (p *chromePage) StatusCode() int { return p.status }

func (p *chromePage) HTML() (string, error) {
	var html string
	err := p.run(chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (p *chromePage) QueryText(selector string) (string, error) {
	var text string
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		return el ? (el.innerText || el.textContent || '').trim() : '';
	})()`, jsString(selector))
	err := p.Evaluate(script, &text)
	return text, err
}

func (p *chromePage) QueryAttribute(selector, attr string) (string, error) {
	var val string
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		return el ? (el.getAttribute(%s) || '').trim() : '';
	})()`, jsString(selector), jsString(attr))
	err := p.Evaluate(script, &val)
	return val, err
}

func (p *chromePage) QueryAll(selector string) ([]Element, error) {
	var raw []struct {
		Text  string            `json:"text"`
		HTML  string            `json:"html"`
		Attrs map[string]string `json:"attrs"`
		Cells []string          `json:"cells"`
	}
	script := fmt.Sprintf(`Array.from(document.querySelectorAll(%s)).map(el => ({
		text: (el.textContent || '').trim(),
		html: el.outerHTML,
		attrs: Object.fromEntries(Array.from(el.attributes).map(a => [a.name, a.value])),
		cells: Array.from(el.children).map(c => (c.textContent || '').trim()),
	}))`, jsString(selector))
	if err := p.Evaluate(script, &raw); err != nil {
		return nil, err
	}
	out := make([]Element, 0, len(raw))
	for _, r := range raw {
		out = append(out, Element{Text: r.Text, HTML: r.HTML, Attrs: r.Attrs, Cells: r.Cells})
	}
	return out, nil
}

func (p *chromePage) Evaluate(script string, out any) error {
	return p.run(chromedp.Evaluate(script, out))
}

func (p *chromePage) run(actions ...chromedp.Action) error {
	ctx, cancel := context.WithTimeout(p.ctx, evalTimeout)
	defer cancel()
	return chromedp.Run(ctx, actions...)
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
