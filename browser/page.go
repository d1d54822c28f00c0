package browser

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// ErrEvaluateUnsupported is returned by backends that cannot run page scripts.
var ErrEvaluateUnsupported = errors.New("page backend does not support script evaluation")

// Element is a flattened DOM node as returned by QueryAll.
type Element struct {
	Text  string
	HTML  string
	Attrs map[string]string
	// Cells holds the trimmed text of each direct child element,
	// e.g. th/td of a table row or dt/dd of a definition list.
	Cells []string
}

func (e Element) Attr(name string) string {
	if e.Attrs == nil {
		return ""
	}
	return e.Attrs[name]
}

// Response is a network response observed while the page loaded.
type Response struct {
	URL      string
	Status   int
	MIMEType string
	Body     []byte
}

// JSON reports whether the response looks like a JSON document.
func (r Response) JSON() bool {
	if strings.Contains(r.MIMEType, "json") {
		return true
	}
	b := strings.TrimSpace(string(r.Body))
	return strings.HasPrefix(b, "{") || strings.HasPrefix(b, "[")
}

// Page is the read-only view of a loaded document that extractors work against.
// Query methods return the zero value and a nil error when nothing matches.
type Page interface {
	URL() string
	StatusCode() int
	HTML() (string, error)
	QueryText(selector string) (string, error)
	QueryAttribute(selector, attr string) (string, error)
	QueryAll(selector string) ([]Element, error)
	Evaluate(script string, out any) error
	// OnResponse calls handler for every captured response matching pred,
	// including those that arrived before the call. The returned func stops delivery.
	OnResponse(pred func(Response) bool, handler func(Response)) (cancel func())
}

// Opener loads a URL and hands the page to fn. The page is only valid inside fn
// and is always released when WithPage returns.
type Opener interface {
	WithPage(ctx context.Context, url string, fn func(Page) error) error
}

// MatchURL returns a predicate matching responses whose URL matches re.
func MatchURL(re *regexp.Regexp) func(Response) bool {
	return func(r Response) bool {
		return re.MatchString(r.URL)
	}
}

// DefaultCapturePattern selects responses that commonly carry map or geocode data.
const DefaultCapturePattern = `(?i)(map|geo|latlng|coord|location|place|spot|gis)`
