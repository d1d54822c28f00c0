package utils

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies pipeline failures.
type Kind string

const (
	KindNetwork        Kind = "network"
	KindParser         Kind = "parser"
	KindDatabase       Kind = "database"
	KindValidation     Kind = "validation"
	KindListingRemoved Kind = "listing_removed"
)

// Retriable reports whether a job failing with this kind should be retried.
func (k Kind) Retriable() bool {
	return k == KindNetwork || k == KindDatabase
}

// PipelineError is the typed error every pipeline component returns for classified failures.
type PipelineError struct {
	Kind     Kind
	Op       string
	URL      string
	Selector string
	Detail   string
	Status   int
	Err      error
}

func (e *PipelineError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(" error")
	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}
	if e.Selector != "" {
		fmt.Fprintf(&b, " (selector %q)", e.Selector)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if e.URL != "" {
		b.WriteString(" url=")
		b.WriteString(e.URL)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

func NewNetworkError(op, url string, status int, err error) *PipelineError {
	return &PipelineError{Kind: KindNetwork, Op: op, URL: url, Status: status, Err: err}
}

// NewParserError records the selector that failed and some context about the page.
func NewParserError(selector, context string, err error) *PipelineError {
	return &PipelineError{Kind: KindParser, Op: "extract", Selector: selector, Detail: context, Err: err}
}

func NewDatabaseError(op string, err error) *PipelineError {
	return &PipelineError{Kind: KindDatabase, Op: op, Err: err}
}

func NewValidationError(op, detail string) *PipelineError {
	return &PipelineError{Kind: KindValidation, Op: op, Detail: detail}
}

func NewListingRemovedError(url string, status int, detail string) *PipelineError {
	return &PipelineError{Kind: KindListingRemoved, Op: "detect removal", URL: url, Status: status, Detail: detail}
}

// KindOf returns the kind of the first *PipelineError in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *PipelineError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetriable reports whether err should send a job down the backoff path.
// Unclassified errors are treated as transient.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	k := KindOf(err)
	if k == "" {
		return true
	}
	return k.Retriable()
}

func IsListingRemoved(err error) bool {
	return KindOf(err) == KindListingRemoved
}

// HTTPStatus returns the HTTP status carried by err, or 0.
func HTTPStatus(err error) int {
	var e *PipelineError
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}
