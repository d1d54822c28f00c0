package scraper

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"property-sync/browser"
	"property-sync/models"
	"property-sync/scraper/coords"
	"property-sync/scraper/extract"
	"property-sync/utils"
)

type Options struct {
	// RequestsPerSecond caps page loads across all workers; 0 disables the limit.
	RequestsPerSecond float64
	MinDelay          time.Duration
	MaxDelay          time.Duration
}

// Scraper loads search and detail pages and runs the extractors over them.
type Scraper struct {
	opener   browser.Opener
	x        *extract.Extractor
	resolver *coords.Resolver
	limiter  *rate.Limiter
	minDelay time.Duration
	maxDelay time.Duration
}

func New(opener browser.Opener, x *extract.Extractor, resolver *coords.Resolver, opts Options) *Scraper {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return &Scraper{
		opener:   opener,
		x:        x,
		resolver: resolver,
		limiter:  limiter,
		minDelay: opts.MinDelay,
		maxDelay: opts.MaxDelay,
	}
}

// SearchPage is the outcome of one search results page.
type SearchPage struct {
	URL      string
	Listings []extract.Summary
	Next     string
}

// Detail is the outcome of a detail page. Problems lists the extractors that
// failed; the job still succeeds with whatever fields were read.
type Detail struct {
	Record   models.ListingRecord
	Problems []error
	// failed holds the fields whose extractor errored. Their zero values in
	// Record are not observations and must not reach the merge.
	failed map[string]bool
}

// Fields returns the extracted, non-empty attributes, leaving out every field
// whose extractor failed.
func (d *Detail) Fields() models.Fields {
	f := d.Record.Fields()
	for name := range d.failed {
		delete(f, name)
	}
	return f
}

// Failed reports whether the extractor of field failed.
func (d *Detail) Failed(field string) bool {
	return d.failed[field]
}

func (s *Scraper) pace(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return utils.RandomDelay(ctx, s.minDelay, s.maxDelay)
}

func (s *Scraper) ScrapeSearchPage(ctx context.Context, url string) (*SearchPage, error) {
	if err := s.pace(ctx); err != nil {
		return nil, err
	}
	utils.Info("Scanning search page %s", url)

	var out *SearchPage
	err := s.opener.WithPage(ctx, url, func(p browser.Page) error {
		listings, next, err := s.x.SearchResults(p)
		if err != nil {
			return err
		}
		out = &SearchPage{URL: p.URL(), Listings: listings, Next: next}
		return nil
	})
	if err != nil {
		return nil, err
	}
	utils.Success("Found %d listings on %s", len(out.Listings), url)
	return out, nil
}

// ScrapeDetailPage extracts a listing. A page that is gone (404/410, no detail
// markup, or a removal notice) returns a listing-removed error instead.
func (s *Scraper) ScrapeDetailPage(ctx context.Context, url string) (*Detail, error) {
	if err := s.pace(ctx); err != nil {
		return nil, err
	}

	var out *Detail
	err := s.opener.WithPage(ctx, url, func(p browser.Page) error {
		if err := s.checkRemoved(p); err != nil {
			return err
		}
		out = s.extractDetail(ctx, p, url)
		return nil
	})
	if err != nil {
		switch utils.HTTPStatus(err) {
		case http.StatusNotFound, http.StatusGone:
			return nil, utils.NewListingRemovedError(url, utils.HTTPStatus(err), "page not found")
		}
		return nil, err
	}
	return out, nil
}

// checkRemoved returns a listing-removed error when the page is a removal
// notice or lacks the detail markup. A failed query makes the check
// inconclusive; the page is then treated as present and extraction goes on.
func (s *Scraper) checkRemoved(p browser.Page) error {
	sel := s.x.Selectors()

	body, err := p.QueryText("body")
	if err != nil {
		utils.L().Warn("removal check could not read page text",
			zap.String("url", p.URL()), zap.Error(err))
	} else {
		for _, marker := range sel.RemovedText {
			if marker != "" && containsFold(extract.Normalize(body), extract.Normalize(marker)) {
				return utils.NewListingRemovedError(p.URL(), p.StatusCode(), "removal notice: "+marker)
			}
		}
	}

	if len(sel.DetailMarkers) == 0 {
		return nil
	}
	inconclusive := false
	for _, css := range sel.DetailMarkers {
		els, err := p.QueryAll(css)
		if err != nil {
			utils.L().Warn("removal check could not query detail marker",
				zap.String("selector", css), zap.String("url", p.URL()), zap.Error(err))
			inconclusive = true
			continue
		}
		if len(els) > 0 {
			return nil
		}
	}
	if inconclusive {
		return nil
	}
	return utils.NewListingRemovedError(p.URL(), p.StatusCode(), "detail markup missing")
}

func (s *Scraper) extractDetail(ctx context.Context, p browser.Page, url string) *Detail {
	d := &Detail{
		Record: models.ListingRecord{
			ID:        extract.ListingID(url),
			SourceURL: url,
			Status:    models.StatusActive,
		},
		failed: map[string]bool{},
	}
	r := &d.Record

	// each extractor is isolated; a failure only loses its own fields
	note := func(field string, err error, covers ...string) {
		if err == nil {
			return
		}
		utils.L().Warn("extractor failed",
			zap.String("field", field), zap.String("url", url), zap.Error(err))
		d.Problems = append(d.Problems, fmt.Errorf("%s: %w", field, err))
		if len(covers) == 0 {
			covers = []string{field}
		}
		for _, name := range covers {
			d.failed[name] = true
		}
	}

	var err error
	r.Address, err = s.x.Address(p)
	note(models.FieldAddress, err)
	r.Price, err = s.x.Price(p)
	note(models.FieldPrice, err)
	r.FloorPlan, err = s.x.FloorPlan(p)
	note(models.FieldFloorPlan, err)
	r.BuildArea, r.LandArea, err = s.x.Areas(p)
	note("areas", err, models.FieldBuildArea, models.FieldLandArea)
	r.Tags, err = s.x.Tags(p)
	note(models.FieldTags, err)
	r.Description, err = s.x.Description(p)
	note(models.FieldDescription, err)
	r.Images, err = s.x.Images(p)
	note(models.FieldImages, err)
	r.IsSold, err = s.x.Sold(p)
	note(models.FieldIsSold, err)
	r.PostedAt, r.RenovatedAt, r.BuiltAt, err = s.x.Dates(p)
	note("dates", err, models.FieldPostedAt, models.FieldRenovatedAt, models.FieldBuiltAt)
	r.Facilities, err = s.x.Facilities(p)
	note(models.FieldFacilities, err)
	r.Schools, err = s.x.Schools(p)
	note(models.FieldSchools, err)

	if s.resolver != nil {
		if res, ok := s.resolver.Resolve(ctx, p); ok {
			c := res.Coordinates
			r.Coordinates = &c
			r.CoordinateSource = res.Source
		}
	}

	utils.L().Info("detail extracted",
		zap.String("listing_id", r.ID),
		zap.String("url", url),
		zap.Bool("coordinates", r.Coordinates != nil),
		zap.Int("problems", len(d.Problems)))
	return d
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
