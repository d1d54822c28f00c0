package extract

import (
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"property-sync/browser"
	"property-sync/models"
	"property-sync/utils"
)

// Extractor holds the site selectors. Each method reads one attribute from a page
// and has no side effects besides logging. Missing content yields the zero value;
// a page that cannot be queried yields a parser error.
type Extractor struct {
	sel Selectors
}

func New(sel Selectors) *Extractor {
	return &Extractor{sel: sel}
}

func (x *Extractor) Selectors() Selectors {
	return x.sel
}

// text returns the first non-empty value for fs and the selector or label that produced it.
func (x *Extractor) text(p browser.Page, field string, fs FieldSelector) (string, string, error) {
	for _, css := range fs.CSS {
		var v string
		var err error
		if fs.Attr != "" {
			v, err = p.QueryAttribute(css, fs.Attr)
		} else {
			v, err = p.QueryText(css)
		}
		if err != nil {
			return "", css, utils.NewParserError(css, field+" on "+p.URL(), err)
		}
		if v = Normalize(v); v != "" {
			return v, css, nil
		}
	}
	if len(fs.Labels) > 0 {
		v, label, err := x.labelled(p, fs.Labels)
		if err != nil {
			return "", x.sel.TableRows, utils.NewParserError(x.sel.TableRows, field+" on "+p.URL(), err)
		}
		if v != "" {
			return v, label, nil
		}
	}
	return "", "", nil
}

// labelled scans table rows for a cell containing one of labels and returns the cell after it.
func (x *Extractor) labelled(p browser.Page, labels []string) (string, string, error) {
	if x.sel.TableRows == "" {
		return "", "", nil
	}
	rows, err := p.QueryAll(x.sel.TableRows)
	if err != nil {
		return "", "", err
	}
	for _, label := range labels {
		for _, row := range rows {
			for i := 0; i+1 < len(row.Cells); i++ {
				if strings.Contains(Normalize(row.Cells[i]), label) {
					if v := Normalize(row.Cells[i+1]); v != "" {
						return v, label, nil
					}
				}
			}
		}
	}
	return "", "", nil
}

func missing(p browser.Page, field string) {
	utils.L().Warn("field not found", zap.String("field", field), zap.String("url", p.URL()))
}

func (x *Extractor) Address(p browser.Page) (string, error) {
	v, _, err := x.text(p, models.FieldAddress, x.sel.Address)
	if err != nil {
		return "", err
	}
	if v == "" {
		missing(p, models.FieldAddress)
	}
	return v, nil
}

func (x *Extractor) Price(p browser.Page) (float64, error) {
	v, _, err := x.text(p, models.FieldPrice, x.sel.Price)
	if err != nil {
		return 0, err
	}
	price := ParsePrice(v)
	if price == 0 {
		missing(p, models.FieldPrice)
	}
	return price, nil
}

func (x *Extractor) FloorPlan(p browser.Page) (string, error) {
	v, _, err := x.text(p, models.FieldFloorPlan, x.sel.FloorPlan)
	if err != nil {
		return "", err
	}
	plan := ParseFloorPlan(v)
	if plan == "" {
		missing(p, models.FieldFloorPlan)
	}
	return plan, nil
}

// Areas returns building and land area in square meters.
func (x *Extractor) Areas(p browser.Page) (build, land float64, err error) {
	v, _, err := x.text(p, models.FieldBuildArea, x.sel.BuildArea)
	if err != nil {
		return 0, 0, err
	}
	build = ParseArea(v)

	v, _, err = x.text(p, models.FieldLandArea, x.sel.LandArea)
	if err != nil {
		return build, 0, err
	}
	land = ParseArea(v)

	if build == 0 && land == 0 {
		missing(p, "area")
	}
	return build, land, nil
}

func (x *Extractor) Tags(p browser.Page) ([]string, error) {
	var tags []string
	for _, css := range x.sel.Tags.CSS {
		els, err := p.QueryAll(css)
		if err != nil {
			return nil, utils.NewParserError(css, "tags on "+p.URL(), err)
		}
		for _, el := range els {
			if t := Normalize(el.Text); t != "" {
				tags = append(tags, t)
			}
		}
		if len(tags) > 0 {
			break
		}
	}
	tags = models.NormalizeTags(tags)
	if len(tags) == 0 {
		missing(p, models.FieldTags)
	}
	return tags, nil
}

func (x *Extractor) Description(p browser.Page) (string, error) {
	v, _, err := x.text(p, models.FieldDescription, x.sel.Description)
	if err != nil {
		return "", err
	}
	if v == "" {
		missing(p, models.FieldDescription)
	}
	return v, nil
}

// Images returns absolute, de-duplicated image URLs in page order.
func (x *Extractor) Images(p browser.Page) ([]string, error) {
	attrs := []string{"data-src", "data-original", "data-lazy", "src"}
	if x.sel.Images.Attr != "" {
		attrs = []string{x.sel.Images.Attr}
	}

	seen := map[string]bool{}
	var images []string
	for _, css := range x.sel.Images.CSS {
		els, err := p.QueryAll(css)
		if err != nil {
			return nil, utils.NewParserError(css, "images on "+p.URL(), err)
		}
		for _, el := range els {
			for _, a := range attrs {
				src := strings.TrimSpace(el.Attr(a))
				if src == "" || strings.HasPrefix(src, "data:") {
					continue
				}
				abs := Resolve(p.URL(), src)
				if !seen[abs] {
					seen[abs] = true
					images = append(images, abs)
				}
				break
			}
		}
	}
	if len(images) == 0 {
		missing(p, models.FieldImages)
	}
	return images, nil
}

// Sold reports whether the listing carries a sold badge or sold text marker.
func (x *Extractor) Sold(p browser.Page) (bool, error) {
	for _, css := range x.sel.SoldSelectors {
		els, err := p.QueryAll(css)
		if err != nil {
			return false, utils.NewParserError(css, "sold flag on "+p.URL(), err)
		}
		if len(els) > 0 {
			return true, nil
		}
	}
	if len(x.sel.SoldText) == 0 {
		return false, nil
	}
	body, err := p.QueryText("body")
	if err != nil {
		return false, utils.NewParserError("body", "sold flag on "+p.URL(), err)
	}
	return containsAny(body, x.sel.SoldText), nil
}

// Dates returns the posted, renovated and built dates; nil when absent or unparseable.
func (x *Extractor) Dates(p browser.Page) (posted, renovated, built *time.Time, err error) {
	read := func(name string, fs FieldSelector) (*time.Time, error) {
		v, _, err := x.text(p, name, fs)
		if err != nil || v == "" {
			return nil, err
		}
		t, ok := ParseDate(v)
		if !ok {
			utils.L().Warn("unparseable date", zap.String("field", name), zap.String("value", v), zap.String("url", p.URL()))
			return nil, nil
		}
		return &t, nil
	}
	if posted, err = read(models.FieldPostedAt, x.sel.PostedAt); err != nil {
		return nil, nil, nil, err
	}
	if renovated, err = read(models.FieldRenovatedAt, x.sel.RenovatedAt); err != nil {
		return posted, nil, nil, err
	}
	if built, err = read(models.FieldBuiltAt, x.sel.BuiltAt); err != nil {
		return posted, renovated, nil, err
	}
	return posted, renovated, built, nil
}

func (x *Extractor) Facilities(p browser.Page) ([]models.Facility, error) {
	items, err := x.entries(p, models.FieldFacilities, x.sel.Facilities)
	if err != nil {
		return nil, err
	}
	var out []models.Facility
	for _, it := range items {
		out = append(out, models.Facility{
			Name:           it.name,
			Category:       it.category,
			DistanceMeters: it.distance,
		})
	}
	return out, nil
}

func (x *Extractor) Schools(p browser.Page) ([]models.School, error) {
	items, err := x.entries(p, models.FieldSchools, x.sel.Schools)
	if err != nil {
		return nil, err
	}
	var out []models.School
	for _, it := range items {
		out = append(out, models.School{
			Name:           it.name,
			Level:          schoolLevel(it.name),
			DistanceMeters: it.distance,
		})
	}
	return out, nil
}

type entry struct {
	name     string
	category string
	distance int
}

// entries reads "name ... distance" items from list elements, falling back to
// a labelled cell whose value may list several items separated by "、" or "/".
func (x *Extractor) entries(p browser.Page, field string, fs FieldSelector) ([]entry, error) {
	var raw []string
	categories := map[string]string{}
	for _, css := range fs.CSS {
		els, err := p.QueryAll(css)
		if err != nil {
			return nil, utils.NewParserError(css, field+" on "+p.URL(), err)
		}
		for _, el := range els {
			t := Normalize(el.Text)
			if t == "" {
				continue
			}
			raw = append(raw, t)
			if c := el.Attr("data-category"); c != "" {
				categories[t] = c
			}
		}
		if len(raw) > 0 {
			break
		}
	}
	if len(raw) == 0 && len(fs.Labels) > 0 {
		v, _, err := x.labelled(p, fs.Labels)
		if err != nil {
			return nil, utils.NewParserError(x.sel.TableRows, field+" on "+p.URL(), err)
		}
		raw = splitList(v)
	}

	out := make([]entry, 0, len(raw))
	for _, t := range raw {
		name := entryName(t)
		if name == "" {
			continue
		}
		out = append(out, entry{name: name, category: categories[t], distance: ParseDistance(t)})
	}
	return out, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == '、' || r == '/' || r == '\n' || r == ','
	})
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// entryName strips the distance part from "セブンイレブン 徒歩3分(240m)".
func entryName(s string) string {
	cut := len(s)
	for _, marker := range []string{"徒歩", "まで", "("} {
		if i := strings.Index(s, marker); i >= 0 && i < cut {
			cut = i
		}
	}
	if loc := meterDistance.FindStringIndex(s); loc != nil && loc[0] < cut {
		cut = loc[0]
	}
	return strings.Trim(strings.TrimSpace(s[:cut]), ":：")
}

func schoolLevel(name string) string {
	switch {
	case strings.Contains(name, "小学校"):
		return "elementary"
	case strings.Contains(name, "中学校"):
		return "junior_high"
	case strings.Contains(name, "高校"), strings.Contains(name, "高等学校"):
		return "high"
	case strings.Contains(name, "幼稚園"), strings.Contains(name, "保育園"):
		return "preschool"
	}
	return ""
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// Resolve makes ref absolute against base. Unparseable input is returned unchanged.
func Resolve(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
