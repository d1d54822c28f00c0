package models

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

type ListingStatus string

const (
	StatusActive  ListingStatus = "active"
	StatusRemoved ListingStatus = "removed"
)

// Field names used by Fields maps, merge rules and the store's column mapping.
const (
	FieldSourceURL         = "sourceUrl"
	FieldAddress           = "address"
	FieldAddressTranslated = "addressTranslated"
	FieldPrice             = "price"
	FieldFloorPlan         = "floorPlan"
	FieldBuildArea         = "buildArea"
	FieldLandArea          = "landArea"
	FieldTags              = "tags"
	FieldIsSold            = "isSold"
	FieldDescription       = "description"
	FieldCoordinates       = "coordinates"
	FieldCoordinateSource  = "coordinateSource"
	FieldImages            = "listingImages"
	FieldFacilities        = "facilities"
	FieldSchools           = "schools"
	FieldPostedAt          = "postedAt"
	FieldRenovatedAt       = "renovatedAt"
	FieldBuiltAt           = "builtAt"
	FieldStatus            = "status"
	FieldUpdatedAt         = "updatedAt"
	FieldContentHash       = "contentHash"
)

// MergeableFields lists every field an extraction may carry, in column order.
var MergeableFields = []string{
	FieldSourceURL, FieldAddress, FieldAddressTranslated, FieldPrice, FieldFloorPlan,
	FieldBuildArea, FieldLandArea, FieldTags, FieldIsSold, FieldDescription,
	FieldCoordinates, FieldCoordinateSource, FieldImages, FieldFacilities, FieldSchools,
	FieldPostedAt, FieldRenovatedAt, FieldBuiltAt, FieldStatus,
}

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the pair is inside the geographic range and not the 0,0 placeholder.
func (c Coordinates) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) {
		return false
	}
	if math.Abs(c.Lat) > 90 || math.Abs(c.Lng) > 180 {
		return false
	}
	return !(c.Lat == 0 && c.Lng == 0)
}

func (c Coordinates) String() string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng)
}

type Facility struct {
	Name           string `json:"name"`
	Category       string `json:"category,omitempty"`
	DistanceMeters int    `json:"distanceMeters,omitempty"`
}

type School struct {
	Name           string `json:"name"`
	Level          string `json:"level,omitempty"`
	DistanceMeters int    `json:"distanceMeters,omitempty"`
}

// ListingRecord is the canonical persisted property listing.
type ListingRecord struct {
	ID                string        `json:"id"`
	SourceURL         string        `json:"sourceUrl"`
	Address           string        `json:"address"`
	AddressTranslated string        `json:"addressTranslated,omitempty"`
	Price             float64       `json:"price"`
	FloorPlan         string        `json:"floorPlan,omitempty"`
	BuildArea         float64       `json:"buildArea,omitempty"`
	LandArea          float64       `json:"landArea,omitempty"`
	Tags              []string      `json:"tags"`
	IsSold            bool          `json:"isSold"`
	Description       string        `json:"description,omitempty"`
	Coordinates       *Coordinates  `json:"coordinates"`
	CoordinateSource  string        `json:"coordinateSource,omitempty"`
	Images            []string      `json:"listingImages"`
	Facilities        []Facility    `json:"facilities,omitempty"`
	Schools           []School      `json:"schools,omitempty"`
	PostedAt          *time.Time    `json:"postedAt,omitempty"`
	RenovatedAt       *time.Time    `json:"renovatedAt,omitempty"`
	BuiltAt           *time.Time    `json:"builtAt,omitempty"`
	Status            ListingStatus `json:"status"`
	RemovedAt         *time.Time    `json:"removedAt,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
	ContentHash       string        `json:"contentHash,omitempty"`
}

// Fields is a partial set of listing attributes keyed by field name.
type Fields map[string]any

// Names returns the field names in a stable order.
func (f Fields) Names() []string {
	names := make([]string, 0, len(f))
	for k := range f {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Fields returns the extracted attributes of r. Values that came back empty are
// left out so that an absent field never reaches the merge rules.
func (r *ListingRecord) Fields() Fields {
	f := Fields{}
	put := func(name string, v any) {
		if !IsEmpty(v) {
			f[name] = v
		}
	}
	put(FieldSourceURL, r.SourceURL)
	put(FieldAddress, r.Address)
	put(FieldAddressTranslated, r.AddressTranslated)
	put(FieldPrice, r.Price)
	put(FieldFloorPlan, r.FloorPlan)
	put(FieldBuildArea, r.BuildArea)
	put(FieldLandArea, r.LandArea)
	put(FieldTags, NormalizeTags(r.Tags))
	put(FieldDescription, r.Description)
	put(FieldCoordinates, r.Coordinates)
	put(FieldCoordinateSource, r.CoordinateSource)
	put(FieldImages, r.Images)
	put(FieldFacilities, r.Facilities)
	put(FieldSchools, r.Schools)
	put(FieldPostedAt, r.PostedAt)
	put(FieldRenovatedAt, r.RenovatedAt)
	put(FieldBuiltAt, r.BuiltAt)
	put(FieldStatus, r.Status)
	// a false sold flag is still an observation
	f[FieldIsSold] = r.IsSold
	return f
}

// Get returns the current value of a named field.
func (r *ListingRecord) Get(name string) (any, bool) {
	switch name {
	case FieldSourceURL:
		return r.SourceURL, true
	case FieldAddress:
		return r.Address, true
	case FieldAddressTranslated:
		return r.AddressTranslated, true
	case FieldPrice:
		return r.Price, true
	case FieldFloorPlan:
		return r.FloorPlan, true
	case FieldBuildArea:
		return r.BuildArea, true
	case FieldLandArea:
		return r.LandArea, true
	case FieldTags:
		return r.Tags, true
	case FieldIsSold:
		return r.IsSold, true
	case FieldDescription:
		return r.Description, true
	case FieldCoordinates:
		return r.Coordinates, true
	case FieldCoordinateSource:
		return r.CoordinateSource, true
	case FieldImages:
		return r.Images, true
	case FieldFacilities:
		return r.Facilities, true
	case FieldSchools:
		return r.Schools, true
	case FieldPostedAt:
		return r.PostedAt, true
	case FieldRenovatedAt:
		return r.RenovatedAt, true
	case FieldBuiltAt:
		return r.BuiltAt, true
	case FieldStatus:
		return r.Status, true
	case FieldUpdatedAt:
		return r.UpdatedAt, true
	case FieldContentHash:
		return r.ContentHash, true
	}
	return nil, false
}

// Apply writes the given fields onto r.
func (r *ListingRecord) Apply(f Fields) error {
	for name, v := range f {
		if err := r.set(name, v); err != nil {
			return err
		}
	}
	return nil
}

func (r *ListingRecord) set(name string, v any) error {
	var ok bool
	switch name {
	case FieldSourceURL:
		r.SourceURL, ok = v.(string)
	case FieldAddress:
		r.Address, ok = v.(string)
	case FieldAddressTranslated:
		r.AddressTranslated, ok = v.(string)
	case FieldPrice:
		r.Price, ok = v.(float64)
	case FieldFloorPlan:
		r.FloorPlan, ok = v.(string)
	case FieldBuildArea:
		r.BuildArea, ok = v.(float64)
	case FieldLandArea:
		r.LandArea, ok = v.(float64)
	case FieldTags:
		r.Tags, ok = v.([]string)
	case FieldIsSold:
		r.IsSold, ok = v.(bool)
	case FieldDescription:
		r.Description, ok = v.(string)
	case FieldCoordinates:
		r.Coordinates, ok = v.(*Coordinates)
	case FieldCoordinateSource:
		r.CoordinateSource, ok = v.(string)
	case FieldImages:
		r.Images, ok = v.([]string)
	case FieldFacilities:
		r.Facilities, ok = v.([]Facility)
	case FieldSchools:
		r.Schools, ok = v.([]School)
	case FieldPostedAt:
		r.PostedAt, ok = v.(*time.Time)
	case FieldRenovatedAt:
		r.RenovatedAt, ok = v.(*time.Time)
	case FieldBuiltAt:
		r.BuiltAt, ok = v.(*time.Time)
	case FieldStatus:
		r.Status, ok = v.(ListingStatus)
	case FieldUpdatedAt:
		r.UpdatedAt, ok = v.(time.Time)
	case FieldContentHash:
		r.ContentHash, ok = v.(string)
	default:
		return fmt.Errorf("unknown listing field %q", name)
	}
	if !ok {
		return fmt.Errorf("field %q: unexpected value type %T", name, v)
	}
	return nil
}

// IsEmpty reports whether v counts as "no value" for merge purposes.
func IsEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case float64:
		return t == 0
	case int:
		return t == 0
	case bool:
		return false
	case []string:
		return len(t) == 0
	case []Facility:
		return len(t) == 0
	case []School:
		return len(t) == 0
	case *Coordinates:
		return t == nil
	case *time.Time:
		return t == nil || t.IsZero()
	case time.Time:
		return t.IsZero()
	case ListingStatus:
		return t == ""
	}
	return false
}

// NormalizeTags trims, dedupes and sorts tags so they compare as a set.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
