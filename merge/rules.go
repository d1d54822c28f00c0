package merge

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"property-sync/models"
	"property-sync/utils"
)

type Policy string

const (
	NeverOverwrite     Policy = "never_overwrite"
	AlwaysOverwrite    Policy = "always_overwrite"
	OverwriteIfChanged Policy = "overwrite_if_changed"
	OverwriteIfEmpty   Policy = "overwrite_if_empty"
)

func (p Policy) valid() bool {
	switch p {
	case NeverOverwrite, AlwaysOverwrite, OverwriteIfChanged, OverwriteIfEmpty:
		return true
	}
	return false
}

// Comparator names accepted in rule files.
const (
	CompareEqual       = "equal"
	CompareTolerance   = "tolerance"
	CompareSet         = "set"
	CompareCoordinates = "coordinates"
)

// DefaultCoordinateTolerance is roughly one centimetre of latitude.
const DefaultCoordinateTolerance = 1e-7

// Rule is the merge policy of one field.
type Rule struct {
	Field      string  `yaml:"field" toml:"field" json:"field"`
	Policy     Policy  `yaml:"policy" toml:"policy" json:"policy"`
	Comparator string  `yaml:"comparator,omitempty" toml:"comparator,omitempty" json:"comparator,omitempty"`
	Tolerance  float64 `yaml:"tolerance,omitempty" toml:"tolerance,omitempty" json:"tolerance,omitempty"`
}

// Same reports whether a and b are equal under the rule's comparator.
func (r Rule) Same(a, b any) bool {
	switch r.Comparator {
	case CompareTolerance:
		x, okx := number(a)
		y, oky := number(b)
		if !okx || !oky {
			return equal(a, b)
		}
		return math.Abs(x-y) <= r.Tolerance
	case CompareSet:
		x, okx := a.([]string)
		y, oky := b.([]string)
		if !okx || !oky {
			return equal(a, b)
		}
		return slices.Equal(models.NormalizeTags(x), models.NormalizeTags(y))
	case CompareCoordinates:
		x, okx := a.(*models.Coordinates)
		y, oky := b.(*models.Coordinates)
		if !okx || !oky || x == nil || y == nil {
			return equal(a, b)
		}
		tol := r.Tolerance
		if tol <= 0 {
			tol = DefaultCoordinateTolerance
		}
		return math.Abs(x.Lat-y.Lat) <= tol && math.Abs(x.Lng-y.Lng) <= tol
	}
	return equal(a, b)
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	}
	return 0, false
}

func equal(a, b any) bool {
	ea, eb := models.IsEmpty(a), models.IsEmpty(b)
	if ea || eb {
		return ea && eb
	}
	switch x := a.(type) {
	case *time.Time:
		if y, ok := b.(*time.Time); ok {
			return x.Equal(*y)
		}
	case *models.Coordinates:
		if y, ok := b.(*models.Coordinates); ok {
			return *x == *y
		}
	}
	return reflect.DeepEqual(a, b)
}

// RuleSet maps field names to rules. It is not modified after construction.
type RuleSet struct {
	rules map[string]Rule
}

// NewRuleSet validates rules and builds a set. Later rules for the same field win.
func NewRuleSet(rules ...Rule) (*RuleSet, error) {
	known := make(map[string]bool, len(models.MergeableFields))
	for _, f := range models.MergeableFields {
		known[f] = true
	}

	s := &RuleSet{rules: make(map[string]Rule, len(rules))}
	for _, r := range rules {
		if !known[r.Field] {
			return nil, utils.NewValidationError("merge rules", fmt.Sprintf("unknown field %q", r.Field))
		}
		if !r.Policy.valid() {
			return nil, utils.NewValidationError("merge rules", fmt.Sprintf("field %q: unknown policy %q", r.Field, r.Policy))
		}
		switch r.Comparator {
		case "", CompareEqual, CompareSet, CompareCoordinates:
		case CompareTolerance:
			if r.Tolerance < 0 {
				return nil, utils.NewValidationError("merge rules", fmt.Sprintf("field %q: negative tolerance", r.Field))
			}
		default:
			return nil, utils.NewValidationError("merge rules", fmt.Sprintf("field %q: unknown comparator %q", r.Field, r.Comparator))
		}
		s.rules[r.Field] = r
	}
	return s, nil
}

// Rule returns the rule for field. Unconfigured fields are never overwritten.
func (s *RuleSet) Rule(field string) Rule {
	if r, ok := s.rules[field]; ok {
		return r
	}
	return Rule{Field: field, Policy: NeverOverwrite}
}

// Rules returns the configured rules sorted by field.
func (s *RuleSet) Rules() []Rule {
	out := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

func defaultRules(priceTolerance float64) []Rule {
	if priceTolerance <= 0 {
		priceTolerance = 1e-6
	}
	return []Rule{
		{Field: models.FieldSourceURL, Policy: NeverOverwrite},
		{Field: models.FieldAddress, Policy: NeverOverwrite},
		{Field: models.FieldAddressTranslated, Policy: OverwriteIfEmpty},
		{Field: models.FieldPrice, Policy: OverwriteIfChanged, Comparator: CompareTolerance, Tolerance: priceTolerance},
		{Field: models.FieldFloorPlan, Policy: OverwriteIfChanged},
		{Field: models.FieldBuildArea, Policy: OverwriteIfChanged, Comparator: CompareTolerance, Tolerance: 0.01},
		{Field: models.FieldLandArea, Policy: OverwriteIfChanged, Comparator: CompareTolerance, Tolerance: 0.01},
		{Field: models.FieldTags, Policy: OverwriteIfChanged, Comparator: CompareSet},
		{Field: models.FieldIsSold, Policy: AlwaysOverwrite},
		{Field: models.FieldDescription, Policy: OverwriteIfChanged},
		{Field: models.FieldCoordinates, Policy: OverwriteIfEmpty, Comparator: CompareCoordinates},
		{Field: models.FieldCoordinateSource, Policy: OverwriteIfEmpty},
		{Field: models.FieldImages, Policy: OverwriteIfChanged},
		{Field: models.FieldFacilities, Policy: OverwriteIfChanged},
		{Field: models.FieldSchools, Policy: OverwriteIfChanged},
		{Field: models.FieldPostedAt, Policy: OverwriteIfChanged},
		{Field: models.FieldRenovatedAt, Policy: OverwriteIfChanged},
		{Field: models.FieldBuiltAt, Policy: OverwriteIfChanged},
		{Field: models.FieldStatus, Policy: AlwaysOverwrite},
	}
}

// DefaultRules is the built-in rule table. priceTolerance is the absolute price
// difference still treated as unchanged.
func DefaultRules(priceTolerance float64) *RuleSet {
	s, err := NewRuleSet(defaultRules(priceTolerance)...)
	if err != nil {
		panic(err)
	}
	return s
}

type ruleFile struct {
	Rules []Rule `yaml:"rules" toml:"rules"`
}

// LoadRules reads a YAML or TOML rule file and layers it over the defaults.
// An empty path returns the defaults.
func LoadRules(path string, priceTolerance float64) (*RuleSet, error) {
	if path == "" {
		return DefaultRules(priceTolerance), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read merge rules: %w", err)
	}
	rules, err := ParseRules(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewRuleSet(append(defaultRules(priceTolerance), rules...)...)
}

// ParseRules decodes a rule document. ext selects the format (".toml", else YAML).
func ParseRules(data []byte, ext string) ([]Rule, error) {
	var f ruleFile
	switch strings.ToLower(ext) {
	case ".toml":
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&f); err != nil {
			return nil, fmt.Errorf("decode toml: %w", err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	}
	return f.Rules, nil
}
