package coords

import (
	"encoding/json"
	"math"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"property-sync/models"
)

// keyPairs are the lat/lng property names looked for in JSON objects, most specific first.
var keyPairs = [][2]string{
	{"latitude", "longitude"},
	{"lat", "lng"},
	{"lat", "lon"},
	{"lat", "long"},
	{"Lat", "Lng"},
	{"Latitude", "Longitude"},
	{"ido", "keido"},
	{"y", "x"},
}

var (
	bracketPair = regexp.MustCompile(`\[\s*(-?\d{1,3}\.\d{3,})\s*,\s*(-?\d{1,3}\.\d{3,})\s*\]`)
	atPair      = regexp.MustCompile(`@(-?\d{1,3}\.\d+),(-?\d{1,3}\.\d+)`)
	commaPair   = regexp.MustCompile(`^\s*(-?\d{1,3}\.\d+)\s*[,;]\s*(-?\d{1,3}\.\d+)`)
	pbLat       = regexp.MustCompile(`!3d(-?\d{1,3}\.\d+)`)
	pbLng       = regexp.MustCompile(`![24]d(-?\d{1,3}\.\d+)`)
)

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

// pair builds coordinates from a lat/lng candidate. A pair that is only valid
// with its members swapped ([lng, lat] ordering) is swapped.
func pair(a, b float64) (models.Coordinates, bool) {
	c := models.Coordinates{Lat: a, Lng: b}
	if c.Valid() {
		return c, true
	}
	s := models.Coordinates{Lat: b, Lng: a}
	if s.Valid() {
		return s, true
	}
	return models.Coordinates{}, false
}

func hasFraction(f float64) bool {
	return f != math.Trunc(f)
}

func fromMap(m map[string]any) (models.Coordinates, bool) {
	for _, kp := range keyPairs {
		lv, ok1 := m[kp[0]]
		gv, ok2 := m[kp[1]]
		if !ok1 || !ok2 {
			continue
		}
		lat, ok1 := toFloat(lv)
		lng, ok2 := toFloat(gv)
		if !ok1 || !ok2 {
			continue
		}
		// y/x are too generic to accept whole numbers
		if kp[0] == "y" && (!hasFraction(lat) || !hasFraction(lng)) {
			continue
		}
		c := models.Coordinates{Lat: lat, Lng: lng}
		if c.Valid() {
			return c, true
		}
	}
	return models.Coordinates{}, false
}

// walkJSON searches a decoded JSON value depth first for a coordinate pair.
func walkJSON(v any, depth int) (models.Coordinates, bool) {
	if depth > 32 {
		return models.Coordinates{}, false
	}
	switch t := v.(type) {
	case map[string]any:
		if c, ok := fromMap(t); ok {
			return c, true
		}
		if raw, ok := t["coordinates"].([]any); ok && len(raw) == 2 {
			a, ok1 := toFloat(raw[0])
			b, ok2 := toFloat(raw[1])
			if ok1 && ok2 {
				// GeoJSON order is [lng, lat]
				if c, ok := pair(b, a); ok {
					return c, true
				}
			}
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if c, ok := walkJSON(t[k], depth+1); ok {
				return c, true
			}
		}
	case []any:
		for _, child := range t {
			if c, ok := walkJSON(child, depth+1); ok {
				return c, true
			}
		}
	}
	return models.Coordinates{}, false
}

// FromJSON finds coordinates in a JSON document, falling back to bracketed
// number pairs in the raw text when the body does not decode.
func FromJSON(body []byte) (models.Coordinates, bool) {
	var v any
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	if err := dec.Decode(&v); err == nil {
		if c, ok := walkJSON(v, 0); ok {
			return c, true
		}
	}
	return fromBrackets(string(body))
}

func fromBrackets(s string) (models.Coordinates, bool) {
	for _, m := range bracketPair.FindAllStringSubmatch(s, -1) {
		a, _ := strconv.ParseFloat(m[1], 64)
		b, _ := strconv.ParseFloat(m[2], 64)
		if c, ok := pair(a, b); ok {
			return c, true
		}
	}
	return models.Coordinates{}, false
}

// urlParams are map-service query parameters that may carry "lat,lng".
var urlParams = []string{"ll", "q", "query", "center", "daddr", "destination", "sll", "latlng", "coordinates"}

// FromURL reads coordinates out of a map service URL: query parameters,
// separate lat/lng parameters, "@lat,lng" path segments or embed "!3d..!4d.." blocks.
func FromURL(raw string) (models.Coordinates, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return models.Coordinates{}, false
	}
	if u, err := url.Parse(raw); err == nil {
		q := u.Query()
		for _, p := range urlParams {
			if v := q.Get(p); v != "" {
				if c, ok := fromText(v); ok {
					return c, true
				}
			}
		}
		for _, kp := range keyPairs[:4] {
			if lv, gv := q.Get(kp[0]), q.Get(kp[1]); lv != "" && gv != "" {
				lat, err1 := strconv.ParseFloat(lv, 64)
				lng, err2 := strconv.ParseFloat(gv, 64)
				if err1 == nil && err2 == nil {
					if c := (models.Coordinates{Lat: lat, Lng: lng}); c.Valid() {
						return c, true
					}
				}
			}
		}
	}
	if m := atPair.FindStringSubmatch(raw); m != nil {
		lat, _ := strconv.ParseFloat(m[1], 64)
		lng, _ := strconv.ParseFloat(m[2], 64)
		if c := (models.Coordinates{Lat: lat, Lng: lng}); c.Valid() {
			return c, true
		}
	}
	if lm, gm := pbLat.FindStringSubmatch(raw), pbLng.FindStringSubmatch(raw); lm != nil && gm != nil {
		lat, _ := strconv.ParseFloat(lm[1], 64)
		lng, _ := strconv.ParseFloat(gm[1], 64)
		if c := (models.Coordinates{Lat: lat, Lng: lng}); c.Valid() {
			return c, true
		}
	}
	return models.Coordinates{}, false
}

// fromText parses "35.68,139.76" or "35.68;139.76".
func fromText(s string) (models.Coordinates, bool) {
	m := commaPair.FindStringSubmatch(s)
	if m == nil {
		return models.Coordinates{}, false
	}
	lat, _ := strconv.ParseFloat(m[1], 64)
	lng, _ := strconv.ParseFloat(m[2], 64)
	c := models.Coordinates{Lat: lat, Lng: lng}
	return c, c.Valid()
}
