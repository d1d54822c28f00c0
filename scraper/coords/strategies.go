package coords

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"property-sync/browser"
	"property-sync/models"
)

// Strategy is one way of recovering a listing's coordinates from a loaded page.
// ok is false when the strategy found nothing; err is reserved for page failures.
type Strategy interface {
	Name() string
	Resolve(p browser.Page) (c models.Coordinates, ok bool, err error)
}

// NetworkStrategy scans JSON bodies of map or geocode responses captured while the page loaded.
type NetworkStrategy struct {
	Match *regexp.Regexp
}

func (NetworkStrategy) Name() string { return "network" }

func (s NetworkStrategy) Resolve(p browser.Page) (models.Coordinates, bool, error) {
	var (
		mu     sync.Mutex
		bodies [][]byte
	)
	pred := func(r browser.Response) bool {
		if len(r.Body) == 0 || !r.JSON() {
			return false
		}
		return s.Match == nil || s.Match.MatchString(r.URL)
	}
	cancel := p.OnResponse(pred, func(r browser.Response) {
		mu.Lock()
		bodies = append(bodies, r.Body)
		mu.Unlock()
	})
	cancel()

	mu.Lock()
	defer mu.Unlock()
	for _, b := range bodies {
		if c, ok := FromJSON(b); ok {
			return c, true, nil
		}
	}
	return models.Coordinates{}, false, nil
}

// MapLinkStrategy reads coordinates from anchors that link to a map service.
type MapLinkStrategy struct{}

const mapLinkSelector = `a[href*="maps.google"], a[href*="google.com/maps"], a[href*="goo.gl/maps"], ` +
	`a[href*="maps.apple"], a[href*="openstreetmap"], a[href*="map.yahoo"], a[href*="/map"]`

func (MapLinkStrategy) Name() string { return "map_link" }

func (MapLinkStrategy) Resolve(p browser.Page) (models.Coordinates, bool, error) {
	links, err := p.QueryAll(mapLinkSelector)
	if err != nil {
		return models.Coordinates{}, false, err
	}
	for _, a := range links {
		if c, ok := FromURL(a.Attr("href")); ok {
			return c, true, nil
		}
	}
	return models.Coordinates{}, false, nil
}

var (
	scriptLat = regexp.MustCompile(`(?i)["']?\b(?:lat|latitude|map_?lat|center_?lat|bukken_?lat|ido)\b["']?\s*[:=]\s*["']?(-?\d{1,3}\.\d{3,})`)
	scriptLng = regexp.MustCompile(`(?i)["']?\b(?:lng|lon|long|longitude|map_?lng|map_?lon|center_?lng|bukken_?lng|keido)\b["']?\s*[:=]\s*["']?(-?\d{1,3}\.\d{3,})`)
	ctorPair  = regexp.MustCompile(`(?:LatLng|latLng|setView|setCenter|fromLonLat)\s*\(\s*\[?\s*(-?\d{1,3}\.\d+)\s*,\s*(-?\d{1,3}\.\d+)`)
	mapURL    = regexp.MustCompile(`https?:(?:\\?/){2}[^"'\s<>]*map[^"'\s<>]*`)
)

// ScriptStrategy scans inline scripts for coordinate variables, map constructor
// calls and map service URLs embedded in string literals.
type ScriptStrategy struct{}

func (ScriptStrategy) Name() string { return "script" }

func (ScriptStrategy) Resolve(p browser.Page) (models.Coordinates, bool, error) {
	scripts, err := p.QueryAll("script")
	if err != nil {
		return models.Coordinates{}, false, err
	}
	for _, sc := range scripts {
		if c, ok := fromScript(sc.Text); ok {
			return c, true, nil
		}
	}
	return models.Coordinates{}, false, nil
}

func fromScript(src string) (models.Coordinates, bool) {
	if src == "" {
		return models.Coordinates{}, false
	}
	if lm, gm := scriptLat.FindStringSubmatch(src), scriptLng.FindStringSubmatch(src); lm != nil && gm != nil {
		lat, _ := strconv.ParseFloat(lm[1], 64)
		lng, _ := strconv.ParseFloat(gm[1], 64)
		if c := (models.Coordinates{Lat: lat, Lng: lng}); c.Valid() {
			return c, true
		}
	}
	if m := ctorPair.FindStringSubmatch(src); m != nil {
		a, _ := strconv.ParseFloat(m[1], 64)
		b, _ := strconv.ParseFloat(m[2], 64)
		if strings.Contains(m[0], "fromLonLat") {
			a, b = b, a
		}
		if c, ok := pair(a, b); ok {
			return c, true
		}
	}
	for _, u := range mapURL.FindAllString(src, -1) {
		if c, ok := FromURL(strings.ReplaceAll(u, `\/`, `/`)); ok {
			return c, true
		}
	}
	return models.Coordinates{}, false
}

// MetaStrategy reads geo meta tags, schema.org microdata and data-lat/data-lng attributes.
type MetaStrategy struct{}

func (MetaStrategy) Name() string { return "meta" }

func (MetaStrategy) Resolve(p browser.Page) (models.Coordinates, bool, error) {
	metas, err := p.QueryAll("meta")
	if err != nil {
		return models.Coordinates{}, false, err
	}
	var lat, lng string
	for _, m := range metas {
		key := strings.ToLower(m.Attr("property") + m.Attr("name") + m.Attr("itemprop"))
		content := m.Attr("content")
		switch {
		case key == "geo.position" || key == "icbm":
			if c, ok := fromText(content); ok {
				return c, true, nil
			}
		case strings.HasSuffix(key, "latitude"):
			lat = content
		case strings.HasSuffix(key, "longitude"):
			lng = content
		}
	}
	if c, ok := parsePair(lat, lng); ok {
		return c, true, nil
	}

	items, err := p.QueryAll("[itemprop=latitude], [itemprop=longitude]")
	if err != nil {
		return models.Coordinates{}, false, err
	}
	lat, lng = "", ""
	for _, it := range items {
		v := it.Attr("content")
		if v == "" {
			v = it.Text
		}
		if it.Attr("itemprop") == "latitude" {
			lat = v
		} else {
			lng = v
		}
	}
	if c, ok := parsePair(lat, lng); ok {
		return c, true, nil
	}

	els, err := p.QueryAll("[data-lat], [data-latitude], [data-lng], [data-lon], [data-longitude]")
	if err != nil {
		return models.Coordinates{}, false, err
	}
	for _, el := range els {
		la := firstAttr(el, "data-lat", "data-latitude")
		lo := firstAttr(el, "data-lng", "data-lon", "data-longitude")
		if c, ok := parsePair(la, lo); ok {
			return c, true, nil
		}
	}
	return models.Coordinates{}, false, nil
}

func firstAttr(el browser.Element, names ...string) string {
	for _, n := range names {
		if v := el.Attr(n); v != "" {
			return v
		}
	}
	return ""
}

func parsePair(lat, lng string) (models.Coordinates, bool) {
	if lat == "" || lng == "" {
		return models.Coordinates{}, false
	}
	a, err1 := strconv.ParseFloat(strings.TrimSpace(lat), 64)
	b, err2 := strconv.ParseFloat(strings.TrimSpace(lng), 64)
	if err1 != nil || err2 != nil {
		return models.Coordinates{}, false
	}
	c := models.Coordinates{Lat: a, Lng: b}
	return c, c.Valid()
}

// IframeStrategy reads map embed iframes.
type IframeStrategy struct{}

func (IframeStrategy) Name() string { return "iframe" }

func (IframeStrategy) Resolve(p browser.Page) (models.Coordinates, bool, error) {
	frames, err := p.QueryAll("iframe")
	if err != nil {
		return models.Coordinates{}, false, err
	}
	for _, f := range frames {
		src := firstAttr(f, "src", "data-src")
		if c, ok := FromURL(src); ok {
			return c, true, nil
		}
	}
	return models.Coordinates{}, false, nil
}

// mapCenterScript looks for a live map object on window and asks it for its center.
// It understands Google Maps (lat()/lng() getters) and Leaflet (lat/lng fields).
const mapCenterScript = `(() => {
	const read = (m) => {
		if (!m || typeof m.getCenter !== 'function') return null;
		const c = m.getCenter();
		if (!c) return null;
		const lat = typeof c.lat === 'function' ? c.lat() : c.lat;
		const lng = typeof c.lng === 'function' ? c.lng() : c.lng;
		return (typeof lat === 'number' && typeof lng === 'number') ? {lat, lng, ok: true} : null;
	};
	for (const name of ['map', 'gmap', 'googleMap', 'mapObj', 'leafletMap', 'bukkenMap']) {
		const r = read(window[name]);
		if (r) return r;
	}
	for (const key of Object.keys(window)) {
		try {
			const r = read(window[key]);
			if (r) return r;
		} catch (e) {}
	}
	return {lat: 0, lng: 0, ok: false};
})()`

// MapAPIStrategy asks a client-side map instance for its center.
type MapAPIStrategy struct{}

func (MapAPIStrategy) Name() string { return "map_api" }

func (MapAPIStrategy) Resolve(p browser.Page) (models.Coordinates, bool, error) {
	var out struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
		OK  bool    `json:"ok"`
	}
	if err := p.Evaluate(mapCenterScript, &out); err != nil {
		if errors.Is(err, browser.ErrEvaluateUnsupported) {
			return models.Coordinates{}, false, nil
		}
		return models.Coordinates{}, false, err
	}
	c := models.Coordinates{Lat: out.Lat, Lng: out.Lng}
	if !out.OK || !c.Valid() {
		return models.Coordinates{}, false, nil
	}
	return c, true, nil
}

// DefaultStrategies returns the strategies in priority order.
func DefaultStrategies(capture *regexp.Regexp) []Strategy {
	return []Strategy{
		NetworkStrategy{Match: capture},
		MapLinkStrategy{},
		ScriptStrategy{},
		MetaStrategy{},
		IframeStrategy{},
		MapAPIStrategy{},
	}
}
