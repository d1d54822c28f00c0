package extract

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/width"
)

const (
	tsuboToSquareMeters = 3.305785
	walkMetersPerMinute = 80
)

var (
	priceToken     = regexp.MustCompile(`(\d+(?:\.\d+)?)(億|万)?`)
	areaPattern    = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(㎡|m²|m2|平米|平方メートル|坪)`)
	plainNumber    = regexp.MustCompile(`^\d+(?:\.\d+)?$`)
	floorPlanCode  = regexp.MustCompile(`(\d+)\s*(S?LDK|S?DK|S?K|R)(\s*[+＋]\s*(S|納戸|サービスルーム))?`)
	walkMinutes    = regexp.MustCompile(`徒歩\s*約?\s*(\d+)\s*分`)
	meterDistance  = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(km|m|メートル)`)
	westernDate    = regexp.MustCompile(`(\d{4})\s*[年/.\-]\s*(\d{1,2})(?:\s*[月/.\-]\s*(\d{1,2}))?`)
	eraDate        = regexp.MustCompile(`(令和|平成|昭和)\s*(\d+|元)\s*年(?:\s*(\d{1,2})\s*月)?(?:\s*(\d{1,2})\s*日)?`)
	whitespaceRuns = regexp.MustCompile(`\s+`)
)

var eraBase = map[string]int{
	"令和": 2018,
	"平成": 1988,
	"昭和": 1925,
}

// Normalize folds full-width ASCII to narrow form (katakana stays wide) and collapses whitespace.
func Normalize(s string) string {
	s = width.Fold.String(s)
	s = strings.ReplaceAll(s, " ", " ")
	return strings.TrimSpace(whitespaceRuns.ReplaceAllString(s, " "))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// ParsePrice parses yen amounts such as "693万円", "1億2,000万円" or "35,800,000円".
// It returns 0 when no amount can be read.
func ParsePrice(s string) float64 {
	s = strings.NewReplacer(",", "", " ", "").Replace(Normalize(s))
	locs := priceToken.FindAllStringSubmatchIndex(s, -1)
	if len(locs) == 0 {
		return 0
	}
	// start at the first amount that carries a unit or is followed by 円
	for i, loc := range locs {
		if loc[4] >= 0 || strings.HasPrefix(s[loc[1]:], "円") {
			locs = locs[i:]
			break
		}
	}

	var total float64
	end := -1
	for _, loc := range locs {
		if end >= 0 && loc[0] != end {
			break
		}
		v, err := strconv.ParseFloat(s[loc[2]:loc[3]], 64)
		if err != nil {
			return 0
		}
		unit := ""
		if loc[4] >= 0 {
			unit = s[loc[4]:loc[5]]
		}
		switch unit {
		case "億":
			total += v * 1e8
		case "万":
			total += v * 1e4
		default:
			total += v
		}
		end = loc[1]
		if unit == "" {
			break
		}
	}
	return round2(total)
}

// ParseArea parses "123.45m²", "85.3㎡" or "30坪" into square meters.
// A bare number is taken as square meters.
func ParseArea(s string) float64 {
	s = strings.ReplaceAll(Normalize(s), ",", "")
	if m := areaPattern.FindStringSubmatch(s); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0
		}
		if m[2] == "坪" {
			v *= tsuboToSquareMeters
		}
		return round2(v)
	}
	if plainNumber.MatchString(s) {
		v, _ := strconv.ParseFloat(s, 64)
		return round2(v)
	}
	return 0
}

// ParseFloorPlan returns the canonical layout code, e.g. "3LDK", "2SLDK" or "1R".
func ParseFloorPlan(s string) string {
	s = strings.ToUpper(Normalize(s))
	if strings.Contains(s, "ワンルーム") {
		return "1R"
	}
	m := floorPlanCode.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	code := m[2]
	if m[3] != "" && !strings.HasPrefix(code, "S") && code != "R" {
		code = "S" + code
	}
	return m[1] + code
}

// ParseDistance reads a walking time ("徒歩5分") or a distance ("350m", "1.2km")
// and returns meters. Walking minutes are converted at 80 m per minute.
func ParseDistance(s string) int {
	s = strings.ReplaceAll(Normalize(s), ",", "")
	if m := walkMinutes.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n * walkMetersPerMinute
	}
	if m := meterDistance.FindStringSubmatch(s); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0
		}
		if m[2] == "km" {
			v *= 1000
		}
		return int(math.Round(v))
	}
	return 0
}

// ParseDate understands "2024年3月15日", "2024/03/15", "2024-03" and Japanese
// era forms like "平成30年10月" or "令和元年". Missing month or day default to 1.
func ParseDate(s string) (time.Time, bool) {
	s = Normalize(s)

	if m := eraDate.FindStringSubmatch(s); m != nil {
		n := 1
		if m[2] != "元" {
			n, _ = strconv.Atoi(m[2])
		}
		return buildDate(eraBase[m[1]]+n, m[3], m[4])
	}
	if m := westernDate.FindStringSubmatch(s); m != nil {
		year, _ := strconv.Atoi(m[1])
		return buildDate(year, m[2], m[3])
	}
	return time.Time{}, false
}

func buildDate(year int, month, day string) (time.Time, bool) {
	mo, d := 1, 1
	if month != "" {
		mo, _ = strconv.Atoi(month)
	}
	if day != "" {
		d, _ = strconv.Atoi(day)
	}
	if year < 1900 || mo < 1 || mo > 12 || d < 1 || d > 31 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(mo), d, 0, 0, 0, 0, time.UTC)
	if t.Month() != time.Month(mo) {
		return time.Time{}, false
	}
	return t, true
}
