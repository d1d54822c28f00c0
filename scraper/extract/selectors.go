package extract

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FieldSelector locates one attribute. CSS selectors are tried in order; if none
// yields a value, Labels are looked up in the page's spec table rows.
type FieldSelector struct {
	CSS    []string `yaml:"css"`
	Attr   string   `yaml:"attr,omitempty"`
	Labels []string `yaml:"labels,omitempty"`
}

type SearchSelectors struct {
	Item    string `yaml:"item"`
	Link    string `yaml:"link"`
	Title   string `yaml:"title"`
	Price   string `yaml:"price"`
	Address string `yaml:"address"`
	Next    string `yaml:"next"`
}

// Selectors describes the listing site's markup.
type Selectors struct {
	Address     FieldSelector `yaml:"address"`
	Price       FieldSelector `yaml:"price"`
	FloorPlan   FieldSelector `yaml:"floorPlan"`
	BuildArea   FieldSelector `yaml:"buildArea"`
	LandArea    FieldSelector `yaml:"landArea"`
	Tags        FieldSelector `yaml:"tags"`
	Description FieldSelector `yaml:"description"`
	Images      FieldSelector `yaml:"images"`
	PostedAt    FieldSelector `yaml:"postedAt"`
	RenovatedAt FieldSelector `yaml:"renovatedAt"`
	BuiltAt     FieldSelector `yaml:"builtAt"`
	Facilities  FieldSelector `yaml:"facilities"`
	Schools     FieldSelector `yaml:"schools"`

	// TableRows selects the label/value rows used for label lookup.
	TableRows string `yaml:"tableRows"`
	// DetailMarkers must match on a live detail page; a page matching none is treated as removed.
	DetailMarkers []string `yaml:"detailMarkers"`
	RemovedText   []string `yaml:"removedText"`
	SoldSelectors []string `yaml:"soldSelectors"`
	SoldText      []string `yaml:"soldText"`

	Search SearchSelectors `yaml:"search"`
}

func DefaultSelectors() Selectors {
	return Selectors{
		Address: FieldSelector{
			CSS:    []string{"[itemprop=address]", ".property-address", ".address"},
			Labels: []string{"所在地", "住所"},
		},
		Price: FieldSelector{
			CSS:    []string{"[itemprop=price]", ".property-price", ".price"},
			Labels: []string{"価格", "販売価格"},
		},
		FloorPlan: FieldSelector{
			CSS:    []string{".floor-plan", ".madori"},
			Labels: []string{"間取り"},
		},
		BuildArea: FieldSelector{
			CSS:    []string{".build-area", ".building-area"},
			Labels: []string{"建物面積", "専有面積", "延床面積"},
		},
		LandArea: FieldSelector{
			CSS:    []string{".land-area"},
			Labels: []string{"土地面積", "敷地面積"},
		},
		Tags: FieldSelector{
			CSS: []string{".tags li", ".property-tags .tag", ".feature-list li"},
		},
		Description: FieldSelector{
			CSS: []string{".description", ".property-description", "[itemprop=description]", ".comment"},
		},
		Images: FieldSelector{
			CSS: []string{".gallery img", ".property-images img", ".slider img"},
		},
		PostedAt: FieldSelector{
			CSS:    []string{".posted-at", "time.posted"},
			Labels: []string{"情報公開日", "情報登録日", "掲載日"},
		},
		RenovatedAt: FieldSelector{
			CSS:    []string{".renovated-at"},
			Labels: []string{"リフォーム", "リノベーション", "改装"},
		},
		BuiltAt: FieldSelector{
			CSS:    []string{".built-at"},
			Labels: []string{"築年月", "建築年月", "完成時期"},
		},
		Facilities: FieldSelector{
			CSS:    []string{".facilities li", ".surroundings li"},
			Labels: []string{"周辺環境", "周辺施設"},
		},
		Schools: FieldSelector{
			CSS:    []string{".schools li"},
			Labels: []string{"小学校区", "中学校区", "学区"},
		},
		TableRows:     "table tr, dl",
		DetailMarkers: []string{".property-detail", "#property-detail", "[itemtype*=Residence]", "table.spec", ".detail-table"},
		RemovedText: []string{
			"掲載を終了", "掲載終了", "お探しの物件は見つかりませんでした", "ページが見つかりません",
			"This listing is no longer available",
		},
		SoldSelectors: []string{".sold", ".sold-badge", ".status-sold"},
		SoldText:      []string{"成約済", "売約済", "ご成約", "SOLD OUT"},
		Search: SearchSelectors{
			Item:    ".property-card, .property-list-item, article.listing",
			Link:    "a[href]",
			Title:   ".title, h2, h3",
			Price:   ".price",
			Address: ".address",
			Next:    "a[rel=next], .pagination .next a, a.next",
		},
	}
}

// LoadSelectors reads a YAML file over the defaults; keys absent in the file keep their default.
func LoadSelectors(path string) (Selectors, error) {
	sel := DefaultSelectors()
	if path == "" {
		return sel, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return sel, fmt.Errorf("read selectors: %w", err)
	}
	if err := yaml.Unmarshal(data, &sel); err != nil {
		return sel, fmt.Errorf("parse selectors %s: %w", path, err)
	}
	return sel, nil
}
