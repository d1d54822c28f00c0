package models

import (
	"reflect"
	"testing"
	"time"
)

func TestCoordinatesValid(t *testing.T) {
	tests := []struct {
		name string
		c    Coordinates
		want bool
	}{
		{"tokyo", Coordinates{35.6812, 139.7671}, true},
		{"zero", Coordinates{0, 0}, false},
		{"lat out of range", Coordinates{91, 10}, false},
		{"lng out of range", Coordinates{10, -181}, false},
		{"southern", Coordinates{-33.86, 151.2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFieldsSkipsEmptyValues(t *testing.T) {
	r := &ListingRecord{
		SourceURL: "https://example.com/detail/1",
		Price:     6930000,
		Tags:      []string{" b", "a", "b"},
	}
	f := r.Fields()

	if _, ok := f[FieldAddress]; ok {
		t.Error("empty address should not be present")
	}
	if _, ok := f[FieldCoordinates]; ok {
		t.Error("nil coordinates should not be present")
	}
	if f[FieldIsSold] != false {
		t.Errorf("isSold = %v, want false", f[FieldIsSold])
	}
	if !reflect.DeepEqual(f[FieldTags], []string{"a", "b"}) {
		t.Errorf("tags = %v", f[FieldTags])
	}
}

func TestApplyRoundTrip(t *testing.T) {
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	src := &ListingRecord{
		SourceURL:   "https://example.com/detail/1",
		Address:     "東京都港区",
		Price:       100,
		Coordinates: &Coordinates{35, 139},
		PostedAt:    &now,
		Status:      StatusActive,
	}

	var dst ListingRecord
	if err := dst.Apply(src.Fields()); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if dst.Address != src.Address || dst.Price != src.Price || dst.Coordinates != src.Coordinates {
		t.Errorf("Apply did not copy fields: %+v", dst)
	}
}

func TestApplyRejectsWrongType(t *testing.T) {
	var r ListingRecord
	if err := r.Apply(Fields{FieldPrice: "cheap"}); err == nil {
		t.Error("expected type error")
	}
	if err := r.Apply(Fields{"nope": 1}); err == nil {
		t.Error("expected unknown field error")
	}
}

func TestJobEffectiveKind(t *testing.T) {
	j := &Job{Kind: KindRetry, OriginalKind: KindDetail}
	if j.EffectiveKind() != KindDetail {
		t.Errorf("EffectiveKind = %s", j.EffectiveKind())
	}
	j = &Job{Kind: KindSearch, Attempts: 2, MaxAttempts: 3}
	if j.EffectiveKind() != KindSearch || !j.CanRetry() {
		t.Error("search job should be retryable with attempts left")
	}
}
