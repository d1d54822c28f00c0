package services

import (
	"context"
	"path/filepath"
	"testing"

	"property-sync/merge"
	"property-sync/models"
	"property-sync/storage"
)

func TestGenerateReport(t *testing.T) {
	listings := []models.ListingRecord{
		{ID: "1", Address: "東京都港区六本木1-2-3", Price: 69300000, Status: models.StatusActive,
			Coordinates: &models.Coordinates{Lat: 35.66, Lng: 139.73}},
		{ID: "2", Address: "神奈川県横浜市都筑区", Price: 30000000, Status: models.StatusActive, IsSold: true},
		{ID: "3", Address: "京都府京都市左京区", Status: models.StatusRemoved},
		{ID: "4", Address: "北海道札幌市", Price: 15000000, Status: models.StatusActive},
	}
	r := GenerateReport(listings, 2)

	if r.TotalListings != 4 || r.ActiveListings != 3 || r.RemovedListings != 1 {
		t.Errorf("counts = %+v", r)
	}
	if r.SoldListings != 1 || r.WithCoordinates != 1 || r.FailedJobs != 2 {
		t.Errorf("flags = %+v", r)
	}
	if r.MinPrice != 15000000 || r.MaxPrice != 69300000 || r.MostExpensive.ID != "1" {
		t.Errorf("prices = %v..%v most=%s", r.MinPrice, r.MaxPrice, r.MostExpensive.ID)
	}
	if r.AveragePrice != (69300000+30000000+15000000)/3.0 {
		t.Errorf("average = %v", r.AveragePrice)
	}
	for region, want := range map[string]int{"東京都": 1, "神奈川県": 1, "京都府": 1, "北海道": 1} {
		if r.ListingsByRegion[region] != want {
			t.Errorf("region %s = %d, want %d (%v)", region, r.ListingsByRegion[region], want, r.ListingsByRegion)
		}
	}
}

func TestGenerateReportEmpty(t *testing.T) {
	r := GenerateReport(nil, 0)
	if r.TotalListings != 0 || r.MinPrice != 0 || r.ListingsByRegion == nil {
		t.Errorf("report = %+v", r)
	}
}

func TestRegionOf(t *testing.T) {
	tests := []struct{ in, want string }{
		{"東京都港区", "東京都"},
		{"大阪府大阪市北区", "大阪府"},
		{"和歌山県和歌山市", "和歌山県"},
		{"", "Unknown"},
		{"港区六本木", "Unknown"},
	}
	for _, tt := range tests {
		if got := regionOf(tt.in); got != tt.want {
			t.Errorf("regionOf(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMarkRemovedUnknownListing(t *testing.T) {
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "s.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	s := NewSyncer(store, merge.NewEngine(merge.DefaultRules(0)), nil)
	if err := s.MarkRemoved(context.Background(), "never-seen"); err != nil {
		t.Errorf("MarkRemoved = %v, want nil", err)
	}
}

func TestSyncRejectsMissingID(t *testing.T) {
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "s.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	s := NewSyncer(store, merge.NewEngine(merge.DefaultRules(0)), nil)
	if _, err := s.Sync(context.Background(), &models.ListingRecord{Price: 1}); err == nil {
		t.Error("Sync without id should fail")
	}
}

func TestSyncFieldsLeavesMissingFieldsAlone(t *testing.T) {
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "s.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	s := NewSyncer(store, merge.NewEngine(merge.DefaultRules(0)), nil)

	if _, err := s.Sync(ctx, &models.ListingRecord{ID: "1001", Price: 1000, IsSold: true, Status: models.StatusActive}); err != nil {
		t.Fatal(err)
	}

	// the sold flag could not be read this time
	res, err := s.SyncFields(ctx, "1001", models.Fields{
		models.FieldPrice:  float64(900),
		models.FieldStatus: models.StatusActive,
	})
	if err != nil {
		t.Fatalf("SyncFields() = %v", err)
	}
	for _, name := range res.Changed {
		if name == models.FieldIsSold {
			t.Errorf("changed = %v, isSold should be untouched", res.Changed)
		}
	}
	got, err := store.GetListing(ctx, "1001")
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsSold || got.Price != 900 {
		t.Errorf("after partial sync: isSold=%v price=%v", got.IsSold, got.Price)
	}
}
