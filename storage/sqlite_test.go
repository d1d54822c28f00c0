package storage

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"property-sync/models"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	return s
}

func sampleListing() *models.ListingRecord {
	built := time.Date(2015, 3, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2024, 5, 1, 9, 30, 0, 123456000, time.UTC)
	return &models.ListingRecord{
		ID:               "1001",
		SourceURL:        "https://example.com/bukken/1001",
		Address:          "東京都世田谷区桜1-2-3",
		Price:            29800000,
		FloorPlan:        "3LDK",
		BuildArea:        85.5,
		Tags:             []string{"南向き", "駐車場"},
		Coordinates:      &models.Coordinates{Lat: 35.6436, Lng: 139.6275},
		CoordinateSource: "network",
		Images:           []string{"https://example.com/img/1.jpg"},
		Facilities:       []models.Facility{{Name: "スーパー", Category: "shopping", DistanceMeters: 400}},
		BuiltAt:          &built,
		Status:           models.StatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestSQLiteStore_InsertGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	rec := sampleListing()

	if err := s.InsertListing(ctx, rec); err != nil {
		t.Fatalf("InsertListing() error = %v", err)
	}
	got, err := s.GetListing(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetListing() error = %v", err)
	}

	if got.Address != rec.Address || got.Price != rec.Price || got.FloorPlan != "3LDK" {
		t.Errorf("GetListing() = %+v", got)
	}
	if got.Coordinates == nil || *got.Coordinates != *rec.Coordinates {
		t.Errorf("coordinates = %v, want %v", got.Coordinates, rec.Coordinates)
	}
	if len(got.Tags) != 2 || len(got.Facilities) != 1 || got.Facilities[0].DistanceMeters != 400 {
		t.Errorf("lists = %v %v", got.Tags, got.Facilities)
	}
	if got.BuiltAt == nil || !got.BuiltAt.Equal(*rec.BuiltAt) || !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("times = %v %v", got.BuiltAt, got.CreatedAt)
	}
	if got.Schools != nil || got.PostedAt != nil {
		t.Errorf("empty values should load as nil: %v %v", got.Schools, got.PostedAt)
	}

	_, err = s.GetListing(ctx, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetListing(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_UpdateDelta(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	s.InsertListing(ctx, sampleListing())

	updated := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	err := s.UpdateListing(ctx, "1001", models.Fields{
		models.FieldPrice:       27800000.0,
		models.FieldIsSold:      true,
		models.FieldCoordinates: (*models.Coordinates)(nil),
		models.FieldUpdatedAt:   updated,
	})
	if err != nil {
		t.Fatalf("UpdateListing() error = %v", err)
	}

	got, _ := s.GetListing(ctx, "1001")
	if got.Price != 27800000 || !got.IsSold || got.Coordinates != nil || !got.UpdatedAt.Equal(updated) {
		t.Errorf("after update = %+v", got)
	}
	if got.Address != "東京都世田谷区桜1-2-3" {
		t.Error("untouched column changed")
	}

	if err := s.UpdateListing(ctx, "missing", models.Fields{models.FieldPrice: 1.0}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateListing(missing) error = %v", err)
	}
	if err := s.UpdateListing(ctx, "1001", models.Fields{models.FieldPrice: "cheap"}); err == nil {
		t.Error("UpdateListing with wrong type should fail")
	}
}

func TestSQLiteStore_MarkRemoved(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	s.InsertListing(ctx, sampleListing())

	at := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	if err := s.MarkRemoved(ctx, "1001", at); err != nil {
		t.Fatalf("MarkRemoved() error = %v", err)
	}
	// a second removal keeps the first timestamp
	s.MarkRemoved(ctx, "1001", at.Add(time.Hour))

	got, _ := s.GetListing(ctx, "1001")
	if got.Status != models.StatusRemoved || got.RemovedAt == nil || !got.RemovedAt.Equal(at) {
		t.Errorf("after removal = %+v", got)
	}

	active, _ := s.ListListings(ctx, ListFilter{Status: models.StatusActive})
	removed, _ := s.ListListings(ctx, ListFilter{Status: models.StatusRemoved})
	if len(active) != 0 || len(removed) != 1 {
		t.Errorf("active=%d removed=%d", len(active), len(removed))
	}
}

func TestSQLiteStore_FailedJobs(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"f1", "f2"} {
		err := s.SaveFailedJob(ctx, models.FailedJobRecord{
			ID: id, JobID: "j" + id, Kind: models.KindDetail, URL: "https://example.com/" + id,
			Reason: "timeout", Attempts: 3, RetryCount: 3, FailedAt: now.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("SaveFailedJob() error = %v", err)
		}
	}

	list, err := s.ListFailedJobs(ctx)
	if err != nil || len(list) != 2 {
		t.Fatalf("ListFailedJobs() = %v, %v", list, err)
	}
	if list[0].ID != "f1" || list[0].Kind != models.KindDetail || list[0].RetryCount != 3 || !list[0].FailedAt.Equal(now) {
		t.Errorf("first = %+v", list[0])
	}

	if err := s.DeleteFailedJob(ctx, "f1"); err != nil {
		t.Fatalf("DeleteFailedJob() error = %v", err)
	}
	if err := s.DeleteFailedJob(ctx, "f1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete error = %v", err)
	}
	n, err := s.ClearFailedJobs(ctx)
	if err != nil || n != 1 {
		t.Errorf("ClearFailedJobs() = %d, %v", n, err)
	}
}

func TestCSVWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "listings.csv")
	rec := sampleListing()
	if err := NewCSVWriter(path).Write([]models.ListingRecord{*rec}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[1][0] != "1001" || rows[1][4] != "29800000" {
		t.Errorf("rows = %v", rows)
	}
	if !strings.Contains(rows[1][12], "南向き") {
		t.Errorf("tags column = %q", rows[1][12])
	}
}

func TestUpdateStatementPlaceholders(t *testing.T) {
	q, args, err := updateStatement("1001", models.Fields{
		models.FieldCoordinates: &models.Coordinates{Lat: 35, Lng: 139},
		models.FieldPrice:       1.0,
	}, postgresDialect)
	if err != nil {
		t.Fatal(err)
	}
	want := "UPDATE listings SET lat = $1, lng = $2, price = $3 WHERE id = $4"
	if q != want || len(args) != 4 || args[3] != "1001" {
		t.Errorf("q = %q args = %v", q, args)
	}
}
