package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"property-sync/models"
	"property-sync/utils"
)

// CSVWriter exports listings to a CSV file for run-once mode.
type CSVWriter struct {
	path string
}

func NewCSVWriter(path string) *CSVWriter {
	return &CSVWriter{path: path}
}

var csvHeader = []string{
	"id", "status", "source_url", "address", "price", "floor_plan", "build_area", "land_area",
	"is_sold", "lat", "lng", "coordinate_source", "tags", "images", "updated_at",
}

// Write saves all listings to the CSV file.
// Creates the output directory if it does not exist.
//
// CSV columns: id, status, source_url, address, price, floor_plan, build_area,
// land_area, is_sold, lat, lng, coordinate_source, tags, images, updated_at
//
// tags and images are joined with "|" so each listing stays on one row.
func (w *CSVWriter) Write(listings []models.ListingRecord) error {
	if len(listings) == 0 {
		utils.Warn("No listings to write")
		return nil
	}

	// Create output directory if needed (e.g. "output/" folder)
	if err := os.MkdirAll(filepath.Dir(w.path), 0755); err != nil {
		return fmt.Errorf("could not create output dir: %w", err)
	}

	file, err := os.Create(w.path)
	if err != nil {
		return fmt.Errorf("could not create file: %w", err)
	}
	defer file.Close()

	// csv.NewWriter handles quoting, commas inside fields, line endings
	writer := csv.NewWriter(file)

	if err := writer.Write(csvHeader); err != nil {
		return fmt.Errorf("csv write error: %w", err)
	}

	for _, l := range listings {
		lat, lng := "", ""
		if l.Coordinates != nil {
			lat = strconv.FormatFloat(l.Coordinates.Lat, 'f', 6, 64)
			lng = strconv.FormatFloat(l.Coordinates.Lng, 'f', 6, 64)
		}
		updated := ""
		if !l.UpdatedAt.IsZero() {
			updated = l.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z")
		}
		writer.Write([]string{
			l.ID,
			string(l.Status),
			l.SourceURL,
			l.Address,
			strconv.FormatFloat(l.Price, 'f', 0, 64),
			l.FloorPlan,
			strconv.FormatFloat(l.BuildArea, 'f', 2, 64),
			strconv.FormatFloat(l.LandArea, 'f', 2, 64),
			strconv.FormatBool(l.IsSold),
			lat,
			lng,
			l.CoordinateSource,
			strings.Join(l.Tags, "|"),
			strings.Join(l.Images, "|"),
			updated,
		})
	}

	// IMPORTANT: must flush or data stays in the buffer.
	// Flush also surfaces any error the row writes swallowed.
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("csv write error: %w", err)
	}

	utils.Success("Saved %d listings → %s", len(listings), w.path)
	return nil
}
