package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"property-sync/models"
)

// dialect covers the differences between the Postgres and SQLite statements.
type dialect struct {
	bind func(n int) string
	time func(t time.Time) any
}

var (
	postgresDialect = dialect{
		bind: func(n int) string { return "$" + strconv.Itoa(n) },
		time: func(t time.Time) any { return t.UTC().Truncate(time.Microsecond) },
	}
	sqliteDialect = dialect{
		bind: func(int) string { return "?" },
		time: func(t time.Time) any { return t.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano) },
	}
)

func (d dialect) timePtr(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return d.time(*t)
}

// fieldColumns maps listing fields to table columns. Coordinates span two columns.
var fieldColumns = []struct {
	field string
	cols  []string
}{
	{models.FieldSourceURL, []string{"source_url"}},
	{models.FieldAddress, []string{"address"}},
	{models.FieldAddressTranslated, []string{"address_translated"}},
	{models.FieldPrice, []string{"price"}},
	{models.FieldFloorPlan, []string{"floor_plan"}},
	{models.FieldBuildArea, []string{"build_area"}},
	{models.FieldLandArea, []string{"land_area"}},
	{models.FieldTags, []string{"tags"}},
	{models.FieldIsSold, []string{"is_sold"}},
	{models.FieldDescription, []string{"description"}},
	{models.FieldCoordinates, []string{"lat", "lng"}},
	{models.FieldCoordinateSource, []string{"coordinate_source"}},
	{models.FieldImages, []string{"images"}},
	{models.FieldFacilities, []string{"facilities"}},
	{models.FieldSchools, []string{"schools"}},
	{models.FieldPostedAt, []string{"posted_at"}},
	{models.FieldRenovatedAt, []string{"renovated_at"}},
	{models.FieldBuiltAt, []string{"built_at"}},
	{models.FieldStatus, []string{"status"}},
	{models.FieldUpdatedAt, []string{"updated_at"}},
	{models.FieldContentHash, []string{"content_hash"}},
}

const selectListing = `SELECT id, source_url, address, address_translated, price, floor_plan,
	build_area, land_area, tags, is_sold, description, lat, lng, coordinate_source,
	images, facilities, schools, posted_at, renovated_at, built_at, status,
	removed_at, created_at, updated_at, content_hash
	FROM listings`

const selectFailedJob = `SELECT id, job_id, kind, url, listing_id, reason, attempts, retry_count, failed_at
	FROM failed_jobs`

func columnsOf(field string) ([]string, bool) {
	for _, fc := range fieldColumns {
		if fc.field == field {
			return fc.cols, true
		}
	}
	return nil, false
}

// valuesOf returns the column values of one field of r.
func valuesOf(r *models.ListingRecord, field string, d dialect) ([]any, error) {
	switch field {
	case models.FieldSourceURL:
		return []any{r.SourceURL}, nil
	case models.FieldAddress:
		return []any{r.Address}, nil
	case models.FieldAddressTranslated:
		return []any{r.AddressTranslated}, nil
	case models.FieldPrice:
		return []any{r.Price}, nil
	case models.FieldFloorPlan:
		return []any{r.FloorPlan}, nil
	case models.FieldBuildArea:
		return []any{r.BuildArea}, nil
	case models.FieldLandArea:
		return []any{r.LandArea}, nil
	case models.FieldTags:
		return jsonValue(r.Tags)
	case models.FieldIsSold:
		return []any{r.IsSold}, nil
	case models.FieldDescription:
		return []any{r.Description}, nil
	case models.FieldCoordinates:
		if r.Coordinates == nil {
			return []any{nil, nil}, nil
		}
		return []any{r.Coordinates.Lat, r.Coordinates.Lng}, nil
	case models.FieldCoordinateSource:
		return []any{r.CoordinateSource}, nil
	case models.FieldImages:
		return jsonValue(r.Images)
	case models.FieldFacilities:
		return jsonValue(r.Facilities)
	case models.FieldSchools:
		return jsonValue(r.Schools)
	case models.FieldPostedAt:
		return []any{d.timePtr(r.PostedAt)}, nil
	case models.FieldRenovatedAt:
		return []any{d.timePtr(r.RenovatedAt)}, nil
	case models.FieldBuiltAt:
		return []any{d.timePtr(r.BuiltAt)}, nil
	case models.FieldStatus:
		return []any{string(r.Status)}, nil
	case models.FieldUpdatedAt:
		return []any{d.time(r.UpdatedAt)}, nil
	case models.FieldContentHash:
		return []any{r.ContentHash}, nil
	}
	return nil, fmt.Errorf("no column for field %q", field)
}

func jsonValue(v any) ([]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		b = []byte("[]")
	}
	return []any{string(b)}, nil
}

// insertStatement builds the INSERT for a whole record.
func insertStatement(r *models.ListingRecord, d dialect) (string, []any, error) {
	cols := []string{"id"}
	args := []any{r.ID}
	for _, fc := range fieldColumns {
		vals, err := valuesOf(r, fc.field, d)
		if err != nil {
			return "", nil, err
		}
		cols = append(cols, fc.cols...)
		args = append(args, vals...)
	}
	cols = append(cols, "removed_at", "created_at")
	args = append(args, d.timePtr(r.RemovedAt), d.time(r.CreatedAt))

	binds := make([]string, len(args))
	for i := range binds {
		binds[i] = d.bind(i + 1)
	}
	q := fmt.Sprintf("INSERT INTO listings (%s) VALUES (%s)", strings.Join(cols, ", "), strings.Join(binds, ", "))
	return q, args, nil
}

// updateStatement builds an UPDATE touching only the delta's columns.
func updateStatement(id string, delta models.Fields, d dialect) (string, []any, error) {
	var scratch models.ListingRecord
	if err := scratch.Apply(delta); err != nil {
		return "", nil, err
	}

	var sets []string
	var args []any
	for _, name := range delta.Names() {
		cols, ok := columnsOf(name)
		if !ok {
			return "", nil, fmt.Errorf("no column for field %q", name)
		}
		vals, err := valuesOf(&scratch, name, d)
		if err != nil {
			return "", nil, err
		}
		for i, c := range cols {
			args = append(args, vals[i])
			sets = append(sets, c+" = "+d.bind(len(args)))
		}
	}
	if len(sets) == 0 {
		return "", nil, nil
	}
	args = append(args, id)
	q := fmt.Sprintf("UPDATE listings SET %s WHERE id = %s", strings.Join(sets, ", "), d.bind(len(args)))
	return q, args, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// nullTime scans timestamps from either driver: time.Time from Postgres,
// RFC 3339 text from SQLite.
type nullTime struct {
	T *time.Time
}

func (n *nullTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		n.T = nil
		return nil
	case time.Time:
		t := v.UTC()
		n.T = &t
		return nil
	case string:
		return n.parse(v)
	case []byte:
		return n.parse(string(v))
	}
	return fmt.Errorf("cannot scan %T into a timestamp", src)
}

func (n *nullTime) parse(s string) error {
	if s == "" {
		n.T = nil
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	t = t.UTC()
	n.T = &t
	return nil
}

func (n nullTime) value() time.Time {
	if n.T == nil {
		return time.Time{}
	}
	return *n.T
}

func scanListing(row rowScanner) (*models.ListingRecord, error) {
	var r models.ListingRecord
	var tags, images, facilities, schools, status string
	var lat, lng *float64
	var posted, renovated, built, removed, created, updated nullTime
	err := row.Scan(&r.ID, &r.SourceURL, &r.Address, &r.AddressTranslated, &r.Price, &r.FloorPlan,
		&r.BuildArea, &r.LandArea, &tags, &r.IsSold, &r.Description, &lat, &lng, &r.CoordinateSource,
		&images, &facilities, &schools, &posted, &renovated, &built, &status,
		&removed, &created, &updated, &r.ContentHash)
	if err != nil {
		return nil, err
	}

	if lat != nil && lng != nil {
		r.Coordinates = &models.Coordinates{Lat: *lat, Lng: *lng}
	}
	r.Status = models.ListingStatus(status)
	r.PostedAt, r.RenovatedAt, r.BuiltAt = posted.T, renovated.T, built.T
	r.RemovedAt = removed.T
	r.CreatedAt, r.UpdatedAt = created.value(), updated.value()

	if err := decodeList(tags, &r.Tags); err != nil {
		return nil, fmt.Errorf("listing %s tags: %w", r.ID, err)
	}
	if err := decodeList(images, &r.Images); err != nil {
		return nil, fmt.Errorf("listing %s images: %w", r.ID, err)
	}
	if err := decodeList(facilities, &r.Facilities); err != nil {
		return nil, fmt.Errorf("listing %s facilities: %w", r.ID, err)
	}
	if err := decodeList(schools, &r.Schools); err != nil {
		return nil, fmt.Errorf("listing %s schools: %w", r.ID, err)
	}
	return &r, nil
}

// decodeList leaves dst nil for empty lists so stored and fresh records serialize alike.
func decodeList[T any](raw string, dst *[]T) error {
	if raw == "" || raw == "null" || raw == "[]" {
		*dst = nil
		return nil
	}
	var out []T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return err
	}
	if len(out) == 0 {
		out = nil
	}
	*dst = out
	return nil
}

func scanFailedJob(row rowScanner) (models.FailedJobRecord, error) {
	var (
		rec      models.FailedJobRecord
		kind     string
		failedAt nullTime
	)
	if err := row.Scan(&rec.ID, &rec.JobID, &kind, &rec.URL, &rec.ListingID, &rec.Reason,
		&rec.Attempts, &rec.RetryCount, &failedAt); err != nil {
		return rec, err
	}
	rec.Kind = models.JobKind(kind)
	rec.FailedAt = failedAt.value()
	return rec, nil
}

func listQuery(f ListFilter, d dialect) (string, []any) {
	q := selectListing
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		q += " WHERE status = " + d.bind(len(args))
	}
	q += " ORDER BY id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += " LIMIT " + d.bind(len(args))
		if f.Offset > 0 {
			args = append(args, f.Offset)
			q += " OFFSET " + d.bind(len(args))
		}
	}
	return q, args
}
