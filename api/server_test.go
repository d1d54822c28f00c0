package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"property-sync/failures"
	"property-sync/models"
	"property-sync/services"
	"property-sync/storage"
	"property-sync/utils"
)

type fakeService struct {
	scrapeURL string
	retryIDs  []string
	failed    []failures.View
	listings  map[string]*models.ListingRecord
	filter    storage.ListFilter
	cleared   int
	broken    bool
}

func (f *fakeService) StartScrape(ctx context.Context, url string) (services.ScrapeTicket, error) {
	if url == "" {
		return services.ScrapeTicket{}, utils.NewValidationError("start scrape", "no target url")
	}
	f.scrapeURL = url
	return services.ScrapeTicket{JobID: "job-1", Status: models.JobWaiting}, nil
}

func (f *fakeService) RetryFailedJobs(ctx context.Context, ids []string) (failures.RetryResult, error) {
	f.retryIDs = ids
	return failures.RetryResult{Queued: len(ids), JobIDs: ids}, nil
}

func (f *fakeService) GetStatus(ctx context.Context) (services.Status, error) {
	if f.broken {
		return services.Status{}, errors.New("db down")
	}
	return services.Status{Active: 1, Waiting: 2, QueueState: "busy"}, nil
}

func (f *fakeService) ListFailed(ctx context.Context) ([]failures.View, error) {
	return f.failed, nil
}

func (f *fakeService) ClearFailed(ctx context.Context) (int, error) {
	n := len(f.failed)
	f.failed = nil
	f.cleared += n
	return n, nil
}

func (f *fakeService) GetListing(ctx context.Context, id string) (*models.ListingRecord, error) {
	rec, ok := f.listings[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec, nil
}

func (f *fakeService) ListListings(ctx context.Context, filter storage.ListFilter) ([]models.ListingRecord, error) {
	f.filter = filter
	var out []models.ListingRecord
	for _, r := range f.listings {
		out = append(out, *r)
	}
	return out, nil
}

func (f *fakeService) ListingHistory(ctx context.Context, id string) ([]models.SnapshotMeta, error) {
	if _, ok := f.listings[id]; !ok {
		return nil, storage.ErrNotFound
	}
	return []models.SnapshotMeta{{ListingID: id, Hash: "abc"}}, nil
}

func setupTestServer() (*Server, *fakeService) {
	svc := &fakeService{
		failed: []failures.View{{ID: "f1", URL: "https://example.com/bukken/1/", FailedAt: "2024-05-01T00:00:00Z", Reason: "timeout", RetryCount: 3}},
		listings: map[string]*models.ListingRecord{
			"1001": {ID: "1001", Address: "東京都港区", Price: 1000, IsSold: true, Status: models.StatusActive, UpdatedAt: time.Now()},
		},
	}
	return NewServer(svc, ":0"), svc
}

func do(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestServer_Scrape(t *testing.T) {
	srv, svc := setupTestServer()

	rec := do(srv, http.MethodPost, "/scrape", `{"url":"https://example.com/search"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
	var ticket services.ScrapeTicket
	if err := json.NewDecoder(rec.Body).Decode(&ticket); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if ticket.JobID != "job-1" || svc.scrapeURL != "https://example.com/search" {
		t.Errorf("ticket = %+v url = %q", ticket, svc.scrapeURL)
	}
}

func TestServer_Scrape_Errors(t *testing.T) {
	srv, _ := setupTestServer()

	if rec := do(srv, http.MethodPost, "/scrape", `{bad`); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid JSON status = %d", rec.Code)
	}
	// empty body falls back to the service default, which the fake rejects
	if rec := do(srv, http.MethodPost, "/scrape", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing url status = %d", rec.Code)
	}
	if rec := do(srv, http.MethodGet, "/scrape", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /scrape status = %d", rec.Code)
	}
}

func TestServer_Status(t *testing.T) {
	srv, svc := setupTestServer()

	rec := do(srv, http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var st services.Status
	json.NewDecoder(rec.Body).Decode(&st)
	if st.Waiting != 2 || st.QueueState != "busy" {
		t.Errorf("status body = %+v", st)
	}

	svc.broken = true
	if rec := do(srv, http.MethodGet, "/status", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("broken status = %d", rec.Code)
	}
}

func TestServer_FailedJobs(t *testing.T) {
	srv, svc := setupTestServer()

	rec := do(srv, http.MethodGet, "/failed", "")
	var views []failures.View
	json.NewDecoder(rec.Body).Decode(&views)
	if len(views) != 1 || views[0].RetryCount != 3 || views[0].FailedAt != "2024-05-01T00:00:00Z" {
		t.Errorf("failed = %+v", views)
	}

	rec = do(srv, http.MethodPost, "/failed/retry", `{"ids":["f1","f2"]}`)
	if rec.Code != http.StatusAccepted || len(svc.retryIDs) != 2 {
		t.Errorf("retry status = %d ids = %v", rec.Code, svc.retryIDs)
	}

	rec = do(srv, http.MethodPost, "/failed/retry", "")
	var res failures.RetryResult
	json.NewDecoder(rec.Body).Decode(&res)
	if svc.retryIDs != nil || res.JobIDs == nil {
		t.Errorf("retry all: ids = %v result = %+v", svc.retryIDs, res)
	}

	rec = do(srv, http.MethodDelete, "/failed", "")
	if rec.Code != http.StatusOK || svc.cleared != 1 {
		t.Errorf("clear status = %d cleared = %d", rec.Code, svc.cleared)
	}

	rec = do(srv, http.MethodGet, "/failed", "")
	if body := rec.Body.String(); body != "[]\n" {
		t.Errorf("empty registry body = %q", body)
	}
}

func TestServer_Listings(t *testing.T) {
	srv, svc := setupTestServer()

	rec := do(srv, http.MethodGet, "/listings/1001", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got models.ListingRecord
	json.NewDecoder(rec.Body).Decode(&got)
	if got.ID != "1001" || !got.IsSold {
		t.Errorf("listing = %+v", got)
	}

	if rec := do(srv, http.MethodGet, "/listings/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown listing status = %d", rec.Code)
	}

	rec = do(srv, http.MethodGet, "/listings/1001/snapshots", "")
	var hist []models.SnapshotMeta
	json.NewDecoder(rec.Body).Decode(&hist)
	if rec.Code != http.StatusOK || len(hist) != 1 {
		t.Errorf("snapshots status = %d body = %+v", rec.Code, hist)
	}

	rec = do(srv, http.MethodGet, "/listings?status=active&limit=5&offset=10", "")
	if rec.Code != http.StatusOK || svc.filter.Limit != 5 || svc.filter.Offset != 10 || svc.filter.Status != models.StatusActive {
		t.Errorf("list status = %d filter = %+v", rec.Code, svc.filter)
	}
	if rec := do(srv, http.MethodGet, "/listings?limit=x", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec.Code)
	}
}

func TestServer_HealthAndMetrics(t *testing.T) {
	srv, _ := setupTestServer()

	if rec := do(srv, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
	if rec := do(srv, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d", rec.Code)
	}
}
