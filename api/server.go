package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"property-sync/failures"
	"property-sync/models"
	"property-sync/services"
	"property-sync/storage"
	"property-sync/utils"
)

// Service is the pipeline surface the HTTP API exposes.
type Service interface {
	StartScrape(ctx context.Context, targetURL string) (services.ScrapeTicket, error)
	RetryFailedJobs(ctx context.Context, ids []string) (failures.RetryResult, error)
	GetStatus(ctx context.Context) (services.Status, error)
	ListFailed(ctx context.Context) ([]failures.View, error)
	ClearFailed(ctx context.Context) (int, error)
	GetListing(ctx context.Context, id string) (*models.ListingRecord, error)
	ListListings(ctx context.Context, f storage.ListFilter) ([]models.ListingRecord, error)
	ListingHistory(ctx context.Context, id string) ([]models.SnapshotMeta, error)
}

// Server is the HTTP trigger and read API.
type Server struct {
	svc    Service
	router *mux.Router
	server *http.Server
}

func NewServer(svc Service, addr string) *Server {
	s := &Server{svc: svc, router: mux.NewRouter()}
	s.routes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/scrape", s.handleScrape).Methods(http.MethodPost)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/failed", s.handleListFailed).Methods(http.MethodGet)
	s.router.HandleFunc("/failed", s.handleClearFailed).Methods(http.MethodDelete)
	s.router.HandleFunc("/failed/retry", s.handleRetryFailed).Methods(http.MethodPost)
	s.router.HandleFunc("/listings", s.handleListListings).Methods(http.MethodGet)
	s.router.HandleFunc("/listings/{id}", s.handleGetListing).Methods(http.MethodGet)
	s.router.HandleFunc("/listings/{id}/snapshots", s.handleSnapshots).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

type scrapeRequest struct {
	URL string `json:"url"`
}

type retryRequest struct {
	IDs []string `json:"ids"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// decodeBody accepts an empty body as the zero request.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	ticket, err := s.svc.StartScrape(r.Context(), req.URL)
	if err != nil {
		s.fail(w, "start scrape", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, ticket)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.GetStatus(r.Context())
	if err != nil {
		s.fail(w, "status", err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListFailed(w http.ResponseWriter, r *http.Request) {
	views, err := s.svc.ListFailed(r.Context())
	if err != nil {
		s.fail(w, "list failed", err)
		return
	}
	if views == nil {
		views = []failures.View{}
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := s.svc.RetryFailedJobs(r.Context(), req.IDs)
	if err != nil {
		s.fail(w, "retry failed", err)
		return
	}
	if res.JobIDs == nil {
		res.JobIDs = []string{}
	}
	s.writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleClearFailed(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.ClearFailed(r.Context())
	if err != nil {
		s.fail(w, "clear failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (s *Server) handleListListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.ListFilter{Status: models.ListingStatus(q.Get("status"))}
	var err error
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}
	if v := q.Get("offset"); v != "" {
		if f.Offset, err = strconv.Atoi(v); err != nil || f.Offset < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
	}

	listings, err := s.svc.ListListings(r.Context(), f)
	if err != nil {
		s.fail(w, "list listings", err)
		return
	}
	if listings == nil {
		listings = []models.ListingRecord{}
	}
	s.writeJSON(w, http.StatusOK, listings)
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.GetListing(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, "get listing", err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	hist, err := s.svc.ListingHistory(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, "listing history", err)
		return
	}
	if hist == nil {
		hist = []models.SnapshotMeta{}
	}
	s.writeJSON(w, http.StatusOK, hist)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// fail maps pipeline errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not found")
	case utils.KindOf(err) == utils.KindValidation:
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		utils.L().Error("api request failed", zap.String("op", op), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// ListenAndServe blocks until the server stops. A clean shutdown returns nil.
func (s *Server) ListenAndServe() error {
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Addr() string {
	return s.server.Addr
}
