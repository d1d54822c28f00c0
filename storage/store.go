package storage

import (
	"context"
	"errors"
	"time"

	"property-sync/models"
)

var ErrNotFound = errors.New("not found")

// ListingStore persists listing records. Updates are row-level and keyed by id.
type ListingStore interface {
	GetListing(ctx context.Context, id string) (*models.ListingRecord, error)
	InsertListing(ctx context.Context, rec *models.ListingRecord) error
	UpdateListing(ctx context.Context, id string, delta models.Fields) error
	MarkRemoved(ctx context.Context, id string, at time.Time) error
	ListListings(ctx context.Context, filter ListFilter) ([]models.ListingRecord, error)
}

// FailedJobStore is the durable side of the failure registry.
type FailedJobStore interface {
	SaveFailedJob(ctx context.Context, rec models.FailedJobRecord) error
	ListFailedJobs(ctx context.Context) ([]models.FailedJobRecord, error)
	DeleteFailedJob(ctx context.Context, id string) error
	ClearFailedJobs(ctx context.Context) (int, error)
}

type Store interface {
	ListingStore
	FailedJobStore
	EnsureSchema(ctx context.Context) error
	Close() error
}

type ListFilter struct {
	Status models.ListingStatus
	Limit  int
	Offset int
}
