package services

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"property-sync/backup"
	"property-sync/merge"
	"property-sync/models"
	"property-sync/storage"
	"property-sync/utils"
)

// SnapshotStore is the versioned backup trail of listings.
type SnapshotStore interface {
	Snapshot(ctx context.Context, listingID string, rec *models.ListingRecord) (backup.Result, error)
	Latest(ctx context.Context, listingID string) (*models.Snapshot, error)
	History(ctx context.Context, listingID string) ([]models.SnapshotMeta, error)
}

// SyncResult tells what a sync did to the stored record.
type SyncResult struct {
	ListingID   string
	Inserted    bool
	Changed     []string
	Snapshotted bool
}

// Syncer merges extracted listings into the store and keeps the backup trail.
type Syncer struct {
	store   storage.ListingStore
	engine  *merge.Engine
	backups SnapshotStore
	now     func() time.Time
}

func NewSyncer(store storage.ListingStore, engine *merge.Engine, backups SnapshotStore) *Syncer {
	return &Syncer{store: store, engine: engine, backups: backups, now: time.Now}
}

func (s *Syncer) stamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Sync writes the extracted record through the merge engine. Only the changed
// fields are persisted; a new snapshot is taken when the content changed.
func (s *Syncer) Sync(ctx context.Context, extracted *models.ListingRecord) (SyncResult, error) {
	return s.SyncFields(ctx, extracted.ID, extracted.Fields())
}

// SyncFields is Sync for a partial observation: fields absent from incoming
// leave the stored values alone.
func (s *Syncer) SyncFields(ctx context.Context, id string, incoming models.Fields) (SyncResult, error) {
	res := SyncResult{ListingID: id}
	if id == "" {
		return res, utils.NewValidationError("sync", "listing has no id")
	}

	existing, err := s.store.GetListing(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		existing, err = nil, nil
	}
	if err != nil {
		return res, err
	}

	delta, err := s.engine.Merge(existing, incoming)
	if err != nil {
		return res, err
	}

	var current models.ListingRecord
	switch {
	case delta.Insert:
		now := s.stamp()
		current = models.ListingRecord{ID: id, Status: models.StatusActive, CreatedAt: now}
		if err := current.Apply(delta.Fields); err != nil {
			return res, utils.NewValidationError("sync", err.Error())
		}
		current.UpdatedAt = now
		if current.ContentHash, err = backup.CanonicalHash(&current); err != nil {
			return res, err
		}
		if err := s.store.InsertListing(ctx, &current); err != nil {
			return res, err
		}
		res.Inserted = true
		res.Changed = delta.Names()

	case delta.Changed():
		current = *existing
		if err := current.Apply(delta.Fields); err != nil {
			return res, utils.NewValidationError("sync", err.Error())
		}
		hash, err := backup.CanonicalHash(&current)
		if err != nil {
			return res, err
		}
		fields := models.Fields{}
		for k, v := range delta.Fields {
			fields[k] = v
		}
		now := s.stamp()
		fields[models.FieldUpdatedAt] = now
		current.UpdatedAt = now
		if hash != existing.ContentHash {
			fields[models.FieldContentHash] = hash
			current.ContentHash = hash
		}
		if err := s.store.UpdateListing(ctx, current.ID, fields); err != nil {
			return res, err
		}
		res.Changed = delta.Names()

	default:
		current = *existing
	}

	res.Snapshotted = s.snapshot(ctx, &current)
	utils.L().Info("listing synced",
		zap.String("listing_id", res.ListingID),
		zap.Bool("inserted", res.Inserted),
		zap.Strings("changed", res.Changed),
		zap.Bool("snapshot", res.Snapshotted))
	return res, nil
}

// MarkRemoved flags a stored listing as gone from the source. A listing that
// was never stored is left alone.
func (s *Syncer) MarkRemoved(ctx context.Context, id string) error {
	if err := s.store.MarkRemoved(ctx, id, s.stamp()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			utils.Info("Listing %s removed before it was ever stored", id)
			return nil
		}
		return err
	}
	utils.Warn("Listing %s marked removed", id)

	rec, err := s.store.GetListing(ctx, id)
	if err != nil {
		utils.L().Warn("reload removed listing", zap.String("listing_id", id), zap.Error(err))
		return nil
	}
	s.snapshot(ctx, rec)
	return nil
}

// snapshot failures are logged; the store already holds the data.
func (s *Syncer) snapshot(ctx context.Context, rec *models.ListingRecord) bool {
	if s.backups == nil {
		return false
	}
	r, err := s.backups.Snapshot(ctx, rec.ID, rec)
	if err != nil {
		utils.L().Error("snapshot failed", zap.String("listing_id", rec.ID), zap.Error(err))
		return false
	}
	return r.Written
}
