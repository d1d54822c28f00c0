package models

import "time"

type SnapshotMeta struct {
	BackupTimestamp time.Time `json:"backupTimestamp"`
	ListingID       string    `json:"listingId"`
	Hash            string    `json:"hash"`
}

// Snapshot is one stored backup of a listing. Record holds the listing as it
// was serialized, Path the file it was read from.
type Snapshot struct {
	Meta   SnapshotMeta   `json:"_meta"`
	Record map[string]any `json:"-"`
	Path   string         `json:"-"`
}
