package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"property-sync/models"
	"property-sync/utils"
)

const (
	DefaultRetention = 10
	metaKey          = "_meta"
	stripes          = 64
)

// Result describes one Snapshot call.
type Result struct {
	Hash    string
	Written bool
	Path    string
}

// FileStore keeps JSON snapshots under <dir>/<listingId>/, one file per version.
// File names start with a zero-padded sequence number so lexical order is
// version order.
type FileStore struct {
	dir       string
	retention int
	locks     [stripes]sync.Mutex
	now       func() time.Time
}

func NewFileStore(dir string, retention int) (*FileStore, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	return &FileStore{dir: dir, retention: retention, now: time.Now}, nil
}

func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) lock(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &s.locks[h.Sum32()%stripes]
}

func (s *FileStore) listingDir(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", utils.NewValidationError("snapshot", fmt.Sprintf("invalid listing id %q", id))
	}
	return filepath.Join(s.dir, id), nil
}

// Snapshot stores rec unless its content hash equals the latest snapshot's.
func (s *FileStore) Snapshot(ctx context.Context, listingID string, rec *models.ListingRecord) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	dir, err := s.listingDir(listingID)
	if err != nil {
		return Result{}, err
	}

	record, err := recordMap(rec)
	if err != nil {
		return Result{}, err
	}
	hash, err := hashMap(record)
	if err != nil {
		return Result{}, err
	}

	mu := s.lock(listingID)
	mu.Lock()
	defer mu.Unlock()

	files, err := s.files(dir)
	if err != nil {
		return Result{}, err
	}
	if n := len(files); n > 0 {
		latest, err := readSnapshot(filepath.Join(dir, files[n-1]))
		if err != nil {
			utils.L().Warn("unreadable latest snapshot, writing a new one",
				zap.String("listing_id", listingID), zap.Error(err))
		} else if latest.Meta.Hash == hash {
			snapshotsTotal.WithLabelValues("deduplicated").Inc()
			return Result{Hash: hash, Path: latest.Path}, nil
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create snapshot dir: %w", err)
	}

	now := s.now().UTC()
	record[metaKey] = models.SnapshotMeta{BackupTimestamp: now, ListingID: listingID, Hash: hash}
	body, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return Result{}, fmt.Errorf("encode snapshot: %w", err)
	}

	name := fmt.Sprintf("%010d_%s_%s.json", nextSeq(files), now.Format("20060102T150405Z"), hash[:16])
	path := filepath.Join(dir, name)
	if err := writeAtomic(dir, path, body); err != nil {
		return Result{}, err
	}
	snapshotsTotal.WithLabelValues("written").Inc()

	s.prune(dir, append(files, name))
	return Result{Hash: hash, Written: true, Path: path}, nil
}

// Latest returns the newest snapshot of a listing, or nil when there is none.
func (s *FileStore) Latest(ctx context.Context, listingID string) (*models.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.listingDir(listingID)
	if err != nil {
		return nil, err
	}
	files, err := s.files(dir)
	if err != nil || len(files) == 0 {
		return nil, err
	}
	return readSnapshot(filepath.Join(dir, files[len(files)-1]))
}

// History returns the metadata of every stored snapshot, newest first.
func (s *FileStore) History(ctx context.Context, listingID string) ([]models.SnapshotMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.listingDir(listingID)
	if err != nil {
		return nil, err
	}
	files, err := s.files(dir)
	if err != nil {
		return nil, err
	}
	out := make([]models.SnapshotMeta, 0, len(files))
	for i := len(files) - 1; i >= 0; i-- {
		snap, err := readSnapshot(filepath.Join(dir, files[i]))
		if err != nil {
			return nil, err
		}
		out = append(out, snap.Meta)
	}
	return out, nil
}

// files lists snapshot file names in version order.
func (s *FileStore) files(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *FileStore) prune(dir string, files []string) {
	for len(files) > s.retention {
		if err := os.Remove(filepath.Join(dir, files[0])); err != nil && !os.IsNotExist(err) {
			utils.L().Warn("prune snapshot", zap.String("file", files[0]), zap.Error(err))
			return
		}
		snapshotsPruned.Inc()
		files = files[1:]
	}
}

func nextSeq(files []string) int {
	if len(files) == 0 {
		return 1
	}
	last := files[len(files)-1]
	if i := strings.IndexByte(last, '_'); i > 0 {
		if n, err := strconv.Atoi(last[:i]); err == nil {
			return n + 1
		}
	}
	return len(files) + 1
}

func writeAtomic(dir, path string, body []byte) error {
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

func readSnapshot(path string) (*models.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", filepath.Base(path), err)
	}

	snap := &models.Snapshot{Path: path, Record: make(map[string]any, len(doc))}
	if raw, ok := doc[metaKey]; ok {
		if err := json.Unmarshal(raw, &snap.Meta); err != nil {
			return nil, fmt.Errorf("decode snapshot meta %s: %w", filepath.Base(path), err)
		}
		delete(doc, metaKey)
	}
	for k, raw := range doc {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode snapshot field %s: %w", k, err)
		}
		snap.Record[k] = v
	}
	return snap, nil
}
