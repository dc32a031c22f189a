package sharedpool

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/r3e-network/qkd-kme/internal/keygen"
)

// fileSnapshot implements Snapshotter as a JSON document written via a
// temp-file-and-rename sequence, per spec.md §4.H: the write never leaves a
// half-written snapshot on disk for a concurrent reader (or a crash) to see.
type fileSnapshot struct {
	path string
}

// NewFileSnapshot returns a Snapshotter that persists to path.
func NewFileSnapshot(path string) Snapshotter {
	return &fileSnapshot{path: path}
}

type snapshotDoc struct {
	Keys           []keygen.KeyRecord `json:"keys"`
	TotalGenerated int64              `json:"total_generated"`
	TotalRetrieved int64              `json:"total_retrieved"`
}

// Save writes the pool's available-queue contents and running counters to
// disk. It writes to a sibling temp file first and renames over the target,
// so a reader (or the process itself, on restart) never observes a partial
// write.
func (f *fileSnapshot) Save(keys []keygen.KeyRecord, totalGenerated, totalRetrieved int64) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	doc := snapshotDoc{Keys: keys, TotalGenerated: totalGenerated, TotalRetrieved: totalRetrieved}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".shared_pool-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, f.path)
}

// Load reads a previously-saved snapshot. A missing file is not an error:
// it simply means there is nothing to restore yet.
func Load(path string) (keys []keygen.KeyRecord, totalGenerated, totalRetrieved int64, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, 0, nil
		}
		return nil, 0, 0, err
	}

	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, 0, 0, err
	}
	return doc.Keys, doc.TotalGenerated, doc.TotalRetrieved, nil
}
