package session

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shaban/plughost/plugins"
)

const (
	indexVersion   = "1.0-index"
	detailsVersion = "1.0-details"
)

type indexEntry struct {
	URI        string    `json:"uri"`
	Path       string    `json:"path"`
	Name       string    `json:"name"`
	Vendor     string    `json:"vendor,omitempty"`
	Checksum   string    `json:"checksum"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

type indexFile struct {
	Version   string                `json:"version"`
	ScanID    string                `json:"scanID,omitempty"`
	UpdatedAt time.Time             `json:"updatedAt"`
	Entries   map[string]indexEntry `json:"entries"`
}

type detailsFile struct {
	Version   string          `json:"version"`
	CheckedAt time.Time       `json:"checkedAt"`
	Checksum  string          `json:"checksum"`
	Plugin    json.RawMessage `json:"plugin"`
}

func emptyIndex() *indexFile {
	return &indexFile{Version: indexVersion, Entries: map[string]indexEntry{}}
}

func checksum(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// cacheStore persists the index and validated descriptors under dir.
type cacheStore struct {
	dir string
}

func newCacheStore(dir string) (*cacheStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "details"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &cacheStore{dir: dir}, nil
}

func (c *cacheStore) indexPath() string { return filepath.Join(c.dir, "index.json") }

func (c *cacheStore) detailsPath(uri string) string {
	sum := sha256.Sum256([]byte(uri))
	return filepath.Join(c.dir, "details", hex.EncodeToString(sum[:])+".json")
}

// loadIndex returns an empty index when none exists or the stored one has
// another version.
func (c *cacheStore) loadIndex() (*indexFile, error) {
	data, err := os.ReadFile(c.indexPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return emptyIndex(), nil
		}
		return nil, err
	}
	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("failed to decode catalog index: %w", err)
	}
	if idx.Version != indexVersion || idx.Entries == nil {
		return emptyIndex(), nil
	}
	return &idx, nil
}

func (c *cacheStore) saveIndex(idx *indexFile) error {
	idx.Version = indexVersion
	idx.UpdatedAt = time.Now()
	b, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	return writeAtomic(c.indexPath(), b)
}

// readDetails returns the cached descriptor for uri and the checksum of the
// file it was loaded from. The descriptor is validated again on the way out.
func (c *cacheStore) readDetails(uri string) (*plugins.Descriptor, string, error) {
	data, err := os.ReadFile(c.detailsPath(uri))
	if err != nil {
		return nil, "", err
	}
	var df detailsFile
	if err := json.Unmarshal(data, &df); err != nil {
		return nil, "", err
	}
	if df.Version != detailsVersion || len(df.Plugin) == 0 {
		return nil, "", fmt.Errorf("invalid details file for %s", uri)
	}
	d, err := plugins.LoadDescriptor(bytes.NewReader(df.Plugin))
	if err != nil {
		return nil, "", err
	}
	if d.URI != uri {
		return nil, "", fmt.Errorf("details file for %s holds %s", uri, d.URI)
	}
	return d, df.Checksum, nil
}

func (c *cacheStore) writeDetails(d *plugins.Descriptor, sum string) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	b, err := json.Marshal(detailsFile{Version: detailsVersion, CheckedAt: time.Now(), Checksum: sum, Plugin: raw})
	if err != nil {
		return err
	}
	return writeAtomic(c.detailsPath(d.URI), b)
}

// deleteDetails removes the cached descriptor for uri, if any.
func (c *cacheStore) deleteDetails(uri string) error {
	if err := os.Remove(c.detailsPath(uri)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func writeAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
