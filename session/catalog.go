package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/shaban/plughost/internal/env"
	"github.com/shaban/plughost/plugins"
)

// CacheDirEnv overrides the default cache directory.
const CacheDirEnv = "PLUGHOST_CACHE_DIR"

// ErrNotFound is returned for URIs the catalog does not know.
var ErrNotFound = errors.New("plugin not found")

// Entry is the quick index view of one plugin.
type Entry struct {
	URI    string
	Name   string
	Vendor string
	Path   string
}

// QuickDiff lists the URIs a Refresh added, removed or changed.
type QuickDiff struct{ Added, Removed, Changed []string }

// Empty reports whether the refresh found nothing new.
func (d QuickDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithCacheDir stores the index and validated descriptors under dir.
func WithCacheDir(dir string) Option { return func(c *Catalog) { c.cacheDir = dir } }

// WithLogger sets the catalog logger.
func WithLogger(log logr.Logger) Option { return func(c *Catalog) { c.log = log } }

// WithMetricsHook attaches a hook observing scans and loads.
func WithMetricsHook(h MetricsHook) Option { return func(c *Catalog) { c.hook = h } }

// WithConcurrency bounds the number of descriptor files parsed at once.
func WithConcurrency(n int) Option { return func(c *Catalog) { c.concurrency = n } }

// Catalog indexes the JSON plugin descriptors found under a directory.
type Catalog struct {
	dir         string
	cacheDir    string
	log         logr.Logger
	hook        MetricsHook
	concurrency int
	store       *cacheStore

	scanMu sync.Mutex // serializes Refresh

	idxMu sync.RWMutex
	idx   *indexFile

	inflightMu sync.Mutex
	inflight   map[string]*inflightCall
}

// NewCatalog opens the catalog for dir. The cached index is loaded from the
// cache directory, which defaults to $PLUGHOST_CACHE_DIR or the user cache
// directory; call Refresh to scan dir.
func NewCatalog(dir string, opts ...Option) (*Catalog, error) {
	c := &Catalog{
		dir:         dir,
		log:         logr.Discard(),
		hook:        NopHook{},
		concurrency: runtime.GOMAXPROCS(0),
		inflight:    make(map[string]*inflightCall),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cacheDir == "" {
		def := ""
		if base, err := os.UserCacheDir(); err == nil {
			def = filepath.Join(base, "plughost")
		}
		c.cacheDir = env.GetEnvString(CacheDirEnv, def, c.log)
		if c.cacheDir == "" {
			return nil, fmt.Errorf("no cache directory: set %s", CacheDirEnv)
		}
	}
	if c.concurrency <= 0 {
		c.concurrency = 1
	}
	store, err := newCacheStore(c.cacheDir)
	if err != nil {
		return nil, err
	}
	c.store = store
	idx, err := store.loadIndex()
	if err != nil {
		c.log.Info("Discarding unreadable catalog index", "error", err.Error())
		idx = emptyIndex()
	}
	c.idx = idx
	c.log.V(1).Info("Catalog opened", "dir", dir, "cache", c.cacheDir, "entries", len(idx.Entries))
	return c, nil
}

// Dir returns the scanned directory.
func (c *Catalog) Dir() string { return c.dir }

// ScanID returns the id of the scan that produced the current index, or ""
// before the first Refresh.
func (c *Catalog) ScanID() string {
	c.idxMu.RLock()
	defer c.idxMu.RUnlock()
	return c.idx.ScanID
}

// Entries returns the quick index sorted by URI.
func (c *Catalog) Entries() []Entry {
	c.idxMu.RLock()
	out := make([]Entry, 0, len(c.idx.Entries))
	for _, e := range c.idx.Entries {
		out = append(out, Entry{URI: e.URI, Name: e.Name, Vendor: e.Vendor, Path: e.Path})
	}
	c.idxMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// List loads every indexed descriptor. Descriptors that fail to load are
// left out and their errors combined.
func (c *Catalog) List(ctx context.Context) (plugins.Descriptors, error) {
	var (
		out  plugins.Descriptors
		errs error
	)
	for _, e := range c.Entries() {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		d, err := c.Get(ctx, e.URI)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		out = append(out, d)
	}
	return out, errs
}

// Find returns the loaded descriptors whose name contains pattern, from
// vendor when vendor is not empty.
func (c *Catalog) Find(ctx context.Context, pattern, vendor string) (plugins.Descriptors, error) {
	ds, err := c.List(ctx)
	ds = ds.ByName(pattern)
	if vendor != "" {
		ds = ds.ByVendor(vendor)
	}
	return ds, err
}

// Get returns the validated descriptor for uri. A cached copy is used while
// the descriptor file is unchanged; otherwise the file is read again.
// Concurrent calls for the same uri share one load.
func (c *Catalog) Get(ctx context.Context, uri string) (*plugins.Descriptor, error) {
	call, leader := c.joinInFlight(uri)
	if !leader {
		select {
		case <-call.done:
			return call.d, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call.d, call.err = c.load(uri)
	c.finishInFlight(uri)
	return call.d, call.err
}

func (c *Catalog) load(uri string) (*plugins.Descriptor, error) {
	c.idxMu.RLock()
	e, ok := c.idx.Entries[uri]
	c.idxMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}

	data, err := os.ReadFile(e.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor for %s: %w", uri, err)
	}
	sum := checksum(data)
	if sum == e.Checksum {
		if d, chk, err := c.store.readDetails(uri); err == nil && chk == sum {
			c.hook.OnCacheHit(uri)
			return d, nil
		}
	}
	c.hook.OnCacheMiss(uri)

	c.hook.OnLoadStart(uri)
	t0 := time.Now()
	d, err := plugins.LoadDescriptor(bytes.NewReader(data))
	if err == nil && d.URI != uri {
		err = fmt.Errorf("%s now describes %s", e.Path, d.URI)
	}
	if err != nil {
		c.hook.OnLoadDone(uri, time.Since(t0), false)
		return nil, fmt.Errorf("%s: %w", e.Path, err)
	}
	if err := c.store.writeDetails(d, sum); err != nil {
		c.log.Info("Failed to cache descriptor", "uri", uri, "error", err.Error())
	}
	if sum != e.Checksum {
		c.idxMu.Lock()
		e.Checksum, e.Name, e.Vendor, e.LastSeenAt = sum, d.Name, d.Vendor, time.Now()
		c.idx.Entries[uri] = e
		if err := c.store.saveIndex(c.idx); err != nil {
			c.log.Info("Failed to save catalog index", "error", err.Error())
		}
		c.idxMu.Unlock()
	}
	c.hook.OnLoadDone(uri, time.Since(t0), true)
	return d, nil
}

type scanned struct {
	path string
	sum  string
	d    *plugins.Descriptor
}

// Refresh rescans the directory, reconciles the index and returns what
// changed since the previous scan. Invalid descriptor files are logged and
// skipped; when two files declare the same URI the first path wins.
func (c *Catalog) Refresh(ctx context.Context) (QuickDiff, error) {
	c.scanMu.Lock()
	defer c.scanMu.Unlock()

	scanID := uuid.NewString()
	log := c.log.WithValues("scan", scanID)
	c.hook.OnScanStart(scanID)
	t0 := time.Now()

	paths, err := c.descriptorFiles()
	if err != nil {
		c.hook.OnScanDone(scanID, time.Since(t0), 0, 0)
		return QuickDiff{}, err
	}

	results := make([]*scanned, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				log.Info("Skipping unreadable descriptor", "path", path, "error", err.Error())
				return nil
			}
			d, err := plugins.LoadDescriptor(bytes.NewReader(data))
			if err != nil {
				log.Info("Skipping invalid descriptor", "path", path, "error", err.Error())
				return nil
			}
			results[i] = &scanned{path: path, sum: checksum(data), d: d}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.hook.OnScanDone(scanID, time.Since(t0), 0, 0)
		return QuickDiff{}, err
	}

	now := time.Now()
	next := &indexFile{Version: indexVersion, ScanID: scanID, Entries: map[string]indexEntry{}}
	found := make(map[string]*scanned)
	failed := 0
	for _, r := range results {
		if r == nil {
			failed++
			continue
		}
		if prev, dup := next.Entries[r.d.URI]; dup {
			log.Info("Duplicate plugin URI", "uri", r.d.URI, "kept", prev.Path, "ignored", r.path)
			continue
		}
		next.Entries[r.d.URI] = indexEntry{
			URI: r.d.URI, Path: r.path, Name: r.d.Name, Vendor: r.d.Vendor,
			Checksum: r.sum, LastSeenAt: now,
		}
		found[r.d.URI] = r
	}
	c.hook.OnScanDone(scanID, time.Since(t0), len(next.Entries), failed)

	c.idxMu.RLock()
	old := c.idx
	c.idxMu.RUnlock()
	diff := QuickDiff{}
	for uri, ov := range old.Entries {
		nv, ok := next.Entries[uri]
		if !ok {
			diff.Removed = append(diff.Removed, uri)
		} else if ov.Checksum != nv.Checksum || ov.Path != nv.Path {
			diff.Changed = append(diff.Changed, uri)
		}
	}
	for uri := range next.Entries {
		if _, ok := old.Entries[uri]; !ok {
			diff.Added = append(diff.Added, uri)
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Changed)

	var errs error
	for _, uri := range diff.Removed {
		errs = multierr.Append(errs, c.store.deleteDetails(uri))
	}
	for _, uri := range append(diff.Added, diff.Changed...) {
		r := found[uri]
		errs = multierr.Append(errs, c.store.writeDetails(r.d, r.sum))
	}
	errs = multierr.Append(errs, c.store.saveIndex(next))
	if errs != nil {
		log.Info("Catalog cache not fully written", "error", errs.Error())
	}

	c.idxMu.Lock()
	c.idx = next
	c.idxMu.Unlock()

	c.hook.OnRefreshDiff(len(diff.Added), len(diff.Removed), len(diff.Changed), time.Since(t0))
	log.V(1).Info("Catalog refreshed", "plugins", len(next.Entries), "skipped", failed,
		"added", len(diff.Added), "removed", len(diff.Removed), "changed", len(diff.Changed))
	return diff, nil
}

// descriptorFiles returns every .json file under the directory, sorted.
// Hidden directories and the cache directory are skipped.
func (c *Catalog) descriptorFiles() ([]string, error) {
	cache, _ := filepath.Abs(c.cacheDir)
	var paths []string
	err := filepath.WalkDir(c.dir, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() {
			if path != c.dir && strings.HasPrefix(de.Name(), ".") {
				return filepath.SkipDir
			}
			if abs, _ := filepath.Abs(path); abs == cache {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".json") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", c.dir, err)
	}
	sort.Strings(paths)
	return paths, nil
}

// inflightCall tracks waiting goroutines for Get of one uri.
type inflightCall struct {
	done chan struct{}
	d    *plugins.Descriptor
	err  error
}

// joinInFlight returns the running call for uri, or registers a new one and
// reports that the caller leads it.
func (c *Catalog) joinInFlight(uri string) (*inflightCall, bool) {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	if call, ok := c.inflight[uri]; ok {
		return call, false
	}
	call := &inflightCall{done: make(chan struct{})}
	c.inflight[uri] = call
	return call, true
}

// finishInFlight publishes the leader's result to waiters.
func (c *Catalog) finishInFlight(uri string) {
	c.inflightMu.Lock()
	call := c.inflight[uri]
	delete(c.inflight, uri)
	c.inflightMu.Unlock()
	close(call.done)
}
