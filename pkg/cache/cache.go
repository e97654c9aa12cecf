package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/oops"
	bolt "go.etcd.io/bbolt"
	"k8s.io/utils/clock"

	"github.com/aquasecurity/pypi-audit/pkg/log"
	"github.com/aquasecurity/pypi-audit/pkg/metadata"
)

const (
	cacheFile = "responses.db"

	// SchemaVersion invalidates caches written by incompatible versions.
	SchemaVersion = 1

	// DefaultTTL bounds how long a cached provider response is served.
	DefaultTTL = 24 * time.Hour
)

// Entry is one cached provider response.
type Entry struct {
	StatusCode int       `json:"status_code"`
	Body       []byte    `json:"body"`
	StoredAt   time.Time `json:"stored_at"`
}

// Cache stores raw provider responses in BoltDB, bucketed per service.
// It is safe for concurrent use: transactions serialize writers, readers
// never observe a partially written entry, and racing writers for one key
// both leave a complete value behind (last write wins).
type Cache struct {
	db    *bolt.DB
	ttl   time.Duration
	clock clock.Clock
}

type Option func(*Cache)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(cc *Cache) {
		cc.clock = c
	}
}

// WithTTL overrides DefaultTTL. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(cc *Cache) {
		cc.ttl = ttl
	}
}

func Path(cacheDir string) string {
	return filepath.Join(cacheDir, cacheFile)
}

// Open opens (creating if needed) the response cache under cacheDir.
// A schema version mismatch discards the previous database.
func Open(cacheDir string, opts ...Option) (*Cache, error) {
	eb := oops.With("cache_dir", cacheDir)

	if err := os.MkdirAll(cacheDir, 0o700); err != nil {
		return nil, eb.Wrapf(err, "mkdir error")
	}

	client := metadata.NewClient(cacheDir)
	if meta, err := client.Get(); err == nil && meta.Version != SchemaVersion {
		log.Debug("Cache schema changed, resetting",
			log.Int("old", meta.Version), log.Int("new", SchemaVersion))
		if err := os.Remove(Path(cacheDir)); err != nil && !os.IsNotExist(err) {
			return nil, eb.Wrapf(err, "cache reset error")
		}
	}

	db, err := bolt.Open(Path(cacheDir), 0o600, nil)
	if err != nil {
		return nil, eb.Wrapf(err, "failed to open cache")
	}

	c := &Cache{
		db:    db,
		ttl:   DefaultTTL,
		clock: clock.RealClock{},
	}
	for _, opt := range opts {
		opt(c)
	}

	err = client.Update(metadata.Metadata{
		Version:   SchemaVersion,
		UpdatedAt: c.clock.Now().UTC(),
	})
	if err != nil {
		_ = db.Close()
		return nil, eb.Wrapf(err, "metadata update error")
	}
	return c, nil
}

func (c *Cache) Close() error {
	if err := c.db.Close(); err != nil {
		return oops.Wrapf(err, "failed to close cache")
	}
	return nil
}

// Key derives the cache key for one provider request.
func Key(method, url string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(url))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the entry for key unless it is absent, corrupt or older than
// the TTL. All three are plain misses: the cache is an optimization, never
// a source of failure.
func (c *Cache) Get(service, key string) (Entry, bool) {
	var (
		entry Entry
		found bool
	)
	err := c.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(service))
		if bkt == nil {
			return nil
		}
		v := bkt.Get([]byte(key))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &entry); err != nil {
			return oops.With("service", service).Wrapf(err, "json unmarshal error")
		}
		found = true
		return nil
	})
	if err != nil {
		log.Debug("Cache read failed", log.String("service", service), log.Err(err))
		return Entry{}, false
	}
	if !found {
		return Entry{}, false
	}
	if c.ttl > 0 && c.clock.Now().After(entry.StoredAt.Add(c.ttl)) {
		return Entry{}, false
	}
	return entry, true
}

// Put stores a response under service/key. StoredAt is stamped here so a
// write is always a complete, self-consistent value regardless of write
// ordering between racing workers.
func (c *Cache) Put(service, key string, statusCode int, body []byte) error {
	eb := oops.With("service", service)

	v, err := json.Marshal(Entry{
		StatusCode: statusCode,
		Body:       body,
		StoredAt:   c.clock.Now().UTC(),
	})
	if err != nil {
		return eb.Wrapf(err, "json marshal error")
	}

	err = c.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(service))
		if err != nil {
			return eb.Wrapf(err, "failed to create a bucket")
		}
		return bkt.Put([]byte(key), v)
	})
	if err != nil {
		return eb.Wrapf(err, "cache update error")
	}
	return nil
}

// Clear removes the cache database and its metadata file.
func Clear(cacheDir string) error {
	eb := oops.With("cache_dir", cacheDir)

	if err := os.Remove(Path(cacheDir)); err != nil && !os.IsNotExist(err) {
		return eb.Wrapf(err, "cache remove error")
	}
	if err := metadata.NewClient(cacheDir).Delete(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return eb.Wrapf(err, "metadata remove error")
	}
	return nil
}
