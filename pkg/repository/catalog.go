package repository

import (
	"fmt"
	"os"

	json "github.com/goccy/go-json"
	bolt "go.etcd.io/bbolt"

	"github.com/pgmoneta-go/pgmoneta/internal/perrors"
)

// bucketBackups/bucketWALSegments are the two bbolt buckets SPEC_FULL.md
// §C.1 names: a cache accelerating list-backup/retention/ancestor-chain
// lookups over the canonical flat-file layout. backup.info on disk always
// wins on disagreement; see Catalog.Rebuild.
var (
	bucketBackups     = []byte("backups")
	bucketWALSegments = []byte("wal_segments")
)

// WALSegmentInfo is one wal_segments catalog entry.
type WALSegmentInfo struct {
	Name        string
	Size        int64
	Compression string
}

// Catalog is the per-server bbolt-backed cache described in SPEC_FULL.md
// §C.1, grounded on the teacher's BoltStore (one bucket per entity kind,
// JSON-marshaled values, create-if-missing on open).
type Catalog struct {
	db *bolt.DB
}

// OpenCatalog opens (creating if absent) the catalog at layout.CatalogPath().
func OpenCatalog(layout Layout) (*Catalog, error) {
	if err := os.MkdirAll(layout.Root, 0755); err != nil {
		return nil, perrors.New(perrors.KindDiskSpace, "repository", err)
	}
	db, err := bolt.Open(layout.CatalogPath(), 0600, nil)
	if err != nil {
		return nil, perrors.New(perrors.KindDiskSpace, "repository", fmt.Errorf("open catalog: %w", err))
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketBackups, bucketWALSegments} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, perrors.New(perrors.KindDiskSpace, "repository", err)
	}

	return &Catalog{db: db}, nil
}

// Close closes the underlying bbolt handle.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// PutBackup upserts one backup's catalog entry.
func (c *Catalog) PutBackup(b *Backup) error {
	data, err := json.Marshal(b)
	if err != nil {
		return perrors.New(perrors.KindIntegrity, "repository", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBackups).Put([]byte(b.Label), data)
	})
}

// DeleteBackup removes one backup's catalog entry.
func (c *Catalog) DeleteBackup(label string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBackups).Delete([]byte(label))
	})
}

// GetBackup reads one backup's catalog entry, if present.
func (c *Catalog) GetBackup(label string) (*Backup, bool, error) {
	var b *Backup
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBackups).Get([]byte(label))
		if data == nil {
			return nil
		}
		b = &Backup{}
		return json.Unmarshal(data, b)
	})
	if err != nil {
		return nil, false, perrors.New(perrors.KindIntegrity, "repository", err)
	}
	return b, b != nil, nil
}

// ListBackups returns every cataloged backup, in no particular order (the
// caller sorts per §8 scenario S6).
func (c *Catalog) ListBackups() ([]*Backup, error) {
	var out []*Backup
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBackups).ForEach(func(k, v []byte) error {
			b := &Backup{}
			if err := json.Unmarshal(v, b); err != nil {
				return err
			}
			out = append(out, b)
			return nil
		})
	})
	if err != nil {
		return nil, perrors.New(perrors.KindIntegrity, "repository", err)
	}
	return out, nil
}

// PutWALSegment upserts one WAL segment's catalog entry.
func (c *Catalog) PutWALSegment(info WALSegmentInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return perrors.New(perrors.KindIntegrity, "repository", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWALSegments).Put([]byte(info.Name), data)
	})
}

// ListWALSegments returns every cataloged WAL segment.
func (c *Catalog) ListWALSegments() ([]WALSegmentInfo, error) {
	var out []WALSegmentInfo
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWALSegments).ForEach(func(k, v []byte) error {
			var info WALSegmentInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return err
			}
			out = append(out, info)
			return nil
		})
	})
	if err != nil {
		return nil, perrors.New(perrors.KindIntegrity, "repository", err)
	}
	return out, nil
}

// Rebuild discards every backups-bucket entry and repopulates it from the
// given backups (Repository.Rescan reads them from backup.info), since
// backup.info is always
// authoritative over the catalog (§C.1).
func (c *Catalog) Rebuild(backups []*Backup) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketBackups); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(bucketBackups)
		if err != nil {
			return err
		}
		for _, backup := range backups {
			data, err := json.Marshal(backup)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(backup.Label), data); err != nil {
				return err
			}
		}
		return nil
	})
}
