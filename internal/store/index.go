package store

import (
	"fmt"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"

	"github.com/NamanBalaji/blobxfer/internal/errors"
	"github.com/NamanBalaji/blobxfer/internal/logger"
	"github.com/NamanBalaji/blobxfer/pkg/blob"
	"github.com/NamanBalaji/blobxfer/pkg/wire"
)

const (
	blobsBucket    = "blobs"
	metadataBucket = "metadata"
	formatVersion  = 1

	formatKey = "format_version"
	nodeIDKey = "node_id"
)

// Record is the persisted form of a Ready entry.
type Record struct {
	Hash         blob.Hash `cbor:"1,keyasint"`
	Meta         blob.Meta `cbor:"2,keyasint"`
	Path         string    `cbor:"3,keyasint"`
	RegisteredAt int64     `cbor:"4,keyasint"` // unix nanoseconds
}

// Index persists the node identity and the Ready shares in a bbolt file.
type Index struct {
	db *bbolt.DB
}

// OpenIndex opens or creates the index at dbPath. A file written with another
// format version is reset: its shares are dropped and a new node id is generated.
func OpenIndex(dbPath string) (*Index, error) {
	options := &bbolt.Options{
		Timeout: 1 * time.Second,
	}

	db, err := bbolt.Open(dbPath, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	idx := &Index{
		db: db,
	}

	if err := idx.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return idx, nil
}

// initialize sets up buckets and the format version
func (x *Index) initialize() error {
	return x.db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}

		want := []byte(strconv.Itoa(formatVersion))

		if got := meta.Get([]byte(formatKey)); got != nil && string(got) != string(want) {
			logger.Warnf("Index format %s differs from %s, resetting", got, want)

			if err := tx.DeleteBucket([]byte(blobsBucket)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
				return fmt.Errorf("failed to reset blobs bucket: %w", err)
			}

			if err := meta.Delete([]byte(nodeIDKey)); err != nil {
				return fmt.Errorf("failed to reset node id: %w", err)
			}
		}

		if _, err := tx.CreateBucketIfNotExists([]byte(blobsBucket)); err != nil {
			return fmt.Errorf("failed to create blobs bucket: %w", err)
		}

		if err := meta.Put([]byte(formatKey), want); err != nil {
			return fmt.Errorf("failed to store format version: %w", err)
		}

		return nil
	})
}

// NodeID returns the persisted node id, generating one on first use.
func (x *Index) NodeID() (wire.NodeID, error) {
	var id wire.NodeID

	err := x.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(metadataBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", metadataBucket)
		}

		if b := bucket.Get([]byte(nodeIDKey)); len(b) == len(id) {
			copy(id[:], b)
			return nil
		}

		id = wire.NewNodeID()

		return bucket.Put([]byte(nodeIDKey), id[:])
	})

	return id, err
}

// Put saves or replaces a record.
func (x *Index) Put(rec Record) error {
	data, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	return x.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(blobsBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", blobsBucket)
		}

		return bucket.Put(rec.Hash[:], data)
	})
}

// Delete removes the record for h. Deleting a missing record is not an error.
func (x *Index) Delete(h blob.Hash) error {
	return x.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(blobsBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", blobsBucket)
		}

		return bucket.Delete(h[:])
	})
}

// All returns every record. Undecodable records are skipped and removed.
func (x *Index) All() ([]Record, error) {
	var (
		records []Record
		corrupt [][]byte
	)

	err := x.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(blobsBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", blobsBucket)
		}

		return bucket.ForEach(func(k, v []byte) error {
			var rec Record
			if err := cbor.Unmarshal(v, &rec); err != nil {
				logger.Errorf("load record %x error: %v", k, err)
				corrupt = append(corrupt, append([]byte(nil), k...))

				return nil
			}

			records = append(records, rec)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if len(corrupt) > 0 {
		err = x.db.Update(func(tx *bbolt.Tx) error {
			bucket := tx.Bucket([]byte(blobsBucket))
			for _, k := range corrupt {
				if err := bucket.Delete(k); err != nil {
					return err
				}
			}

			return nil
		})
	}

	return records, err
}

// Close closes the database
func (x *Index) Close() error {
	return x.db.Close()
}
