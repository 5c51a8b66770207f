package repositories

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lumidev/lumidev/internal/database"
	"github.com/lumidev/lumidev/pkg/models"
	bolt "go.etcd.io/bbolt"
)

// MetaKeyLastStamp holds the stamp of the latest successful build
const MetaKeyLastStamp = "last_stamp"

// BuildRepository persists the build history. Keys sort by start time so the
// newest record is last.
type BuildRepository struct {
	db    *database.Manager
	limit int
}

// NewBuildRepository creates a repository keeping at most limit records; 0
// keeps everything
func NewBuildRepository(db *database.Manager, limit int) *BuildRepository {
	return &BuildRepository{db: db, limit: limit}
}

func buildKey(record *models.BuildRecord) []byte {
	key := make([]byte, 8, 8+len(record.ID))
	binary.BigEndian.PutUint64(key, uint64(record.StartedAt.UnixNano()))
	return append(key, record.ID...)
}

// RecordBuild stores record, advances the last stamp on success and prunes
// the oldest records beyond the limit
func (r *BuildRepository) RecordBuild(record *models.BuildRecord) error {
	if record == nil || record.ID == "" {
		return errors.New("build record requires an id")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal build record: %w", err)
	}

	return r.db.Transaction(true, func(tx *bolt.Tx) error {
		builds := tx.Bucket([]byte(database.BucketBuilds))
		if builds == nil {
			return fmt.Errorf("bucket %s not found", database.BucketBuilds)
		}
		if err := builds.Put(buildKey(record), data); err != nil {
			return err
		}

		if record.Succeeded() && record.Stamp > 0 {
			meta := tx.Bucket([]byte(database.BucketMeta))
			if meta == nil {
				return fmt.Errorf("bucket %s not found", database.BucketMeta)
			}
			if record.Stamp > decodeStamp(meta.Get([]byte(MetaKeyLastStamp))) {
				buf := make([]byte, 8)
				binary.BigEndian.PutUint64(buf, uint64(record.Stamp))
				if err := meta.Put([]byte(MetaKeyLastStamp), buf); err != nil {
					return err
				}
			}
		}

		return r.prune(builds)
	})
}

func (r *BuildRepository) prune(builds *bolt.Bucket) error {
	if r.limit <= 0 {
		return nil
	}
	excess := builds.Stats().KeyN - r.limit
	if excess <= 0 {
		return nil
	}

	var stale [][]byte
	c := builds.Cursor()
	for k, _ := c.First(); k != nil && len(stale) < excess; k, _ = c.Next() {
		stale = append(stale, append([]byte(nil), k...))
	}
	for _, k := range stale {
		if err := builds.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Recent returns up to limit records, newest first
func (r *BuildRepository) Recent(limit int) ([]*models.BuildRecord, error) {
	var records []*models.BuildRecord

	err := r.db.Transaction(false, func(tx *bolt.Tx) error {
		builds := tx.Bucket([]byte(database.BucketBuilds))
		if builds == nil {
			return nil
		}

		c := builds.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(records) >= limit {
				break
			}
			var record models.BuildRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("failed to unmarshal build record: %w", err)
			}
			records = append(records, &record)
		}
		return nil
	})

	return records, err
}

// LastStamp returns the stamp of the latest successful build ever recorded,
// 0 when there is none
func (r *BuildRepository) LastStamp() (int64, error) {
	var stamp int64
	err := r.db.Transaction(false, func(tx *bolt.Tx) error {
		if meta := tx.Bucket([]byte(database.BucketMeta)); meta != nil {
			stamp = decodeStamp(meta.Get([]byte(MetaKeyLastStamp)))
		}
		return nil
	})
	return stamp, err
}

// Count returns the number of stored records
func (r *BuildRepository) Count() (int, error) {
	return r.db.Count(database.BucketBuilds)
}

// Clear removes all records and the last stamp
func (r *BuildRepository) Clear() error {
	if err := r.db.Clear(database.BucketBuilds); err != nil {
		return err
	}
	return r.db.Clear(database.BucketMeta)
}

func decodeStamp(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
