package rollback

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/Amicidal/sigmachad-sub017/pkg/errs"
	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

var (
	bucketPoints    = []byte("rollback_points")
	bucketSnapshots = []byte("snapshots")
)

// BoltPointStore implements PointStore on BoltDB. Snapshots are keyed
// by "<pointID>/<snapshotID>" so a point's snapshots form a contiguous
// key range and cascade deletes are a prefix scan.
type BoltPointStore struct {
	db *bolt.DB
}

// NewBoltPointStore opens (or creates) the rollback database in dataDir
func NewBoltPointStore(dataDir string) (*BoltPointStore, error) {
	dbPath := filepath.Join(dataDir, "rollback.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, errs.Wrap(errs.CodeUnavailable, "open rollback database", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketPoints, bucketSnapshots} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errs.Wrap(errs.CodeUnavailable, "create rollback buckets", err)
	}
	return &BoltPointStore{db: db}, nil
}

func (s *BoltPointStore) SavePoint(ctx context.Context, point types.RollbackPoint) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(point)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPoints).Put([]byte(point.ID), data)
	})
}

func (s *BoltPointStore) GetPoint(ctx context.Context, id string) (*types.RollbackPoint, error) {
	var point types.RollbackPoint
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPoints).Get([]byte(id))
		if data == nil {
			return errs.Newf(errs.CodeRollbackNotFound, "rollback point %s not found", id)
		}
		return json.Unmarshal(data, &point)
	})
	if err != nil {
		return nil, err
	}
	return &point, nil
}

func (s *BoltPointStore) ListPoints(ctx context.Context) ([]types.RollbackPoint, error) {
	var points []types.RollbackPoint
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPoints).ForEach(func(k, v []byte) error {
			var p types.RollbackPoint
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			points = append(points, p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(points, func(i, k int) bool { return points[i].Timestamp.Before(points[k].Timestamp) })
	return points, nil
}

// DeletePoint removes the point and every snapshot under it in one
// transaction.
func (s *BoltPointStore) DeletePoint(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		points := tx.Bucket(bucketPoints)
		if points.Get([]byte(id)) == nil {
			return errs.Newf(errs.CodeRollbackNotFound, "rollback point %s not found", id)
		}
		if err := points.Delete([]byte(id)); err != nil {
			return err
		}

		snaps := tx.Bucket(bucketSnapshots)
		c := snaps.Cursor()
		prefix := []byte(id + "/")
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if err := snaps.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltPointStore) SaveSnapshot(ctx context.Context, snap types.Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketPoints).Get([]byte(snap.RollbackPointID)) == nil {
			return errs.Newf(errs.CodeRollbackNotFound, "rollback point %s not found", snap.RollbackPointID)
		}
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		key := []byte(snap.RollbackPointID + "/" + snap.ID)
		return tx.Bucket(bucketSnapshots).Put(key, data)
	})
}

func (s *BoltPointStore) ListSnapshots(ctx context.Context, pointID string) ([]types.Snapshot, error) {
	var snaps []types.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSnapshots).Cursor()
		prefix := []byte(pointID + "/")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var snap types.Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}
			snaps = append(snaps, snap)
		}
		return nil
	})
	return snaps, err
}

func (s *BoltPointStore) Close() error {
	return s.db.Close()
}
