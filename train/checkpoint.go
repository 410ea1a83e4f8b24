package train

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/boltdb/bolt"

	"finassist/ml"
)

var checkpointsBucket = []byte("checkpoints")

// CheckpointMeta identifies one parameter snapshot within a training run's
// lineage. Checkpoints for a (model id, version) pair form a strictly
// increasing sequence by epoch.
type CheckpointMeta struct {
	ModelID string    `json:"model_id"`
	Version string    `json:"version"`
	Epoch   int       `json:"epoch"`
	Loss    float64   `json:"loss"`
	SavedAt time.Time `json:"saved_at"`
}

// Checkpoint is the meta plus the parameter snapshot itself.
type Checkpoint struct {
	CheckpointMeta
	Params *ml.Snapshot
}

// checkpointRecord is the gob payload stored under the key; the key already
// carries model id, version and epoch.
type checkpointRecord struct {
	Loss    float64
	SavedAt time.Time
	Params  *ml.Snapshot
}

// CheckpointStore persists checkpoints in a bolt database. Writes are
// append-only and a (model id, version, epoch) key is written at most once;
// the single-running-job-per-model invariant means there is never a second
// writer for the same lineage.
type CheckpointStore struct {
	db *bolt.DB
}

// OpenCheckpointStore opens (or creates) the database file.
func OpenCheckpointStore(path string) (*CheckpointStore, error) {
	db, err := bolt.Open(path, 0666, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("train: open checkpoint db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(checkpointsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("train: create checkpoint bucket: %w", err)
	}
	return &CheckpointStore{db: db}, nil
}

func (s *CheckpointStore) Close() error {
	return s.db.Close()
}

// checkpointKey builds the bucket key. The epoch is big-endian so that a
// lexicographic cursor scan yields epochs in ascending numeric order.
func checkpointKey(modelID, version string, epoch int) []byte {
	key := make([]byte, 0, len(modelID)+len(version)+10)
	key = append(key, modelID...)
	key = append(key, 0)
	key = append(key, version...)
	key = append(key, 0)
	key = binary.BigEndian.AppendUint64(key, uint64(epoch))
	return key
}

func checkpointPrefix(modelID, version string) []byte {
	prefix := make([]byte, 0, len(modelID)+len(version)+2)
	prefix = append(prefix, modelID...)
	prefix = append(prefix, 0)
	prefix = append(prefix, version...)
	prefix = append(prefix, 0)
	return prefix
}

// Put writes a checkpoint. Writing an epoch that already exists for the
// lineage is an error: checkpoints are immutable once written.
func (s *CheckpointStore) Put(cp Checkpoint) error {
	var buf bytes.Buffer
	rec := checkpointRecord{Loss: cp.Loss, SavedAt: cp.SavedAt, Params: cp.Params}
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("train: encode checkpoint: %w", err)
	}

	key := checkpointKey(cp.ModelID, cp.Version, cp.Epoch)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(checkpointsBucket)
		if b.Get(key) != nil {
			return fmt.Errorf("train: checkpoint already exists for %s/%s epoch %d",
				cp.ModelID, cp.Version, cp.Epoch)
		}
		return b.Put(key, buf.Bytes())
	})
}

// List returns checkpoint metadata for a (model id, version) lineage in
// ascending epoch order.
func (s *CheckpointStore) List(modelID, version string) ([]CheckpointMeta, error) {
	prefix := checkpointPrefix(modelID, version)
	metas := make([]CheckpointMeta, 0)

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(checkpointsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			epoch := int(binary.BigEndian.Uint64(k[len(k)-8:]))

			var rec checkpointRecord
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&rec); err != nil {
				return fmt.Errorf("train: decode checkpoint %s/%s epoch %d: %w", modelID, version, epoch, err)
			}
			metas = append(metas, CheckpointMeta{
				ModelID: modelID,
				Version: version,
				Epoch:   epoch,
				Loss:    rec.Loss,
				SavedAt: rec.SavedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return metas, nil
}

// Load fetches one checkpoint with its parameter snapshot, suitable for
// serving predictions from that point or continuing training.
func (s *CheckpointStore) Load(modelID, version string, epoch int) (*Checkpoint, error) {
	key := checkpointKey(modelID, version, epoch)

	var rec checkpointRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(checkpointsBucket).Get(key)
		if v == nil {
			return fmt.Errorf("%w: checkpoint %s/%s epoch %d", ErrNotFound, modelID, version, epoch)
		}
		return gob.NewDecoder(bytes.NewReader(v)).Decode(&rec)
	})
	if err != nil {
		return nil, err
	}

	return &Checkpoint{
		CheckpointMeta: CheckpointMeta{
			ModelID: modelID,
			Version: version,
			Epoch:   epoch,
			Loss:    rec.Loss,
			SavedAt: rec.SavedAt,
		},
		Params: rec.Params,
	}, nil
}
