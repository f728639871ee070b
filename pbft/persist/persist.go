// Package persist snapshots and restores PBFT replica state against the
// node's existing storage.DB, so a restart resumes from its last known
// prepared/committed/stable evidence and view instead of replaying the
// network from genesis.
package persist

import (
	"encoding/json"
	"fmt"

	"github.com/tolelom/tolchain/pbft/quorum"
	"github.com/tolelom/tolchain/storage"
)

const (
	keyPpcm        = "pbft_ppcm.dat"
	keyCheckpoints = "pbft_checkpoints.dat"
	keyView        = "pbft_view.dat"
)

// ViewRecord is the persisted view/primary state a replica resumes from.
type ViewRecord struct {
	CurrentView uint64 `json:"current_view"`
}

// Store persists PBFT accumulator snapshots and view state to a
// storage.DB. Keys are namespaced with a "pbft_" prefix so they never
// collide with the chain's own block/state/tx records in the same
// database.
type Store struct {
	db storage.DB
}

// New wraps db as a PBFT Store.
func New(db storage.DB) *Store {
	return &Store{db: db}
}

// SavePpcm writes the QuorumAccumulator's full snapshot.
func (s *Store) SavePpcm(snaps []quorum.PpcmSnapshot) error {
	data, err := json.Marshal(snaps)
	if err != nil {
		return fmt.Errorf("marshal ppcm snapshot: %w", err)
	}
	return s.db.Set([]byte(keyPpcm), data)
}

// LoadPpcm reads a previously saved QuorumAccumulator snapshot and deletes
// it from disk, so a crash mid-run resumes from a clean slate rather than
// replaying the same snapshot again. A missing key is not an error — it
// just means there is nothing to resume from yet.
func (s *Store) LoadPpcm() ([]quorum.PpcmSnapshot, error) {
	data, err := s.db.Get([]byte(keyPpcm))
	if err != nil {
		return nil, nil
	}
	var snaps []quorum.PpcmSnapshot
	if err := json.Unmarshal(data, &snaps); err != nil {
		return nil, fmt.Errorf("unmarshal ppcm snapshot: %w", err)
	}
	if err := s.db.Delete([]byte(keyPpcm)); err != nil {
		return nil, fmt.Errorf("delete ppcm snapshot: %w", err)
	}
	return snaps, nil
}

// SaveCheckpoints writes the CheckpointAccumulator's full snapshot.
func (s *Store) SaveCheckpoints(snaps []quorum.CheckpointSnapshot) error {
	data, err := json.Marshal(snaps)
	if err != nil {
		return fmt.Errorf("marshal checkpoint snapshot: %w", err)
	}
	return s.db.Set([]byte(keyCheckpoints), data)
}

// LoadCheckpoints reads a previously saved CheckpointAccumulator snapshot
// and deletes it from disk on success, matching LoadPpcm's clean-start
// guarantee.
func (s *Store) LoadCheckpoints() ([]quorum.CheckpointSnapshot, error) {
	data, err := s.db.Get([]byte(keyCheckpoints))
	if err != nil {
		return nil, nil
	}
	var snaps []quorum.CheckpointSnapshot
	if err := json.Unmarshal(data, &snaps); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint snapshot: %w", err)
	}
	if err := s.db.Delete([]byte(keyCheckpoints)); err != nil {
		return nil, fmt.Errorf("delete checkpoint snapshot: %w", err)
	}
	return snaps, nil
}

// SaveView writes the replica's current view.
func (s *Store) SaveView(view uint64) error {
	data, err := json.Marshal(ViewRecord{CurrentView: view})
	if err != nil {
		return fmt.Errorf("marshal view record: %w", err)
	}
	return s.db.Set([]byte(keyView), data)
}

// LoadView reads the replica's last saved view, deleting it from disk on
// success, and defaults to 0 if none was ever saved.
func (s *Store) LoadView() (uint64, error) {
	data, err := s.db.Get([]byte(keyView))
	if err != nil {
		return 0, nil
	}
	var rec ViewRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return 0, fmt.Errorf("unmarshal view record: %w", err)
	}
	if err := s.db.Delete([]byte(keyView)); err != nil {
		return 0, fmt.Errorf("delete view record: %w", err)
	}
	return rec.CurrentView, nil
}
