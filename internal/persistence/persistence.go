// Package persistence implements the on-disk chain snapshot of spec.md
// §6: one JSON file per node, rewritten after every head change using a
// write-to-tempfile-then-rename so readers never observe a partial file.
// Grounded on dedis-tlc/go/model/qscod/fs/atomic.go's WriteFileOnce, but
// adapted to overwrite on every call (os.Rename, not os.Link, since a
// snapshot is rewritten many times over a node's life, not written once).
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/posforge/posforge/internal/chain"
)

// Snapshot is the JSON-serializable on-disk form of a node's active
// chain. Determinism across peers is not required here — unlike
// internal/wire and internal/chain's hashing, so plain encoding/json is
// used, matching the teacher's own use of encoding/json for anything not
// on the hash/wire path.
type Snapshot struct {
	Blocks []BlockRecord `json:"blocks"`
}

// BlockRecord is one block's persisted fields.
type BlockRecord struct {
	Index     int64         `json:"index"`
	PrevHash  string        `json:"prev_hash"`
	Validator string        `json:"validator"`
	Txs       []TxRecord    `json:"txs"`
	Timestamp float64       `json:"timestamp"`
}

// TxRecord is one transaction's persisted fields.
type TxRecord struct {
	Sender    string  `json:"sender"`
	Receiver  string  `json:"receiver"`
	Amount    float64 `json:"amount"`
	Timestamp float64 `json:"timestamp"`
	Kind      uint8   `json:"kind"`
}

// ToSnapshot converts an ordered genesis-to-head chain into its
// persisted form.
func ToSnapshot(blocks []*chain.Block) Snapshot {
	out := Snapshot{Blocks: make([]BlockRecord, len(blocks))}
	for i, b := range blocks {
		txs := b.Txs()
		rec := BlockRecord{
			Index:     b.Index(),
			PrevHash:  b.PrevHash(),
			Validator: b.Validator(),
			Timestamp: b.Timestamp(),
			Txs:       make([]TxRecord, len(txs)),
		}
		for j, tx := range txs {
			rec.Txs[j] = TxRecord{
				Sender:    tx.Sender(),
				Receiver:  tx.Receiver(),
				Amount:    tx.Amount(),
				Timestamp: tx.Timestamp(),
				Kind:      uint8(tx.Kind()),
			}
		}
		out.Blocks[i] = rec
	}
	return out
}

// ToBlocks reconstructs the ordered chain from a Snapshot.
func (s Snapshot) ToBlocks() []*chain.Block {
	out := make([]*chain.Block, len(s.Blocks))
	for i, rec := range s.Blocks {
		txs := make(chain.Txs, len(rec.Txs))
		for j, t := range rec.Txs {
			txs[j] = chain.NewTransaction(t.Sender, t.Receiver, t.Amount, t.Timestamp, chain.Kind(t.Kind))
		}
		out[i] = chain.NewBlock(rec.Index, rec.PrevHash, rec.Validator, txs, rec.Timestamp)
	}
	return out
}

// Save atomically (over)writes path with snap's JSON encoding.
func Save(path string, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("persistence: marshal snapshot: %w", err)
	}

	dir, name := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("persistence: create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("persistence: create tempfile: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed into place

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("persistence: write tempfile: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("persistence: sync tempfile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persistence: close tempfile: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("persistence: rename into place: %w", err)
	}
	return nil
}

// Load reads and decodes the snapshot at path. A missing file returns
// (Snapshot{}, nil) so startup can treat "no snapshot yet" as genesis-only.
func Load(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, nil
		}
		return Snapshot{}, fmt.Errorf("persistence: read %s: %w", path, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("persistence: unmarshal %s: %w", path, err)
	}
	return snap, nil
}
