package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/posforge/posforge/internal/codec"
)

// ErrNonMonotonicTimestamp is raised when a block's timestamp does not
// strictly advance past its parent's — an additive check recovered from
// original_source/pos-plus-python/blockchain.go's is_valid_block (see
// SPEC_FULL.md §3.1); it never conflicts with invariants B1/B2.
var ErrNonMonotonicTimestamp = errors.New("chain: block timestamp does not advance past parent")

// Block is the immutable unit of the chain (spec.md §3).
//
// Hash is memoized lazily and guarded by mtx because forging code may hash
// a freshly built block from more than one goroutine boundary (the REPL's
// synchronous "forge" reply vs. the consensus loop's own broadcast) even
// though mutation never happens after construction.
type Block struct {
	mtx sync.Mutex

	index        int64
	prevHash     string
	validator    string
	txs          Txs
	timestamp    float64
	memoizedHash string
}

// NewBlock constructs a block and does not compute its hash eagerly.
func NewBlock(index int64, prevHash, validator string, txs Txs, timestamp float64) *Block {
	return &Block{
		index:     index,
		prevHash:  prevHash,
		validator: validator,
		txs:       append(Txs{}, txs...),
		timestamp: timestamp,
	}
}

// NewGenesisBlock returns the height-0 block spec.md §3 describes: empty
// prev_hash and validator.
func NewGenesisBlock(timestamp float64) *Block {
	return NewBlock(0, "", "", nil, timestamp)
}

func (b *Block) Index() int64      { return b.index }
func (b *Block) PrevHash() string  { return b.prevHash }
func (b *Block) Validator() string { return b.validator }
func (b *Block) Timestamp() float64 { return b.timestamp }

// Txs returns a copy of the block's transactions to preserve immutability.
func (b *Block) Txs() Txs {
	out := make(Txs, len(b.txs))
	copy(out, b.txs)
	return out
}

// CanonicalBytes builds the digest input over (index, prev_hash, validator,
// transactions, timestamp) per spec.md §4.1.
func (b *Block) CanonicalBytes() []byte {
	w := codec.NewWriter()
	w.WriteInt64(b.index).
		WriteString(b.prevHash).
		WriteString(b.validator).
		WriteBytes(b.txs.CanonicalBytes()).
		WriteFloat64(b.timestamp)
	return w.Bytes()
}

// Hash returns the hex digest of the block, computing and memoizing it on
// first use. Invariant B1: Hash() always equals digest(CanonicalBytes()).
func (b *Block) Hash() string {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.memoizedHash == "" {
		sum := sha256.Sum256(b.CanonicalBytes())
		b.memoizedHash = hex.EncodeToString(sum[:])
	}
	return b.memoizedHash
}

// IsGenesis reports whether this is the height-0 block.
func (b *Block) IsGenesis() bool {
	return b.index == 0 && b.prevHash == ""
}

// ValidateLink enforces invariant B2 against a purported parent.
func (b *Block) ValidateLink(parent *Block) error {
	if parent == nil {
		if !b.IsGenesis() {
			return fmt.Errorf("chain: block %d has no parent but is not genesis", b.index)
		}
		return nil
	}
	if b.index != parent.index+1 {
		return fmt.Errorf("chain: block index %d is not parent index %d + 1", b.index, parent.index)
	}
	if b.prevHash != parent.Hash() {
		return fmt.Errorf("chain: block prev_hash %q does not match parent hash %q", b.prevHash, parent.Hash())
	}
	if b.timestamp <= parent.timestamp {
		return ErrNonMonotonicTimestamp
	}
	return nil
}

// String is a short diagnostic representation.
func (b *Block) String() string {
	return fmt.Sprintf("Block{index=%d hash=%s prev=%s validator=%s txs=%d}",
		b.index, short(b.Hash()), short(b.prevHash), b.validator, len(b.txs))
}

func short(h string) string {
	if len(h) <= 8 {
		return h
	}
	return h[:8]
}
