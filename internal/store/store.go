// Package store implements the chain store, fork-choice and
// reorganization engine of spec.md §3, §4.3, §4.4.
package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/posforge/posforge/internal/chain"
	"github.com/posforge/posforge/internal/mempool"
	"github.com/posforge/posforge/internal/wallet"
)

// ErrUnknownParent is returned by Add when a non-genesis block's parent
// has not been seen.
var ErrUnknownParent = errors.New("store: unknown parent block")

// ErrReplayFailed wraps the first non-applicable transaction found while
// replaying a branch.
type ErrReplayFailed struct {
	BlockHash string
	Cause     error
}

func (e *ErrReplayFailed) Error() string {
	return fmt.Sprintf("store: replay failed at block %s: %v", e.BlockHash, e.Cause)
}

func (e *ErrReplayFailed) Unwrap() error { return e.Cause }

// Transition describes how TrySetHead resolved an incoming block — the
// typed state-transition result spec.md §9 asks for in place of the
// original's implicit list rewriting.
type Transition int

const (
	// Rejected: replay failed; head is unchanged, the block stays stored.
	Rejected Transition = iota
	// StoredSideBranch: index <= head.index; head is unchanged.
	StoredSideBranch
	// ExtendedHead: candidate directly extended the previous head.
	ExtendedHead
	// Reorganized: candidate won a fork-choice switch via a common
	// ancestor below the previous head.
	Reorganized
)

func (t Transition) String() string {
	switch t {
	case Rejected:
		return "rejected"
	case StoredSideBranch:
		return "stored-side-branch"
	case ExtendedHead:
		return "extended-head"
	case Reorganized:
		return "reorganized"
	default:
		return "unknown"
	}
}

// Store owns every block ever accepted (closed under parent references
// down to genesis, invariant C1) plus the live ledger at head (invariant
// C2). It is owned exclusively by the consensus loop (spec.md §5).
type Store struct {
	mu        sync.RWMutex
	blocks    map[string]*chain.Block
	snapshots map[string]*wallet.Ledger // post-apply ledger per block hash
	genesis   *chain.Block
	head      *chain.Block
	ledger    *wallet.Ledger
}

// New constructs a store rooted at genesis, with initial seeded into the
// genesis post-state (spec.md §6 initial_state).
func New(genesis *chain.Block, initial *wallet.Ledger) *Store {
	if initial == nil {
		initial = wallet.New()
	}
	s := &Store{
		blocks:    map[string]*chain.Block{genesis.Hash(): genesis},
		snapshots: map[string]*wallet.Ledger{genesis.Hash(): initial.Snapshot()},
		genesis:   genesis,
		head:      genesis,
		ledger:    initial.Snapshot(),
	}
	return s
}

// Chain returns the ordered blocks from genesis to head inclusive, for
// responding to a SYNC_REQUEST (spec.md §6).
func (s *Store) Chain() []*chain.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	path, err := s.pathLocked(s.genesis, s.head)
	if err != nil {
		// unreachable: head is always a descendant of genesis by construction
		return []*chain.Block{s.genesis}
	}
	return append([]*chain.Block{s.genesis}, path...)
}

// Head returns the current tip.
func (s *Store) Head() *chain.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head
}

// Ledger returns a read-only snapshot of the live ledger at head.
func (s *Store) Ledger() *wallet.Ledger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger.Snapshot()
}

// LiveLedger returns the store's own live ledger (not a copy) for
// read-mostly callers inside the consensus loop that must see mutations
// made by a later TrySetHead in the same goroutine; other callers should
// use Ledger().
func (s *Store) LiveLedger() *wallet.Ledger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger
}

// Get returns the block with the given hash, if known.
func (s *Store) Get(hash string) (*chain.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[hash]
	return b, ok
}

// Len returns how many blocks the store has ever accepted (including side
// branches).
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks)
}

// Add verifies parentage and link invariants (B2) and stores b. It never
// changes head. Invariant B1 is guaranteed by construction: Block.Hash()
// is always the digest of its own fields, there is no separately
// transmitted hash to forge against (see DESIGN.md).
func (s *Store) Add(b *chain.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blocks[b.Hash()]; ok {
		return nil // already known; idempotent
	}

	if b.IsGenesis() {
		s.blocks[b.Hash()] = b
		return nil
	}

	parent, ok := s.blocks[b.PrevHash()]
	if !ok {
		return ErrUnknownParent
	}
	if err := b.ValidateLink(parent); err != nil {
		return err
	}

	s.blocks[b.Hash()] = b
	return nil
}

// FindCommonAncestor walks back from the taller of a, b until heights
// match, then walks both back in lockstep until equal (spec.md §4.3).
func (s *Store) FindCommonAncestor(a, b *chain.Block) (*chain.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findCommonAncestorLocked(a, b)
}

func (s *Store) findCommonAncestorLocked(a, b *chain.Block) (*chain.Block, error) {
	var err error
	for a.Index() > b.Index() {
		a, err = s.parentLocked(a)
		if err != nil {
			return nil, err
		}
	}
	for b.Index() > a.Index() {
		b, err = s.parentLocked(b)
		if err != nil {
			return nil, err
		}
	}
	for a.Hash() != b.Hash() {
		a, err = s.parentLocked(a)
		if err != nil {
			return nil, err
		}
		b, err = s.parentLocked(b)
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (s *Store) parentLocked(b *chain.Block) (*chain.Block, error) {
	if b.IsGenesis() {
		return nil, fmt.Errorf("store: cannot walk past genesis")
	}
	parent, ok := s.blocks[b.PrevHash()]
	if !ok {
		return nil, ErrUnknownParent
	}
	return parent, nil
}

// pathLocked returns the blocks strictly above `from` up to and including
// `to`, in forward (parent-to-child) order. from must be an ancestor of
// to (including from == to, which yields an empty path).
func (s *Store) pathLocked(from, to *chain.Block) ([]*chain.Block, error) {
	var reversed []*chain.Block
	cur := to
	for cur.Hash() != from.Hash() {
		reversed = append(reversed, cur)
		var err error
		cur, err = s.parentLocked(cur)
		if err != nil {
			return nil, err
		}
	}
	path := make([]*chain.Block, len(reversed))
	for i, b := range reversed {
		path[len(reversed)-1-i] = b
	}
	return path, nil
}

// Replay deep-copies from's cached post-state and applies every
// intervening block's transactions up to and including `to`, caching
// intermediate snapshots so repeated replay along the same branch is
// O(branch length) rather than O(height) (spec.md §4.3's replay
// contract).
func (s *Store) Replay(from, to *chain.Block) (*wallet.Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replayLocked(from, to)
}

func (s *Store) replayLocked(from, to *chain.Block) (*wallet.Ledger, error) {
	if cached, ok := s.snapshots[to.Hash()]; ok {
		return cached.Snapshot(), nil
	}

	base, ok := s.snapshots[from.Hash()]
	if !ok {
		return nil, fmt.Errorf("store: no cached snapshot for ancestor %s", from.Hash())
	}

	path, err := s.pathLocked(from, to)
	if err != nil {
		return nil, err
	}

	cur := base.Snapshot()
	for _, b := range path {
		for _, tx := range b.Txs() {
			if err := cur.Apply(tx); err != nil {
				return nil, &ErrReplayFailed{BlockHash: b.Hash(), Cause: err}
			}
		}
		s.snapshots[b.Hash()] = cur.Snapshot()
	}
	return cur.Snapshot(), nil
}

// TrySetHead implements the fork-choice and reorganization state machine
// of spec.md §4.4, mutating mp as a side effect of whichever transition
// occurs so callers never duplicate that bookkeeping.
func (s *Store) TrySetHead(candidate *chain.Block, mp *mempool.Mempool) (Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if candidate.Index() <= s.head.Index() {
		return StoredSideBranch, nil
	}

	ancestor, err := s.findCommonAncestorLocked(s.head, candidate)
	if err != nil {
		return Rejected, err
	}

	newLedger, err := s.replayLocked(ancestor, candidate)
	if err != nil {
		return Rejected, err
	}

	oldPath, err := s.pathLocked(ancestor, s.head)
	if err != nil {
		return Rejected, err
	}
	newPath, err := s.pathLocked(ancestor, candidate)
	if err != nil {
		return Rejected, err
	}

	newBranchIDs := map[[32]byte]bool{}
	for _, b := range newPath {
		for _, tx := range b.Txs() {
			newBranchIDs[tx.ID()] = true
		}
	}

	transition := Reorganized
	if ancestor.Hash() == s.head.Hash() {
		transition = ExtendedHead
	}

	s.head = candidate
	s.ledger = newLedger
	s.snapshots[candidate.Hash()] = newLedger.Snapshot()

	if mp != nil {
		mp.Remove(newBranchIDs)
		for _, b := range oldPath {
			mp.Reinject(b.Txs(), newBranchIDs)
		}
	}

	return transition, nil
}
