// Package mempool implements the pending-transaction set of spec.md §3,
// §4.7: dedup by identity, FIFO draw order for forging, and reorg-driven
// reinjection. The FIFO structure is tendermint's clist.CList, exactly as
// 1170300606-obrs/mempool/list_mempool.go uses it — a goroutine-safe
// doubly linked list with a channel that fires once when the list becomes
// non-empty, which is precisely spec.md §4.7's "fires once ... when the
// mempool is not empty" need without a busy-poll.
package mempool

import (
	"errors"
	"sync"

	"github.com/tendermint/tendermint/libs/clist"

	"github.com/posforge/posforge/internal/chain"
)

// ErrDuplicateTx is returned by CheckTx for a transaction whose identity
// is already present — spec.md §7's "Duplicate ... transaction: silent
// suppression" (callers choose whether to log it).
var ErrDuplicateTx = errors.New("mempool: duplicate transaction")

// Mempool is the pending-transaction set owned exclusively by the
// consensus loop (spec.md §5).
type Mempool struct {
	mu      sync.Mutex
	txs     *clist.CList
	byID    map[[32]byte]*clist.CElement
}

// New returns an empty mempool.
func New() *Mempool {
	return &Mempool{
		txs:  clist.New(),
		byID: make(map[[32]byte]*clist.CElement),
	}
}

// CheckTx inserts tx if its identity is new, rejecting duplicates.
func (m *Mempool) CheckTx(tx chain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := tx.ID()
	if _, ok := m.byID[id]; ok {
		return ErrDuplicateTx
	}

	e := m.txs.PushBack(tx)
	m.byID[id] = e
	return nil
}

// Size returns the number of pending transactions.
func (m *Mempool) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txs.Len()
}

// Has reports whether a transaction with the given identity is pending.
func (m *Mempool) Has(id [32]byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byID[id]
	return ok
}

// TxsAvailable fires once each time the mempool transitions from empty to
// non-empty, letting the forging loop avoid polling (spec.md §4.7).
func (m *Mempool) TxsAvailable() <-chan struct{} {
	return m.txs.WaitChan()
}

// Remove detaches every transaction whose identity is in ids — called on
// finalization of a block onto the active chain (spec.md §4.7).
func (m *Mempool) Remove(ids map[[32]byte]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(ids)
}

func (m *Mempool) removeLocked(ids map[[32]byte]bool) {
	for id := range ids {
		e, ok := m.byID[id]
		if !ok {
			continue
		}
		m.txs.Remove(e)
		delete(m.byID, id)
	}
}

// Reinject re-adds every tx in rewound that is not already present on the
// new active branch (activeBranchIDs) and not already pending, preserving
// the order of rewound (spec.md §4.4's reorg rule, §4.7's "Reinjection").
func (m *Mempool) Reinject(rewound chain.Txs, activeBranchIDs map[[32]byte]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tx := range rewound {
		id := tx.ID()
		if activeBranchIDs[id] {
			continue
		}
		if _, ok := m.byID[id]; ok {
			continue
		}
		e := m.txs.PushBack(tx)
		m.byID[id] = e
	}
}

// ReapMax walks the mempool front-to-back in FIFO order, returning up to
// maxCount transactions for which applicable returns true. Non-applicable
// transactions are skipped, never abort the batch (spec.md §4.6).
func (m *Mempool) ReapMax(maxCount int, applicable func(chain.Transaction) bool) chain.Txs {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out chain.Txs
	for e := m.txs.Front(); e != nil && len(out) < maxCount; e = e.Next() {
		tx := e.Value.(chain.Transaction)
		if applicable(tx) {
			out = append(out, tx)
		}
	}
	return out
}

// ActiveIDs returns the identity set currently pending. Reinject does
// its own duplicate check and does not call it.
func (m *Mempool) ActiveIDs() map[[32]byte]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[[32]byte]bool, len(m.byID))
	for id := range m.byID {
		out[id] = true
	}
	return out
}
