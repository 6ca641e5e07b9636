// Package sync implements the bootstrap sync engine of spec.md §4.9: a
// newly joined (or rejoining) node broadcasts SYNC_REQUEST, collects
// SYNC_RESPONSE chains for a bounded window, and adopts the longest one
// that replays cleanly. The collection window itself is owned by
// internal/consensus, which is the only goroutine allowed to touch
// internal/store (spec.md §5); Engine only validates candidates and
// picks a winner, so it never needs a Store reference.
package sync

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/posforge/posforge/internal/chain"
	"github.com/posforge/posforge/internal/wallet"
	"github.com/posforge/posforge/internal/wire"
)

// ErrNoBetterChain is returned when no collected response chain replays
// successfully and exceeds the local height — ties keep the local chain
// (spec.md §4.9 step 3).
var ErrNoBetterChain = errors.New("sync: no candidate chain improves on the local one")

// Engine validates SYNC_RESPONSE candidates and selects a winner.
type Engine struct {
	log *logrus.Logger
}

// New returns an Engine that logs through log.
func New(log *logrus.Logger) *Engine {
	return &Engine{log: log}
}

// Bootstrap picks the best of the collected responses: the longest chain
// that (a) starts at a genesis block, (b) is internally linked (B2), and
// (c) replays cleanly from initial. It returns the winning chain and its
// replayed ledger, or ErrNoBetterChain if nothing beats localHeight.
func (e *Engine) Bootstrap(responses []wire.SyncResponse, initial *wallet.Ledger, localHeight int64) ([]*chain.Block, *wallet.Ledger, error) {
	var bestBlocks []*chain.Block
	var bestLedger *wallet.Ledger
	bestHeight := localHeight

	for _, resp := range responses {
		blocks := resp.Blocks
		if len(blocks) == 0 {
			continue
		}
		if int64(len(blocks)-1) <= bestHeight {
			continue // can't possibly beat the current best, skip replay
		}
		ledger, err := e.replayChain(blocks, initial)
		if err != nil {
			e.log.WithError(err).Debug("sync: discarding invalid candidate chain")
			continue
		}
		bestBlocks = blocks
		bestLedger = ledger
		bestHeight = int64(len(blocks) - 1)
	}

	if bestBlocks == nil {
		return nil, nil, ErrNoBetterChain
	}
	return bestBlocks, bestLedger, nil
}

// replayChain validates genesis-rootedness and B2 linkage, then applies
// every block's transactions onto a copy of initial in order, aborting
// on the first non-applicable transaction (no partial commit).
func (e *Engine) replayChain(blocks []*chain.Block, initial *wallet.Ledger) (*wallet.Ledger, error) {
	if !blocks[0].IsGenesis() {
		return nil, fmt.Errorf("sync: candidate chain does not start at genesis")
	}

	ledger := initial.Snapshot()
	var parent *chain.Block = blocks[0]
	for _, b := range blocks[1:] {
		if err := b.ValidateLink(parent); err != nil {
			return nil, fmt.Errorf("sync: invalid link at index %d: %w", b.Index(), err)
		}
		for _, tx := range b.Txs() {
			if err := ledger.Apply(tx); err != nil {
				return nil, fmt.Errorf("sync: block %s tx not applicable: %w", b.Hash(), err)
			}
		}
		parent = b
	}
	return ledger, nil
}
