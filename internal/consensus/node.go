// Package consensus implements the single-threaded state machine of
// spec.md §4.4, §4.6, §5: one goroutine owns the chain store, mempool,
// and (optionally) the vote tracker, and drives forge/accept/vote/reorg
// entirely from messages and commands delivered over channels. No other
// goroutine ever touches internal/store directly (spec.md §5).
package consensus

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/posforge/posforge/internal/chain"
	"github.com/posforge/posforge/internal/config"
	"github.com/posforge/posforge/internal/election"
	"github.com/posforge/posforge/internal/mempool"
	"github.com/posforge/posforge/internal/metrics"
	syncengine "github.com/posforge/posforge/internal/sync"
	"github.com/posforge/posforge/internal/store"
	"github.com/posforge/posforge/internal/votes"
	"github.com/posforge/posforge/internal/wallet"
	"github.com/posforge/posforge/internal/wire"
)

func nowSeconds() float64 { return float64(time.Now().UnixNano()) / 1e9 }

func transactionMessage(tx chain.Transaction) wire.Message { return wire.TransactionMsg{Tx: tx} }

// maxTxsPerBlock bounds how many mempool entries a single forged block
// draws in one ReapMax call; spec.md does not name a batch size, so this
// is a conservative ceiling well above anything the test scenarios need.
const maxTxsPerBlock = 1000

// ErrNotElected is returned by Forge when force is false and this node's
// id did not win the election at the current head.
var ErrNotElected = fmt.Errorf("consensus: this node was not elected at the current head")

// syncWindow tracks an in-flight bootstrap collection entirely inside
// the consensus loop's own goroutine, so the timeout never mutates state
// from a side thread (spec.md §5): its expiry is posted back as a
// Command, same as every other trigger the loop reacts to.
type syncWindow struct {
	responses []wire.SyncResponse
	reply     chan Result
}

// Node is the consensus state machine for one simulated peer.
type Node struct {
	ID      string
	store   *store.Store
	mempool *mempool.Mempool
	votes   *votes.Tracker // nil when vote.enabled=false
	sync    *syncengine.Engine
	initial *wallet.Ledger // config-seeded ledger, used as the sync replay base
	cfg     *config.Config
	out     chan<- wire.Message
	log     *logrus.Logger
	metrics *metrics.Set

	syncing *syncWindow
	cmds    chan Command // kept so a sync window's own expiry timer can requeue itself

	onHeadChange func(*chain.Block) // optional; see SetHeadChangeHook
}

// SetHeadChangeHook registers fn to be called, from the consensus loop's
// own goroutine, every time the store's head actually moves (ExtendedHead
// or Reorganized transitions, and sync adoption) — the hook point
// cmd/node uses to rewrite the on-disk snapshot after each head change
// (spec.md §5 "Disk persistence ... happens from the consensus loop
// after each head change; failures log and continue"). Must be called
// before Run starts.
func (n *Node) SetHeadChangeHook(fn func(*chain.Block)) { n.onHeadChange = fn }

func (n *Node) fireHeadChange(b *chain.Block) {
	if n.onHeadChange != nil {
		n.onHeadChange(b)
	}
}

// New constructs a Node. initial is the config-seeded ledger (spec.md §6
// initial_state), used both to seed the genesis-rooted store and as the
// replay base for validating sync candidates.
func New(id string, genesis *chain.Block, initial *wallet.Ledger, cfg *config.Config, out chan<- wire.Message, log *logrus.Logger, mset *metrics.Set) *Node {
	var tracker *votes.Tracker
	if cfg.Vote.Enabled {
		tracker = votes.NewTracker(cfg.Vote.Threshold, cfg.Vote.Timeout)
	}
	return &Node{
		ID:      id,
		store:   store.New(genesis, initial),
		mempool: mempool.New(),
		votes:   tracker,
		sync:    syncengine.New(log),
		initial: initial.Snapshot(),
		cfg:     cfg,
		out:     out,
		log:     log,
		metrics: mset,
	}
}

// Store exposes the node's chain store for read-only callers (REPL
// commands, persistence on head change).
func (n *Node) Store() *store.Store { return n.store }

// Run is the node's single consumer loop (spec.md §5): every inbound
// wire message and every REPL command is handled by exactly this
// goroutine, one at a time.
func (n *Node) Run(ctx context.Context, in <-chan wire.Message, cmds chan Command) {
	n.cmds = cmds
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			n.dispatch(msg)
		case cmd, ok := <-cmds:
			if !ok {
				return
			}
			n.handleCommand(cmd)
		}
	}
}

func (n *Node) dispatch(msg wire.Message) {
	switch m := msg.(type) {
	case wire.BlockMsg:
		n.onBlock(m.Block)
	case wire.TransactionMsg:
		n.onTx(m.Tx)
	case wire.Step:
		n.onStep()
	case wire.BlockVote:
		n.onVote(m.VoterID, m.BlockHash)
	case wire.SyncResponse:
		n.onSyncResponse(m)
	case wire.SyncRequest:
		n.onSyncRequest()
	case wire.Hello, wire.Bye:
		// relay-only bookkeeping; nothing for the consensus loop to do.
	default:
		n.log.WithField("type", fmt.Sprintf("%T", msg)).Warn("consensus: unhandled message type")
	}
}

// onTx implements the mempool half of spec.md §7's duplicate-transaction
// handling: silently suppress, never propagate an error to the network.
func (n *Node) onTx(tx chain.Transaction) {
	if err := n.mempool.CheckTx(tx); err != nil {
		n.log.WithError(err).WithField("tx", tx.String()).Debug("consensus: dropped transaction")
		return
	}
	n.metrics.MempoolSize.Set(float64(n.mempool.Size()))
}

// onBlock implements spec.md §4.4's acceptance path directly when voting
// is disabled, or defers to quorum when it's enabled (spec.md §4.8).
func (n *Node) onBlock(b *chain.Block) {
	if err := n.store.Add(b); err != nil {
		n.log.WithError(err).WithField("block", b.String()).Debug("consensus: rejected block")
		return
	}

	if n.votes == nil {
		n.installBlock(b)
		return
	}

	known := n.store.LiveLedger().KnownValidators()
	quorumReached := n.votes.Register(b.Hash(), n.cfg.Vote.Timeout, len(known), func() {
		n.votes.Expire(b.Hash())
	})

	if n.isKnownValidator(known) {
		castReached, err := n.votes.Cast(n.ID, b.Hash(), len(known))
		if err != nil {
			n.log.WithError(err).Debug("consensus: could not cast own vote")
		} else {
			quorumReached = quorumReached || castReached
			n.out <- wire.BlockVote{VoterID: n.ID, BlockHash: b.Hash()}
		}
	}

	if quorumReached {
		n.votes.Expire(b.Hash())
		n.installBlock(b)
	}
}

func (n *Node) onVote(voterID, blockHash string) {
	if n.votes == nil {
		return // voting disabled; ignore stray votes
	}
	n.metrics.VotesReceived.Inc()

	known := n.store.LiveLedger().KnownValidators()
	reached, err := n.votes.Cast(voterID, blockHash, len(known))
	if err != nil {
		n.log.WithError(err).WithField("voter", voterID).Debug("consensus: dropped vote")
		return
	}
	if !reached {
		return
	}
	n.metrics.QuorumsReached.Inc()
	n.votes.Expire(blockHash)

	b, ok := n.store.Get(blockHash)
	if !ok {
		return // quorum reached for a block we haven't seen yet; nothing to install
	}
	n.installBlock(b)
}

func (n *Node) installBlock(b *chain.Block) {
	prevHead := n.store.Head()
	transition, err := n.store.TrySetHead(b, n.mempool)
	if err != nil {
		n.log.WithError(err).WithField("block", b.String()).Debug("consensus: block replay failed")
		return
	}
	n.metrics.MempoolSize.Set(float64(n.mempool.Size()))

	switch transition {
	case store.ExtendedHead:
		n.metrics.BlocksExtended.Inc()
		n.fireHeadChange(b)
	case store.Reorganized:
		n.metrics.Reorgs.Inc()
		if ancestor, err := n.store.FindCommonAncestor(prevHead, b); err == nil {
			n.metrics.ReorgDepth.Observe(float64(prevHead.Index() - ancestor.Index()))
		}
		n.fireHeadChange(b)
	case store.StoredSideBranch:
	case store.Rejected:
	}
	n.log.WithFields(logrus.Fields{
		"block":      b.String(),
		"transition": transition.String(),
	}).Info("consensus: processed block")
}

// onStep implements spec.md §4.6's forging trigger: forge iff the
// election at the current head selects this node's id.
func (n *Node) onStep() {
	if _, err := n.Forge(false); err != nil && err != ErrNotElected {
		n.log.WithError(err).Debug("consensus: forge on STEP failed")
	}
}

func (n *Node) isKnownValidator(known []string) bool {
	for _, id := range known {
		if id == n.ID {
			return true
		}
	}
	return false
}

// Forge builds a new block atop the current head from applicable
// mempool transactions, broadcasts it, and processes it locally through
// the same path any received block takes. force bypasses the election
// check only, never the mempool-applicability filter (spec.md §4.6,
// DESIGN.md's Open Question decision).
func (n *Node) Forge(force bool) (*chain.Block, error) {
	head := n.store.Head()

	if !force {
		winner, err := election.Elect(n.store.LiveLedger().ElectionWeights(), head.Hash())
		if err != nil {
			return nil, fmt.Errorf("consensus: election: %w", err)
		}
		if winner != n.ID {
			return nil, ErrNotElected
		}
	}

	ledger := n.store.LiveLedger()
	txs := n.mempool.ReapMax(maxTxsPerBlock, ledger.Applicable)
	b := chain.NewBlock(head.Index()+1, head.Hash(), n.ID, txs, nowSeconds())

	if err := n.store.Add(b); err != nil {
		return nil, fmt.Errorf("consensus: forged block rejected by own store: %w", err)
	}

	n.metrics.BlocksForged.Inc()
	n.out <- wire.BlockMsg{Block: b}
	n.onBlock(b)

	return b, nil
}

// onSyncRequest replies with this node's full genesis-to-head chain.
// The relay only fans out, so every other node's onSyncResponse discards
// this response unless that node's own sync window is open — see
// internal/wire's SyncResponse doc comment.
func (n *Node) onSyncRequest() {
	n.out <- wire.SyncResponse{Blocks: n.store.Chain()}
}

func (n *Node) onSyncResponse(resp wire.SyncResponse) {
	if n.syncing == nil {
		return // not inside a bootstrap window; not for us
	}
	n.syncing.responses = append(n.syncing.responses, resp)
}

// startSync opens a collection window, broadcasts SYNC_REQUEST, and
// schedules the window's own expiry as a Command so the timer goroutine
// never mutates Node state directly (spec.md §5).
func (n *Node) startSync(reply chan Result) {
	if n.syncing != nil {
		reply <- Result{OK: false, Reason: "sync already in progress"}
		return
	}
	n.syncing = &syncWindow{reply: reply}
	n.metrics.SyncAttempts.Inc()
	n.out <- wire.SyncRequest{}

	cmds := n.cmds
	time.AfterFunc(n.cfg.Sync.Timeout, func() {
		cmds <- Command{Kind: cmdSyncTimeout}
	})
}

// cmdSyncTimeout is an internal command kind, never issued by the REPL,
// used only to deliver a sync window's expiry back onto this loop.
const cmdSyncTimeout CommandKind = -1

func (n *Node) finishSync() {
	w := n.syncing
	n.syncing = nil
	if w == nil {
		return
	}

	blocks, ledger, err := n.sync.Bootstrap(w.responses, n.initial, n.store.Head().Index())
	if err != nil {
		w.reply <- Result{OK: false, Reason: err.Error()}
		return
	}

	if err := n.AdoptSyncResult(blocks, ledger); err != nil {
		w.reply <- Result{OK: false, Reason: err.Error()}
		return
	}
	w.reply <- Result{OK: true, Data: ChainInfo{Height: n.store.Head().Index(), Head: n.store.Head().Hash()}}
}

// AdoptSyncResult installs blocks (genesis-rooted, already validated by
// sync.Engine.Bootstrap) through the same store.TrySetHead reorg path any
// other incoming block takes, so sync and ordinary reorg share one code
// path (spec.md §8 property 7's idempotency).
func (n *Node) AdoptSyncResult(blocks []*chain.Block, _ *wallet.Ledger) error {
	if len(blocks) == 0 {
		return nil
	}
	for _, b := range blocks[1:] { // blocks[0] is genesis, already in the store
		if err := n.store.Add(b); err != nil {
			return fmt.Errorf("consensus: adopt sync result: %w", err)
		}
	}
	transition, err := n.store.TrySetHead(blocks[len(blocks)-1], n.mempool)
	if err != nil {
		return fmt.Errorf("consensus: adopt sync result: %w", err)
	}
	n.log.WithField("transition", transition.String()).Info("consensus: adopted sync result")
	if transition == store.ExtendedHead || transition == store.Reorganized {
		n.fireHeadChange(blocks[len(blocks)-1])
	}
	return nil
}

// LoadChain installs a previously-persisted genesis-to-head chain before
// Run starts (cmd/node's startup path: load snapshot, then sync, so a
// reconnecting node never discards local history it need not have
// fetched over the network). blocks[0] must be this node's genesis.
func (n *Node) LoadChain(blocks []*chain.Block) error {
	if len(blocks) <= 1 {
		return nil
	}
	return n.AdoptSyncResult(blocks, nil)
}
