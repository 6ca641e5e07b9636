package consensus_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posforge/posforge/internal/chain"
	"github.com/posforge/posforge/internal/config"
	"github.com/posforge/posforge/internal/consensus"
	"github.com/posforge/posforge/internal/metrics"
	"github.com/posforge/posforge/internal/wallet"
	"github.com/posforge/posforge/internal/wire"
)

// peer bundles one running Node with the channels its test harness needs
// to drive it and observe its broadcasts, mirroring how cmd/node wires a
// Node to a real internal/transport connection.
type peer struct {
	id   string
	node *consensus.Node
	in   chan wire.Message
	out  chan wire.Message
	cmds chan consensus.Command
}

func newPeer(t *testing.T, id string, ledger *wallet.Ledger, cfg *config.Config) *peer {
	t.Helper()
	genesis := chain.NewGenesisBlock(1)
	out := make(chan wire.Message, 64)
	n := consensus.New(id, genesis, ledger, cfg, out, testLogger(), metrics.New())
	p := &peer{id: id, node: n, in: make(chan wire.Message, 64), out: out, cmds: make(chan consensus.Command, 64)}
	return p
}

func (p *peer) run(ctx context.Context) {
	go p.node.Run(ctx, p.in, p.cmds)
}

func (p *peer) do(t *testing.T, cmd consensus.Command) consensus.Result {
	return doCmd(t, p.cmds, cmd)
}

// network fans every peer's out channel to every other connected peer's in
// channel, honoring a per-sender drop set — the same "drop <id> on/off"
// admin surface a relay exposes, reimplemented here without a real socket.
type network struct {
	mu      sync.Mutex
	peers   map[string]*peer
	dropped map[string]bool
	wg      sync.WaitGroup
}

func newNetwork() *network {
	return &network{peers: make(map[string]*peer), dropped: make(map[string]bool)}
}

func (nw *network) join(ctx context.Context, p *peer) {
	nw.mu.Lock()
	nw.peers[p.id] = p
	nw.mu.Unlock()

	nw.wg.Add(1)
	go func() {
		defer nw.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-p.out:
				if !ok {
					return
				}
				nw.fanOut(ctx, p.id, msg)
			}
		}
	}()
}

func (nw *network) setDrop(id string, dropped bool) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	nw.dropped[id] = dropped
}

func (nw *network) fanOut(ctx context.Context, senderID string, msg wire.Message) {
	nw.mu.Lock()
	if nw.dropped[senderID] {
		nw.mu.Unlock()
		return
	}
	targets := make([]*peer, 0, len(nw.peers))
	for id, p := range nw.peers {
		if id == senderID {
			continue
		}
		targets = append(targets, p)
	}
	nw.mu.Unlock()

	for _, p := range targets {
		select {
		case p.in <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// broadcastStep mimics the relay's STEP fan-out (spec.md §6: "STEP |
// relay → all nodes"); exactly one peer's deterministic election will
// actually forge.
func broadcastStep(peers ...*peer) {
	for _, p := range peers {
		p.in <- wire.Step{}
	}
}

func votingConfig(threshold float64, timeout time.Duration) *config.Config {
	var cfg config.Config
	cfg.Sync.Timeout = 500 * time.Millisecond
	cfg.Vote.Enabled = true
	cfg.Vote.Threshold = threshold
	cfg.Vote.Timeout = timeout
	return &cfg
}

func nonVotingConfig() *config.Config {
	var cfg config.Config
	cfg.Sync.Timeout = 500 * time.Millisecond
	cfg.Vote.Enabled = false
	return &cfg
}

// TestScenarioS1SingleTransfer implements spec.md §8 S1.
func TestScenarioS1SingleTransfer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ledger := wallet.New()
	ledger.Seed("node1", 100, 0)
	ledger.Seed("node2", 100, 0)

	nw := newNetwork()
	n1 := newPeer(t, "node1", ledger.Snapshot(), nonVotingConfig())
	n2 := newPeer(t, "node2", ledger.Snapshot(), nonVotingConfig())
	n1.run(ctx)
	n2.run(ctx)
	nw.join(ctx, n1)
	nw.join(ctx, n2)

	res := n1.do(t, consensus.Command{Kind: consensus.CmdStake, Sender: "node1", Amount: 10})
	require.True(t, res.OK, res.Reason)

	// STEP is relay-broadcast to every node (spec.md §6); whichever one the
	// deterministic election actually picks is the one that forges.
	broadcastStep(n1, n2)
	time.Sleep(50 * time.Millisecond)

	res = n1.do(t, consensus.Command{Kind: consensus.CmdTx, Sender: "node1", Receiver: "node2", Amount: 10})
	require.True(t, res.OK, res.Reason)

	broadcastStep(n1, n2)
	time.Sleep(50 * time.Millisecond)

	wRes := n1.do(t, consensus.Command{Kind: consensus.CmdWallet})
	info := wRes.Data.(consensus.WalletInfo)
	assert.Equal(t, float64(80), info.Accounts["node1"].Balance)
	assert.Equal(t, float64(10), info.Accounts["node1"].Stake)

	wRes2 := n2.do(t, consensus.Command{Kind: consensus.CmdWallet, Sender: "node2"})
	info2 := wRes2.Data.(consensus.WalletInfo)
	assert.Equal(t, float64(110), info2.Accounts["node2"].Balance)

	chainRes := n1.do(t, consensus.Command{Kind: consensus.CmdChain})
	assert.Equal(t, int64(2), chainRes.Data.(consensus.ChainInfo).Height)
}

// TestScenarioS2EqualHeightForkNoSwitch implements spec.md §8 S2.
func TestScenarioS2EqualHeightForkNoSwitch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ledger := wallet.New()
	ledger.Seed("node1", 100, 0)
	ledger.Seed("node2", 100, 0)

	nw := newNetwork()
	n1 := newPeer(t, "node1", ledger.Snapshot(), nonVotingConfig())
	n2 := newPeer(t, "node2", ledger.Snapshot(), nonVotingConfig())
	n1.run(ctx)
	n2.run(ctx)
	nw.join(ctx, n1)
	nw.join(ctx, n2)

	require.True(t, n1.do(t, consensus.Command{Kind: consensus.CmdStake, Sender: "node1", Amount: 10}).OK)
	require.True(t, n2.do(t, consensus.Command{Kind: consensus.CmdStake, Sender: "node2", Amount: 10}).OK)
	time.Sleep(50 * time.Millisecond)

	nw.setDrop("node2", true) // node2's broadcasts never reach node1

	res1 := n1.do(t, consensus.Command{Kind: consensus.CmdForge, Force: true})
	require.True(t, res1.OK, res1.Reason)
	n1Block := res1.Data.(*chain.Block)

	res2 := n2.do(t, consensus.Command{Kind: consensus.CmdForge, Force: true})
	require.True(t, res2.OK, res2.Reason)
	n2Block := res2.Data.(*chain.Block)

	require.Equal(t, n1Block.Index(), n2Block.Index())
	require.NotEqual(t, n1Block.Hash(), n2Block.Hash())

	// node1's own forged block did reach node2 (only node2 is dropped), so
	// deliver node2's block to node1 directly to exercise the side-branch path.
	n1.in <- wire.BlockMsg{Block: n2Block}
	time.Sleep(50 * time.Millisecond)

	chainRes := n1.do(t, consensus.Command{Kind: consensus.CmdChain})
	info := chainRes.Data.(consensus.ChainInfo)
	assert.Equal(t, n1Block.Hash(), info.Head, "head must remain node1's own block")

	_, ok := n1.node.Store().Get(n2Block.Hash())
	assert.True(t, ok, "node2's competing block must be retained as a side branch")
}

// TestScenarioS3LongerBranchSwitchWithMempoolRecovery implements spec.md §8 S3.
func TestScenarioS3LongerBranchSwitchWithMempoolRecovery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ledger := wallet.New()
	ledger.Seed("node1", 100, 0)
	ledger.Seed("node2", 100, 0)

	n1 := newPeer(t, "node1", ledger.Snapshot(), nonVotingConfig())
	n2 := newPeer(t, "node2", ledger.Snapshot(), nonVotingConfig())
	n1.run(ctx)
	n2.run(ctx)

	// node1's stake is forged into its own earlier block A, shared by both
	// branches below, so the upcoming fork only ever contends over the
	// transfer — isolating exactly the tx the reorg is expected to displace.
	require.True(t, n1.do(t, consensus.Command{Kind: consensus.CmdStake, Sender: "node1", Amount: 10}).OK)
	resA := n1.do(t, consensus.Command{Kind: consensus.CmdForge, Force: true})
	require.True(t, resA.OK, resA.Reason)
	blockA := resA.Data.(*chain.Block)

	// node2 adopts block A as its own head too, so both nodes' H-blocks
	// below share it as their common ancestor.
	n2.in <- wire.BlockMsg{Block: blockA}
	time.Sleep(50 * time.Millisecond)

	require.True(t, n2.do(t, consensus.Command{Kind: consensus.CmdStake, Sender: "node2", Amount: 10}).OK)

	// node1 commits its own H-block atop A containing a transfer that will
	// NOT survive the upcoming reorg.
	require.True(t, n1.do(t, consensus.Command{Kind: consensus.CmdTx, Sender: "node1", Receiver: "node2", Amount: 15}).OK)
	res1 := n1.do(t, consensus.Command{Kind: consensus.CmdForge, Force: true})
	require.True(t, res1.OK, res1.Reason)
	n1Block := res1.Data.(*chain.Block)
	require.Equal(t, blockA.Hash(), n1Block.PrevHash())

	res2 := n2.do(t, consensus.Command{Kind: consensus.CmdForge, Force: true})
	require.True(t, res2.OK, res2.Reason)
	n2Block := res2.Data.(*chain.Block)
	require.Equal(t, blockA.Hash(), n2Block.PrevHash())
	require.Equal(t, n1Block.Index(), n2Block.Index())

	// node1 learns about node2's side branch, keeps its own head (S2).
	n1.in <- wire.BlockMsg{Block: n2Block}
	time.Sleep(50 * time.Millisecond)

	// node2 now extends ITS OWN branch at H+1 with a fresh transaction.
	require.True(t, n2.do(t, consensus.Command{Kind: consensus.CmdTx, Sender: "node2", Receiver: "node1", Amount: 10}).OK)
	res3 := n2.do(t, consensus.Command{Kind: consensus.CmdForge, Force: true})
	require.True(t, res3.OK, res3.Reason)
	n2NextBlock := res3.Data.(*chain.Block)
	require.Equal(t, n2Block.Hash(), n2NextBlock.PrevHash())

	n1.in <- wire.BlockMsg{Block: n2NextBlock}
	time.Sleep(50 * time.Millisecond)

	chainRes := n1.do(t, consensus.Command{Kind: consensus.CmdChain})
	info := chainRes.Data.(consensus.ChainInfo)
	assert.Equal(t, n2NextBlock.Hash(), info.Head, "node1 must reorg onto node2's longer branch")

	mpRes := n1.do(t, consensus.Command{Kind: consensus.CmdMempool})
	assert.Equal(t, 1, mpRes.Data.(int), "only node1's displaced transfer (not its already-shared stake) must reappear in the mempool")
}

// TestScenarioS4DoubleSpendAcrossReorg implements spec.md §8 S4.
func TestScenarioS4DoubleSpendAcrossReorg(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ledger := wallet.New()
	ledger.Seed("node1", 100, 0)
	ledger.Seed("node2", 100, 0)
	ledger.Seed("node3", 100, 0)

	cfg := nonVotingConfig()
	n1 := newPeer(t, "node1", ledger.Snapshot(), cfg)
	n3 := newPeer(t, "node3", ledger.Snapshot(), cfg)
	n1.run(ctx)
	n3.run(ctx)

	// node1 transfers 30 to node2 and forges block X while still isolated
	// from node3.
	require.True(t, n1.do(t, consensus.Command{Kind: consensus.CmdTx, Sender: "node1", Receiver: "node2", Amount: 30}).OK)
	resX := n1.do(t, consensus.Command{Kind: consensus.CmdForge, Force: true})
	require.True(t, resX.OK, resX.Reason)

	// While node1 is isolated, node3 builds two extra blocks with no
	// knowledge of block X.
	res3a := n3.do(t, consensus.Command{Kind: consensus.CmdForge, Force: true})
	require.True(t, res3a.OK, res3a.Reason)
	res3b := n3.do(t, consensus.Command{Kind: consensus.CmdForge, Force: true})
	require.True(t, res3b.OK, res3b.Reason)

	// Nothing either node broadcast while isolated reaches the other one.
	for len(n1.out) > 0 {
		<-n1.out
	}
	for len(n3.out) > 0 {
		<-n3.out
	}

	// On reconnect, node1 attempts a second, conflicting spend of the same
	// 30 to node3, and node3 forges a third block that embeds it.
	nw := newNetwork()
	nw.join(ctx, n1)
	nw.join(ctx, n3)

	require.True(t, n1.do(t, consensus.Command{Kind: consensus.CmdTx, Sender: "node1", Receiver: "node3", Amount: 30}).OK)
	time.Sleep(50 * time.Millisecond) // let the tx reach node3's mempool
	res3c := n3.do(t, consensus.Command{Kind: consensus.CmdForge, Force: true})
	require.True(t, res3c.OK, res3c.Reason)

	// node1 syncs; node3's longer chain discards block X, and the stale
	// transfer-to-node2 is reinjected rather than finalized.
	syncRes := n1.do(t, consensus.Command{Kind: consensus.CmdSync})
	require.True(t, syncRes.OK, syncRes.Reason)

	chainRes := n1.do(t, consensus.Command{Kind: consensus.CmdChain})
	info := chainRes.Data.(consensus.ChainInfo)
	assert.Equal(t, int64(3), info.Height, "node1 must adopt node3's 3-block chain")

	wRes2 := n1.do(t, consensus.Command{Kind: consensus.CmdWallet, Sender: "node2"})
	info2 := wRes2.Data.(consensus.WalletInfo)
	assert.Equal(t, float64(100), info2.Accounts["node2"].Balance, "node2 must not retain the discarded spend")

	wRes1 := n1.do(t, consensus.Command{Kind: consensus.CmdWallet, Sender: "node1"})
	info1 := wRes1.Data.(consensus.WalletInfo)
	assert.Equal(t, float64(70), info1.Accounts["node1"].Balance, "node1's balance must reflect exactly one of the two spends")
}

// TestScenarioS5VotingQuorumFailure implements spec.md §8 S5.
func TestScenarioS5VotingQuorumFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ledger := wallet.New()
	ledger.Seed("node1", 100, 10)
	ledger.Seed("node2", 100, 10)
	ledger.Seed("node3", 100, 10)

	cfg := votingConfig(0.8, 80*time.Millisecond)

	nw := newNetwork()
	n1 := newPeer(t, "node1", ledger.Snapshot(), cfg)
	n2 := newPeer(t, "node2", ledger.Snapshot(), cfg)
	n3 := newPeer(t, "node3", ledger.Snapshot(), cfg)
	n1.run(ctx)
	n2.run(ctx)
	n3.run(ctx)
	nw.join(ctx, n1)
	nw.join(ctx, n2)
	nw.join(ctx, n3)
	nw.setDrop("node2", true)
	nw.setDrop("node3", true)

	prevHead := n1.node.Store().Head()

	res := n1.do(t, consensus.Command{Kind: consensus.CmdForge, Force: true})
	require.True(t, res.OK, res.Reason)

	// Only node1's own vote is cast (implicitly, inside Forge's onBlock
	// path); node2 and node3 vote too, but their outbound traffic is
	// dropped, so their votes never arrive and quorum ceil(0.8*3)=3 is
	// never reached within vote.timeout.
	time.Sleep(200 * time.Millisecond)

	chainRes := n1.do(t, consensus.Command{Kind: consensus.CmdChain})
	info := chainRes.Data.(consensus.ChainInfo)
	assert.Equal(t, prevHead.Hash(), info.Head, "block must be discarded without quorum")
}

// TestScenarioS6SyncOnStartup implements spec.md §8 S6.
func TestScenarioS6SyncOnStartup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ledger := wallet.New()
	ledger.Seed("node1", 1000, 0)
	ledger.Seed("node2", 100, 0)

	cfg := nonVotingConfig()
	n1 := newPeer(t, "node1", ledger.Snapshot(), cfg)
	n1.run(ctx)

	var lastBlock *chain.Block
	for i := 0; i < 5; i++ {
		require.True(t, n1.do(t, consensus.Command{Kind: consensus.CmdTx, Sender: "node1", Receiver: "node2", Amount: 1}).OK)
		res := n1.do(t, consensus.Command{Kind: consensus.CmdForge, Force: true})
		require.True(t, res.OK, res.Reason)
		lastBlock = res.Data.(*chain.Block)
	}
	require.Equal(t, int64(5), lastBlock.Index())

	n2 := newPeer(t, "node2", ledger.Snapshot(), cfg)
	n2.run(ctx)

	// Nothing node1 broadcast while alone reaches node2.
	for len(n1.out) > 0 {
		<-n1.out
	}

	nw := newNetwork()
	nw.join(ctx, n1)
	nw.join(ctx, n2)

	var syncDone atomic.Bool
	go func() {
		res := n2.do(t, consensus.Command{Kind: consensus.CmdSync})
		assert.True(t, res.OK, res.Reason)
		syncDone.Store(true)
	}()

	require.Eventually(t, func() bool { return syncDone.Load() }, 2*time.Second, 10*time.Millisecond)

	chainRes := n2.do(t, consensus.Command{Kind: consensus.CmdChain})
	info := chainRes.Data.(consensus.ChainInfo)
	assert.Equal(t, lastBlock.Hash(), info.Head)

	wRes := n2.do(t, consensus.Command{Kind: consensus.CmdWallet, Sender: "node2"})
	winfo := wRes.Data.(consensus.WalletInfo)
	assert.Equal(t, float64(105), winfo.Accounts["node2"].Balance)
}
