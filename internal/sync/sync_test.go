package sync_test

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posforge/posforge/internal/chain"
	syncengine "github.com/posforge/posforge/internal/sync"
	"github.com/posforge/posforge/internal/wallet"
	"github.com/posforge/posforge/internal/wire"
)

func seeded() *wallet.Ledger {
	l := wallet.New()
	l.Seed("alice", 100, 0)
	l.Seed("bob", 100, 0)
	return l
}

func TestBootstrapPicksLongestValidChain(t *testing.T) {
	e := syncengine.New(logrus.New())
	genesis := chain.NewGenesisBlock(1)
	b1 := chain.NewBlock(1, genesis.Hash(), "alice", chain.Txs{chain.NewTransaction("alice", "bob", 10, 2, chain.Transfer)}, 2)
	b2 := chain.NewBlock(2, b1.Hash(), "bob", nil, 3)

	shortChain := wire.SyncResponse{Blocks: []*chain.Block{genesis, b1}}
	longChain := wire.SyncResponse{Blocks: []*chain.Block{genesis, b1, b2}}

	blocks, ledger, err := e.Bootstrap([]wire.SyncResponse{shortChain, longChain}, seeded(), 0)
	require.NoError(t, err)
	assert.Len(t, blocks, 3)
	assert.Equal(t, b2.Hash(), blocks[len(blocks)-1].Hash())
	assert.Equal(t, float64(90), ledger.Get("alice").Balance)
}

func TestBootstrapRejectsNonGenesisRoot(t *testing.T) {
	e := syncengine.New(logrus.New())
	notGenesis := chain.NewBlock(0, "bogus", "alice", nil, 1)
	b1 := chain.NewBlock(1, notGenesis.Hash(), "alice", nil, 2)

	_, _, err := e.Bootstrap([]wire.SyncResponse{{Blocks: []*chain.Block{notGenesis, b1}}}, seeded(), 0)
	assert.ErrorIs(t, err, syncengine.ErrNoBetterChain)
}

func TestBootstrapSkipsChainWithInapplicableTx(t *testing.T) {
	e := syncengine.New(logrus.New())
	genesis := chain.NewGenesisBlock(1)
	bad := chain.NewBlock(1, genesis.Hash(), "alice", chain.Txs{chain.NewTransaction("alice", "bob", 99999, 2, chain.Transfer)}, 2)

	_, _, err := e.Bootstrap([]wire.SyncResponse{{Blocks: []*chain.Block{genesis, bad}}}, seeded(), 0)
	assert.ErrorIs(t, err, syncengine.ErrNoBetterChain)
}

func TestBootstrapKeepsLocalOnTie(t *testing.T) {
	e := syncengine.New(logrus.New())
	genesis := chain.NewGenesisBlock(1)
	b1 := chain.NewBlock(1, genesis.Hash(), "alice", nil, 2)

	// candidate chain is the same height as local; ties keep local.
	_, _, err := e.Bootstrap([]wire.SyncResponse{{Blocks: []*chain.Block{genesis, b1}}}, seeded(), 1)
	assert.ErrorIs(t, err, syncengine.ErrNoBetterChain)
}
