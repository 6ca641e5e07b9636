package persistence_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posforge/posforge/internal/chain"
	"github.com/posforge/posforge/internal/persistence"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	genesis := chain.NewGenesisBlock(1)
	tx := chain.NewTransaction("alice", "bob", 5, 2, chain.Transfer)
	b1 := chain.NewBlock(1, genesis.Hash(), "alice", chain.Txs{tx}, 2)

	path := filepath.Join(t.TempDir(), "chain.json")
	snap := persistence.ToSnapshot([]*chain.Block{genesis, b1})
	require.NoError(t, persistence.Save(path, snap))

	loaded, err := persistence.Load(path)
	require.NoError(t, err)

	blocks := loaded.ToBlocks()
	require.Len(t, blocks, 2)
	assert.Equal(t, genesis.Hash(), blocks[0].Hash())
	assert.Equal(t, b1.Hash(), blocks[1].Hash())
	require.Len(t, blocks[1].Txs(), 1)
	assert.Equal(t, tx.ID(), blocks[1].Txs()[0].ID())
}

func TestLoadMissingFileReturnsEmptySnapshot(t *testing.T) {
	snap, err := persistence.Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Empty(t, snap.Blocks)
}

func TestSaveOverwritesPreviousContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.json")
	genesis := chain.NewGenesisBlock(1)

	require.NoError(t, persistence.Save(path, persistence.ToSnapshot([]*chain.Block{genesis})))
	b1 := chain.NewBlock(1, genesis.Hash(), "alice", nil, 2)
	require.NoError(t, persistence.Save(path, persistence.ToSnapshot([]*chain.Block{genesis, b1})))

	loaded, err := persistence.Load(path)
	require.NoError(t, err)
	assert.Len(t, loaded.Blocks, 2)
}
