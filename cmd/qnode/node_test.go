package main

import (
	"testing"

	"qnode/config"
	"qnode/types"
	"qnode/vm"

	"github.com/stretchr/testify/require"
)

func testNodeConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Node.Epoch = 7
	cfg.Node.InitialTick = 1000
	cfg.Node.SnapshotDir = t.TempDir()
	cfg.Node.DataDir = t.TempDir()
	cfg.Storage = config.StorageConfig{
		MaxTicksPerEpoch:           300,
		TicksToKeep:                100,
		NumberOfComputors:          4,
		TransactionsPerTick:        8,
		MaxTransactionSize:         types.TxBaseSize + 64,
		TransactionSparseness:      1,
		FirstTickTransactionOffset: 8,
	}
	cfg.VM = config.VMConfig{
		ContractCount:          2,
		NumExecutionProcessors: 2,
		StackCapacity:          64 << 10,
		ContractStateSizes:     []uint32{32, 32},
	}
	return cfg
}

func makeTx(tick uint32, seed byte) *types.Transaction {
	tx := &types.Transaction{
		Amount:    int64(seed),
		Tick:      tick,
		InputSize: 4,
		Input:     []byte{seed, seed, seed, seed},
	}
	tx.SourcePublicKey[0] = seed
	return tx
}

func TestNodeLifecycle(t *testing.T) {
	cfg := testNodeConfig(t)
	node, err := NewNode(cfg, nil)
	require.NoError(t, err)

	epochStarted := false
	require.NoError(t, node.VM.RegisterSystemProcedure(0, vm.ProcBeginEpoch, func(ctx *vm.ProcedureContext, state []byte) {
		epochStarted = true
	}))

	require.NoError(t, node.Start())
	require.True(t, epochStarted)

	require.True(t, node.SubmitTransaction(makeTx(1005, 9)))
	require.Equal(t, uint32(1), node.Pool.GetNumberOfTickTxs(1005))

	require.NoError(t, node.EndTick())
	require.False(t, node.VM.StateChangeFlags().Test(0))

	require.NoError(t, node.Storage.CheckStateConsistency())
	require.NoError(t, node.Pool.CheckStateConsistency())
	node.Shutdown()
}

func TestNodeSnapshotRoundTrip(t *testing.T) {
	cfg := testNodeConfig(t)
	node, err := NewNode(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, node.Start())

	require.NoError(t, node.Storage.SetTickData(types.TickData{Epoch: 7, Tick: 1001}))
	_, err = node.Storage.AddTransaction(makeTx(1001, 5), 0)
	require.NoError(t, err)
	require.NoError(t, node.SaveSnapshot(1001))
	node.Shutdown()

	// a new node over the same snapshot dir resumes from the saved tick
	node2, err := NewNode(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, node2.Start())
	require.Equal(t, uint32(1001), node2.Storage.GetPreloadTick())

	td, ok := node2.Storage.GetTickData(1001)
	require.True(t, ok)
	require.Equal(t, uint32(1001), td.Tick)
	require.NotNil(t, node2.Storage.TransactionBySlot(1001, 0))
	node2.Shutdown()
}

func TestNodeEpochRollover(t *testing.T) {
	cfg := testNodeConfig(t)
	node, err := NewNode(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, node.Start())

	require.True(t, node.SubmitTransaction(makeTx(1150, 3)))
	node.BeginEpoch(1200)

	ob, oe := node.Pool.OldTickRange()
	require.Equal(t, uint32(1100), ob)
	require.Equal(t, uint32(1200), oe)
	require.Equal(t, uint32(1), node.Pool.GetNumberOfTickTxs(1150))
	require.NoError(t, node.Storage.CheckStateConsistency())
	node.Shutdown()
}
