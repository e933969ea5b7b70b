package tickstore

import (
	"testing"

	"qnode/config"
	"qnode/types"

	"github.com/stretchr/testify/require"
)

func testStorageConfig() config.StorageConfig {
	return config.StorageConfig{
		MaxTicksPerEpoch:           300,
		TicksToKeep:                100,
		NumberOfComputors:          4,
		TransactionsPerTick:        8,
		MaxTransactionSize:         types.TxBaseSize + 64,
		TransactionSparseness:      1,
		FirstTickTransactionOffset: 8,
	}
}

func makeTx(tick uint32, inputLen int, seed byte) *types.Transaction {
	tx := &types.Transaction{
		Amount:    int64(seed),
		Tick:      tick,
		InputType: 1,
		InputSize: uint16(inputLen),
		Input:     make([]byte, inputLen),
	}
	for i := range tx.Input {
		tx.Input[i] = seed
	}
	tx.SourcePublicKey[0] = seed
	return tx
}

func appendTx(t *testing.T, a *TxArena, tx *types.Transaction, slot uint32) uint64 {
	t.Helper()
	a.Lock()
	defer a.Unlock()
	offset, ok := a.AppendLocked(a.TickToIndexCurrentEpoch(tx.Tick), slot, tx.MarshalBinary())
	require.True(t, ok)
	return offset
}

func TestArenaColdStart(t *testing.T) {
	cfg := testStorageConfig()
	a := NewTxArena(cfg)
	a.BeginEpoch(1000)

	tb, te := a.TickRange()
	require.Equal(t, uint32(1000), tb)
	require.Equal(t, uint32(1000+cfg.MaxTicksPerEpoch), te)
	ob, oe := a.OldTickRange()
	require.Equal(t, uint32(0), ob)
	require.Equal(t, uint32(0), oe)
	require.Equal(t, cfg.FirstTickTransactionOffset, a.NextOffset())
	require.NoError(t, a.CheckConsistency())
}

func TestArenaAppendAndRead(t *testing.T) {
	cfg := testStorageConfig()
	a := NewTxArena(cfg)
	a.BeginEpoch(1000)

	tx := makeTx(1005, 32, 9)
	offset := appendTx(t, a, tx, 0)
	require.Equal(t, cfg.FirstTickTransactionOffset, offset)
	require.Equal(t, offset+tx.TotalSize(), a.NextOffset())

	got, err := a.TransactionAt(offset)
	require.NoError(t, err)
	require.Equal(t, tx.Tick, got.Tick)
	require.Equal(t, tx.Input, got.Input)

	// slot entries are written once
	a.Lock()
	_, ok := a.AppendLocked(a.TickToIndexCurrentEpoch(1005), 0, tx.MarshalBinary())
	a.Unlock()
	require.False(t, ok)

	require.NoError(t, a.CheckConsistency())
}

func TestArenaBumpOverflow(t *testing.T) {
	cfg := testStorageConfig()
	// with sparseness 1 the current-epoch region holds exactly
	// MaxTicksPerEpoch*TransactionsPerTick of these transactions; fill it
	cfg.MaxTicksPerEpoch = 300
	a := NewTxArena(cfg)
	a.BeginEpoch(1000)

	tx := makeTx(1000, 64, 1)
	size := tx.TotalSize()
	space := a.StorageSpaceCurrentEpoch() - a.NextOffset()
	n := space / size

	var slot uint32
	tick := uint32(1000)
	for i := uint64(0); i < n; i++ {
		tx := makeTx(tick, 64, byte(i%250+1))
		a.Lock()
		_, ok := a.AppendLocked(a.TickToIndexCurrentEpoch(tick), slot, tx.MarshalBinary())
		a.Unlock()
		require.True(t, ok)
		slot++
		if slot == cfg.TransactionsPerTick {
			slot = 0
			tick++
		}
	}

	// next append must be refused, arena unchanged
	before := a.NextOffset()
	a.Lock()
	_, ok := a.AppendLocked(a.TickToIndexCurrentEpoch(tick), slot, makeTx(tick, 64, 7).MarshalBinary())
	a.Unlock()
	require.False(t, ok)
	require.Equal(t, before, a.NextOffset())
}

// 无缝换 epoch：留下的交易被搬进上一 epoch 区并重定位
func TestArenaSeamlessEpochRollover(t *testing.T) {
	cfg := testStorageConfig()
	a := NewTxArena(cfg)
	a.BeginEpoch(1000)

	// non-zero data in ticks [1100, 1200)
	txs := make(map[uint32]*types.Transaction)
	for tick := uint32(1100); tick < 1200; tick++ {
		tx := makeTx(tick, 16, byte(tick%200)+1)
		appendTx(t, a, tx, 0)
		txs[tick] = tx
	}

	a.BeginEpoch(1200)

	ob, oe := a.OldTickRange()
	require.Equal(t, uint32(1100), ob)
	require.Equal(t, uint32(1200), oe)
	tb, _ := a.TickRange()
	require.Equal(t, uint32(1200), tb)
	require.Equal(t, cfg.FirstTickTransactionOffset, a.NextOffset())

	curSize := cfg.TxsSizeCurrentEpoch()
	for tick := uint32(1100); tick < 1200; tick++ {
		row := a.OffsetsByTickIndex(a.TickToIndexPreviousEpoch(tick))
		require.NotZero(t, row[0], "tick %d lost", tick)
		require.GreaterOrEqual(t, row[0], curSize, "offset of tick %d not rebased", tick)
		got, err := a.TransactionAt(row[0])
		require.NoError(t, err)
		require.Equal(t, tick, got.Tick)
		require.Equal(t, txs[tick].Input, got.Input)
	}

	// current-epoch region is zero
	for _, b := range a.rawTxs()[:curSize] {
		if b != 0 {
			t.Fatal("current-epoch arena region not cleared")
		}
	}
	for _, o := range a.rawOffsets()[:cfg.TxOffsetsLengthCurrentEpoch()] {
		require.Zero(t, o)
	}

	require.NoError(t, a.CheckConsistency())
}

// 上一 epoch 区装不下时，最老的交易被丢弃（槽表清零）
func TestArenaRolloverDropsOldest(t *testing.T) {
	cfg := testStorageConfig()
	cfg.TransactionSparseness = 2 // previous-epoch region: 100*8*208/2 bytes
	a := NewTxArena(cfg)
	a.BeginEpoch(1000)

	// fill the kept range with more bytes than the previous-epoch region holds
	prevCap := cfg.TxsSizePreviousEpoch()
	var written uint64
	tick := uint32(1100)
	slot := uint32(0)
	for written <= prevCap+10*uint64(types.TxBaseSize+64) {
		if tick >= 1200 {
			break
		}
		tx := makeTx(tick, 64, byte(tick%200)+1)
		appendTx(t, a, tx, slot)
		written += tx.TotalSize()
		slot++
		if slot == cfg.TransactionsPerTick {
			slot = 0
			tick++
		}
	}
	require.Greater(t, written, prevCap, "test setup must overflow the previous-epoch region")

	a.BeginEpoch(1200)

	dropped := 0
	kept := 0
	for tick := uint32(1100); tick < 1200; tick++ {
		row := a.OffsetsByTickIndex(a.TickToIndexPreviousEpoch(tick))
		for _, offset := range row {
			if offset == 0 {
				continue
			}
			kept++
			got, err := a.TransactionAt(offset)
			require.NoError(t, err)
			require.Equal(t, tick, got.Tick)
		}
	}
	for tick := uint32(1100); tick < 1200; tick++ {
		rowAllZero := true
		for _, offset := range a.OffsetsByTickIndex(a.TickToIndexPreviousEpoch(tick)) {
			if offset != 0 {
				rowAllZero = false
			}
		}
		if rowAllZero {
			dropped++
		}
	}
	require.Greater(t, kept, 0)
	require.Greater(t, dropped, 0, "the oldest ticks must have been dropped")
	require.NoError(t, a.CheckConsistency())
}
