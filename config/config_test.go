package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.NotNil(t, cfg.VM.ContractStateSizes)
	require.Len(t, cfg.VM.ContractStateSizes, int(cfg.VM.ContractCount))
}

func TestStorageConfigDerivedSizes(t *testing.T) {
	s := StorageConfig{
		MaxTicksPerEpoch:           200,
		TicksToKeep:                100,
		NumberOfComputors:          4,
		TransactionsPerTick:        8,
		MaxTransactionSize:         208,
		TransactionSparseness:      2,
		FirstTickTransactionOffset: 8,
	}
	require.NoError(t, s.Validate())
	require.Equal(t, uint32(300), s.TickDataLength())
	require.Equal(t, uint64(200*4), s.TicksLengthCurrentEpoch())
	require.Equal(t, uint64(300*4), s.TicksLength())
	require.Equal(t, uint64(8+200*8*208/2), s.TxsSizeCurrentEpoch())
	require.Equal(t, uint64(100*8*208/2), s.TxsSizePreviousEpoch())
	require.Equal(t, uint64(200*8), s.MaxTxsCurrentEpoch())
}

func TestStorageConfigRejectsBadValues(t *testing.T) {
	good := DefaultStorageConfig()

	s := good
	s.MaxTicksPerEpoch = 0
	require.Error(t, s.Validate())

	s = good
	s.TicksToKeep = s.MaxTicksPerEpoch + 1
	require.Error(t, s.Validate())

	s = good
	s.FirstTickTransactionOffset = 0
	require.Error(t, s.Validate())

	s = good
	s.TransactionSparseness = 0
	require.Error(t, s.Validate())
}

func TestVMConfigValidation(t *testing.T) {
	v := VMConfig{ContractCount: 2, NumExecutionProcessors: 1, StackCapacity: 1024}
	require.Error(t, v.Validate())

	v.NumExecutionProcessors = 2
	require.NoError(t, v.Validate())
	require.Len(t, v.ContractStateSizes, 2)

	v.ContractStateSizes = []uint32{1}
	require.Error(t, v.Validate())
}
