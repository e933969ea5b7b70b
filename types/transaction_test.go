package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleTx(tick uint32, inputLen int) *Transaction {
	tx := &Transaction{
		Amount:    1000,
		Tick:      tick,
		InputType: 7,
		InputSize: uint16(inputLen),
		Input:     make([]byte, inputLen),
	}
	for i := range tx.Input {
		tx.Input[i] = byte(i + 1)
	}
	tx.SourcePublicKey[0] = 0xAA
	tx.DestinationPublicKey[0] = 0xBB
	tx.Signature[0] = 0xCC
	return tx
}

func TestTransactionRoundTrip(t *testing.T) {
	tx := sampleTx(1005, 40)
	require.True(t, tx.CheckValidity())
	require.Equal(t, uint64(TxBaseSize+40), tx.TotalSize())

	buf := tx.MarshalBinary()
	require.Len(t, buf, int(tx.TotalSize()))

	got, err := ParseTransaction(buf)
	require.NoError(t, err)
	require.Equal(t, tx.Amount, got.Amount)
	require.Equal(t, tx.Tick, got.Tick)
	require.Equal(t, tx.InputType, got.InputType)
	require.Equal(t, tx.Input, got.Input)
	require.Equal(t, tx.SourcePublicKey, got.SourcePublicKey)
	require.Equal(t, tx.DestinationPublicKey, got.DestinationPublicKey)
	require.Equal(t, tx.Signature, got.Signature)

	size, err := TransactionTotalSize(buf)
	require.NoError(t, err)
	require.Equal(t, tx.TotalSize(), size)
}

func TestParseTransactionTruncated(t *testing.T) {
	tx := sampleTx(1, 16)
	buf := tx.MarshalBinary()

	_, err := ParseTransaction(buf[:TxBaseSize-1])
	require.Error(t, err)

	// header claims more input than the buffer holds
	_, err = ParseTransaction(buf[:len(buf)-1])
	require.Error(t, err)
}

func TestCheckValidityBounds(t *testing.T) {
	tx := sampleTx(1, 0)
	require.True(t, tx.CheckValidity())

	tx.Amount = -1
	require.False(t, tx.CheckValidity())

	tx.Amount = MaxAmount + 1
	require.False(t, tx.CheckValidity())

	tx = sampleTx(1, 8)
	tx.InputSize = 4 // inconsistent with len(Input)
	require.False(t, tx.CheckValidity())
}

func TestTickRecordSizes(t *testing.T) {
	var td TickData
	td.Epoch = 3
	td.Tick = 99
	td.Timestamp = 123456
	td.TransactionDigestsRoot[0] = 1
	td.Signature[63] = 2

	buf := make([]byte, TickDataSize)
	td.MarshalTo(buf)
	var got TickData
	got.UnmarshalFrom(buf)
	require.Equal(t, td, got)

	var tv TickVote
	tv.Epoch = 3
	tv.Tick = 99
	tv.ComputorIndex = 42
	tv.PrevDigest[0] = 1
	tv.StateDigest[0] = 2
	tv.TransactionsDigest[0] = 3
	tv.Signature[0] = 4

	buf = make([]byte, TickVoteSize)
	tv.MarshalTo(buf)
	var gotVote TickVote
	gotVote.UnmarshalFrom(buf)
	require.Equal(t, tv, gotVote)
}
