package stats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordExecutionAggregates(t *testing.T) {
	s := NewStats()

	s.RecordExecution(2, UserProcedure, 7, 100)
	s.RecordExecution(2, UserProcedure, 7, 50)
	s.RecordExecution(2, UserFunction, 7, 30)
	s.RecordExecution(3, SystemProcedure, 0, 10)

	st := s.Get(2, UserProcedure, 7)
	require.Equal(t, uint64(2), st.Calls)
	require.Equal(t, int64(150), st.ExecTicks)

	// the same inputType under a different entry point is a separate handler
	st = s.Get(2, UserFunction, 7)
	require.Equal(t, uint64(1), st.Calls)

	require.Equal(t, uint64(3), s.ContractCalls(2))
	require.Equal(t, int64(180), s.ContractExecTicks(2))
	require.Equal(t, uint64(1), s.ContractCalls(3))
	require.Zero(t, s.ContractCalls(0))

	snapshot := s.Snapshot()
	require.Len(t, snapshot, 3)
	require.Equal(t, uint64(2), snapshot[CallKey{Contract: 2, Kind: UserProcedure, Type: 7}].Calls)
}

func TestCallKindString(t *testing.T) {
	require.Equal(t, "system_procedure", SystemProcedure.String())
	require.Equal(t, "user_procedure", UserProcedure.String())
	require.Equal(t, "user_function", UserFunction.String())
}

func TestChannelStatUsage(t *testing.T) {
	c := ChannelStat{Name: "saveQueue", Owner: "TxsPool", Len: 5, Cap: 10, Enqueued: 50, Dropped: 2}
	require.Equal(t, 0.5, c.Usage())
	require.False(t, c.Saturated())

	c.Len = 10
	require.True(t, c.Saturated())

	empty := ChannelStat{}
	require.Zero(t, empty.Usage())
	require.False(t, empty.Saturated())
}
