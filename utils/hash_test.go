package utils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestK12HashDeterministic(t *testing.T) {
	a := K12Hash([]byte("tick 1005"))
	b := K12Hash([]byte("tick 1005"))
	require.Equal(t, a, b)
	require.False(t, a.IsZero())

	c := K12Hash([]byte("tick 1006"))
	require.NotEqual(t, a, c)

	empty := K12Hash(nil)
	require.False(t, empty.IsZero())
}
