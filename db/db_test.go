package db

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManagerBasicOps(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	require.NoError(t, err)
	defer mgr.Close()

	require.NoError(t, mgr.Set("k1", []byte("v1")))
	v, err := mgr.Get("k1")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	// missing keys read as nil without error
	v, err = mgr.Get("missing")
	require.NoError(t, err)
	require.Nil(t, v)

	require.NoError(t, mgr.Delete("k1"))
	v, err = mgr.Get("k1")
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestManagerIteratePrefix(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	require.NoError(t, err)
	defer mgr.Close()

	require.NoError(t, mgr.Set(KeyPendingTx("aa"), []byte("1")))
	require.NoError(t, mgr.Set(KeyPendingTx("bb"), []byte("2")))
	require.NoError(t, mgr.Set("other_cc", []byte("3")))

	seen := map[string]string{}
	require.NoError(t, mgr.IteratePrefix(PendingTxPrefix, func(key string, value []byte) error {
		seen[key] = string(value)
		return nil
	}))
	require.Len(t, seen, 2)
	require.Equal(t, "1", seen[KeyPendingTx("aa")])

	require.NoError(t, mgr.DeletePrefix(PendingTxPrefix))
	count := 0
	require.NoError(t, mgr.IteratePrefix(PendingTxPrefix, func(string, []byte) error {
		count++
		return nil
	}))
	require.Zero(t, count)

	v, err := mgr.Get("other_cc")
	require.NoError(t, err)
	require.Equal(t, []byte("3"), v)
}
