package cowtree

import (
	"fmt"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestEnv(t *testing.T) *Environment {
	t.Helper()
	dir := t.TempDir()
	env, err := Open(filepath.Join(dir, "test.db"), Config{PageSize: 4096})
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func TestPutGetRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	txn, err := env.Begin(true)
	require.NoError(t, err)
	tree, err := OpenTree[uint64, string](txn, "kv", new(Uint64Codec), new(JsonTypeCodec[string]))
	require.NoError(t, err)

	res, err := tree.Put(1, "hello")
	require.NoError(t, err)
	require.Equal(t, UpsertInserted, res)

	v, found, err := tree.Get(1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "hello", v)

	require.NoError(t, txn.Commit())

	readTxn, err := env.Begin(false)
	require.NoError(t, err)
	readTree, err := OpenTree[uint64, string](readTxn, "kv", new(Uint64Codec), new(JsonTypeCodec[string]))
	require.NoError(t, err)
	v, found, err = readTree.Get(1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "hello", v)
	require.NoError(t, readTxn.Commit())
}

func TestReadYourOwnWritesWithinTx(t *testing.T) {
	env := newTestEnv(t)
	txn, err := env.Begin(true)
	require.NoError(t, err)
	tree, err := OpenTree[uint64, string](txn, "kv", new(Uint64Codec), new(JsonTypeCodec[string]))
	require.NoError(t, err)

	_, err = tree.Put(42, "a")
	require.NoError(t, err)
	v, found, err := tree.Get(42)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "a", v)

	res, err := tree.Put(42, "b")
	require.NoError(t, err)
	require.Equal(t, UpsertReplaced, res)
	v, found, err = tree.Get(42)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "b", v)

	require.NoError(t, txn.Commit())
}

func TestNotVisibleBeforeCommit(t *testing.T) {
	env := newTestEnv(t)

	readTxn, err := env.Begin(false)
	require.NoError(t, err)
	readTree, err := OpenTree[uint64, string](readTxn, "kv", new(Uint64Codec), new(JsonTypeCodec[string]))
	require.NoError(t, err)

	writeTxn, err := env.Begin(true)
	require.NoError(t, err)
	writeTree, err := OpenTree[uint64, string](writeTxn, "kv", new(Uint64Codec), new(JsonTypeCodec[string]))
	require.NoError(t, err)
	_, err = writeTree.Put(7, "late")
	require.NoError(t, err)
	require.NoError(t, writeTxn.Commit())

	_, found, err := readTree.Get(7)
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, readTxn.Commit())
}

func TestDeleteRemovesKey(t *testing.T) {
	env := newTestEnv(t)
	txn, err := env.Begin(true)
	require.NoError(t, err)
	tree, err := OpenTree[uint64, string](txn, "kv", new(Uint64Codec), new(JsonTypeCodec[string]))
	require.NoError(t, err)

	_, err = tree.Put(5, "x")
	require.NoError(t, err)
	existed, err := tree.Del(5)
	require.NoError(t, err)
	require.True(t, existed)

	_, found, err := tree.Get(5)
	require.NoError(t, err)
	require.False(t, found)

	existed, err = tree.Del(5)
	require.NoError(t, err)
	require.False(t, existed)

	require.NoError(t, txn.Commit())
}

func TestIterationOrderMatchesSortedKeys(t *testing.T) {
	env := newTestEnv(t)
	txn, err := env.Begin(true)
	require.NoError(t, err)
	tree, err := OpenTree[uint64, string](txn, "kv", new(Uint64Codec), new(JsonTypeCodec[string]))
	require.NoError(t, err)

	keys := []uint64{50, 10, 30, 20, 40, 1, 99}
	for _, k := range keys {
		_, err := tree.Put(k, fmt.Sprintf("v%d", k))
		require.NoError(t, err)
	}

	var seen []uint64
	err = tree.Range(0, func(k uint64, v string) bool {
		seen = append(seen, k)
		return true
	})
	require.NoError(t, err)

	want := append([]uint64(nil), keys...)
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	require.Equal(t, want, seen)
	require.NoError(t, txn.Commit())
}

func TestSequentialInsertSplitsAndIteratesInOrder(t *testing.T) {
	env := newTestEnv(t)
	txn, err := env.Begin(true)
	require.NoError(t, err)
	tree, err := OpenTree[uint64, string](txn, "big", new(Uint64Codec), new(JsonTypeCodec[string]))
	require.NoError(t, err)

	const n = 2000
	for i := uint64(0); i < n; i++ {
		_, err := tree.Put(i, fmt.Sprintf("v%d", i))
		require.NoError(t, err)
	}

	var last uint64
	count := 0
	err = tree.Range(0, func(k uint64, v string) bool {
		if count > 0 {
			require.Greater(t, k, last)
		}
		last = k
		count++
		return true
	})
	require.NoError(t, err)
	require.Equal(t, n, count)
	require.NoError(t, txn.Commit())
}

func TestMultiValueAddAndIterate(t *testing.T) {
	env := newTestEnv(t)
	txn, err := env.Begin(true)
	require.NoError(t, err)
	tree, err := OpenTree[string, string](txn, "tags", new(JsonTypeCodec[string]), new(JsonTypeCodec[string]))
	require.NoError(t, err)

	require.NoError(t, tree.MultiAdd("fruit", "apple"))
	require.NoError(t, tree.MultiAdd("fruit", "banana"))
	require.NoError(t, tree.MultiAdd("fruit", "cherry"))

	vals, err := tree.MultiIterator("fruit")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"apple", "banana", "cherry"}, vals)
	require.NoError(t, txn.Commit())
}

func TestCreateAndDeleteTree(t *testing.T) {
	env := newTestEnv(t)
	txn, err := env.Begin(true)
	require.NoError(t, err)

	require.NoError(t, env.CreateTree(txn, "widgets"))
	require.ErrorIs(t, env.CreateTree(txn, "widgets"), ErrTreeExists)

	require.NoError(t, env.DeleteTree(txn, "widgets"))
	require.ErrorIs(t, env.DeleteTree(txn, "widgets"), ErrTreeNotFound)

	require.NoError(t, txn.Commit())
}

func TestReopenPersistsCommittedState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reopen.db")

	env, err := Open(path, Config{PageSize: 4096})
	require.NoError(t, err)
	txn, err := env.Begin(true)
	require.NoError(t, err)
	tree, err := OpenTree[uint64, string](txn, "kv", new(Uint64Codec), new(JsonTypeCodec[string]))
	require.NoError(t, err)
	_, err = tree.Put(99, "persisted")
	require.NoError(t, err)
	require.NoError(t, txn.Commit())
	require.NoError(t, env.Close())

	env2, err := Open(path, Config{PageSize: 4096})
	require.NoError(t, err)
	defer env2.Close()
	readTxn, err := env2.Begin(false)
	require.NoError(t, err)
	readTree, err := OpenTree[uint64, string](readTxn, "kv", new(Uint64Codec), new(JsonTypeCodec[string]))
	require.NoError(t, err)
	v, found, err := readTree.Get(99)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "persisted", v)
	require.NoError(t, readTxn.Commit())
}

func TestOverflowValueRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	txn, err := env.Begin(true)
	require.NoError(t, err)
	tree, err := OpenTree[uint64, string](txn, "kv", new(Uint64Codec), new(JsonTypeCodec[string]))
	require.NoError(t, err)

	big := make([]byte, 2000)
	for i := range big {
		big[i] = byte(32 + i%95)
	}
	_, err = tree.Put(1, string(big))
	require.NoError(t, err)

	v, found, err := tree.Get(1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, string(big), v)
	require.NoError(t, txn.Commit())
}
