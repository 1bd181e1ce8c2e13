package dict

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	stm "github.com/vela-stm/stm"
)

// badHash deliberately clusters keys to stress the cellar, as scenario S3
// calls for.
func badHash(x int) int { return x / 3 }

// TestFuzzInsertAndRemove is scenario S3: insert a random permutation of
// 0..n-1 under a deliberately bad hash, verifying every previously
// inserted key remains retrievable after each insert, then remove in
// reverse, checking count and lookups at each step.
func TestFuzzInsertAndRemove(t *testing.T) {
	for n := 0; n < 100; n++ {
		d, err := New[int, int](badHash, 4)
		require.NoError(t, err)

		perm := rand.Perm(n)
		for i, key := range perm {
			err := stm.Atomically(func(txn *stm.Txn) error {
				return d.Insert(txn, key, key*10, false)
			})
			require.NoError(t, err)

			for _, prior := range perm[:i+1] {
				v, err := stm.AtomicallyValue(func(txn *stm.Txn) (int, error) {
					return d.Get(txn, prior)
				})
				require.NoError(t, err)
				require.Equal(t, prior*10, v)
			}

			cnt, err := stm.AtomicallyValue(func(txn *stm.Txn) (int, error) {
				return d.Count(txn)
			})
			require.NoError(t, err)
			require.Equal(t, i+1, cnt)
		}

		for i := len(perm) - 1; i >= 0; i-- {
			key := perm[i]
			require.NoError(t, stm.Atomically(func(txn *stm.Txn) error {
				return d.Remove(txn, key)
			}))

			cnt, err := stm.AtomicallyValue(func(txn *stm.Txn) (int, error) {
				return d.Count(txn)
			})
			require.NoError(t, err)
			require.Equal(t, i, cnt)

			for _, remaining := range perm[:i] {
				ok, err := stm.AtomicallyValue(func(txn *stm.Txn) (bool, error) {
					return d.ContainsKey(txn, remaining)
				})
				require.NoError(t, err)
				require.True(t, ok)
			}
		}
	}
}

func identityHash(x int) int { return x }

// TestRollbackAfterRehashLeavesOriginalIntact is scenario S4: a
// transaction that forces a rehash, then clears and repopulates the
// table, must leave the original entries intact if it never commits.
func TestRollbackAfterRehashLeavesOriginalIntact(t *testing.T) {
	d, err := New[int, string](identityHash, 4)
	require.NoError(t, err)

	require.NoError(t, stm.Atomically(func(txn *stm.Txn) error {
		for i := 0; i < 3; i++ {
			if err := d.Insert(txn, i, "orig", false); err != nil {
				return err
			}
		}
		return nil
	}))

	txn, err := stm.Begin(nil)
	require.NoError(t, err)
	for i := 3; i < 20; i++ {
		require.NoError(t, d.Insert(txn, i, "extra", false))
	}
	for i := 0; i < 20; i++ {
		_ = d.Remove(txn, i)
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, d.Insert(txn, i, "repopulated", false))
	}
	txn.Dispose()

	cnt, err := stm.AtomicallyValue(func(txn *stm.Txn) (int, error) {
		return d.Count(txn)
	})
	require.NoError(t, err)
	require.Equal(t, 3, cnt)

	for i := 0; i < 3; i++ {
		v, err := stm.AtomicallyValue(func(txn *stm.Txn) (string, error) {
			return d.Get(txn, i)
		})
		require.NoError(t, err)
		require.Equal(t, "orig", v)
	}
}

func TestDuplicateKeyWithoutOverwriteFails(t *testing.T) {
	d, err := New[string, int](func(s string) int {
		h := 0
		for _, c := range s {
			h = h*31 + int(c)
		}
		return h
	}, 4)
	require.NoError(t, err)

	require.NoError(t, stm.Atomically(func(txn *stm.Txn) error {
		return d.Insert(txn, "k", 1, false)
	}))
	err = stm.Atomically(func(txn *stm.Txn) error {
		return d.Insert(txn, "k", 2, false)
	})
	require.ErrorIs(t, err, stm.ErrDuplicateKey)

	require.NoError(t, stm.Atomically(func(txn *stm.Txn) error {
		return d.Insert(txn, "k", 2, true)
	}))
	v, err := stm.AtomicallyValue(func(txn *stm.Txn) (int, error) {
		return d.Get(txn, "k")
	})
	require.NoError(t, err)
	require.Equal(t, 2, v)
}
