package bolt

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Ensure a cursor walks every key in order across a tree large enough to
// have split into several leaf pages under a branch root.
func TestCursorIterateLargeBucket(t *testing.T) {
	db := openTestDB(t)
	const n = 1000

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		// Insert out of order so the sorted result comes from the tree,
		// not from insertion order.
		for i := n - 1; i >= 0; i-- {
			if err := b.Put([]byte(fmt.Sprintf("%04d", i)), []byte(fmt.Sprintf("v%d", i))); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		c := tx.Bucket([]byte("widgets")).Cursor()
		i := 0
		for k, v, _ := c.First(); k != nil; k, v, _ = c.Next() {
			assert.Equal(t, fmt.Sprintf("%04d", i), string(k))
			assert.Equal(t, fmt.Sprintf("v%d", i), string(v))
			i++
		}
		assert.Equal(t, n, i)
		return nil
	}))
}

// Ensure Seek lands on an exact match when present and on the immediate
// predecessor when absent.
func TestCursorSeek(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		for _, k := range []string{"bar", "baz", "foo"} {
			if err := b.Put([]byte(k), []byte("v-"+k)); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		c := tx.Bucket([]byte("widgets")).Cursor()

		k, v, _ := c.Seek([]byte("baz"))
		assert.Equal(t, "baz", string(k))
		assert.Equal(t, "v-baz", string(v))

		// "bbb" is absent; its predecessor is "baz".
		k, _, _ = c.Seek([]byte("bbb"))
		assert.Equal(t, "baz", string(k))

		// Below the first key the cursor clamps to the first element.
		k, _, _ = c.Seek([]byte("aaa"))
		assert.Equal(t, "bar", string(k))
		return nil
	}))
}

// Ensure First and Last agree with the key order and that Next past the
// end returns a nil key.
func TestCursorFirstLastExhaustion(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		for _, k := range []string{"b", "a", "c"} {
			if err := b.Put([]byte(k), []byte(k)); err != nil {
				return err
			}
		}

		c := b.Cursor()
		k, _, _ := c.First()
		assert.Equal(t, "a", string(k))
		k, _, _ = c.Last()
		assert.Equal(t, "c", string(k))

		k, _, _ = c.Next()
		assert.Nil(t, k)
		return nil
	}))
}

// Ensure a cursor on an empty bucket returns nil from First and Last
// instead of descending into nothing.
func TestCursorEmptyBucket(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		c := b.Cursor()
		k, v, _ := c.First()
		assert.Nil(t, k)
		assert.Nil(t, v)
		k, v, _ = c.Last()
		assert.Nil(t, k)
		assert.Nil(t, v)
		return nil
	}))
}

// Ensure cursor iteration yields nested-bucket entries with the bucket
// flag set, so callers can distinguish them from plain values.
func TestCursorDistinguishesBucketEntries(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		if err := b.Put([]byte("kv"), []byte("plain")); err != nil {
			return err
		}
		if _, err := b.CreateBucket([]byte("sub")); err != nil {
			return err
		}

		seen := map[string]uint32{}
		c := b.Cursor()
		for k, _, flags := c.First(); k != nil; k, _, flags = c.Next() {
			seen[string(k)] = flags
		}
		assert.Equal(t, uint32(0), seen["kv"])
		assert.Equal(t, uint32(leafFlagBucket), seen["sub"])
		return nil
	}))
}
