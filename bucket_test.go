package bolt

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Ensure a bucket can put and retrieve a value within one transaction,
// before anything has been committed or spilled to a page.
func TestBucketPutGet(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		require.NoError(t, err)
		require.NoError(t, b.Put([]byte("foo"), []byte("bar")))
		assert.Equal(t, []byte("bar"), b.Get([]byte("foo")))
		return nil
	}))
}

// Ensure Get on a missing key returns nil, not an error.
func TestBucketGetMissing(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		require.NoError(t, err)
		assert.Nil(t, b.Get([]byte("nope")))
		return nil
	}))
}

// Ensure Delete removes a key and fails with ErrKeyValueMissing for a
// key that never existed.
func TestBucketDelete(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		require.NoError(t, err)
		require.NoError(t, b.Put([]byte("foo"), []byte("bar")))
		require.NoError(t, b.Delete([]byte("foo")))
		assert.Nil(t, b.Get([]byte("foo")))
		assert.Equal(t, ErrKeyValueMissing, b.Delete([]byte("never-existed")))
		return nil
	}))
}

// Ensure creating a bucket under a name that's already a plain key fails,
// and vice versa: the two kinds of entry are mutually exclusive.
func TestBucketIncompatibleValue(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		require.NoError(t, err)
		require.NoError(t, b.Put([]byte("foo"), []byte("bar")))

		_, err = b.CreateBucket([]byte("foo"))
		assert.Equal(t, ErrIncompatibleValue, err)

		assert.Equal(t, ErrBucketNotFound, b.DeleteBucket([]byte("sprockets")))
		assert.Equal(t, ErrIncompatibleValue, b.DeleteBucket([]byte("foo")))
		_, err = b.CreateBucket([]byte("sprockets"))
		require.NoError(t, err)
		err = b.Put([]byte("sprockets"), []byte("x"))
		assert.Equal(t, ErrIncompatibleValue, err)
		return nil
	}))
}

// Ensure CreateBucket rejects a duplicate name and CreateBucketIfNotExists
// instead returns the existing handle.
func TestBucketCreateBucketIfNotExists(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucket([]byte("widgets"))
		require.NoError(t, err)

		_, err = tx.CreateBucket([]byte("widgets"))
		assert.Equal(t, ErrBucketExists, err)

		b, err := tx.CreateBucketIfNotExists([]byte("widgets"))
		require.NoError(t, err)
		assert.NotNil(t, b)
		return nil
	}))
}

// Ensure ForEach visits every plain key/value pair in sorted order and
// skips nested-bucket entries.
func TestBucketForEachOrderSkipsBuckets(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		require.NoError(t, err)
		require.NoError(t, b.Put([]byte("b"), []byte("2")))
		require.NoError(t, b.Put([]byte("a"), []byte("1")))
		require.NoError(t, b.Put([]byte("c"), []byte("3")))
		_, err = b.CreateBucket([]byte("sub"))
		require.NoError(t, err)

		var keys []string
		require.NoError(t, b.ForEach(func(k, v []byte) error {
			keys = append(keys, string(k))
			return nil
		}))
		assert.Equal(t, []string{"a", "b", "c"}, keys)
		return nil
	}))
}

// Ensure Range respects both half-open and closed upper bounds.
func TestBucketRangeBounds(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		require.NoError(t, err)
		for i := 0; i < 5; i++ {
			require.NoError(t, b.Put([]byte(fmt.Sprintf("%02d", i)), []byte{byte(i)}))
		}

		var halfOpen []string
		require.NoError(t, b.Range([]byte("01"), []byte("03"), false, func(k, v []byte) error {
			halfOpen = append(halfOpen, string(k))
			return nil
		}))
		assert.Equal(t, []string{"01", "02"}, halfOpen)

		var closed []string
		require.NoError(t, b.Range([]byte("01"), []byte("03"), true, func(k, v []byte) error {
			closed = append(closed, string(k))
			return nil
		}))
		assert.Equal(t, []string{"01", "02", "03"}, closed)
		return nil
	}))
}

// Ensure deleting a bucket reclaims its pages and a later commit's
// integrity check still sees a consistent tree.
func TestBucketDeleteBucketReclaimsPages(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		top, err := tx.CreateBucket([]byte("widgets"))
		require.NoError(t, err)
		for i := 0; i < 50; i++ {
			name := []byte(fmt.Sprintf("sub-%03d", i))
			sub, err := top.CreateBucket(name)
			require.NoError(t, err)
			require.NoError(t, sub.Put([]byte("k"), []byte("v")))
		}
		return nil
	}))

	require.NoError(t, db.Update(func(tx *Tx) error {
		top := tx.Bucket([]byte("widgets"))
		require.NotNil(t, top)
		return tx.DeleteBucket([]byte("widgets"))
	}))

	assert.NoError(t, db.Check())

	require.NoError(t, db.View(func(tx *Tx) error {
		assert.Nil(t, tx.Bucket([]byte("widgets")))
		return nil
	}))
}

// Ensure using a handle to a bucket deleted within the same transaction
// panics rather than silently operating on stale state.
func TestBucketUseAfterDeletePanics(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		require.NoError(t, err)
		require.NoError(t, tx.DeleteBucket([]byte("widgets")))

		assert.Panics(t, func() {
			_ = b.Get([]byte("foo"))
		})
		return nil
	})
	require.NoError(t, err)
}

// Ensure NextSequence advances only on a successful insert of a
// brand-new key, not on an overwrite.
func TestBucketNextSequence(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		require.NoError(t, err)
		assert.Equal(t, uint64(0), b.NextSequence())

		require.NoError(t, b.Put([]byte("a"), []byte("1")))
		assert.Equal(t, uint64(1), b.NextSequence())

		require.NoError(t, b.Put([]byte("a"), []byte("2")))
		assert.Equal(t, uint64(1), b.NextSequence())
		return nil
	}))
}
