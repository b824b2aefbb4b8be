package bolt

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Ensure the two meta slots alternate: after every successful commit
// their tx ids differ by exactly one and both hashes validate.
func TestTxMetaSlotsAlternate(t *testing.T) {
	db := openTestDB(t)

	for i := 0; i < 4; i++ {
		require.NoError(t, db.Update(func(tx *Tx) error {
			b, err := tx.CreateBucketIfNotExists([]byte("widgets"))
			if err != nil {
				return err
			}
			return b.Put([]byte{byte(i)}, []byte{byte(i)})
		}))

		m0, m1 := db.meta0.txid, db.meta1.txid
		diff := int64(m0) - int64(m1)
		if diff < 0 {
			diff = -diff
		}
		assert.Equal(t, int64(1), diff, "meta txids %d/%d must differ by exactly 1", m0, m1)
		assert.NoError(t, db.meta().validate())
	}
}

// Ensure a commit that fails before the meta page reaches disk leaves
// the previous generation intact: the file may contain garbage data
// pages, but reopening must surface exactly the pre-commit state.
func TestTxCommitFailureKeepsOldGeneration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, 0600, nil)
	require.NoError(t, err)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		return b.Put([]byte("foo"), []byte("v1"))
	}))

	// Let data-page writes through but fail any write that would land on
	// a meta slot, simulating a crash after step 4 of the commit protocol.
	realWriteAt := db.ops.writeAt
	metaErr := errors.New("simulated crash before meta write")
	db.ops.writeAt = func(b []byte, off int64) (int, error) {
		if off < int64(db.pageSize)*2 {
			return 0, metaErr
		}
		return realWriteAt(b, off)
	}

	err = db.Update(func(tx *Tx) error {
		return tx.Bucket([]byte("widgets")).Put([]byte("foo"), []byte("v2"))
	})
	assert.ErrorIs(t, err, metaErr)

	db.ops.writeAt = realWriteAt
	require.NoError(t, db.Close())

	db2, err := Open(path, 0600, nil)
	require.NoError(t, err)
	defer db2.Close()

	require.NoError(t, db2.View(func(tx *Tx) error {
		assert.Equal(t, []byte("v1"), tx.Bucket([]byte("widgets")).Get([]byte("foo")))
		return nil
	}))
	assert.NoError(t, db2.Check())
}

// Ensure OnCommit handlers fire after a successful commit and never
// after a rollback.
func TestTxOnCommit(t *testing.T) {
	db := openTestDB(t)

	fired := 0
	tx, err := db.Begin(true)
	require.NoError(t, err)
	tx.OnCommit(func() { fired++ })
	_, err = tx.CreateBucket([]byte("widgets"))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.Equal(t, 1, fired)

	tx, err = db.Begin(true)
	require.NoError(t, err)
	tx.OnCommit(func() { fired++ })
	require.NoError(t, tx.Rollback())
	assert.Equal(t, 1, fired, "handler must not fire on rollback")
}

// Ensure tx.ForEach visits top-level buckets in sorted name order.
func TestTxForEachBucketOrder(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		for _, name := range []string{"ghi", "abc", "def"} {
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		var names []string
		require.NoError(t, tx.ForEach(func(name []byte, b *Bucket) error {
			require.NotNil(t, b)
			names = append(names, string(name))
			return nil
		}))
		assert.Equal(t, []string{"abc", "def", "ghi"}, names)
		return nil
	}))
}

// Ensure every mutating call on a read-only transaction is rejected
// with ErrTxNotWritable while reads keep working on the same tx.
func TestTxReadOnlyRejectsWrites(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		return b.Put([]byte("foo"), []byte("bar"))
	}))

	tx, err := db.Begin(false)
	require.NoError(t, err)
	defer tx.Rollback()

	b := tx.Bucket([]byte("widgets"))
	require.NotNil(t, b)

	assert.Equal(t, ErrTxNotWritable, b.Put([]byte("x"), []byte("y")))
	assert.Equal(t, ErrTxNotWritable, b.Delete([]byte("foo")))
	_, err = tx.CreateBucket([]byte("nope"))
	assert.Equal(t, ErrTxNotWritable, err)
	assert.Equal(t, ErrTxNotWritable, tx.DeleteBucket([]byte("widgets")))

	assert.Equal(t, []byte("bar"), b.Get([]byte("foo")))
}

// Ensure a bucket's sequence counter survives commit and reopen.
func TestTxSequencePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, 0600, nil)
	require.NoError(t, err)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		for _, k := range []string{"a", "b", "c"} {
			if err := b.Put([]byte(k), []byte(k)); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, db.Close())

	db2, err := Open(path, 0600, nil)
	require.NoError(t, err)
	defer db2.Close()

	require.NoError(t, db2.View(func(tx *Tx) error {
		assert.Equal(t, uint64(3), tx.Bucket([]byte("widgets")).NextSequence())
		return nil
	}))
}

// Ensure a reader opened before a commit never observes it (scenario 4
// from the property list): the bucket created by a concurrent writer
// stays invisible to the older reader for its whole lifetime.
func TestTxSnapshotIsolationForNewBucket(t *testing.T) {
	db := openTestDB(t)

	rtx, err := db.Begin(false)
	require.NoError(t, err)
	defer rtx.Rollback()

	require.NoError(t, db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucket([]byte("new"))
		return err
	}))

	assert.Nil(t, rtx.Bucket([]byte("new")), "older reader must not see the new bucket")

	require.NoError(t, db.View(func(tx *Tx) error {
		assert.NotNil(t, tx.Bucket([]byte("new")))
		return nil
	}))
}
