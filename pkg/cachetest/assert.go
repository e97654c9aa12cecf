package cachetest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

var ErrNoBucket = xerrors.New("no such bucket")

// JSONEq asserts that the raw value stored under service/key in the cache
// database at dbPath equals want when both are compared as JSON.
func JSONEq(t *testing.T, dbPath, service, key string, want interface{}, msgAndArgs ...interface{}) {
	t.Helper()

	wantByte, err := json.Marshal(want)
	require.NoError(t, err, msgAndArgs...)

	got, err := get(dbPath, service, key)
	require.NoError(t, err, msgAndArgs...)

	assert.JSONEq(t, string(wantByte), string(got), msgAndArgs...)
}

func get(dbPath, service, key string) ([]byte, error) {
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var b []byte
	err = db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(service))
		if bkt == nil {
			return xerrors.Errorf("bucket error %s: %w", service, ErrNoBucket)
		}
		res := bkt.Get([]byte(key))

		// Copy the returned value
		b = make([]byte, len(res))
		copy(b, res)
		return nil
	})
	return b, err
}
