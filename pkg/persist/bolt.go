// Copyright 2024-2026 Aiku AI

package persist

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/aiku/vkteams-telegram-bridge/pkg/state"
)

var (
	boltBucket = []byte("state")
	boltKey    = []byte("snapshot")
)

// BoltStore keeps the snapshot as one value in a bbolt database.
type BoltStore struct {
	db *bbolt.DB
}

func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, fileMode, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt database: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bolt bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Load(context.Context) (*state.Snapshot, error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(boltBucket).Get(boltKey); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading bolt snapshot: %w", err)
	}
	return decode(data)
}

func (b *BoltStore) Save(_ context.Context, snap *state.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltBucket).Put(boltKey, data)
	})
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}
