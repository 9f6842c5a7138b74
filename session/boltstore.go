package session

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tink-crypto/tink-go/v2/tink"
	bolt "go.etcd.io/bbolt"
)

var (
	authBucket = []byte("auth")
	sessionKey = []byte("session")

	// sessionAAD binds ciphertexts to this use so an encrypted blob from
	// another part of the state file cannot be replayed as a session.
	sessionAAD = []byte("adminauth/session")
)

var storeLogAttr = slog.String("component", "session-store")

// BoltStore persists the session in a bbolt database. When an AEAD
// primitive is provided the serialized session is encrypted at rest;
// otherwise it is stored as plain JSON. The store follows the Store
// contract: read and write failures degrade to a cleared session.
type BoltStore struct {
	db   *bolt.DB
	aead tink.AEAD
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore wraps an open bbolt database. aead may be nil to store the
// session unencrypted.
func NewBoltStore(db *bolt.DB, aead tink.AEAD) (*BoltStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(authBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating auth bucket: %w", err)
	}

	return &BoltStore{db: db, aead: aead}, nil
}

func (b *BoltStore) Get() *Session {
	var raw []byte

	err := b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(authBucket).Get(sessionKey); v != nil {
			raw = append(raw, v...)
		}
		return nil
	})
	if err != nil {
		slog.Warn("reading persisted session failed", storeLogAttr, slog.String("err", err.Error()))
		b.Clear()
		return nil
	}
	if raw == nil {
		return nil
	}

	if b.aead != nil {
		pt, err := b.aead.Decrypt(raw, sessionAAD)
		if err != nil {
			slog.Warn("decrypting persisted session failed", storeLogAttr, slog.String("err", err.Error()))
			b.Clear()
			return nil
		}
		raw = pt
	}

	var s Session
	if err := json.Unmarshal(raw, &s); err != nil || !s.Valid() {
		// Corrupted or foreign data. Drop it rather than carrying it
		// forward.
		b.Clear()
		return nil
	}

	return &s
}

func (b *BoltStore) Save(s *Session) {
	if !s.Valid() {
		return
	}

	raw, err := json.Marshal(s)
	if err != nil {
		slog.Warn("encoding session failed", storeLogAttr, slog.String("err", err.Error()))
		b.Clear()
		return
	}

	if b.aead != nil {
		ct, err := b.aead.Encrypt(raw, sessionAAD)
		if err != nil {
			slog.Warn("encrypting session failed", storeLogAttr, slog.String("err", err.Error()))
			b.Clear()
			return
		}
		raw = ct
	}

	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(authBucket).Put(sessionKey, raw)
	})
	if err != nil {
		slog.Warn("persisting session failed", storeLogAttr, slog.String("err", err.Error()))
		b.Clear()
	}
}

func (b *BoltStore) Clear() {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(authBucket).Delete(sessionKey)
	})
	if err != nil {
		slog.Warn("clearing persisted session failed", storeLogAttr, slog.String("err", err.Error()))
	}
}
