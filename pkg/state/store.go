// Copyright 2024-2026 Aiku AI

// Package state holds the bridge's durable tables: VK Teams sessions and
// Telegram credential records. Every mutation goes through [Store.Update],
// which writes a snapshot before it returns.
package state

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrPersist wraps snapshot write failures. The in-memory change that
// preceded the failure stays applied.
var ErrPersist = errors.New("failed to persist state")

// Persister reads and writes whole snapshots. Save must be atomic: a reader
// sees either the previous snapshot or the new one.
type Persister interface {
	// Load returns the last saved snapshot, or nil if none exists.
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
	Close() error
}

// Store owns the session and credential tables.
type Store struct {
	persister Persister
	log       zerolog.Logger

	mu   sync.Mutex
	snap *Snapshot
}

// Open loads the last snapshot from p, or starts empty.
func Open(ctx context.Context, p Persister, log zerolog.Logger) (*Store, error) {
	snap, err := p.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}
	if snap == nil {
		snap = NewSnapshot()
	}
	snap.normalize()
	return &Store{
		persister: p,
		log:       log.With().Str("component", "store").Logger(),
		snap:      snap,
	}, nil
}

// Update runs fn with exclusive access to the tables and then saves a
// snapshot. If fn returns an error nothing is saved, but changes fn already
// made are not rolled back. Callers keep fn free of network calls.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(&Tx{snap: s.snap}); err != nil {
		return err
	}
	return s.saveLocked(ctx)
}

// View runs fn with read access to the tables. fn must not mutate them.
func (s *Store) View(fn func(tx *Tx)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&Tx{snap: s.snap})
}

// Save writes the current tables, e.g. once more on shutdown.
func (s *Store) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(ctx)
}

func (s *Store) saveLocked(ctx context.Context) error {
	if err := s.persister.Save(ctx, s.snap.Clone()); err != nil {
		s.log.Error().Err(err).Msg("Failed to persist state, in-memory state is ahead of disk")
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}

// Close closes the persister.
func (s *Store) Close() error {
	return s.persister.Close()
}

// Tx is the view of the tables inside Update or View.
type Tx struct {
	snap *Snapshot
}

// Session returns the session of userID.
func (tx *Tx) Session(userID string) (*Session, bool) {
	sess, ok := tx.snap.Users[userID]
	return sess, ok
}

// GetOrCreate returns the session of userID, creating one that awaits a
// credential.
func (tx *Tx) GetOrCreate(userID string) *Session {
	sess, ok := tx.snap.Users[userID]
	if !ok {
		sess = NewSession()
		tx.snap.Users[userID] = sess
	}
	return sess
}

// Reset deletes the session of userID. If no other session references its
// credential, the credential record stops polling and orphaned is that
// fingerprint. The record itself is kept.
func (tx *Tx) Reset(userID string) (orphaned string, existed bool) {
	sess, ok := tx.snap.Users[userID]
	if !ok {
		return "", false
	}
	delete(tx.snap.Users, userID)
	fp := sess.CredentialRef
	if fp == "" || tx.Referenced(fp) {
		return "", true
	}
	if cred, ok := tx.snap.Tokens[fp]; ok {
		cred.Polling = false
	}
	return fp, true
}

// Referenced reports whether any session is bound to fp.
func (tx *Tx) Referenced(fp string) bool {
	for _, sess := range tx.snap.Users {
		if sess.CredentialRef == fp {
			return true
		}
	}
	return false
}

// SessionsFor returns the user ids bound to fp, keyed with their sessions.
func (tx *Tx) SessionsFor(fp string) map[string]*Session {
	out := make(map[string]*Session)
	for id, sess := range tx.snap.Users {
		if sess.CredentialRef == fp {
			out[id] = sess
		}
	}
	return out
}

// Sibling returns another session bound to fp that already knows peers.
func (tx *Tx) Sibling(userID, fp string) (*Session, bool) {
	for id, sess := range tx.snap.Users {
		if id != userID && sess.CredentialRef == fp && len(sess.Peers) > 0 {
			return sess, true
		}
	}
	return nil, false
}

// Credential returns the record of fp.
func (tx *Tx) Credential(fp string) (*Credential, bool) {
	cred, ok := tx.snap.Tokens[fp]
	return cred, ok
}

// PutCredential stores rec under fp, replacing any previous record.
func (tx *Tx) PutCredential(fp string, rec *Credential) {
	tx.snap.Tokens[fp] = rec
}

// Credentials returns every credential record.
func (tx *Tx) Credentials() map[string]*Credential {
	return tx.snap.Tokens
}

// AdvanceOffset moves the Telegram offset of fp forward. Smaller values
// are ignored.
func (tx *Tx) AdvanceOffset(fp string, offset int64) bool {
	cred, ok := tx.snap.Tokens[fp]
	if !ok || offset <= cred.Offset {
		return false
	}
	cred.Offset = offset
	return true
}

// VKCursor returns the last processed VK Teams event id.
func (tx *Tx) VKCursor() int64 {
	return tx.snap.VKCursor
}

// AdvanceVKCursor moves the VK Teams cursor forward.
func (tx *Tx) AdvanceVKCursor(eventID int64) bool {
	if eventID <= tx.snap.VKCursor {
		return false
	}
	tx.snap.VKCursor = eventID
	return true
}
