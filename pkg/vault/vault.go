// Copyright 2024-2026 Aiku AI

// Package vault keeps Telegram bot tokens. Tokens are identified by a
// one-way fingerprint, stored at rest through a [Protector] and held in
// plaintext only in process memory.
package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Fingerprint returns the storage key of a token: hex SHA-256.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Vault caches plaintext tokens by fingerprint.
type Vault struct {
	protector Protector
	log       zerolog.Logger

	mu    sync.RWMutex
	cache map[string]string
}

// New creates an empty vault. A nil protector stores tokens in plaintext.
func New(protector Protector, log zerolog.Logger) *Vault {
	if protector == nil {
		protector = Plaintext{}
	}
	return &Vault{
		protector: protector,
		log:       log.With().Str("component", "vault").Logger(),
		cache:     make(map[string]string),
	}
}

// Load eagerly opens persisted envelopes into the cache. An envelope that
// cannot be opened is logged and skipped; the returned count is the number
// of usable tokens.
func (v *Vault) Load(records map[string]Envelope) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	loaded := 0
	for fp, env := range records {
		plaintext, err := v.protector.Unprotect(env)
		if err != nil {
			v.log.Warn().Err(err).Str("fingerprint", Short(fp)).Msg("Skipping credential that could not be decrypted")
			continue
		}
		token := string(plaintext)
		if Fingerprint(token) != fp {
			v.log.Warn().Str("fingerprint", Short(fp)).Msg("Skipping credential whose fingerprint does not match")
			continue
		}
		v.cache[fp] = token
		loaded++
	}
	return loaded
}

// Register fingerprints token, caches it and returns the envelope to
// persist. existing is the envelope already stored under the fingerprint, if
// any. A readable existing envelope is never replaced: fresh is false and env
// equals *existing. An unreadable one (wrong key, tampered) is resealed,
// which is how a credential that failed to decrypt becomes usable again.
func (v *Vault) Register(token string, existing *Envelope) (fp string, env Envelope, fresh bool, err error) {
	fp = Fingerprint(token)
	if existing != nil {
		if cached, ok := v.Resolve(fp); ok && cached == token {
			return fp, *existing, false, nil
		}
		if plaintext, openErr := v.protector.Unprotect(*existing); openErr == nil && string(plaintext) == token {
			v.store(fp, token)
			return fp, *existing, false, nil
		}
		v.log.Info().Str("fingerprint", Short(fp)).Msg("Resealing credential that could not be decrypted")
	}
	env, err = v.protector.Protect([]byte(token))
	if err != nil {
		return "", Envelope{}, false, fmt.Errorf("protecting credential: %w", err)
	}
	v.store(fp, token)
	return fp, env, true, nil
}

func (v *Vault) store(fp, token string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache[fp] = token
}

// Resolve returns the plaintext token for fp.
func (v *Vault) Resolve(fp string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	token, ok := v.cache[fp]
	return token, ok
}

// Forget drops fp from the in-memory cache. The stored envelope is kept, so
// registering the same token again opens it instead of sealing a new one.
func (v *Vault) Forget(fp string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.cache, fp)
}

// Short abbreviates a fingerprint for log output.
func Short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
