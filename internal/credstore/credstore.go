// Package credstore persists per-session protocol credentials: an opaque
// engine-owned creds document plus a flat key/value signal-key cache. The
// in-memory cache is authoritative during a connection; persistence is
// best-effort and retried on the next write.
package credstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mfpaiva/zapgate/internal/store"
)

// Bundle is the engine-facing credential document. Creds is opaque to the
// gateway; the engine reads and rewrites it across pairings.
type Bundle struct {
	Creds json.RawMessage
}

// KeyCache gives the engine batched access to signal keys by category and id.
type KeyCache interface {
	// Get returns the stored values for the requested ids of one category.
	// Missing ids are absent from the result.
	Get(category string, ids []string) map[string][]byte
	// Set applies a batch of writes grouped by category. A nil value deletes
	// the key.
	Set(data map[string]map[string][]byte)
}

// envelope is the on-disk shape of a bundle. Key values are []byte so the
// JSON codec round-trips binary key material through base64 losslessly.
type envelope struct {
	Creds json.RawMessage   `json:"creds"`
	Keys  map[string][]byte `json:"keys"`
}

// Store loads and persists one session's credential bundle.
type Store struct {
	db        *store.DB
	sessionID string
	logger    *zap.Logger
}

func New(db *store.DB, sessionID string, logger *zap.Logger) *Store {
	return &Store{db: db, sessionID: sessionID, logger: logger.Named("credstore").With(zap.String("session_id", sessionID))}
}

// Load reads the session's bundle, initializing an empty one for a fresh
// session. It returns the bundle, the live key cache, and a persist function
// that serializes the current state back to the sessions row.
func (s *Store) Load(ctx context.Context) (*Bundle, KeyCache, func(context.Context) error, error) {
	blob, err := s.db.GetAuthState(s.sessionID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load auth state: %w", err)
	}
	if len(blob) == 0 {
		// First write wins: a concurrent creator's blob survives and we
		// re-read whatever landed.
		if err := s.db.InitSession(s.sessionID, []byte(`{}`)); err != nil {
			return nil, nil, nil, fmt.Errorf("init session: %w", err)
		}
		if blob, err = s.db.GetAuthState(s.sessionID); err != nil {
			return nil, nil, nil, fmt.Errorf("reload auth state: %w", err)
		}
	}

	var env envelope
	if len(blob) > 0 {
		if err := json.Unmarshal(blob, &env); err != nil {
			return nil, nil, nil, fmt.Errorf("decode auth state: %w", err)
		}
	}
	if env.Keys == nil {
		env.Keys = make(map[string][]byte)
	}

	bundle := &Bundle{Creds: env.Creds}
	cache := &keyCache{store: s, keys: env.Keys}

	persist := func(ctx context.Context) error {
		cache.mu.Lock()
		keys := make(map[string][]byte, len(cache.keys))
		for k, v := range cache.keys {
			keys[k] = v
		}
		cache.mu.Unlock()

		out, err := json.Marshal(envelope{Creds: bundle.Creds, Keys: keys})
		if err != nil {
			return fmt.Errorf("encode auth state: %w", err)
		}
		if err := s.db.SaveAuthState(s.sessionID, out); err != nil {
			return fmt.Errorf("save auth state: %w", err)
		}
		return nil
	}

	return bundle, cache, persist, nil
}

// UpdateStatus records the session's connection status and, optionally, the
// paired phone number.
func (s *Store) UpdateStatus(status, phone string) error {
	return s.db.UpdateSessionStatus(s.sessionID, status, phone)
}

// Delete removes the session and all rows keyed under it.
func (s *Store) Delete() error {
	return s.db.DeleteSession(s.sessionID)
}

type keyCache struct {
	store *Store
	mu    sync.Mutex
	keys  map[string][]byte
}

func keyName(category, id string) string {
	return category + ":" + id
}

func (c *keyCache) Get(category string, ids []string) map[string][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]byte, len(ids))
	for _, id := range ids {
		if v, ok := c.keys[keyName(category, id)]; ok {
			out[id] = v
		}
	}
	return out
}

func (c *keyCache) Set(data map[string]map[string][]byte) {
	c.mu.Lock()
	for category, entries := range data {
		for id, value := range entries {
			if value == nil {
				delete(c.keys, keyName(category, id))
			} else {
				c.keys[keyName(category, id)] = value
			}
		}
	}
	c.mu.Unlock()

	// Flush opportunistically. The cache stays authoritative if this fails;
	// the next write retries.
	if err := c.flush(); err != nil {
		c.store.logger.Warn("key flush failed", zap.Error(err))
	}
}

func (c *keyCache) flush() error {
	blob, err := c.store.db.GetAuthState(c.store.sessionID)
	if err != nil {
		return err
	}
	var env envelope
	if len(blob) > 0 {
		if err := json.Unmarshal(blob, &env); err != nil {
			return err
		}
	}
	c.mu.Lock()
	env.Keys = make(map[string][]byte, len(c.keys))
	for k, v := range c.keys {
		env.Keys[k] = v
	}
	c.mu.Unlock()

	out, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.store.db.SaveAuthState(c.store.sessionID, out)
}
