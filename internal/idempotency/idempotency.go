// Package idempotency computes deterministic task identity: canonical
// serialization, SHA-256 hashing, and a name-based (UUIDv5-equivalent)
// identifier derived from the digest, memoized in a thread-safe bounded
// cache of roughly 1000 entries.
package idempotency

import (
	"crypto/sha256"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/oya-run/orchestrator/internal/orcherrors"
)

// HashInput returns the SHA-256 digest of arbitrary bytes.
func HashInput(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// HashSerializable canonically serializes v (via encoding/json, with map
// keys sorted by Go's stdlib marshaler) and returns its SHA-256 digest.
// json.Marshal is deterministic for the struct/slice/map shapes this
// package is used with, since encoding/json already sorts map keys on
// output, the only source of non-determinism a naive encoder would
// introduce. See DESIGN.md for why this uses encoding/json rather than a
// canonical binary codec.
func HashSerializable(v any) ([32]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return [32]byte{}, orcherrors.Wrap(orcherrors.KindSerialization, "idempotency.HashSerializable", "encoding input", err)
	}
	return HashInput(raw), nil
}

// DeriveID builds a deterministic identifier from the first 128 bits of a
// SHA-256 digest. Rather than feed the digest back through UUIDv5's
// internal SHA-1 (redundant, since the input is already a deterministic
// hash), the 16 bytes are used directly as the UUID's bit pattern with the
// version (5) and RFC 4122 variant bits overlaid — google/uuid exposes
// exactly this via SetVersion/SetVariant. Byte-identical inputs to
// HashInput/HashSerializable always produce the same 16-byte prefix and
// therefore the same derived ID, across processes and time.
func DeriveID(digest [32]byte) uuid.UUID {
	var id uuid.UUID
	copy(id[:], digest[:16])
	id.SetVersion(5)
	id.SetVariant()
	return id
}

// Cache memoizes HashInput/HashSerializable results keyed by the canonical
// bytes, bounded at roughly 1000 entries. It is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string][32]byte
	order    []string // FIFO eviction order; simplest policy that honors the bound
}

// NewCache returns a Cache bounded at capacity entries. capacity <= 0
// defaults to 1000.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Cache{capacity: capacity, entries: make(map[string][32]byte, capacity)}
}

// HashInput returns the memoized SHA-256 digest of data, computing and
// storing it on a miss.
func (c *Cache) HashInput(data []byte) [32]byte {
	key := string(data)

	c.mu.Lock()
	defer c.mu.Unlock()

	if h, ok := c.entries[key]; ok {
		return h
	}
	h := sha256.Sum256(data)
	c.put(key, h)
	return h
}

// HashSerializable returns the memoized digest of v's canonical encoding.
func (c *Cache) HashSerializable(v any) ([32]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return [32]byte{}, orcherrors.Wrap(orcherrors.KindSerialization, "idempotency.Cache.HashSerializable", "encoding input", err)
	}
	return c.HashInput(raw), nil
}

// put must be called with c.mu held.
func (c *Cache) put(key string, h [32]byte) {
	if _, exists := c.entries[key]; exists {
		c.entries[key] = h
		return
	}
	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = h
	c.order = append(c.order, key)
}

// Len returns the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// TaskID is the end-to-end convenience: hash v's canonical bytes (through
// the cache) and derive its deterministic identifier.
func (c *Cache) TaskID(v any) (uuid.UUID, error) {
	digest, err := c.HashSerializable(v)
	if err != nil {
		return uuid.UUID{}, err
	}
	return DeriveID(digest), nil
}
