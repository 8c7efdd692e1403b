package codec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/Bliod-Cook/drome/internal/types"
)

// DefaultCacheKeyCapacity bounds a CacheKeys table when no capacity is given.
const DefaultCacheKeyCapacity = 10000

// CacheKeys assigns prompt cache keys to conversations. Keys are kept in a
// bounded table evicted oldest first. It is safe for concurrent use.
type CacheKeys struct {
	mu    sync.Mutex
	max   int
	byFP  map[string]string
	order []string
}

// NewCacheKeys returns a table holding at most capacity keys.
func NewCacheKeys(capacity int) *CacheKeys {
	if capacity <= 0 {
		capacity = DefaultCacheKeyCapacity
	}
	return &CacheKeys{max: capacity, byFP: make(map[string]string)}
}

// Key returns the prompt cache key sent to vendors that support prompt
// caching. An explicit session id wins. Otherwise the key is derived from
// the system messages and the first user message, so every round of a
// conversation maps to the same key. A nil table derives the key from the
// fingerprint alone.
func (c *CacheKeys) Key(req *types.GenerateRequest) string {
	if req.SessionID != "" {
		return req.SessionID
	}
	fp := fingerprint(canonicalPrefix(req.Messages))
	if c == nil {
		return "drome-" + fp[:32]
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if key, ok := c.byFP[fp]; ok {
		return key
	}
	key := uuid.NewString()
	c.byFP[fp] = key
	c.order = append(c.order, fp)
	if len(c.order) > c.max {
		oldest := c.order[0]
		c.order[0] = ""
		c.order = c.order[1:]
		delete(c.byFP, oldest)
	}
	return key
}

// Len reports the number of keys held.
func (c *CacheKeys) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byFP)
}

func canonicalPrefix(msgs []types.Message) string {
	prefix := struct {
		System    []string `json:"system,omitempty"`
		FirstUser string   `json:"first_user,omitempty"`
	}{}
	for _, m := range msgs {
		switch m.Role {
		case types.RoleSystem:
			prefix.System = append(prefix.System, m.Content)
		case types.RoleUser:
			if prefix.FirstUser == "" {
				prefix.FirstUser = m.Content
			}
		}
	}
	data, _ := json.Marshal(prefix)
	return string(data)
}

func fingerprint(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
