package validate

import (
	"container/list"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/trellis-labs/trellis/core"
)

const (
	// DefaultTTL is how long a cached verdict stays fresh.
	DefaultTTL = 5 * time.Second

	// DefaultCapacity bounds the number of cached verdicts.
	DefaultCapacity = 50
)

// Validator memoizes verdicts by graph content. Identical graphs submitted
// within the TTL share one verdict; older entries age out and the least
// recently used entry is evicted once the cache is full.
type Validator struct {
	ttl time.Duration
	cap int
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type cacheEntry struct {
	key    string
	result Result
	at     time.Time
}

// NewValidator builds a caching validator with the default TTL and capacity.
func NewValidator() *Validator {
	return &Validator{
		ttl:     DefaultTTL,
		cap:     DefaultCapacity,
		now:     time.Now,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Validate returns the verdict for the graph, serving a cached one when the
// same content was checked within the TTL.
func (v *Validator) Validate(g core.Graph) Result {
	key := CacheKey(g)

	v.mu.Lock()
	if el, ok := v.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		if v.now().Sub(entry.at) < v.ttl {
			v.order.MoveToFront(el)
			res := entry.result
			v.mu.Unlock()
			return res
		}
		v.order.Remove(el)
		delete(v.entries, key)
	}
	v.mu.Unlock()

	res := Graph(g)

	v.mu.Lock()
	defer v.mu.Unlock()
	if el, ok := v.entries[key]; ok {
		v.order.Remove(el)
		delete(v.entries, key)
	}
	v.entries[key] = v.order.PushFront(&cacheEntry{key: key, result: res, at: v.now()})
	for v.order.Len() > v.cap {
		oldest := v.order.Back()
		v.order.Remove(oldest)
		delete(v.entries, oldest.Value.(*cacheEntry).key)
	}
	return res
}

// CacheKey digests a graph's nodes and edges. Positions participate here on
// purpose: the verdict cache keys on exact content, unlike the structure
// hash used for identity grouping.
func CacheKey(g core.Graph) string {
	payload, err := json.Marshal(struct {
		Nodes []core.Node `json:"nodes"`
		Edges []core.Edge `json:"edges"`
	}{g.Nodes, g.Edges})
	if err != nil {
		return fmt.Sprintf("unhashable:%d:%d", len(g.Nodes), len(g.Edges))
	}
	sum := blake3.Sum256(payload)
	return fmt.Sprintf("%x", sum[:16])
}
