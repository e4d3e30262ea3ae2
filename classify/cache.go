package classify

import (
	"container/list"
	"sync"
	"time"

	"github.com/hupe1980/convoroute/core"
)

// judgmentCache is a bounded TTL cache for classification results. Once the
// size cap is exceeded the oldest entry (by insertion) is evicted first.
type judgmentCache struct {
	ttl     time.Duration
	maxSize int
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = oldest
}

type cacheItem struct {
	key      string
	judgment core.Judgment
	created  time.Time
}

func newJudgmentCache(ttl time.Duration, maxSize int) *judgmentCache {
	return &judgmentCache{
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

func (c *judgmentCache) get(key string) (core.Judgment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return core.Judgment{}, false
	}
	item := el.Value.(*cacheItem)
	if time.Since(item.created) > c.ttl {
		c.order.Remove(el)
		delete(c.entries, key)
		return core.Judgment{}, false
	}
	return item.judgment, true
}

func (c *judgmentCache) put(key string, j core.Judgment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}

	c.entries[key] = c.order.PushBack(&cacheItem{key: key, judgment: j, created: time.Now()})

	for c.maxSize > 0 && len(c.entries) > c.maxSize {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheItem).key)
	}
}

func (c *judgmentCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
