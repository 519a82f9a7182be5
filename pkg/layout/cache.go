package layout

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
)

// MeasureCache is a shared store for text measurements, typically backed by
// Redis so several workers reuse each other's results. Implementations must
// be safe for concurrent use.
type MeasureCache interface {
	GetMetrics(ctx context.Context, key string) (TextMetrics, bool, error)
	SetMetrics(ctx context.Context, key string, m TextMetrics) error
}

// measureKey identifies one measurement: the text and every style input
// that affects wrapping.
func measureKey(text string, st TextStyle, width float64) string {
	h := sha256.New()
	h.Write([]byte(st.FontFamily))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatFloat(st.FontPt, 'f', -1, 64)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatBool(st.Bold)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatFloat(st.LineSpacing, 'f', -1, 64)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatFloat(width, 'f', 2, 64)))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// lru is a fixed-size in-process cache of measurements.
type lru struct {
	mu    sync.Mutex
	size  int
	ll    *list.List
	items map[string]*list.Element
}

type lruEntry struct {
	key string
	m   TextMetrics
}

func newLRU(size int) *lru {
	return &lru{size: size, ll: list.New(), items: make(map[string]*list.Element)}
}

func (c *lru) get(key string) (TextMetrics, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return TextMetrics{}, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruEntry).m, true
}

func (c *lru) add(key string, m TextMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).m = m
		c.ll.MoveToFront(el)
		return
	}
	c.items[key] = c.ll.PushFront(&lruEntry{key: key, m: m})
	for c.ll.Len() > c.size {
		last := c.ll.Back()
		c.ll.Remove(last)
		delete(c.items, last.Value.(*lruEntry).key)
	}
}

func (c *lru) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
