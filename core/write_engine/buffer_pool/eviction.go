package bufferpool

import (
	"container/list"
	"fmt"
	"strings"
	"sync"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/dberror"
)

// EvictionPolicy tracks which frames are candidates for replacement.
// Implementations are safe for concurrent use.
type EvictionPolicy interface {
	// Touch records an access to frame, adding it to tracking if needed.
	Touch(frame int)
	// Victim picks a frame to replace and stops tracking it. The pool still
	// has to win the frame's pin CAS; if it loses it calls Touch again.
	Victim() (int, bool)
	// Remove stops tracking frame.
	Remove(frame int)
	Name() string
}

// NewEvictionPolicy returns the policy named by name ("lru" or "clock").
func NewEvictionPolicy(name string, frames int) (EvictionPolicy, error) {
	switch strings.ToLower(name) {
	case "", "lru":
		return NewLRUPolicy(), nil
	case "clock":
		return NewClockPolicy(frames), nil
	}
	return nil, fmt.Errorf("%w: unknown eviction policy %q", dberror.ErrInvalidConfig, name)
}

// --- LRU ---

// LRUPolicy evicts the least recently touched frame.
type LRUPolicy struct {
	mu    sync.Mutex
	order *list.List // front = most recent
	elems map[int]*list.Element
}

func NewLRUPolicy() *LRUPolicy {
	return &LRUPolicy{order: list.New(), elems: make(map[int]*list.Element)}
}

func (l *LRUPolicy) Name() string { return "lru" }

func (l *LRUPolicy) Touch(frame int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.elems[frame]; ok {
		l.order.MoveToFront(e)
		return
	}
	l.elems[frame] = l.order.PushFront(frame)
}

func (l *LRUPolicy) Victim() (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.order.Back()
	if e == nil {
		return -1, false
	}
	frame := l.order.Remove(e).(int)
	delete(l.elems, frame)
	return frame, true
}

func (l *LRUPolicy) Remove(frame int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.elems[frame]; ok {
		l.order.Remove(e)
		delete(l.elems, frame)
	}
}

// --- Clock ---

// ClockPolicy is a second-chance approximation of LRU.
type ClockPolicy struct {
	mu         sync.Mutex
	present    []bool
	referenced []bool
	hand       int
	count      int
}

func NewClockPolicy(frames int) *ClockPolicy {
	return &ClockPolicy{present: make([]bool, frames), referenced: make([]bool, frames)}
}

func (c *ClockPolicy) Name() string { return "clock" }

func (c *ClockPolicy) Touch(frame int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.present[frame] {
		c.present[frame] = true
		c.count++
	}
	c.referenced[frame] = true
}

func (c *ClockPolicy) Victim() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count == 0 {
		return -1, false
	}
	// Two sweeps clear every reference bit at most once.
	for i := 0; i < 2*len(c.present); i++ {
		frame := c.hand
		c.hand = (c.hand + 1) % len(c.present)
		if !c.present[frame] {
			continue
		}
		if c.referenced[frame] {
			c.referenced[frame] = false
			continue
		}
		c.present[frame] = false
		c.count--
		return frame, true
	}
	return -1, false
}

func (c *ClockPolicy) Remove(frame int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.present[frame] {
		c.present[frame] = false
		c.referenced[frame] = false
		c.count--
	}
}
