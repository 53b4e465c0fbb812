package session

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// PendingTable tracks in-flight actions by correlation ID and the FIFO of held IDs.
// It is owned by a single goroutine and is not safe for concurrent use.
type PendingTable[T any] struct {
	items    map[string]T
	held     []string
	heldSet  map[string]struct{}
	lastSent string
}

func NewPendingTable[T any]() *PendingTable[T] {
	return &PendingTable[T]{
		items:   make(map[string]T),
		heldSet: make(map[string]struct{}),
	}
}

// Reserve returns an ID unique among pending entries. The requested ID is used
// when free; otherwise a millisecond timestamp is used. Collisions append digits.
func (p *PendingTable[T]) Reserve(requested string, now time.Time) string {
	id := strings.TrimSpace(requested)
	if id == "" {
		id = strconv.FormatInt(now.UnixMilli(), 10)
	}
	for n := 0; p.has(id); n++ {
		id += strconv.Itoa(n % 10)
	}
	return id
}

func (p *PendingTable[T]) has(id string) bool {
	_, ok := p.items[id]
	return ok
}

// Register binds item to id. It reports false when id is already pending.
func (p *PendingTable[T]) Register(id string, item T) bool {
	if p.has(id) {
		return false
	}
	p.items[id] = item
	return true
}

// Take removes and returns the entry for id.
func (p *PendingTable[T]) Take(id string) (T, bool) {
	item, ok := p.items[id]
	if !ok {
		return item, false
	}
	delete(p.items, id)
	p.unhold(id)
	if p.lastSent == id {
		p.lastSent = ""
	}
	return item, true
}

func (p *PendingTable[T]) Get(id string) (T, bool) {
	item, ok := p.items[id]
	return item, ok
}

// Hold appends id to the held FIFO.
func (p *PendingTable[T]) Hold(id string) {
	if !p.has(id) {
		return
	}
	if _, ok := p.heldSet[id]; ok {
		return
	}
	p.heldSet[id] = struct{}{}
	p.held = append(p.held, id)
}

func (p *PendingTable[T]) IsHeld(id string) bool {
	_, ok := p.heldSet[id]
	return ok
}

func (p *PendingTable[T]) unhold(id string) {
	if _, ok := p.heldSet[id]; !ok {
		return
	}
	delete(p.heldSet, id)
	for i, h := range p.held {
		if h == id {
			p.held = append(p.held[:i], p.held[i+1:]...)
			return
		}
	}
}

// DrainHeld empties the held FIFO and returns its IDs in submission order.
func (p *PendingTable[T]) DrainHeld() []string {
	out := p.held
	p.held = nil
	p.heldSet = make(map[string]struct{})
	return out
}

// MarkSent records id as the most recently written action.
func (p *PendingTable[T]) MarkSent(id string) {
	p.lastSent = id
}

// LastSent is the best-effort correlation target for follows blocks without an ID.
func (p *PendingTable[T]) LastSent() string {
	return p.lastSent
}

// TakeInFlight removes every written (non-held) entry, sorted by ID.
func (p *PendingTable[T]) TakeInFlight() []T {
	ids := make([]string, 0, len(p.items))
	for id := range p.items {
		if !p.IsHeld(id) {
			ids = append(ids, id)
		}
	}
	return p.takeSorted(ids)
}

// TakeAll removes every entry: held entries first in FIFO order, then in-flight by ID.
func (p *PendingTable[T]) TakeAll() []T {
	held := p.DrainHeld()
	out := make([]T, 0, len(p.items))
	for _, id := range held {
		if item, ok := p.items[id]; ok {
			out = append(out, item)
			delete(p.items, id)
		}
	}
	ids := make([]string, 0, len(p.items))
	for id := range p.items {
		ids = append(ids, id)
	}
	out = append(out, p.takeSorted(ids)...)
	p.lastSent = ""
	return out
}

func (p *PendingTable[T]) takeSorted(ids []string) []T {
	sort.Strings(ids)
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		item, _ := p.Take(id)
		out = append(out, item)
	}
	return out
}

func (p *PendingTable[T]) Len() int {
	return len(p.items)
}

func (p *PendingTable[T]) HeldLen() int {
	return len(p.held)
}
