package traceclient

import "container/list"

// dedupLRU is a bounded set of recently-seen trace ids. The observability
// API's cursor semantics at the overlap boundary between two adjacent polls
// are unspecified, so C1 does not trust the cursor alone - it also dedups
// by id with a capacity-bounded LRU, evicting the oldest id once full.
type dedupLRU struct {
	capacity int
	ll       *list.List
	index    map[string]*list.Element
}

func newDedupLRU(capacity int) *dedupLRU {
	return &dedupLRU{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

// SeenBefore reports whether id was already recorded, and records it if not.
func (d *dedupLRU) SeenBefore(id string) bool {
	if el, ok := d.index[id]; ok {
		d.ll.MoveToFront(el)
		return true
	}
	el := d.ll.PushFront(id)
	d.index[id] = el
	if d.ll.Len() > d.capacity {
		oldest := d.ll.Back()
		if oldest != nil {
			d.ll.Remove(oldest)
			delete(d.index, oldest.Value.(string))
		}
	}
	return false
}

func (d *dedupLRU) Len() int {
	return d.ll.Len()
}
