package async

import "sync"

// TagPool hands out monotonically increasing MPI tags for one process, so
// concurrently-active dendogram nodes and communication groups never share
// a tag and cross-deliver each other's messages.
type TagPool struct {
	mu   sync.Mutex
	next int
}

// NewTagPool creates a pool starting at the given base tag.
func NewTagPool(base int) *TagPool {
	return &TagPool{next: base}
}

// Next returns an unused tag and advances the pool.
func (p *TagPool) Next() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.next
	p.next++
	return t
}
