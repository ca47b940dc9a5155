package coop

// UnobservedFailure describes a task or future that failed, without its
// error ever being retrieved (via Await, Result, or a combinator), by the
// time its handle became unreachable, or the scheduler shut down.
type UnobservedFailure struct {
	Err  error
	Name string
	ID   uint64
	// Task is false for futures.
	Task bool
}

// registry tracks tasks and futures using weak references to their
// handles, so failures nobody retrieved can be reported once the handle is
// garbage collected. It uses a ring buffer of IDs for incremental
// scavenging. Guarded by the scheduler lock.
type registry struct {
	data map[uint64]registryEntry

	// ring is a circular buffer of IDs used for scavenging, with 0 as a
	// null marker.
	ring []uint64

	// head is the current cursor position in the ring for the scavenger.
	head int
}

type registryEntry struct {
	c     *cell
	alive func() bool
}

func newRegistry() *registry {
	return &registry{
		data: make(map[uint64]registryEntry),
		ring: make([]uint64, 0, 1024),
	}
}

func (r *registry) len() int {
	return len(r.data)
}

func (r *registry) trackLocked(c *cell, alive func() bool) {
	r.data[c.id] = registryEntry{c: c, alive: alive}
	r.ring = append(r.ring, c.id)
}

// scavengeLocked checks a batch of the ring, dropping entries that no
// longer need tracking, and appending unobserved failures to dst.
func (r *registry) scavengeLocked(batchSize int, dst []UnobservedFailure) []UnobservedFailure {
	ringLen := len(r.ring)
	if batchSize <= 0 || ringLen == 0 {
		return dst
	}

	start := r.head
	end := min(start+batchSize, ringLen)

	for i := start; i < end; i++ {
		id := r.ring[i]
		if id == 0 {
			continue
		}
		e, ok := r.data[id]
		if !ok {
			r.ring[i] = 0
			continue
		}

		var remove bool
		switch {
		case e.c.settled():
			if !e.c.failedUnobserved() {
				remove = true
			} else if !e.alive() {
				dst = append(dst, unobservedFailure(e.c))
				remove = true
			}
		case e.c.task == nil:
			// nobody left to settle it
			remove = !e.alive()
		}

		if remove {
			delete(r.data, id)
			r.ring[i] = 0
		}
	}

	r.head = end
	if r.head >= ringLen {
		r.head = 0
		// compact when load factor < 25%
		if ringLen > 256 && len(r.data) < ringLen/4 {
			r.compact()
		}
	}

	return dst
}

// closeLocked settles pending futures with err, then appends every
// unobserved failure to dst, and clears the registry. Called on shutdown,
// when all tasks have finished.
func (r *registry) closeLocked(err error, dst []UnobservedFailure) []UnobservedFailure {
	for _, id := range r.ring {
		if id == 0 {
			continue
		}
		e, ok := r.data[id]
		if !ok {
			continue
		}
		if e.c.task == nil {
			e.c.settleLocked(nil, err)
		}
		if e.c.failedUnobserved() {
			dst = append(dst, unobservedFailure(e.c))
		}
	}

	clear(r.data)
	r.ring = r.ring[:0]
	r.head = 0

	return dst
}

// compact removes null markers from the ring buffer and rebuilds the map,
// reclaiming memory.
func (r *registry) compact() {
	ring := make([]uint64, 0, len(r.data))
	data := make(map[uint64]registryEntry, len(r.data))
	for _, id := range r.ring {
		if id == 0 {
			continue
		}
		if e, ok := r.data[id]; ok {
			ring = append(ring, id)
			data[id] = e
		}
	}
	r.ring = ring
	r.data = data
	r.head = 0
}

func unobservedFailure(c *cell) UnobservedFailure {
	return UnobservedFailure{
		Err:  c.err,
		Name: c.name,
		ID:   c.id,
		Task: c.task != nil,
	}
}
