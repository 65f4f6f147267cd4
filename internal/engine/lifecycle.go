package engine

import "time"

// Direction tells the engine which way payload bytes move relative to the
// local buffer.
type Direction int

const (
	// DirRead fills the local buffer from the peer (RDMA read, receive).
	DirRead Direction = iota
	// DirWrite drains the local buffer toward the peer (RDMA write, send).
	DirWrite
)

func (d Direction) String() string {
	if d == DirRead {
		return "read"
	}
	return "write"
}

// Request is one unit of data transfer. The caller owns the Request through
// its whole lifetime: Submit queues it, Commit posts it, and a later poll
// hands it back through NextCompleted with Residual and Err filled in.
//
// At most Config.IODepth requests may be live (submitted but not yet
// retrieved) at any time.
type Request struct {
	// Dir is the payload direction relative to the local arena.
	Dir Direction
	// LocalOffset is the byte offset of the payload inside the arena.
	LocalOffset int
	// RemoteOffset is the byte offset inside the peer's exposed region.
	// Ignored for two-sided modes.
	RemoteOffset uint64
	// Length is the declared payload length in bytes.
	Length uint32
	// Tag is an opaque caller value carried through the lifecycle.
	Tag uint64

	// Residual is the declared length minus the bytes actually transferred.
	// Zero for writes and sends on success.
	Residual uint32
	// Err is the per-request outcome. Nil on success.
	Err error

	wrID     uint64
	issuedAt time.Time
}

// CorrelationID returns the identifier the request was posted under. Zero
// until Commit posts it.
func (r *Request) CorrelationID() uint64 { return r.wrID }

// IssuedAt returns the time the request moved from queued to in-flight.
func (r *Request) IssuedAt() time.Time { return r.issuedAt }

// requestRing is a fixed-capacity FIFO. It backs both the queued collection,
// where order determines posting order, and the completed collection, where
// order determines retrieval order.
type requestRing struct {
	slots []*Request
	head  int
	count int
}

func newRequestRing(capacity int) *requestRing {
	return &requestRing{slots: make([]*Request, capacity)}
}

func (q *requestRing) len() int { return q.count }

func (q *requestRing) full() bool { return q.count == len(q.slots) }

func (q *requestRing) push(r *Request) bool {
	if q.full() {
		return false
	}
	q.slots[(q.head+q.count)%len(q.slots)] = r
	q.count++
	return true
}

func (q *requestRing) peek() *Request {
	if q.count == 0 {
		return nil
	}
	return q.slots[q.head]
}

func (q *requestRing) pop() *Request {
	if q.count == 0 {
		return nil
	}
	r := q.slots[q.head]
	q.slots[q.head] = nil
	q.head = (q.head + 1) % len(q.slots)
	q.count--
	return r
}

// flightSet tracks in-flight requests. Completions arrive in arbitrary order,
// so removal swaps the hole with the last element instead of shifting.
type flightSet struct {
	reqs []*Request
}

func newFlightSet(capacity int) *flightSet {
	return &flightSet{reqs: make([]*Request, 0, capacity)}
}

func (s *flightSet) len() int { return len(s.reqs) }

func (s *flightSet) add(r *Request) {
	s.reqs = append(s.reqs, r)
}

func (s *flightSet) find(wrID uint64) int {
	for i, r := range s.reqs {
		if r.wrID == wrID {
			return i
		}
	}
	return -1
}

func (s *flightSet) removeAt(i int) *Request {
	r := s.reqs[i]
	last := len(s.reqs) - 1
	s.reqs[i] = s.reqs[last]
	s.reqs[last] = nil
	s.reqs = s.reqs[:last]
	return r
}

// drain empties the set and returns whatever was still in flight.
func (s *flightSet) drain() []*Request {
	out := s.reqs
	s.reqs = make([]*Request, 0, cap(s.reqs))
	return out
}
