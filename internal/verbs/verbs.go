// Package verbs provides the RDMA verbs and connection-management abstraction
// used by the rdmabench engine.
//
// The default backend is a simulated in-process fabric: registered memory,
// queue pairs, completion queues and connection-management events behave like
// their hardware counterparts, and one-sided operations genuinely move bytes
// between registered regions, so the full data path can be exercised without
// RDMA hardware. Hardware bindings (libibverbs/rdma_cm) would sit behind a
// build tag with the same surface.
package verbs

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrDeviceClosed    = errors.New("device closed")
	ErrPDClosed        = errors.New("protection domain closed")
	ErrQPNotConnected  = errors.New("queue pair not connected")
	ErrQPClosed        = errors.New("queue pair closed")
	ErrRecvQueueFull   = errors.New("receive queue full")
	ErrSendQueueFull   = errors.New("send queue depth exceeded")
	ErrBadLocalRange   = errors.New("work request outside registered local region")
	ErrCQClosed        = errors.New("completion queue closed")
	ErrTimeout         = errors.New("timed out waiting for event")
	ErrAddressInUse    = errors.New("listen address already in use")
	ErrNoListener      = errors.New("no listener at remote address")
	ErrListenerClosed  = errors.New("listener closed")
	ErrAlreadyAccepted = errors.New("connection already accepted")
)

// Opcode identifies the kind of work request a completion belongs to.
type Opcode int

const (
	OpSend Opcode = iota
	OpRecv
	OpWrite
	OpRead
)

func (o Opcode) String() string {
	switch o {
	case OpSend:
		return "SEND"
	case OpRecv:
		return "RECV"
	case OpWrite:
		return "RDMA_WRITE"
	case OpRead:
		return "RDMA_READ"
	default:
		return "UNKNOWN"
	}
}

// Status is the completion status of a work request.
type Status int

const (
	StatusSuccess Status = iota
	StatusLocalLengthError
	StatusRemoteAccessError
	StatusReceiverNotReady
	StatusFlushed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusLocalLengthError:
		return "local length error"
	case StatusRemoteAccessError:
		return "remote access error"
	case StatusReceiverNotReady:
		return "receiver not ready"
	case StatusFlushed:
		return "flushed"
	default:
		return "unknown"
	}
}

// WorkCompletion reports the outcome of one posted work request.
type WorkCompletion struct {
	WRID    uint64
	Opcode  Opcode
	Status  Status
	ByteLen uint32
}

// MemoryRegion is a registered buffer range. Addr is a stable synthetic base
// address a peer can target together with RKey.
type MemoryRegion struct {
	pd     *ProtectionDomain
	Buffer []byte
	Addr   uint64
	LKey   uint32
	RKey   uint32
}

// Deregister removes the region from its protection domain. The buffer must
// not be referenced by outstanding work requests.
func (mr *MemoryRegion) Deregister() error {
	return mr.pd.deregister(mr)
}

// ProtectionDomain scopes memory registrations to one engine instance.
type ProtectionDomain struct {
	dev      *Device
	mu       sync.Mutex
	regions  map[uint32]*MemoryRegion
	nextKey  uint32
	nextAddr uint64
	closed   bool
}

// RegisterMemory registers buf for local and remote RDMA access and assigns
// its keys and base address.
func (pd *ProtectionDomain) RegisterMemory(buf []byte) (*MemoryRegion, error) {
	pd.mu.Lock()
	defer pd.mu.Unlock()

	if pd.closed {
		return nil, ErrPDClosed
	}

	pd.nextKey++
	mr := &MemoryRegion{
		pd:     pd,
		Buffer: buf,
		Addr:   pd.nextAddr,
		LKey:   pd.nextKey,
		RKey:   pd.nextKey,
	}

	// Leave an unmapped gap between regions so stray addresses miss.
	pd.nextAddr += uint64(len(buf)) + 0x1000
	pd.regions[mr.RKey] = mr

	return mr, nil
}

func (pd *ProtectionDomain) deregister(mr *MemoryRegion) error {
	pd.mu.Lock()
	defer pd.mu.Unlock()

	if pd.closed {
		return ErrPDClosed
	}
	delete(pd.regions, mr.RKey)

	return nil
}

// resolve maps a remote address range onto a registered region. It returns
// the region, the offset of addr within it, and whether the full range is
// covered by a region registered under rkey.
func (pd *ProtectionDomain) resolve(addr uint64, length uint32, rkey uint32) (*MemoryRegion, int, bool) {
	pd.mu.Lock()
	defer pd.mu.Unlock()

	mr, ok := pd.regions[rkey]
	if !ok || pd.closed {
		return nil, 0, false
	}
	if addr < mr.Addr {
		return nil, 0, false
	}

	off := addr - mr.Addr
	if off+uint64(length) > uint64(len(mr.Buffer)) {
		return nil, 0, false
	}

	return mr, int(off), true
}

// Close deallocates the protection domain. Registered regions become
// unreachable for remote access.
func (pd *ProtectionDomain) Close() error {
	pd.mu.Lock()
	defer pd.mu.Unlock()

	pd.closed = true
	pd.regions = make(map[uint32]*MemoryRegion)

	return nil
}

// CompletionQueue collects work completions and exposes an event channel with
// re-arm semantics modeled on a completion channel: an event fires when a
// completion arrives while notification is armed, and RequestNotify re-arms
// (signalling immediately if completions are already pending, so a wakeup is
// never lost between drain and wait).
type CompletionQueue struct {
	mu      sync.Mutex
	entries []WorkCompletion
	events  chan struct{}
	armed   bool
	closed  bool
}

// Events returns the completion event channel.
func (cq *CompletionQueue) Events() <-chan struct{} {
	return cq.events
}

// RequestNotify re-arms event notification.
func (cq *CompletionQueue) RequestNotify() {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	cq.armed = true
	if len(cq.entries) > 0 {
		cq.signalLocked()
	}
}

func (cq *CompletionQueue) signalLocked() {
	cq.armed = false
	select {
	case cq.events <- struct{}{}:
	default:
	}
}

func (cq *CompletionQueue) push(wc WorkCompletion) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if cq.closed {
		return
	}

	cq.entries = append(cq.entries, wc)
	if cq.armed {
		cq.signalLocked()
	}
}

// Poll drains up to max currently available completions without blocking.
// max <= 0 drains everything available.
func (cq *CompletionQueue) Poll(max int) []WorkCompletion {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	n := len(cq.entries)
	if max > 0 && n > max {
		n = max
	}
	if n == 0 {
		return nil
	}

	out := make([]WorkCompletion, n)
	copy(out, cq.entries[:n])
	cq.entries = append(cq.entries[:0], cq.entries[n:]...)

	return out
}

// Close shuts the completion queue down. Further pushes are dropped.
func (cq *CompletionQueue) Close() error {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	cq.closed = true
	cq.entries = nil

	return nil
}

// SendWR describes an outbound work request: a two-sided send or a one-sided
// RDMA read/write addressing a previously exchanged remote descriptor.
type SendWR struct {
	WRID        uint64
	Opcode      Opcode
	Local       *MemoryRegion
	LocalOffset int
	Length      uint32
	RemoteAddr  uint64
	RemoteKey   uint32
	Signaled    bool
}

// RecvWR describes a posted receive buffer.
type RecvWR struct {
	WRID        uint64
	Local       *MemoryRegion
	LocalOffset int
	Length      uint32
}

// parkedSend is an inbound send waiting for the receiver to post a buffer.
type parkedSend struct {
	sender *QueuePair
	wr     SendWR
}

// QueuePair is the per-connection object work requests are posted to. A pair
// becomes usable once connection management has paired it with a remote QP.
type QueuePair struct {
	pd      *ProtectionDomain
	cq      *CompletionQueue
	mu      sync.Mutex
	recvs   []RecvWR
	parked  []parkedSend
	maxSend int
	maxRecv int
	qpn     uint32
	peer    *QueuePair
	closed  bool
}

// QPN returns the queue pair number.
func (qp *QueuePair) QPN() uint32 { return qp.qpn }

// CQ returns the completion queue bound to this queue pair.
func (qp *QueuePair) CQ() *CompletionQueue { return qp.cq }

// PostRecv posts a receive buffer for an incoming two-sided transfer. A send
// parked waiting for this buffer is delivered immediately.
func (qp *QueuePair) PostRecv(wr RecvWR) error {
	if err := checkLocalRange(wr.Local, wr.LocalOffset, wr.Length); err != nil {
		return err
	}

	qp.mu.Lock()

	if qp.closed {
		qp.mu.Unlock()
		return ErrQPClosed
	}
	if len(qp.recvs) >= qp.maxRecv {
		qp.mu.Unlock()
		return ErrRecvQueueFull
	}

	if len(qp.parked) > 0 {
		p := qp.parked[0]
		qp.parked = qp.parked[1:]
		qp.mu.Unlock()
		qp.deliver(p.sender, p.wr, wr)
		return nil
	}

	qp.recvs = append(qp.recvs, wr)
	qp.mu.Unlock()

	return nil
}

// matchSend pairs an inbound send with the oldest posted receive on this
// queue pair, parking the send when none is available. A send arriving at a
// closed queue pair completes as receiver-not-ready on the sender's side.
func (qp *QueuePair) matchSend(sender *QueuePair, wr SendWR) {
	qp.mu.Lock()

	if qp.closed {
		qp.mu.Unlock()
		sender.cq.push(WorkCompletion{WRID: wr.WRID, Opcode: OpSend, Status: StatusReceiverNotReady})
		return
	}
	if len(qp.recvs) == 0 {
		qp.parked = append(qp.parked, parkedSend{sender: sender, wr: wr})
		qp.mu.Unlock()
		return
	}

	rwr := qp.recvs[0]
	qp.recvs = qp.recvs[1:]
	qp.mu.Unlock()

	qp.deliver(sender, wr, rwr)
}

// deliver copies a matched send into its receive buffer and completes both
// work requests.
func (qp *QueuePair) deliver(sender *QueuePair, swr SendWR, rwr RecvWR) {
	src := swr.Local.Buffer[swr.LocalOffset : swr.LocalOffset+int(swr.Length)]
	dst := rwr.Local.Buffer[rwr.LocalOffset : rwr.LocalOffset+int(rwr.Length)]
	n := copy(dst, src)

	qp.cq.push(WorkCompletion{WRID: rwr.WRID, Opcode: OpRecv, Status: StatusSuccess, ByteLen: uint32(n)})
	if swr.Signaled {
		sender.cq.push(WorkCompletion{WRID: swr.WRID, Opcode: OpSend, Status: StatusSuccess, ByteLen: swr.Length})
	}
}

// PostSend posts a send, RDMA write or RDMA read work request. Posting
// succeeds as long as the request is well formed; data-path failures (remote
// access violation, receiver gone) surface as error completions, the way
// hardware reports them. A send arriving before the peer has posted a receive
// parks until one is posted, matching RC retry behavior under
// receiver-not-ready; parked sends flush with a receiver-not-ready completion
// when the peer tears down.
func (qp *QueuePair) PostSend(wr SendWR) error {
	if err := checkLocalRange(wr.Local, wr.LocalOffset, wr.Length); err != nil {
		return err
	}

	qp.mu.Lock()
	if qp.closed {
		qp.mu.Unlock()
		return ErrQPClosed
	}
	peer := qp.peer
	qp.mu.Unlock()

	if peer == nil {
		return ErrQPNotConnected
	}

	local := wr.Local.Buffer[wr.LocalOffset : wr.LocalOffset+int(wr.Length)]

	switch wr.Opcode {
	case OpSend:
		peer.matchSend(qp, wr)

	case OpWrite:
		dst, off, ok := peer.pd.resolve(wr.RemoteAddr, wr.Length, wr.RemoteKey)
		if !ok {
			qp.cq.push(WorkCompletion{WRID: wr.WRID, Opcode: OpWrite, Status: StatusRemoteAccessError})
			return nil
		}

		copy(dst.Buffer[off:off+int(wr.Length)], local)
		if wr.Signaled {
			qp.cq.push(WorkCompletion{WRID: wr.WRID, Opcode: OpWrite, Status: StatusSuccess, ByteLen: wr.Length})
		}

	case OpRead:
		src, off, ok := peer.pd.resolve(wr.RemoteAddr, wr.Length, wr.RemoteKey)
		if !ok {
			qp.cq.push(WorkCompletion{WRID: wr.WRID, Opcode: OpRead, Status: StatusRemoteAccessError})
			return nil
		}

		copy(local, src.Buffer[off:off+int(wr.Length)])
		if wr.Signaled {
			qp.cq.push(WorkCompletion{WRID: wr.WRID, Opcode: OpRead, Status: StatusSuccess, ByteLen: wr.Length})
		}

	default:
		return fmt.Errorf("unsupported opcode %v", wr.Opcode)
	}

	return nil
}

// Close tears the queue pair down and unpairs it from its remote end. Sends
// still parked here complete on their senders as receiver-not-ready, modeling
// RNR retry exhaustion.
func (qp *QueuePair) Close() error {
	qp.mu.Lock()
	peer := qp.peer
	parked := qp.parked
	qp.peer = nil
	qp.closed = true
	qp.recvs = nil
	qp.parked = nil
	qp.mu.Unlock()

	for _, p := range parked {
		p.sender.cq.push(WorkCompletion{WRID: p.wr.WRID, Opcode: OpSend, Status: StatusReceiverNotReady})
	}

	if peer != nil {
		peer.mu.Lock()
		if peer.peer == qp {
			peer.peer = nil
		}
		peer.mu.Unlock()
	}

	return nil
}

func checkLocalRange(mr *MemoryRegion, off int, length uint32) error {
	if mr == nil || off < 0 || off+int(length) > len(mr.Buffer) {
		return ErrBadLocalRange
	}

	return nil
}
