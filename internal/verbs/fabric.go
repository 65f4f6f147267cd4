package verbs

import (
	"sync"
	"time"
)

// EventType classifies connection-management events.
type EventType int

const (
	EventConnectRequest EventType = iota
	EventEstablished
	EventRejected
	EventDisconnected
)

func (e EventType) String() string {
	switch e {
	case EventConnectRequest:
		return "CONNECT_REQUEST"
	case EventEstablished:
		return "ESTABLISHED"
	case EventRejected:
		return "REJECTED"
	case EventDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Event is one connection-management notification.
type Event struct {
	Type EventType
}

// Fabric is the in-process RDMA fabric. Endpoints created from the same
// Fabric can connect to each other; a Fabric stands in for the physical
// network plus the connection-management service.
type Fabric struct {
	mu        sync.Mutex
	devices   map[string]*Device
	listeners map[string]*Listener
	nextQPN   uint32
	nextGUID  uint64
}

// NewFabric creates an empty fabric.
func NewFabric() *Fabric {
	return &Fabric{
		devices:   make(map[string]*Device),
		listeners: make(map[string]*Listener),
	}
}

// Device is a simulated RDMA-capable NIC.
type Device struct {
	fabric *Fabric
	Name   string
	GUID   uint64
}

// OpenDevice opens the named device, creating it on first use. An empty name
// opens the default device "sim0".
func (f *Fabric) OpenDevice(name string) (*Device, error) {
	if name == "" {
		name = "sim0"
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if d, ok := f.devices[name]; ok {
		return d, nil
	}

	f.nextGUID++
	d := &Device{fabric: f, Name: name, GUID: 0xC0FFEE0000000000 | f.nextGUID}
	f.devices[name] = d

	return d, nil
}

// AllocPD allocates a protection domain on the device.
func (d *Device) AllocPD() *ProtectionDomain {
	return &ProtectionDomain{
		dev:      d,
		regions:  make(map[uint32]*MemoryRegion),
		nextAddr: 0x1000,
	}
}

// CreateCQ creates a completion queue with its event channel.
func (d *Device) CreateCQ(size int) *CompletionQueue {
	if size <= 0 {
		size = 1
	}

	return &CompletionQueue{
		events: make(chan struct{}, 1),
	}
}

// CreateQP creates a queue pair bound to pd and cq.
func (d *Device) CreateQP(pd *ProtectionDomain, cq *CompletionQueue, maxSend, maxRecv int) *QueuePair {
	d.fabric.mu.Lock()
	d.fabric.nextQPN++
	qpn := d.fabric.nextQPN
	d.fabric.mu.Unlock()

	return &QueuePair{
		pd:      pd,
		cq:      cq,
		maxSend: maxSend,
		maxRecv: maxRecv,
		qpn:     qpn,
	}
}

// Listener accepts incoming connection requests on a fabric address.
type Listener struct {
	fabric *Fabric
	addr   string
	reqs   chan *ConnID
	mu     sync.Mutex
	closed bool
}

// Listen binds a listener to addr.
func (f *Fabric) Listen(addr string) (*Listener, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.listeners[addr]; ok {
		return nil, ErrAddressInUse
	}

	l := &Listener{
		fabric: f,
		addr:   addr,
		reqs:   make(chan *ConnID, 16),
	}
	f.listeners[addr] = l

	return l, nil
}

// NextRequest blocks until an incoming connection request arrives and returns
// the responder-side connection identifier for it.
func (l *Listener) NextRequest(timeout time.Duration) (*ConnID, error) {
	select {
	case id, ok := <-l.reqs:
		if !ok {
			return nil, ErrListenerClosed
		}
		return id, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

// Close unbinds the listener. Pending requests are rejected.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.fabric.mu.Lock()
	delete(l.fabric.listeners, l.addr)
	l.fabric.mu.Unlock()

	close(l.reqs)
	for id := range l.reqs {
		id.deliverToPeer(Event{Type: EventRejected})
	}

	return nil
}

// ConnID identifies one end of a connection through its management lifetime,
// in the manner of an rdma_cm identifier: events for the connection are
// delivered to its event channel.
type ConnID struct {
	fabric *Fabric
	mu     sync.Mutex
	qp     *QueuePair
	peer   *ConnID
	events chan Event

	established  bool
	disconnected bool
}

// NewConn creates a connection identifier for an initiator queue pair.
func (f *Fabric) NewConn(qp *QueuePair) *ConnID {
	return &ConnID{
		fabric: f,
		qp:     qp,
		events: make(chan Event, 8),
	}
}

// Connect issues a connection request toward addr. The result arrives as an
// event: EventEstablished once the responder accepts, EventRejected if no
// listener is bound or the responder declines.
func (c *ConnID) Connect(addr string) error {
	c.fabric.mu.Lock()
	l, ok := c.fabric.listeners[addr]
	c.fabric.mu.Unlock()

	if !ok {
		c.deliver(Event{Type: EventRejected})
		return nil
	}

	child := &ConnID{
		fabric: c.fabric,
		peer:   c,
		events: make(chan Event, 8),
	}

	c.mu.Lock()
	c.peer = child
	c.mu.Unlock()

	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		c.deliver(Event{Type: EventRejected})
		return nil
	}

	select {
	case l.reqs <- child:
	default:
		c.deliver(Event{Type: EventRejected})
	}

	return nil
}

// Accept accepts an incoming request on a responder-side ConnID, pairing qp
// with the initiator's queue pair. Both sides receive EventEstablished.
func (c *ConnID) Accept(qp *QueuePair) error {
	c.mu.Lock()
	if c.qp != nil {
		c.mu.Unlock()
		return ErrAlreadyAccepted
	}
	c.qp = qp
	peer := c.peer
	c.mu.Unlock()

	if peer == nil || peer.qp == nil {
		return ErrQPNotConnected
	}

	qp.mu.Lock()
	qp.peer = peer.qp
	qp.mu.Unlock()

	peer.qp.mu.Lock()
	peer.qp.peer = qp
	peer.qp.mu.Unlock()

	c.mu.Lock()
	c.established = true
	c.mu.Unlock()
	peer.mu.Lock()
	peer.established = true
	peer.mu.Unlock()

	c.deliver(Event{Type: EventEstablished})
	peer.deliver(Event{Type: EventEstablished})

	return nil
}

// Reject declines an incoming request.
func (c *ConnID) Reject() error {
	c.deliverToPeer(Event{Type: EventRejected})
	return nil
}

// NextEvent blocks for the next connection-management event.
func (c *ConnID) NextEvent(timeout time.Duration) (Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case <-time.After(timeout):
		return Event{}, ErrTimeout
	}
}

// PollEvent returns the next pending event without blocking.
func (c *ConnID) PollEvent() (Event, bool) {
	select {
	case ev := <-c.events:
		return ev, true
	default:
		return Event{}, false
	}
}

// Disconnect tears the connection down and notifies the peer. Safe to call
// on a connection that never established.
func (c *ConnID) Disconnect() error {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return nil
	}
	c.disconnected = true
	peer := c.peer
	c.mu.Unlock()

	if peer != nil {
		peer.deliver(Event{Type: EventDisconnected})
	}

	return nil
}

func (c *ConnID) deliver(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

func (c *ConnID) deliverToPeer(ev Event) {
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()

	if peer != nil {
		peer.deliver(ev)
	}
}
