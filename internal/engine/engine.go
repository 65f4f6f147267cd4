// Package engine implements the asynchronous RDMA data-transfer engine: it
// owns the connection, the capability handshake, memory registration, and the
// queued / in-flight / completed request lifecycle on top of the verbs layer.
package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmabench/internal/proto"
	"github.com/piwi3910/rdmabench/internal/verbs"
)

// ctrlWRID is the reserved correlation id for control-path messages. Data
// requests count up from 1 and never collide with it.
const ctrlWRID = ^uint64(0)

// Role selects which side of the connection an engine plays.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// State is the engine lifecycle phase. Transitions are strictly ordered:
// Created, Setup, Initialized, Open, Closed.
type State int

const (
	StateCreated State = iota
	StateSetup
	StateInitialized
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSetup:
		return "setup"
	case StateInitialized:
		return "initialized"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config carries the engine tunables.
type Config struct {
	// Mode is the transfer mode requested by the initiator. Responders may
	// leave it unset and adopt the mode the peer asks for.
	Mode proto.Mode
	// MaxBlockSize is the largest per-request payload, in bytes. It is
	// advertised in the handshake and enforced against the peer's value.
	MaxBlockSize uint32
	// IODepth bounds the number of queued and in-flight requests.
	IODepth int
	// DeviceName selects the RDMA device. Empty means the default device.
	DeviceName string
	// DataBufferSize is the registered arena size in bytes. Zero derives
	// IODepth * MaxBlockSize.
	DataBufferSize int
	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration
	// HandshakeTimeout bounds each control-message exchange.
	HandshakeTimeout time.Duration
	// HandshakeGrace is how long the initiator pauses after the handshake so
	// the responder can provision receive buffers before the first transfer.
	HandshakeGrace time.Duration
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Mode:             proto.ModeRemoteWrite,
		MaxBlockSize:     4096,
		IODepth:          64,
		DeviceName:       "sim0",
		ConnectTimeout:   10 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		HandshakeGrace:   500 * time.Millisecond,
	}
}

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	if c.IODepth < 1 || c.IODepth > proto.MaxDepth {
		return fmt.Errorf("io depth %d out of range [1, %d]", c.IODepth, proto.MaxDepth)
	}
	if c.MaxBlockSize == 0 {
		return fmt.Errorf("max block size must be positive")
	}
	if c.DataBufferSize < 0 {
		return fmt.Errorf("data buffer size must not be negative")
	}
	return nil
}

// Engine drives one RDMA connection end to end.
type Engine struct {
	id     string
	cfg    Config
	fabric *verbs.Fabric
	target string
	state  State
	role   Role

	dev *verbs.Device
	pd  *verbs.ProtectionDomain
	cq  *verbs.CompletionQueue
	qp  *verbs.QueuePair

	arena       []byte
	dataMR      *verbs.MemoryRegion
	ctrlSendBuf []byte
	ctrlSendMR  *verbs.MemoryRegion
	ctrlRecvBuf []byte
	ctrlRecvMR  *verbs.MemoryRegion

	cm       *verbs.ConnID
	listener *verbs.Listener

	// mode is the negotiated transfer mode. On the initiator it equals
	// cfg.Mode; on the responder it is adopted from the peer's handshake.
	mode         proto.Mode
	peerMaxBlock uint32
	remote       []proto.RemoteRegion
	peerBlock    *proto.SetupBlock

	queued    *requestRing
	flight    *flightSet
	completed *requestRing
	nextWRID  uint64

	// pending counts completions already drained from the queue but not yet
	// reported through Poll. Carried across calls.
	pending int

	// Control completions observed versus awaited, per opcode. Keeps a
	// completion consumed while waiting for the other opcode from being lost.
	ctrlSendsSeen    int
	ctrlSendsAwaited int
	ctrlRecvsSeen    int
	ctrlRecvsAwaited int

	established  bool
	peerClosed   bool
	disconnected bool
}

// New creates an engine over the given fabric, targeting addr. The engine
// starts in StateCreated; call Setup, Init, then Open.
func New(fabric *verbs.Fabric, addr string, cfg Config) *Engine {
	return &Engine{
		id:       uuid.New().String()[:8],
		cfg:      cfg,
		fabric:   fabric,
		target:   addr,
		state:    StateCreated,
		nextWRID: 1,
	}
}

// ID returns the engine's short instance identifier, used in log lines.
func (e *Engine) ID() string { return e.id }

// State returns the current lifecycle phase.
func (e *Engine) State() State { return e.state }

// Mode returns the negotiated transfer mode. ModeUnknown before Open.
func (e *Engine) Mode() proto.Mode { return e.mode }

// Arena returns the registered data buffer. Request offsets index into it.
func (e *Engine) Arena() []byte { return e.arena }

// RemoteRegions returns the peer regions learned in the handshake. Empty for
// two-sided modes.
func (e *Engine) RemoteRegions() []proto.RemoteRegion { return e.remote }

// PeerMaxBlock returns the peer's advertised maximum block size.
func (e *Engine) PeerMaxBlock() uint32 { return e.peerMaxBlock }

func (e *Engine) stateErr(op string) error {
	return fmt.Errorf("%w: %s called in state %s", ErrInvalidState, op, e.state)
}

// Setup validates the configuration and fixes the derived sizes. Idempotent.
func (e *Engine) Setup() error {
	if e.state == StateSetup {
		return nil
	}
	if e.state != StateCreated {
		return e.stateErr("Setup")
	}

	if err := e.cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrSetup, err)
	}
	if e.cfg.DataBufferSize == 0 {
		e.cfg.DataBufferSize = e.cfg.IODepth * int(e.cfg.MaxBlockSize)
	}
	if e.cfg.DataBufferSize < int(e.cfg.MaxBlockSize) {
		return fmt.Errorf("%w: data buffer %d smaller than one block (%d)",
			ErrSetup, e.cfg.DataBufferSize, e.cfg.MaxBlockSize)
	}

	e.queued = newRequestRing(e.cfg.IODepth)
	e.flight = newFlightSet(e.cfg.IODepth)
	e.completed = newRequestRing(e.cfg.IODepth)
	e.state = StateSetup

	log.Debug().
		Str("engine", e.id).
		Str("target", e.target).
		Int("iodepth", e.cfg.IODepth).
		Uint32("max_block", e.cfg.MaxBlockSize).
		Msg("Engine setup complete")

	return nil
}

// Init opens the device, allocates the protection domain, and registers the
// data arena and control buffers.
func (e *Engine) Init() error {
	if e.state != StateSetup {
		return e.stateErr("Init")
	}

	dev, err := e.fabric.OpenDevice(e.cfg.DeviceName)
	if err != nil {
		return fmt.Errorf("%w: open device %q: %v", ErrSetup, e.cfg.DeviceName, err)
	}
	e.dev = dev
	e.pd = dev.AllocPD()

	e.arena = make([]byte, e.cfg.DataBufferSize)
	e.dataMR, err = e.pd.RegisterMemory(e.arena)
	if err != nil {
		return fmt.Errorf("%w: register data arena: %v", ErrSetup, err)
	}

	e.ctrlSendBuf = make([]byte, proto.BlockSize)
	e.ctrlSendMR, err = e.pd.RegisterMemory(e.ctrlSendBuf)
	if err != nil {
		return fmt.Errorf("%w: register control send buffer: %v", ErrSetup, err)
	}

	e.ctrlRecvBuf = make([]byte, proto.BlockSize)
	e.ctrlRecvMR, err = e.pd.RegisterMemory(e.ctrlRecvBuf)
	if err != nil {
		return fmt.Errorf("%w: register control recv buffer: %v", ErrSetup, err)
	}

	e.state = StateInitialized

	log.Debug().
		Str("engine", e.id).
		Str("device", dev.Name).
		Int("arena_bytes", len(e.arena)).
		Msg("Engine resources initialized")

	return nil
}
