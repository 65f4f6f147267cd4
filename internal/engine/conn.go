package engine

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmabench/internal/metrics"
	"github.com/piwi3910/rdmabench/internal/proto"
	"github.com/piwi3910/rdmabench/internal/verbs"
)

// Open establishes the connection and runs the capability handshake. On the
// initiator this connects to the engine's target address; on the responder it
// listens there and accepts one connection.
func (e *Engine) Open(role Role) error {
	if e.state != StateInitialized {
		return e.stateErr("Open")
	}
	e.role = role
	if role == RoleInitiator && e.cfg.Mode == proto.ModeUnknown {
		return fmt.Errorf("%w: initiator requires a transfer mode", ErrConnect)
	}

	// Queue depth covers data requests plus the control messages.
	qpDepth := 2 * e.cfg.IODepth
	if qpDepth < 16 {
		qpDepth = 16
	}
	e.cq = e.dev.CreateCQ(qpDepth)
	e.qp = e.dev.CreateQP(e.pd, e.cq, qpDepth, qpDepth)

	// The control receive must be posted before the connection exists so the
	// peer's first message always finds a buffer.
	if err := e.postCtrlRecv(); err != nil {
		e.releaseDataPath()
		return err
	}

	var err error
	if role == RoleInitiator {
		err = e.connect()
	} else {
		err = e.accept()
	}
	if err != nil {
		if e.cm != nil {
			e.cm.Disconnect()
		}
		e.releaseDataPath()
		return err
	}

	e.established = true
	e.state = StateOpen
	metrics.ConnectionsTotal.WithLabelValues(role.String()).Inc()

	log.Info().
		Str("engine", e.id).
		Str("role", role.String()).
		Str("mode", e.mode.String()).
		Str("target", e.target).
		Uint32("peer_max_block", e.peerMaxBlock).
		Msg("Connection open")

	return nil
}

func (e *Engine) connect() error {
	e.cm = e.fabric.NewConn(e.qp)
	if err := e.cm.Connect(e.target); err != nil {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}

	ev, err := e.cm.NextEvent(e.cfg.ConnectTimeout)
	if err != nil {
		return ErrConnectTimeout
	}
	switch ev.Type {
	case verbs.EventEstablished:
	case verbs.EventRejected:
		return ErrConnectRejected
	default:
		return fmt.Errorf("%w: %s", ErrConnectUnexpected, ev.Type)
	}

	req := proto.SetupBlock{Mode: e.cfg.Mode, MaxBlock: e.cfg.MaxBlockSize}
	if err := e.sendCtrl(&req); err != nil {
		return err
	}
	if err := e.waitCtrl(verbs.OpSend); err != nil {
		return err
	}
	if err := e.waitCtrl(verbs.OpRecv); err != nil {
		return err
	}

	reply := e.peerBlock
	if reply.Mode != e.cfg.Mode {
		return fmt.Errorf("%w: peer answered mode %s, requested %s",
			ErrProtocol, reply.Mode, e.cfg.Mode)
	}
	if reply.MaxBlock < e.cfg.MaxBlockSize {
		return fmt.Errorf("%w: peer max block %d below local %d",
			ErrIncompatibleBlockSize, reply.MaxBlock, e.cfg.MaxBlockSize)
	}
	if e.cfg.Mode.OneSided() {
		if len(reply.Regions) == 0 {
			return fmt.Errorf("%w: no remote regions for %s mode", ErrProtocol, e.cfg.Mode)
		}
		for i, r := range reply.Regions {
			if r.Size < e.cfg.MaxBlockSize {
				return fmt.Errorf("%w: remote region %d holds %d bytes, need %d",
					ErrIncompatibleBlockSize, i, r.Size, e.cfg.MaxBlockSize)
			}
		}
		e.remote = reply.Regions
	}
	e.mode = e.cfg.Mode
	e.peerMaxBlock = reply.MaxBlock

	// Let the responder provision its receive side before the first
	// transfer hits it.
	time.Sleep(e.cfg.HandshakeGrace)

	return nil
}

func (e *Engine) accept() error {
	l, err := e.fabric.Listen(e.target)
	if err != nil {
		return fmt.Errorf("%w: listen on %q: %v", ErrConnect, e.target, err)
	}
	e.listener = l

	cm, err := l.NextRequest(e.cfg.ConnectTimeout)
	if err != nil {
		return ErrConnectTimeout
	}
	e.cm = cm

	if err := cm.Accept(e.qp); err != nil {
		return fmt.Errorf("%w: accept: %v", ErrConnect, err)
	}
	ev, err := cm.NextEvent(e.cfg.ConnectTimeout)
	if err != nil {
		return ErrConnectTimeout
	}
	if ev.Type != verbs.EventEstablished {
		return fmt.Errorf("%w: %s", ErrConnectUnexpected, ev.Type)
	}

	// The peer's request block arrives first and fixes the mode.
	if err := e.waitCtrl(verbs.OpRecv); err != nil {
		return err
	}
	client := e.peerBlock
	if client.MaxBlock > e.cfg.MaxBlockSize {
		return fmt.Errorf("%w: peer max block %d exceeds local %d",
			ErrIncompatibleBlockSize, client.MaxBlock, e.cfg.MaxBlockSize)
	}

	reply := proto.SetupBlock{Mode: client.Mode, MaxBlock: e.cfg.MaxBlockSize}
	if client.Mode.OneSided() {
		reply.Regions = []proto.RemoteRegion{{
			Addr: e.dataMR.Addr,
			Key:  e.dataMR.RKey,
			Size: uint32(len(e.arena)),
		}}
	}

	// In one-sided modes the peer sends one more control message, the
	// end-of-run notice. Re-arm for it before replying. Two-sided modes must
	// not leave a control buffer in the receive queue: receives are consumed
	// in FIFO order and it would swallow the first data send.
	if client.Mode.OneSided() {
		if err := e.postCtrlRecv(); err != nil {
			return err
		}
	}
	if err := e.sendCtrl(&reply); err != nil {
		return err
	}
	if err := e.waitCtrl(verbs.OpSend); err != nil {
		return err
	}

	return nil
}

func (e *Engine) postCtrlRecv() error {
	err := e.qp.PostRecv(verbs.RecvWR{
		WRID:   ctrlWRID,
		Local:  e.ctrlRecvMR,
		Length: proto.BlockSize,
	})
	if err != nil {
		return fmt.Errorf("%w: post control receive: %v", ErrConnect, err)
	}
	return nil
}

func (e *Engine) sendCtrl(blk *proto.SetupBlock) error {
	if err := blk.MarshalTo(e.ctrlSendBuf); err != nil {
		return fmt.Errorf("%w: encode setup block: %v", ErrProtocol, err)
	}
	err := e.qp.PostSend(verbs.SendWR{
		WRID:     ctrlWRID,
		Opcode:   verbs.OpSend,
		Local:    e.ctrlSendMR,
		Length:   proto.BlockSize,
		Signaled: true,
	})
	if err != nil {
		return fmt.Errorf("%w: post control send: %v", ErrConnect, err)
	}
	return nil
}

// waitCtrl blocks until one more control completion of the given opcode has
// been observed. Control completions are counted as they are drained, so a
// completion consumed while waiting for the other opcode is not lost. Data
// completions drained while waiting are retired normally and carried over to
// the next Poll call.
func (e *Engine) waitCtrl(want verbs.Opcode) error {
	awaited := &e.ctrlSendsAwaited
	seen := &e.ctrlSendsSeen
	if want == verbs.OpRecv {
		awaited = &e.ctrlRecvsAwaited
		seen = &e.ctrlRecvsSeen
	}
	*awaited++

	deadline := time.Now().Add(e.cfg.HandshakeTimeout)
	for *seen < *awaited {
		e.cq.RequestNotify()

		for _, wc := range e.cq.Poll(0) {
			if wc.WRID == ctrlWRID {
				if err := e.handleControl(wc); err != nil {
					return err
				}
				continue
			}
			if e.retire(wc) {
				e.pending++
			}
		}
		if *seen >= *awaited {
			break
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: waiting for control %s", ErrConnectTimeout, want)
		}
		select {
		case <-e.cq.Events():
		case <-time.After(remaining):
			return fmt.Errorf("%w: waiting for control %s", ErrConnectTimeout, want)
		}
	}

	return nil
}

// handleControl processes a completion on the reserved control id. Inbound
// blocks update the negotiated state; a second inbound block on the responder
// is the peer's end-of-run notice.
func (e *Engine) handleControl(wc verbs.WorkCompletion) error {
	if wc.Status != verbs.StatusSuccess {
		return fmt.Errorf("%w: control %s completed with %s", ErrConnect, wc.Opcode, wc.Status)
	}
	if wc.Opcode != verbs.OpRecv {
		e.ctrlSendsSeen++
		return nil
	}
	e.ctrlRecvsSeen++

	if int(wc.ByteLen) != proto.BlockSize {
		return fmt.Errorf("%w: control payload %d bytes, want %d",
			ErrProtocol, wc.ByteLen, proto.BlockSize)
	}
	blk, err := proto.Unmarshal(e.ctrlRecvBuf[:wc.ByteLen])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	e.peerBlock = &blk

	if e.role == RoleResponder {
		if e.mode == proto.ModeUnknown {
			m := blk.Mode
			// Two-sided modes are adopted from the peer's point of view:
			// the responder takes the complementary end.
			switch m {
			case proto.ModeSend:
				m = proto.ModeRecv
			case proto.ModeRecv:
				m = proto.ModeSend
			}
			e.mode = m
			e.peerMaxBlock = blk.MaxBlock
		} else {
			e.peerClosed = true
			log.Debug().Str("engine", e.id).Msg("Peer announced end of run")
		}
	}

	return nil
}

// PeerClosed reports whether the peer announced the end of the run. Only ever
// true on the responder in one-sided modes.
func (e *Engine) PeerClosed() bool { return e.peerClosed }

// Disconnected reports whether the peer tore the connection down.
func (e *Engine) Disconnected() bool {
	if e.disconnected {
		return true
	}
	if e.cm == nil {
		return false
	}
	for {
		ev, ok := e.cm.PollEvent()
		if !ok {
			return e.disconnected
		}
		if ev.Type == verbs.EventDisconnected {
			e.disconnected = true
		}
	}
}

// Close tears the connection down and releases every verbs resource. In
// one-sided modes the initiator first tells the responder the run is over.
// Requests still in flight are marked abandoned and never reach the completed
// collection; their buffers must not be reused. Idempotent.
func (e *Engine) Close() error {
	if e.state == StateClosed {
		return nil
	}

	if e.state == StateOpen {
		if e.role == RoleInitiator && e.mode.OneSided() {
			notice := proto.SetupBlock{Mode: e.mode, MaxBlock: e.cfg.MaxBlockSize}
			if err := e.sendCtrl(&notice); err == nil {
				if err := e.waitCtrl(verbs.OpSend); err != nil {
					log.Warn().Str("engine", e.id).Err(err).Msg("End-of-run notice not confirmed")
				}
			}
		}

		if abandoned := e.flight.drain(); len(abandoned) > 0 {
			for _, r := range abandoned {
				r.Err = ErrAbandoned
			}
			log.Warn().
				Str("engine", e.id).
				Int("in_flight", len(abandoned)).
				Msg("Closing with requests in flight; their buffers are forfeit")
		}
	}

	if e.cm != nil {
		e.cm.Disconnect()
	}
	e.releaseDataPath()

	if e.dataMR != nil {
		e.dataMR.Deregister()
		e.dataMR = nil
	}
	if e.ctrlSendMR != nil {
		e.ctrlSendMR.Deregister()
		e.ctrlSendMR = nil
	}
	if e.ctrlRecvMR != nil {
		e.ctrlRecvMR.Deregister()
		e.ctrlRecvMR = nil
	}
	if e.pd != nil {
		e.pd.Close()
		e.pd = nil
	}

	e.established = false
	e.state = StateClosed

	log.Info().Str("engine", e.id).Msg("Engine closed")

	return nil
}

// releaseDataPath frees the per-connection resources so a failed Open leaves
// the engine back at the initialized resources only.
func (e *Engine) releaseDataPath() {
	if e.qp != nil {
		e.qp.Close()
		e.qp = nil
	}
	if e.cq != nil {
		e.cq.Close()
		e.cq = nil
	}
	if e.listener != nil {
		e.listener.Close()
		e.listener = nil
	}
}
