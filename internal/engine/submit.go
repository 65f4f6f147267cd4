package engine

import (
	"fmt"
	"time"

	"github.com/piwi3910/rdmabench/internal/metrics"
	"github.com/piwi3910/rdmabench/internal/proto"
	"github.com/piwi3910/rdmabench/internal/verbs"
)

// Submit validates a request and appends it to the queued collection. The
// request is not posted until Commit. A full queue returns ErrBusy and leaves
// both the queue and the request untouched.
func (e *Engine) Submit(r *Request) error {
	if e.state != StateOpen {
		return e.stateErr("Submit")
	}

	if r.Length == 0 || r.Length > e.cfg.MaxBlockSize {
		return fmt.Errorf("%w: length %d outside (0, %d]",
			ErrRequestInvalid, r.Length, e.cfg.MaxBlockSize)
	}
	if r.LocalOffset < 0 || r.LocalOffset+int(r.Length) > len(e.arena) {
		return fmt.Errorf("%w: local range [%d, %d) outside arena of %d bytes",
			ErrRequestInvalid, r.LocalOffset, r.LocalOffset+int(r.Length), len(e.arena))
	}
	if e.mode.OneSided() {
		region := e.remote[0]
		if r.RemoteOffset+uint64(r.Length) > uint64(region.Size) {
			return fmt.Errorf("%w: remote range [%d, %d) outside region of %d bytes",
				ErrRequestInvalid, r.RemoteOffset, r.RemoteOffset+uint64(r.Length), region.Size)
		}
	}

	if !e.queued.push(r) {
		return ErrBusy
	}

	return nil
}

// Commit posts every queued request in submission order, moving each to the
// in-flight collection with a fresh correlation id. If a post fails the
// failing request stays queued and the error is returned alongside the count
// already posted.
func (e *Engine) Commit() (int, error) {
	if e.state != StateOpen {
		return 0, e.stateErr("Commit")
	}

	posted := 0
	now := time.Now()
	for e.queued.len() > 0 {
		r := e.queued.peek()
		wrID := e.nextWRID
		if err := e.post(r, wrID); err != nil {
			return posted, err
		}
		e.nextWRID++
		e.queued.pop()
		r.wrID = wrID
		r.issuedAt = now
		e.flight.add(r)
		posted++
		metrics.SubmissionsTotal.WithLabelValues(e.mode.String()).Inc()
	}

	return posted, nil
}

// post translates a request into the work request its mode and role call for.
func (e *Engine) post(r *Request, wrID uint64) error {
	switch {
	case e.mode == proto.ModeRemoteWrite && e.role == RoleInitiator:
		region := e.remote[0]
		return e.qp.PostSend(verbs.SendWR{
			WRID:        wrID,
			Opcode:      verbs.OpWrite,
			Local:       e.dataMR,
			LocalOffset: r.LocalOffset,
			Length:      r.Length,
			RemoteAddr:  region.Addr + r.RemoteOffset,
			RemoteKey:   region.Key,
			Signaled:    true,
		})

	case e.mode == proto.ModeRemoteRead && e.role == RoleInitiator:
		region := e.remote[0]
		return e.qp.PostSend(verbs.SendWR{
			WRID:        wrID,
			Opcode:      verbs.OpRead,
			Local:       e.dataMR,
			LocalOffset: r.LocalOffset,
			Length:      r.Length,
			RemoteAddr:  region.Addr + r.RemoteOffset,
			RemoteKey:   region.Key,
			Signaled:    true,
		})

	case e.mode == proto.ModeSend:
		return e.qp.PostSend(verbs.SendWR{
			WRID:        wrID,
			Opcode:      verbs.OpSend,
			Local:       e.dataMR,
			LocalOffset: r.LocalOffset,
			Length:      r.Length,
			Signaled:    true,
		})

	case e.mode == proto.ModeRecv:
		return e.qp.PostRecv(verbs.RecvWR{
			WRID:        wrID,
			Local:       e.dataMR,
			LocalOffset: r.LocalOffset,
			Length:      r.Length,
		})

	default:
		return fmt.Errorf("%w: mode %s not postable as %s",
			ErrRequestInvalid, e.mode, e.role)
	}
}
