// Package target runs the responder side of an rdmabench session: it accepts
// one connection, answers the handshake, and keeps the data path serviced
// until the initiator finishes.
package target

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmabench/internal/engine"
	"github.com/piwi3910/rdmabench/internal/proto"
	"github.com/piwi3910/rdmabench/internal/verbs"
)

const pollInterval = 200 * time.Millisecond

// Target is a single-connection responder.
type Target struct {
	eng   *engine.Engine
	depth int
	grace time.Duration
	slots []*engine.Request
}

// New creates a responder listening on addr. The mode is adopted from
// whatever the initiator asks for.
func New(fabric *verbs.Fabric, addr string, cfg engine.Config) *Target {
	cfg.Mode = proto.ModeUnknown
	return &Target{
		eng:   engine.New(fabric, addr, cfg),
		depth: cfg.IODepth,
		grace: cfg.HandshakeGrace,
	}
}

// Engine exposes the underlying engine, mainly for inspection after Run.
func (t *Target) Engine() *engine.Engine { return t.eng }

// Run serves one session to completion: until the initiator disconnects,
// announces the end of the run, or ctx is cancelled.
func (t *Target) Run(ctx context.Context) error {
	defer t.eng.Close()

	if err := t.eng.Setup(); err != nil {
		return fmt.Errorf("target setup: %w", err)
	}
	if err := t.eng.Init(); err != nil {
		return fmt.Errorf("target init: %w", err)
	}
	if err := t.eng.Open(engine.RoleResponder); err != nil {
		return fmt.Errorf("target open: %w", err)
	}

	log.Info().
		Str("mode", t.eng.Mode().String()).
		Msg("Target serving session")

	switch t.eng.Mode() {
	case proto.ModeRecv:
		if err := t.provisionSlots(engine.DirRead); err != nil {
			return err
		}
	case proto.ModeSend:
		// Give the initiator time to post its receive buffers.
		time.Sleep(t.grace)
		if err := t.provisionSlots(engine.DirWrite); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if t.sessionOver() {
			log.Info().Msg("Target session finished")
			return nil
		}

		if _, err := t.eng.Poll(1, t.depth, pollInterval); err != nil {
			if t.sessionOver() {
				log.Info().Msg("Target session finished")
				return nil
			}
			return fmt.Errorf("target poll: %w", err)
		}

		reposted := 0
		twoSided := !t.eng.Mode().OneSided()
		for r := t.eng.NextCompleted(); r != nil; r = t.eng.NextCompleted() {
			if r.Err != nil {
				// Failed slots are dropped, not retried.
				log.Warn().Err(r.Err).Uint64("tag", r.Tag).Msg("Transfer slot failed")
				continue
			}
			if twoSided {
				// Keep the slot in play at depth.
				if err := t.eng.Submit(r); err != nil {
					if t.sessionOver() {
						log.Info().Msg("Target session finished")
						return nil
					}
					return fmt.Errorf("target resubmit: %w", err)
				}
				reposted++
			}
		}
		if reposted > 0 {
			if _, err := t.eng.Commit(); err != nil {
				if t.sessionOver() {
					log.Info().Msg("Target session finished")
					return nil
				}
				return fmt.Errorf("target commit: %w", err)
			}
		}
	}
}

// sessionOver reports whether the initiator has announced the end of the run
// or torn the connection down. Errors on the data path after that point are
// part of normal wind-down.
func (t *Target) sessionOver() bool {
	return t.eng.PeerClosed() || t.eng.Disconnected()
}

// provisionSlots carves the arena into depth block slots and posts one
// request per slot.
func (t *Target) provisionSlots(dir engine.Direction) error {
	block := len(t.eng.Arena()) / t.depth
	t.slots = make([]*engine.Request, t.depth)
	for i := 0; i < t.depth; i++ {
		r := &engine.Request{
			Dir:         dir,
			LocalOffset: i * block,
			Length:      uint32(block),
			Tag:         uint64(i),
		}
		t.slots[i] = r
		if err := t.eng.Submit(r); err != nil {
			return fmt.Errorf("target provision: %w", err)
		}
	}
	if _, err := t.eng.Commit(); err != nil {
		return fmt.Errorf("target commit: %w", err)
	}
	return nil
}
