package engine

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmabench/internal/metrics"
	"github.com/piwi3910/rdmabench/internal/verbs"
)

// Poll waits for request completions. It returns once at least min requests
// have completed since the last call, or the timeout elapses; it never
// reports more than max. Completions drained beyond max are carried over to
// the next call. A timeout is not an error: the count reported so far comes
// back with a nil error.
func (e *Engine) Poll(min, max int, timeout time.Duration) (int, error) {
	if e.state != StateOpen {
		return 0, e.stateErr("Poll")
	}
	if max <= 0 || max > e.cfg.IODepth {
		max = e.cfg.IODepth
	}
	if min > max {
		min = max
	}

	start := time.Now()
	defer func() {
		metrics.PollDuration.Observe(time.Since(start).Seconds())
	}()

	reported := 0
	take := func() {
		n := e.pending
		if n > max-reported {
			n = max - reported
		}
		reported += n
		e.pending -= n
	}
	take()

	deadline := start.Add(timeout)
	for reported < min {
		e.cq.RequestNotify()

		// Drain before blocking; completions may have raced the notify.
		n, err := e.drain()
		e.pending += n
		take()
		if err != nil {
			return reported, err
		}
		if n > 0 {
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return reported, nil
		}
		select {
		case <-e.cq.Events():
		case <-time.After(remaining):
			return reported, nil
		}
	}

	return reported, nil
}

// drain empties the completion queue, retiring data completions and handling
// control messages. Returns the number of requests retired.
func (e *Engine) drain() (int, error) {
	n := 0
	for _, wc := range e.cq.Poll(0) {
		if wc.WRID == ctrlWRID {
			if err := e.handleControl(wc); err != nil {
				return n, err
			}
			continue
		}
		if e.retire(wc) {
			n++
		}
	}
	return n, nil
}

// retire matches a completion against the in-flight collection and moves the
// request to completed. Unmatched completions are logged and dropped; they
// are not fatal to the connection.
func (e *Engine) retire(wc verbs.WorkCompletion) bool {
	idx := e.flight.find(wc.WRID)
	if idx < 0 {
		metrics.UnmatchedCompletionsTotal.Inc()
		log.Warn().
			Str("engine", e.id).
			Uint64("wr_id", wc.WRID).
			Str("opcode", wc.Opcode.String()).
			Msg("Completion matched no in-flight request")
		return false
	}

	r := e.flight.removeAt(idx)
	if wc.Status != verbs.StatusSuccess {
		r.Err = fmt.Errorf("%w: wr %d (%s): %s", ErrCompletion, wc.WRID, wc.Opcode, wc.Status)
		r.Residual = r.Length
		metrics.CompletionsTotal.WithLabelValues("error").Inc()
	} else {
		r.Err = nil
		if r.Dir == DirRead {
			r.Residual = r.Length - wc.ByteLen
		} else {
			r.Residual = 0
		}
		metrics.CompletionsTotal.WithLabelValues("success").Inc()
		metrics.BytesTransferred.WithLabelValues(r.Dir.String()).Add(float64(wc.ByteLen))
	}

	if !e.completed.push(r) {
		// Cannot happen while the caller honors the IODepth live-request
		// bound; the request is still returned as completed via Err/Residual.
		log.Error().
			Str("engine", e.id).
			Uint64("wr_id", wc.WRID).
			Msg("Completed collection full, dropping request")
	}

	return true
}

// NextCompleted pops the oldest completed request, or nil when none is
// waiting. Retrieval frees the slot for reuse.
func (e *Engine) NextCompleted() *Request {
	if e.completed == nil {
		return nil
	}
	return e.completed.pop()
}
