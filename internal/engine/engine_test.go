package engine

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rdmabench/internal/proto"
	"github.com/piwi3910/rdmabench/internal/verbs"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.IODepth = 4
	cfg.MaxBlockSize = 1024
	cfg.ConnectTimeout = 2 * time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.HandshakeGrace = time.Millisecond
	return cfg
}

var pairSeq atomic.Int64

// openPair brings up a connected initiator/responder pair in the given mode.
func openPair(t *testing.T, mode proto.Mode) (*Engine, *Engine) {
	t.Helper()

	fabric := verbs.NewFabric()
	addr := fmt.Sprintf("pair-%s-%d", t.Name(), pairSeq.Add(1))

	respCfg := testConfig()
	respCfg.Mode = proto.ModeUnknown
	resp := New(fabric, addr, respCfg)
	require.NoError(t, resp.Setup())
	require.NoError(t, resp.Init())

	respErr := make(chan error, 1)
	go func() { respErr <- resp.Open(RoleResponder) }()

	initCfg := testConfig()
	initCfg.Mode = mode
	init := New(fabric, addr, initCfg)
	require.NoError(t, init.Setup())
	require.NoError(t, init.Init())

	// The responder's listener may not be bound yet.
	var err error
	for i := 0; i < 100; i++ {
		err = init.Open(RoleInitiator)
		if !errors.Is(err, ErrConnectRejected) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, err)
	require.NoError(t, <-respErr)

	t.Cleanup(func() {
		init.Close()
		resp.Close()
	})

	return init, resp
}

func TestLifecycleOrderEnforced(t *testing.T) {
	eng := New(verbs.NewFabric(), "order", testConfig())

	assert.ErrorIs(t, eng.Init(), ErrInvalidState)
	assert.ErrorIs(t, eng.Open(RoleInitiator), ErrInvalidState)
	assert.ErrorIs(t, eng.Submit(&Request{Length: 1}), ErrInvalidState)
	_, err := eng.Commit()
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = eng.Poll(1, 1, time.Millisecond)
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, eng.Setup())
	assert.ErrorIs(t, eng.Open(RoleInitiator), ErrInvalidState)

	require.NoError(t, eng.Init())
	assert.ErrorIs(t, eng.Init(), ErrInvalidState)
}

func TestSetupIdempotent(t *testing.T) {
	eng := New(verbs.NewFabric(), "setup", testConfig())
	require.NoError(t, eng.Setup())
	require.NoError(t, eng.Setup())
	assert.Equal(t, StateSetup, eng.State())
}

func TestSetupRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.IODepth = proto.MaxDepth + 1
	eng := New(verbs.NewFabric(), "bad", cfg)
	assert.ErrorIs(t, eng.Setup(), ErrSetup)

	cfg = testConfig()
	cfg.MaxBlockSize = 0
	eng = New(verbs.NewFabric(), "bad2", cfg)
	assert.ErrorIs(t, eng.Setup(), ErrSetup)
}

func TestHandshakeNegotiation(t *testing.T) {
	init, resp := openPair(t, proto.ModeRemoteWrite)

	assert.Equal(t, proto.ModeRemoteWrite, init.Mode())
	assert.Equal(t, proto.ModeRemoteWrite, resp.Mode())

	regions := init.RemoteRegions()
	require.Len(t, regions, 1)
	assert.Equal(t, uint32(len(resp.Arena())), regions[0].Size)
	assert.Equal(t, init.cfg.MaxBlockSize, init.PeerMaxBlock())

	// Two-sided connections expose no regions.
	init2, _ := openPair(t, proto.ModeSend)
	assert.Empty(t, init2.RemoteRegions())
}

func TestHandshakeAdoptsComplementaryMode(t *testing.T) {
	_, resp := openPair(t, proto.ModeSend)
	assert.Equal(t, proto.ModeRecv, resp.Mode())

	_, resp2 := openPair(t, proto.ModeRecv)
	assert.Equal(t, proto.ModeSend, resp2.Mode())
}

func TestHandshakeBlockSizeGuard(t *testing.T) {
	fabric := verbs.NewFabric()
	addr := "guard-" + t.Name()

	respCfg := testConfig()
	respCfg.Mode = proto.ModeUnknown
	respCfg.MaxBlockSize = 512
	resp := New(fabric, addr, respCfg)
	require.NoError(t, resp.Setup())
	require.NoError(t, resp.Init())

	respErr := make(chan error, 1)
	go func() { respErr <- resp.Open(RoleResponder) }()

	initCfg := testConfig()
	initCfg.Mode = proto.ModeRemoteWrite
	initCfg.MaxBlockSize = 1024
	initCfg.HandshakeTimeout = 300 * time.Millisecond
	init := New(fabric, addr, initCfg)
	require.NoError(t, init.Setup())
	require.NoError(t, init.Init())

	var err error
	for i := 0; i < 100; i++ {
		err = init.Open(RoleInitiator)
		if !errors.Is(err, ErrConnectRejected) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Error(t, err)

	assert.ErrorIs(t, <-respErr, ErrIncompatibleBlockSize)

	// A failed open leaves no data-path resources behind.
	assert.Nil(t, init.qp)
	assert.Nil(t, init.cq)
	assert.Nil(t, resp.qp)
	assert.Nil(t, resp.cq)
	assert.Equal(t, StateInitialized, resp.State())

	init.Close()
	resp.Close()
}

func TestWriteTransfer(t *testing.T) {
	init, resp := openPair(t, proto.ModeRemoteWrite)

	copy(init.Arena(), []byte("block-zero-payload"))
	copy(init.Arena()[1024:], []byte("block-one-payload"))

	reqs := []*Request{
		{Dir: DirWrite, LocalOffset: 0, RemoteOffset: 0, Length: 18, Tag: 0},
		{Dir: DirWrite, LocalOffset: 1024, RemoteOffset: 2048, Length: 17, Tag: 1},
	}
	for _, r := range reqs {
		require.NoError(t, init.Submit(r))
	}

	posted, err := init.Commit()
	require.NoError(t, err)
	assert.Equal(t, 2, posted)

	n, err := init.Poll(2, 4, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for i := 0; i < 2; i++ {
		r := init.NextCompleted()
		require.NotNil(t, r)
		assert.NoError(t, r.Err)
		assert.Zero(t, r.Residual)
		assert.False(t, r.IssuedAt().IsZero())
	}
	assert.Nil(t, init.NextCompleted())

	// The responder takes no part in the data path; bytes land directly.
	assert.True(t, bytes.Equal(resp.Arena()[:18], []byte("block-zero-payload")))
	assert.True(t, bytes.Equal(resp.Arena()[2048:2048+17], []byte("block-one-payload")))
}

func TestReadTransfer(t *testing.T) {
	init, resp := openPair(t, proto.ModeRemoteRead)

	copy(resp.Arena()[512:], []byte("remote-content"))

	r := &Request{Dir: DirRead, LocalOffset: 0, RemoteOffset: 512, Length: 14}
	require.NoError(t, init.Submit(r))
	_, err := init.Commit()
	require.NoError(t, err)

	n, err := init.Poll(1, 4, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := init.NextCompleted()
	require.Same(t, r, got)
	assert.NoError(t, got.Err)
	assert.Zero(t, got.Residual)
	assert.True(t, bytes.Equal(init.Arena()[:14], []byte("remote-content")))
}

func TestSendRecvResidual(t *testing.T) {
	init, resp := openPair(t, proto.ModeSend)

	// Responder provisions a full-block receive, initiator sends half.
	recv := &Request{Dir: DirRead, LocalOffset: 0, Length: 1024}
	require.NoError(t, resp.Submit(recv))
	_, err := resp.Commit()
	require.NoError(t, err)

	send := &Request{Dir: DirWrite, LocalOffset: 0, Length: 512}
	require.NoError(t, init.Submit(send))
	_, err = init.Commit()
	require.NoError(t, err)

	n, err := init.Poll(1, 4, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, init.NextCompleted().Residual)

	n, err = resp.Poll(1, 4, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := resp.NextCompleted()
	require.Same(t, recv, got)
	assert.NoError(t, got.Err)
	assert.Equal(t, uint32(512), got.Residual)
}

func TestSubmitValidation(t *testing.T) {
	init, _ := openPair(t, proto.ModeRemoteWrite)

	assert.ErrorIs(t, init.Submit(&Request{Length: 0}), ErrRequestInvalid)
	assert.ErrorIs(t, init.Submit(&Request{Length: 2048}), ErrRequestInvalid)
	assert.ErrorIs(t, init.Submit(&Request{LocalOffset: -1, Length: 16}), ErrRequestInvalid)
	assert.ErrorIs(t, init.Submit(&Request{LocalOffset: len(init.Arena()) - 8, Length: 16}), ErrRequestInvalid)

	outside := &Request{Length: 16, RemoteOffset: uint64(init.RemoteRegions()[0].Size)}
	assert.ErrorIs(t, init.Submit(outside), ErrRequestInvalid)
}

func TestSubmitBusyAtDepth(t *testing.T) {
	init, _ := openPair(t, proto.ModeRemoteWrite)

	for i := 0; i < init.cfg.IODepth; i++ {
		r := &Request{Dir: DirWrite, LocalOffset: i * 1024, Length: 64, Tag: uint64(i)}
		require.NoError(t, init.Submit(r))
	}

	extra := &Request{Dir: DirWrite, Length: 64}
	assert.ErrorIs(t, init.Submit(extra), ErrBusy)
	assert.Equal(t, init.cfg.IODepth, init.queued.len())
	assert.Zero(t, extra.CorrelationID())
}

func TestCommitAssignsDistinctCorrelationIDs(t *testing.T) {
	init, _ := openPair(t, proto.ModeRemoteWrite)

	for i := 0; i < 3; i++ {
		require.NoError(t, init.Submit(&Request{Dir: DirWrite, LocalOffset: i * 1024, Length: 32}))
	}
	posted, err := init.Commit()
	require.NoError(t, err)
	require.Equal(t, 3, posted)

	seen := make(map[uint64]bool)
	var last uint64
	for _, r := range init.flight.reqs {
		assert.False(t, seen[r.wrID], "duplicate correlation id %d", r.wrID)
		assert.Greater(t, r.wrID, last)
		seen[r.wrID] = true
		last = r.wrID
	}

	n, err := init.Poll(3, 4, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Zero(t, init.flight.len())
}

func TestPollCarriesDrainedCompletionsOver(t *testing.T) {
	init, _ := openPair(t, proto.ModeRemoteWrite)

	for i := 0; i < 3; i++ {
		require.NoError(t, init.Submit(&Request{Dir: DirWrite, LocalOffset: i * 1024, Length: 32}))
	}
	_, err := init.Commit()
	require.NoError(t, err)

	// All three complete at once; a capped poll must bank the surplus.
	n, err := init.Poll(1, 1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, init.pending)

	n, err = init.Poll(2, 4, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, init.pending)
}

func TestPollTimeoutIsNotAnError(t *testing.T) {
	init, _ := openPair(t, proto.ModeRemoteWrite)

	start := time.Now()
	n, err := init.Poll(1, 4, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestRetireComputesResidual(t *testing.T) {
	eng := &Engine{id: "retire", flight: newFlightSet(4), completed: newRequestRing(4)}

	read := &Request{Dir: DirRead, Length: 100, wrID: 5}
	eng.flight.add(read)
	require.True(t, eng.retire(verbs.WorkCompletion{WRID: 5, Opcode: verbs.OpRecv, Status: verbs.StatusSuccess, ByteLen: 60}))
	assert.Equal(t, uint32(40), read.Residual)
	assert.NoError(t, read.Err)

	write := &Request{Dir: DirWrite, Length: 100, wrID: 6}
	eng.flight.add(write)
	require.True(t, eng.retire(verbs.WorkCompletion{WRID: 6, Opcode: verbs.OpWrite, Status: verbs.StatusSuccess, ByteLen: 100}))
	assert.Zero(t, write.Residual)

	failed := &Request{Dir: DirWrite, Length: 100, wrID: 7}
	eng.flight.add(failed)
	require.True(t, eng.retire(verbs.WorkCompletion{WRID: 7, Opcode: verbs.OpWrite, Status: verbs.StatusRemoteAccessError}))
	assert.ErrorIs(t, failed.Err, ErrCompletion)
	assert.Equal(t, uint32(100), failed.Residual)

	assert.Same(t, read, eng.completed.pop())
	assert.Same(t, write, eng.completed.pop())
	assert.Same(t, failed, eng.completed.pop())
}

func TestUnmatchedCompletionIsNotFatal(t *testing.T) {
	eng := &Engine{id: "stray", flight: newFlightSet(4), completed: newRequestRing(4)}

	assert.False(t, eng.retire(verbs.WorkCompletion{WRID: 999, Opcode: verbs.OpWrite, Status: verbs.StatusSuccess}))
	assert.Nil(t, eng.completed.pop())
}

func TestCompletionErrorIsLocalToRequest(t *testing.T) {
	init, _ := openPair(t, proto.ModeRemoteWrite)

	// Force a remote access fault on one request only.
	bad := &Request{Dir: DirWrite, Length: 64, RemoteOffset: 0}
	good := &Request{Dir: DirWrite, LocalOffset: 1024, Length: 64, RemoteOffset: 1024}
	require.NoError(t, init.Submit(bad))
	require.NoError(t, init.Submit(good))

	// Corrupt the stored remote key after validation so the post fails on
	// the wire rather than at submit.
	init.remote[0].Key += 100
	_, err := init.Commit()
	require.NoError(t, err)

	n, err := init.Poll(2, 4, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var failures int
	for r := init.NextCompleted(); r != nil; r = init.NextCompleted() {
		if r.Err != nil {
			assert.ErrorIs(t, r.Err, ErrCompletion)
			failures++
		}
	}
	assert.Equal(t, 2, failures)
	assert.Equal(t, StateOpen, init.State())
}

func TestCloseAbandonsInFlight(t *testing.T) {
	init, _ := openPair(t, proto.ModeRemoteWrite)

	// A request that will never complete.
	stuck := &Request{Dir: DirWrite, Length: 64, wrID: 42}
	init.flight.add(stuck)

	require.NoError(t, init.Close())
	assert.ErrorIs(t, stuck.Err, ErrAbandoned)
	assert.Nil(t, init.NextCompleted())
	assert.Equal(t, StateClosed, init.State())
}

func TestCloseIdempotent(t *testing.T) {
	init, resp := openPair(t, proto.ModeRemoteWrite)
	require.NoError(t, init.Close())
	require.NoError(t, init.Close())
	require.NoError(t, resp.Close())
}

func TestCloseNotifiesResponderInOneSidedMode(t *testing.T) {
	init, resp := openPair(t, proto.ModeRemoteWrite)

	require.NoError(t, init.Close())

	// The notice arrives as a control message on the responder's queue.
	_, err := resp.Poll(1, 4, 200*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, resp.PeerClosed())
	assert.True(t, resp.Disconnected())
}

func TestSingleWriteSession(t *testing.T) {
	fabric := verbs.NewFabric()
	addr := fmt.Sprintf("session-%d", pairSeq.Add(1))

	respCfg := testConfig()
	respCfg.Mode = proto.ModeUnknown
	respCfg.MaxBlockSize = 4096
	respCfg.DataBufferSize = 1 << 20
	resp := New(fabric, addr, respCfg)
	require.NoError(t, resp.Setup())
	require.NoError(t, resp.Init())

	respErr := make(chan error, 1)
	go func() { respErr <- resp.Open(RoleResponder) }()

	initCfg := testConfig()
	initCfg.Mode = proto.ModeRemoteWrite
	initCfg.MaxBlockSize = 4096
	init := New(fabric, addr, initCfg)
	require.NoError(t, init.Setup())
	require.NoError(t, init.Init())

	var err error
	for i := 0; i < 100; i++ {
		err = init.Open(RoleInitiator)
		if !errors.Is(err, ErrConnectRejected) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, err)
	require.NoError(t, <-respErr)
	t.Cleanup(func() {
		init.Close()
		resp.Close()
	})

	regions := init.RemoteRegions()
	require.Len(t, regions, 1)
	assert.Equal(t, uint64(0x1000), regions[0].Addr)
	assert.Equal(t, uint32(1<<20), regions[0].Size)

	r := &Request{Dir: DirWrite, LocalOffset: 0, RemoteOffset: 0, Length: 1024}
	require.NoError(t, init.Submit(r))

	posted, err := init.Commit()
	require.NoError(t, err)
	assert.Equal(t, 1, posted)

	n, err := init.Poll(1, 1, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := init.NextCompleted()
	require.Same(t, r, got)
	assert.NoError(t, got.Err)
	assert.Zero(t, got.Residual)
}

func TestCompletedRequestsSurviveUntilRetrieved(t *testing.T) {
	init, _ := openPair(t, proto.ModeRemoteWrite)

	require.NoError(t, init.Submit(&Request{Dir: DirWrite, Length: 32}))
	_, err := init.Commit()
	require.NoError(t, err)
	_, err = init.Poll(1, 4, time.Second)
	require.NoError(t, err)

	require.NoError(t, init.Close())

	// Close drops in-flight requests but not completed ones.
	r := init.NextCompleted()
	require.NotNil(t, r)
	assert.NoError(t, r.Err)
}
