// Package proto implements the fixed-format capability handshake exchanged
// once per rdmabench connection.
//
// The setup block is a fixed-size record, all multi-byte integers in network
// byte order:
//
//	mode      : 4 bytes
//	count     : 4 bytes  (number of remote region entries that follow)
//	max_block : 4 bytes  (maximum block size in bytes)
//	regions   : MaxDepth entries of { addr: 8, key: 4, size: 4 }
//
// The region array is always dimensioned at MaxDepth so every block on the
// wire has the same length regardless of count. A received payload whose size
// differs from BlockSize is a protocol violation.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxDepth is the maximum outstanding I/O depth supported by the engine and
// the dimension of the setup block's region array.
const MaxDepth = 512

const (
	headerSize = 12
	regionSize = 16

	// BlockSize is the exact on-wire size of a setup block.
	BlockSize = headerSize + MaxDepth*regionSize
)

var (
	ErrShortBuffer    = errors.New("buffer smaller than setup block")
	ErrBadBlockSize   = errors.New("payload size does not match setup block size")
	ErrTooManyRegions = errors.New("region count exceeds maximum depth")
)

// Mode identifies the negotiated transfer semantics for a connection.
type Mode uint32

const (
	ModeUnknown     Mode = 0
	ModeRemoteWrite Mode = 1 // one-sided RDMA write
	ModeRemoteRead  Mode = 2 // one-sided RDMA read
	ModeSend        Mode = 3 // two-sided, sending side
	ModeRecv        Mode = 4 // two-sided, receiving side
)

func (m Mode) String() string {
	switch m {
	case ModeRemoteWrite:
		return "write"
	case ModeRemoteRead:
		return "read"
	case ModeSend:
		return "send"
	case ModeRecv:
		return "recv"
	default:
		return "unknown"
	}
}

// OneSided reports whether the mode uses RDMA memory semantics, meaning the
// responder exposes remote regions and takes no part in the data path.
func (m Mode) OneSided() bool {
	return m == ModeRemoteWrite || m == ModeRemoteRead
}

// ParseMode maps a configuration string onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "write":
		return ModeRemoteWrite, nil
	case "read":
		return ModeRemoteRead, nil
	case "send":
		return ModeSend, nil
	case "recv":
		return ModeRecv, nil
	default:
		return ModeUnknown, fmt.Errorf("unknown transfer mode %q", s)
	}
}

// RemoteRegion describes one peer buffer exposed for one-sided access.
type RemoteRegion struct {
	Addr uint64
	Key  uint32
	Size uint32
}

// SetupBlock is the decoded form of the handshake message.
type SetupBlock struct {
	Mode     Mode
	MaxBlock uint32
	Regions  []RemoteRegion
}

// MarshalTo encodes the block into buf, which must hold at least BlockSize
// bytes. Unused region slots are zero-filled so the wire image is always
// exactly BlockSize bytes.
func (b *SetupBlock) MarshalTo(buf []byte) error {
	if len(buf) < BlockSize {
		return ErrShortBuffer
	}
	if len(b.Regions) > MaxDepth {
		return ErrTooManyRegions
	}

	binary.BigEndian.PutUint32(buf[0:4], uint32(b.Mode))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(b.Regions)))
	binary.BigEndian.PutUint32(buf[8:12], b.MaxBlock)

	off := headerSize
	for _, r := range b.Regions {
		binary.BigEndian.PutUint64(buf[off:off+8], r.Addr)
		binary.BigEndian.PutUint32(buf[off+8:off+12], r.Key)
		binary.BigEndian.PutUint32(buf[off+12:off+16], r.Size)
		off += regionSize
	}
	for i := off; i < BlockSize; i++ {
		buf[i] = 0
	}

	return nil
}

// Unmarshal decodes a setup block from an on-wire payload. The payload length
// must be exactly BlockSize.
func Unmarshal(buf []byte) (SetupBlock, error) {
	if len(buf) != BlockSize {
		return SetupBlock{}, fmt.Errorf("%w: got %d, want %d", ErrBadBlockSize, len(buf), BlockSize)
	}

	count := binary.BigEndian.Uint32(buf[4:8])
	if count > MaxDepth {
		return SetupBlock{}, fmt.Errorf("%w: %d", ErrTooManyRegions, count)
	}

	blk := SetupBlock{
		Mode:     Mode(binary.BigEndian.Uint32(buf[0:4])),
		MaxBlock: binary.BigEndian.Uint32(buf[8:12]),
	}

	off := headerSize
	for i := uint32(0); i < count; i++ {
		blk.Regions = append(blk.Regions, RemoteRegion{
			Addr: binary.BigEndian.Uint64(buf[off : off+8]),
			Key:  binary.BigEndian.Uint32(buf[off+8 : off+12]),
			Size: binary.BigEndian.Uint32(buf[off+12 : off+16]),
		})
		off += regionSize
	}

	return blk, nil
}
