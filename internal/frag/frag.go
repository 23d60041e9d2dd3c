// Package frag splits packets larger than the radio MTU into fragments and
// reassembles them on reception.
//
// Fragment header (4 bytes):
//
//	Bytes 0-1: packet_id_short (big-endian uint16, derived from the full
//	           packet fingerprint)
//	Byte  2:   fragment_num
//	Byte  3:   total_fragments
//
// Reassembly is keyed by (packet_id_short, source_hash) so two sources
// reusing a short ID cannot cross-pollinate buffers.
package frag

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/dantte-lp/gomesh/internal/mesh"
)

// -------------------------------------------------------------------------
// Constants
// -------------------------------------------------------------------------

const (
	// HeaderSize is the fragment header length in bytes.
	HeaderSize = 4

	// DefaultMTU is the effective radio MTU assumed when none is
	// configured.
	DefaultMTU = 200

	// ReassemblyTimeout discards incomplete reassembly buffers. A late
	// fragment arriving after the discard starts a fresh buffer.
	ReassemblyTimeout = 5 * time.Second

	// MaxFragments bounds total_fragments to the 8-bit header field.
	MaxFragments = 255
)

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

var (
	// ErrMTUTooSmall indicates the configured MTU cannot carry a header
	// plus at least one payload byte.
	ErrMTUTooSmall = errors.New("mtu must exceed fragment header size")

	// ErrTooManyFragments indicates the payload needs more than 255
	// fragments at the configured MTU.
	ErrTooManyFragments = errors.New("payload needs more than 255 fragments")

	// ErrFragmentTooShort indicates wire bytes shorter than the header.
	ErrFragmentTooShort = errors.New("fragment too short")

	// ErrFragmentMismatch indicates a fragment whose total disagrees with
	// the buffer it keys into.
	ErrFragmentMismatch = errors.New("fragment total mismatch")
)

// -------------------------------------------------------------------------
// Fragment
// -------------------------------------------------------------------------

// Fragment is one MTU-sized piece of a packet payload.
type Fragment struct {
	// PacketID is the 16-bit short ID derived from the full packet
	// fingerprint.
	PacketID uint16

	// Num is this fragment's position (0-based).
	Num uint8

	// Total is the number of fragments in the packet.
	Total uint8

	// Payload is this fragment's slice of the packet payload,
	// at most MTU-4 bytes.
	Payload []byte
}

// IsLast reports whether this is the final fragment.
func (f *Fragment) IsLast() bool {
	return f.Num == f.Total-1
}

// Marshal serializes the fragment with its 4-byte header.
func (f *Fragment) Marshal() []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	binary.BigEndian.PutUint16(buf[0:2], f.PacketID)
	buf[2] = f.Num
	buf[3] = f.Total
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// UnmarshalFragment decodes wire bytes into a Fragment. The payload slice
// is copied so the caller may reuse the buffer.
func UnmarshalFragment(buf []byte) (*Fragment, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("unmarshal fragment: %d bytes: %w", len(buf), ErrFragmentTooShort)
	}
	return &Fragment{
		PacketID: binary.BigEndian.Uint16(buf[0:2]),
		Num:      buf[2],
		Total:    buf[3],
		Payload:  append([]byte(nil), buf[HeaderSize:]...),
	}, nil
}

// ShortID derives the 16-bit short ID from a full packet fingerprint.
func ShortID(packetID string) uint16 {
	h := fnv.New32a()
	h.Write([]byte(packetID))
	return uint16(h.Sum32())
}

// -------------------------------------------------------------------------
// Fragmenter
// -------------------------------------------------------------------------

// reassemblyKey identifies one in-progress reassembly.
type reassemblyKey struct {
	packetID uint16
	source   mesh.Hash
}

// reassemblyBuffer collects fragments until all are present.
type reassemblyBuffer struct {
	total         uint8
	received      int
	parts         [][]byte
	firstReceived time.Time
}

// Fragmenter splits and reassembles packets around a fixed MTU.
type Fragmenter struct {
	mu      sync.Mutex
	mtu     int
	buffers map[reassemblyKey]*reassemblyBuffer

	reassembled uint64
	expired     uint64
}

// NewFragmenter creates a fragmenter for the given MTU. An MTU of 0 uses
// DefaultMTU.
func NewFragmenter(mtu int) (*Fragmenter, error) {
	if mtu == 0 {
		mtu = DefaultMTU
	}
	if mtu <= HeaderSize {
		return nil, fmt.Errorf("new fragmenter: mtu %d: %w", mtu, ErrMTUTooSmall)
	}
	return &Fragmenter{
		mtu:     mtu,
		buffers: make(map[reassemblyKey]*reassemblyBuffer),
	}, nil
}

// MaxPayload returns the payload capacity of one fragment.
func (f *Fragmenter) MaxPayload() int {
	return f.mtu - HeaderSize
}

// Fragment splits data into ordered fragments under the packet
// fingerprint's short ID. Data that fits one fragment yields a single
// fragment with Total=1.
func (f *Fragmenter) Fragment(packetID string, data []byte) ([]*Fragment, error) {
	maxPayload := f.MaxPayload()
	short := ShortID(packetID)

	if len(data) <= maxPayload {
		return []*Fragment{{
			PacketID: short,
			Num:      0,
			Total:    1,
			Payload:  data,
		}}, nil
	}

	total := (len(data) + maxPayload - 1) / maxPayload
	if total > MaxFragments {
		return nil, fmt.Errorf("fragment %s: %d fragments: %w", packetID, total, ErrTooManyFragments)
	}

	frags := make([]*Fragment, 0, total)
	for i := 0; i < total; i++ {
		lo := i * maxPayload
		hi := lo + maxPayload
		if hi > len(data) {
			hi = len(data)
		}
		frags = append(frags, &Fragment{
			PacketID: short,
			Num:      uint8(i),
			Total:    uint8(total),
			Payload:  data[lo:hi],
		})
	}
	return frags, nil
}

// Defragment feeds one received fragment into reassembly, keyed by the
// fragment's short ID and the sending node's hash from the enclosing
// frame.
//
// Returns the concatenated bytes once all fragments are present, else nil.
func (f *Fragmenter) Defragment(frag *Fragment, source mesh.Hash) ([]byte, error) {
	if frag.Total == 0 {
		return nil, fmt.Errorf("defragment: zero total: %w", ErrFragmentMismatch)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	key := reassemblyKey{packetID: frag.PacketID, source: source}
	buf, ok := f.buffers[key]
	if ok && time.Since(buf.firstReceived) >= ReassemblyTimeout {
		// The old buffer expired; this fragment begins a new one.
		delete(f.buffers, key)
		f.expired++
		ok = false
	}
	if !ok {
		buf = &reassemblyBuffer{
			total:         frag.Total,
			parts:         make([][]byte, frag.Total),
			firstReceived: time.Now(),
		}
		f.buffers[key] = buf
	}

	if frag.Total != buf.total || frag.Num >= buf.total {
		return nil, fmt.Errorf("defragment %04x: num %d of %d against buffer of %d: %w",
			frag.PacketID, frag.Num, frag.Total, buf.total, ErrFragmentMismatch)
	}

	if buf.parts[frag.Num] == nil {
		buf.parts[frag.Num] = frag.Payload
		buf.received++
	}

	if buf.received < int(buf.total) {
		return nil, nil
	}

	// All fragments present: concatenate in order and release the buffer.
	delete(f.buffers, key)
	f.reassembled++

	size := 0
	for _, p := range buf.parts {
		size += len(p)
	}
	payload := make([]byte, 0, size)
	for _, p := range buf.parts {
		payload = append(payload, p...)
	}
	return payload, nil
}

// PruneExpired discards reassembly buffers older than ReassemblyTimeout
// and returns how many were dropped.
func (f *Fragmenter) PruneExpired() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	dropped := 0
	now := time.Now()
	for key, buf := range f.buffers {
		if now.Sub(buf.firstReceived) >= ReassemblyTimeout {
			delete(f.buffers, key)
			f.expired++
			dropped++
		}
	}
	return dropped
}

// PendingBuffers returns the number of in-progress reassemblies.
func (f *Fragmenter) PendingBuffers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buffers)
}

// Stats returns lifetime reassembly counters.
func (f *Fragmenter) Stats() (reassembled, expired uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reassembled, f.expired
}
