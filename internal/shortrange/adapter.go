// Package shortrange adapts an external short-range mesh stack (e.g. a
// Bluetooth LE mesh) to the mesh Transport capability.
//
// The external stack already provides peer discovery and broadcast; this
// adapter only translates between the universal packet model and the
// stack's legacy two-field address schema.
package shortrange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dantte-lp/gomesh/internal/mesh"
)

// -------------------------------------------------------------------------
// Legacy frame schema
// -------------------------------------------------------------------------

// LegacyIDSize is the external stack's identifier width. Identifiers are
// the first 8 bytes of a mesh hash outbound, and are zero-padded back to
// 16 bytes inbound.
const LegacyIDSize = 8

// Frame is the external stack's message unit.
type Frame struct {
	// SenderID is the 8-byte legacy sender identifier.
	SenderID [LegacyIDSize]byte

	// RecipientID is the 8-byte legacy recipient identifier, nil for
	// broadcast.
	RecipientID *[LegacyIDSize]byte

	// TypeByte is the legacy message type.
	TypeByte byte

	// Payload is the message body.
	Payload []byte
}

// Legacy type bytes, fixed by the external stack's wire format.
const (
	legacyTypeMessage   = 0x01
	legacyTypeAnnounce  = 0x02
	legacyTypeHandshake = 0x10
	legacyTypeAck       = 0x20
	legacyTypeFragment  = 0x30
)

// legacyTypeOf maps a packet type to the legacy type byte.
var legacyTypeOf = map[mesh.PacketType]byte{
	mesh.TypeData:      legacyTypeMessage,
	mesh.TypeAnnounce:  legacyTypeAnnounce,
	mesh.TypeHandshake: legacyTypeHandshake,
	mesh.TypeAck:       legacyTypeAck,
	mesh.TypeFragment:  legacyTypeFragment,
}

// packetTypeOf is the inverse mapping.
var packetTypeOf = map[byte]mesh.PacketType{
	legacyTypeMessage:   mesh.TypeData,
	legacyTypeAnnounce:  mesh.TypeAnnounce,
	legacyTypeHandshake: mesh.TypeHandshake,
	legacyTypeAck:       mesh.TypeAck,
	legacyTypeFragment:  mesh.TypeFragment,
}

// ErrUnknownTypeByte indicates an inbound legacy frame with a type byte
// outside the fixed table.
var ErrUnknownTypeByte = errors.New("unknown legacy type byte")

// -------------------------------------------------------------------------
// Mesh — the external stack boundary
// -------------------------------------------------------------------------

// FrameFunc receives inbound legacy frames from the external stack.
type FrameFunc func(f Frame)

// Mesh is the surface the external short-range stack exposes to the core.
// Everything behind it (radio scheduling, connection management, peer
// discovery) is opaque.
type Mesh interface {
	Start(ctx context.Context) error
	Stop() error
	Send(f Frame) error
	SetFrameCallback(fn FrameFunc)
	PeerCount() int
}

// -------------------------------------------------------------------------
// Transport
// -------------------------------------------------------------------------

const (
	// TransportName is the transport tag. The manager prefers this
	// transport for direct sends.
	TransportName = "shortrange"

	// nominalBitrateBps and nominalReliability describe the short-range
	// link: high bandwidth, high delivery probability.
	nominalBitrateBps  = 2_000_000
	nominalReliability = 0.95
)

// Transport is the thin adapter over the external short-range mesh.
type Transport struct {
	stack  Mesh
	logger *slog.Logger

	mu      sync.RWMutex
	recv    mesh.ReceiveFunc
	started bool

	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	parseErrors     atomic.Uint64
}

// NewTransport wraps the external stack.
func NewTransport(stack Mesh, logger *slog.Logger) *Transport {
	t := &Transport{
		stack:  stack,
		logger: logger.With(slog.String("component", "shortrange.transport")),
	}
	stack.SetFrameCallback(t.onFrame)
	return t
}

// Name returns the transport tag.
func (t *Transport) Name() string {
	return TransportName
}

// SetReceiveCallback registers the upward packet path.
func (t *Transport) SetReceiveCallback(fn mesh.ReceiveFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recv = fn
}

// Available reports whether the external stack is running.
func (t *Transport) Available() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.started
}

// Start brings the external stack up.
func (t *Transport) Start(ctx context.Context) error {
	if err := t.stack.Start(ctx); err != nil {
		return fmt.Errorf("start shortrange transport: %w", err)
	}
	t.mu.Lock()
	t.started = true
	t.mu.Unlock()
	t.logger.Info("shortrange transport started")
	return nil
}

// Stop shuts the external stack down.
func (t *Transport) Stop() error {
	t.mu.Lock()
	t.started = false
	t.mu.Unlock()
	if err := t.stack.Stop(); err != nil {
		return fmt.Errorf("stop shortrange transport: %w", err)
	}
	return nil
}

// Metrics returns a snapshot of transport counters.
func (t *Transport) Metrics() mesh.TransportMetrics {
	return mesh.TransportMetrics{
		PacketsSent:     t.packetsSent.Load(),
		PacketsReceived: t.packetsReceived.Load(),
		ParseErrors:     t.parseErrors.Load(),
		BitrateBps:      nominalBitrateBps,
		Reliability:     nominalReliability,
		PeerCount:       t.stack.PeerCount(),
	}
}

// -------------------------------------------------------------------------
// Outbound
// -------------------------------------------------------------------------

// Transmit maps the packet onto the legacy frame schema: the sender and
// recipient identifiers are the first 8 bytes of the respective hashes,
// with a nil recipient for broadcast. The packet rides in the frame
// payload in wire form so nothing is lost crossing the legacy schema.
func (t *Transport) Transmit(ctx context.Context, pkt *mesh.Packet) mesh.TransmitResult {
	if !t.Available() {
		return mesh.TransmitResult{Err: fmt.Errorf("shortrange transmit: %w", mesh.ErrTransportUnavailable)}
	}

	typeByte, ok := legacyTypeOf[pkt.Type]
	if !ok {
		typeByte = legacyTypeMessage
	}

	wire, err := pkt.Marshal()
	if err != nil {
		return mesh.TransmitResult{Err: fmt.Errorf("shortrange transmit: %w", err)}
	}

	f := Frame{
		TypeByte: typeByte,
		Payload:  wire,
	}
	copy(f.SenderID[:], pkt.Source[:LegacyIDSize])
	if !pkt.IsBroadcast() {
		var rid [LegacyIDSize]byte
		copy(rid[:], pkt.Destination[:LegacyIDSize])
		f.RecipientID = &rid
	}

	if err := t.stack.Send(f); err != nil {
		return mesh.TransmitResult{Err: fmt.Errorf("shortrange transmit: %w", err)}
	}
	t.packetsSent.Add(1)
	return mesh.TransmitResult{Success: true, EstimatedDelivery: time.Now()}
}

// -------------------------------------------------------------------------
// Inbound
// -------------------------------------------------------------------------

// onFrame reconstructs a mesh packet from an inbound legacy frame. The
// frame payload carries the packet in wire form; legacy identifiers are
// only consulted as a fallback for frames from older stacks that send
// bare payloads.
func (t *Transport) onFrame(f Frame) {
	t.mu.RLock()
	recv := t.recv
	t.mu.RUnlock()
	if recv == nil {
		return
	}

	pkt, err := mesh.UnmarshalPacket(f.Payload)
	if err != nil {
		pkt, err = t.legacyPacket(f)
		if err != nil {
			t.parseErrors.Add(1)
			return
		}
	}
	t.packetsReceived.Add(1)

	recv(pkt, mesh.TransportMetadata{
		Transport: TransportName,
		Timestamp: time.Now(),
		Hops:      pkt.Hops,
	})
}

// legacyPacket rebuilds a packet from a bare-payload legacy frame,
// zero-padding the 8-byte identifiers back to 16-byte hashes.
func (t *Transport) legacyPacket(f Frame) (*mesh.Packet, error) {
	typ, ok := packetTypeOf[f.TypeByte]
	if !ok {
		return nil, fmt.Errorf("legacy frame type 0x%02x: %w", f.TypeByte, ErrUnknownTypeByte)
	}

	dst := mesh.Broadcast
	if f.RecipientID != nil {
		dst = mesh.HashFromBytes(f.RecipientID[:])
	}

	pkt, err := mesh.NewPacket(mesh.HashFromBytes(f.SenderID[:]), dst, typ, f.Payload)
	if err != nil {
		return nil, fmt.Errorf("legacy frame: %w", err)
	}
	return pkt, nil
}
