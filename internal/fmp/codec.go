// Package fmp parses, serializes, and relays Foreign Mesh Protocol
// packets, and bridges them to the universal packet model.
//
// FMP is the wire protocol spoken by existing long-range radio nodes. The
// codec implements the packed 2-byte header, the announce payload, and the
// hop-limited relay semantics; the transport half periodically announces
// our identity and translates between FMP and mesh packets.
package fmp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dantte-lp/gomesh/internal/mesh"
)

// -------------------------------------------------------------------------
// Wire Layout
// -------------------------------------------------------------------------
//
// header(2 B) | dest_hash(16 B) | transport_id(16 B) | payload
//
// Header byte 0: bits 7-6 packet type | bits 5-4 destination type |
// bits 3-0 hops. Header byte 1: 8-bit context value.

// HeaderSize is the fixed FMP prefix: 2-byte header + two 16-byte hashes.
const HeaderSize = 2 + 2*mesh.HashSize

// MaxHops saturates the 4-bit hop counter.
const MaxHops = 15

// -------------------------------------------------------------------------
// Packet Type — header bits 7-6
// -------------------------------------------------------------------------

// PacketType is the FMP packet type (2-bit field).
type PacketType uint8

const (
	// TypeData carries application data.
	TypeData PacketType = 0

	// TypeAnnounce advertises identity and public key.
	TypeAnnounce PacketType = 1

	// TypeLinkRequest initiates a link (reserved; ignored in the core).
	TypeLinkRequest PacketType = 2

	// TypeProof proves packet receipt (reserved; ignored in the core).
	TypeProof PacketType = 3
)

// packetTypeNames maps FMP packet types to human-readable strings.
var packetTypeNames = [4]string{
	"Data",
	"Announce",
	"LinkRequest",
	"Proof",
}

// String returns the human-readable name of the packet type.
func (t PacketType) String() string {
	if int(t) < len(packetTypeNames) {
		return packetTypeNames[t]
	}
	return fmt.Sprintf("Unknown(%d)", uint8(t))
}

// -------------------------------------------------------------------------
// Destination Type — header bits 5-4
// -------------------------------------------------------------------------

// DestType is the FMP destination type (2-bit field).
type DestType uint8

const (
	// DestSingle addresses one node.
	DestSingle DestType = 0

	// DestGroup addresses a group destination.
	DestGroup DestType = 1

	// DestPlain is an unaddressed broadcast.
	DestPlain DestType = 2

	// DestLink addresses an established link (reserved).
	DestLink DestType = 3
)

// destTypeNames maps FMP destination types to human-readable strings.
var destTypeNames = [4]string{
	"Single",
	"Group",
	"Plain",
	"Link",
}

// String returns the human-readable name of the destination type.
func (d DestType) String() string {
	if int(d) < len(destTypeNames) {
		return destTypeNames[d]
	}
	return fmt.Sprintf("Unknown(%d)", uint8(d))
}

// -------------------------------------------------------------------------
// Codec Errors
// -------------------------------------------------------------------------

var (
	// ErrPacketTooShort indicates fewer bytes than the fixed FMP prefix.
	ErrPacketTooShort = errors.New("fmp packet too short")

	// ErrAnnounceTooShort indicates an announce payload below its fixed
	// layout.
	ErrAnnounceTooShort = errors.New("fmp announce payload too short")

	// ErrAnnounceAppData indicates an announce app_data length field that
	// exceeds the remaining payload.
	ErrAnnounceAppData = errors.New("fmp announce app_data length exceeds payload")
)

// -------------------------------------------------------------------------
// Packet
// -------------------------------------------------------------------------

// Packet is one decoded FMP packet.
type Packet struct {
	// Type is the 2-bit packet type.
	Type PacketType

	// DestType is the 2-bit destination type.
	DestType DestType

	// Hops is the 4-bit relay counter (0..15).
	Hops uint8

	// Context is the 8-bit context value from header byte 1.
	Context uint8

	// Destination is the 16-byte destination hash.
	Destination mesh.Hash

	// TransportID identifies the node that last transmitted the packet.
	// On relay this becomes the relaying node's identity, which is what
	// makes it usable as a next-hop address.
	TransportID mesh.Hash

	// Payload is the packet body.
	Payload []byte
}

// Marshal serializes the packet to wire bytes.
func (p *Packet) Marshal() []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	buf[0] = uint8(p.Type)<<6 | uint8(p.DestType)<<4 | p.Hops&0x0F
	buf[1] = p.Context
	copy(buf[2:18], p.Destination[:])
	copy(buf[18:34], p.TransportID[:])
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

// Unmarshal decodes wire bytes into a Packet. The payload is copied.
func Unmarshal(buf []byte) (*Packet, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("unmarshal fmp: %d bytes, need %d: %w",
			len(buf), HeaderSize, ErrPacketTooShort)
	}

	p := &Packet{
		Type:     PacketType(buf[0] >> 6),
		DestType: DestType(buf[0] >> 4 & 0x03),
		Hops:     buf[0] & 0x0F,
		Context:  buf[1],
		Payload:  append([]byte(nil), buf[HeaderSize:]...),
	}
	copy(p.Destination[:], buf[2:18])
	copy(p.TransportID[:], buf[18:34])
	return p, nil
}

// IsBroadcast reports whether the packet addresses all nodes: destination
// type Plain, or an all-0xFF destination hash.
func (p *Packet) IsBroadcast() bool {
	return p.DestType == DestPlain || p.Destination.IsBroadcast()
}

// Hop returns a copy with the hop counter advanced, saturating at 15.
func (p *Packet) Hop() *Packet {
	c := *p
	if c.Hops < MaxHops {
		c.Hops++
	}
	return &c
}

// -------------------------------------------------------------------------
// Announce Payload
// -------------------------------------------------------------------------
//
// identity_hash(16 B) | public_key(32 B) | app_data_len(4 B big-endian) |
// app_data(app_data_len)

// PublicKeySize is the announce public key length.
const PublicKeySize = 32

// announceFixedSize is the announce payload before app_data.
const announceFixedSize = mesh.HashSize + PublicKeySize + 4

// Announce is a decoded FMP announce payload. The public key is carried
// and stored but not cryptographically validated; the field is reserved
// for a signed-announce scheme.
type Announce struct {
	// IdentityHash is the announcing node's identity.
	IdentityHash mesh.Hash

	// PublicKey is the announced 32-byte public key.
	PublicKey [PublicKeySize]byte

	// AppData is opaque application data, possibly empty.
	AppData []byte
}

// Marshal serializes the announce payload.
func (a *Announce) Marshal() []byte {
	buf := make([]byte, announceFixedSize+len(a.AppData))
	copy(buf[0:16], a.IdentityHash[:])
	copy(buf[16:48], a.PublicKey[:])
	binary.BigEndian.PutUint32(buf[48:52], uint32(len(a.AppData)))
	copy(buf[announceFixedSize:], a.AppData)
	return buf
}

// UnmarshalAnnounce decodes an announce payload.
func UnmarshalAnnounce(buf []byte) (*Announce, error) {
	if len(buf) < announceFixedSize {
		return nil, fmt.Errorf("unmarshal announce: %d bytes, need %d: %w",
			len(buf), announceFixedSize, ErrAnnounceTooShort)
	}

	a := &Announce{}
	copy(a.IdentityHash[:], buf[0:16])
	copy(a.PublicKey[:], buf[16:48])

	appLen := binary.BigEndian.Uint32(buf[48:52])
	if int(appLen) > len(buf)-announceFixedSize {
		return nil, fmt.Errorf("unmarshal announce: app_data %d bytes with %d remaining: %w",
			appLen, len(buf)-announceFixedSize, ErrAnnounceAppData)
	}
	a.AppData = append([]byte(nil), buf[announceFixedSize:announceFixedSize+int(appLen)]...)
	return a, nil
}
