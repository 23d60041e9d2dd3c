// Package mesh implements the universal packet model and the transport
// manager of the gomesh stack.
//
// This includes the Packet value and its fingerprint, the Transport
// capability interface, the deduplication cache, and the TransportManager
// that composes transports (selection, relay, store-and-forward).
package mesh

import (
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/pion/randutil"
)

// -------------------------------------------------------------------------
// Hash — 16-byte peer / destination identifier
// -------------------------------------------------------------------------

// HashSize is the size of all mesh identity and destination hashes in bytes.
const HashSize = 16

// Hash is a fixed-size mesh identifier. Identity hashes, destination hashes
// and next-hop addresses are all Hash values. Stored as an array, not a hex
// string, so it can be used directly as a map key.
type Hash [HashSize]byte

// Broadcast is the all-0xFF destination hash. No peer may adopt it as an
// identity.
var Broadcast = Hash{
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
}

// HashFromBytes builds a Hash from b. Inputs shorter than HashSize are
// left-padded with zeros (short-range identifiers are 8 bytes on the wire);
// longer inputs are truncated to the first HashSize bytes.
func HashFromBytes(b []byte) Hash {
	var h Hash
	if len(b) >= HashSize {
		copy(h[:], b[:HashSize])
		return h
	}
	copy(h[HashSize-len(b):], b)
	return h
}

// Equal reports whether h and other are the same hash. Constant-time so
// identity comparisons do not leak timing.
func (h Hash) Equal(other Hash) bool {
	return subtle.ConstantTimeCompare(h[:], other[:]) == 1
}

// IsBroadcast reports whether h is the all-0xFF broadcast hash.
func (h Hash) IsBroadcast() bool {
	return h.Equal(Broadcast)
}

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Hex returns the lowercase hex encoding of the hash. Used for logging and
// as the key form at external boundaries.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 4 bytes of the hash as hex, a compact fingerprint
// for log lines.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

// String implements fmt.Stringer with the short fingerprint form.
func (h Hash) String() string {
	return h.Short()
}

// ParseHash decodes a 32-char hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parse hash %q: %w", s, err)
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("parse hash: %d bytes, want %d: %w", len(b), HashSize, ErrInvalidHashLength)
	}
	copy(h[:], b)
	return h, nil
}

// -------------------------------------------------------------------------
// Packet Type
// -------------------------------------------------------------------------

// PacketType identifies the kind of payload a Packet carries.
type PacketType uint8

const (
	// TypeData is an application data payload.
	TypeData PacketType = iota

	// TypeAnnounce advertises a node's identity and known destinations.
	TypeAnnounce

	// TypeHandshake carries a key-agreement handshake message.
	TypeHandshake

	// TypeAck acknowledges a previously received packet.
	TypeAck

	// TypeFragment carries one fragment of a larger payload.
	TypeFragment
)

// packetTypeNames maps packet types to human-readable strings.
var packetTypeNames = [5]string{
	"Data",
	"Announce",
	"Handshake",
	"Ack",
	"Fragment",
}

// String returns the human-readable name for the packet type.
func (t PacketType) String() string {
	if int(t) < len(packetTypeNames) {
		return packetTypeNames[t]
	}
	return fmt.Sprintf("Unknown(%d)", uint8(t))
}

// -------------------------------------------------------------------------
// Packet Constants
// -------------------------------------------------------------------------

const (
	// PacketIDLen is the length of a packet fingerprint: 16 hex characters.
	// Collisions within the dedup window are treated as duplicates; at 64
	// bits of entropy and a 60 s retention this is acceptable at mesh
	// traffic rates.
	PacketIDLen = 16

	// MaxHops is the largest representable hop count (4-bit field on
	// relaying wire formats).
	MaxHops = 15

	// DefaultTTL is the initial time-to-live of a freshly created packet.
	DefaultTTL = 8

	// DefaultMaxPayload is the upper bound on packet payload size.
	DefaultMaxPayload = 64 * 1024
)

// packetIDRunes is the alphabet for packet fingerprints.
const packetIDRunes = "0123456789abcdef"

// -------------------------------------------------------------------------
// Packet Errors
// -------------------------------------------------------------------------

// Sentinel errors for packet construction and decoding.
var (
	// ErrPayloadTooLarge indicates the payload exceeds the configured bound.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrInvalidHashLength indicates a hash field is not exactly 16 bytes.
	ErrInvalidHashLength = errors.New("hash must be exactly 16 bytes")

	// ErrBroadcastSource indicates a packet claims the broadcast hash as
	// its source. No peer may adopt the broadcast hash.
	ErrBroadcastSource = errors.New("source hash must not be the broadcast hash")

	// ErrPacketTooShort indicates the wire bytes are shorter than the
	// fixed packet header.
	ErrPacketTooShort = errors.New("packet too short")

	// ErrInvalidPacketID indicates the packet fingerprint is not 16 hex
	// characters.
	ErrInvalidPacketID = errors.New("packet id must be 16 hex characters")
)

// -------------------------------------------------------------------------
// Packet — universal message unit
// -------------------------------------------------------------------------

// Packet is the universal message unit carried across all transports.
//
// Equality and deduplication are based solely on ID: two packets with the
// same ID are the same packet regardless of any other field. Hops and TTL
// are mutated on relay (hops strictly increases, TTL strictly decreases);
// the invariant hops <= ttl holds for every live packet.
type Packet struct {
	// ID is the packet fingerprint: 16 hex characters, unique per send.
	ID string

	// Source is the originating node's identity hash.
	Source Hash

	// Destination is the target node's hash; Broadcast addresses all nodes.
	Destination Hash

	// Type is the payload kind.
	Type PacketType

	// Payload is the application bytes, bounded by DefaultMaxPayload.
	Payload []byte

	// Hops counts relays this packet has traversed (0..15).
	Hops uint8

	// TTL is the remaining relay budget. A packet with Hops >= TTL is
	// never relayed.
	TTL uint8

	// Timestamp is a monotonic creation time in milliseconds.
	Timestamp int64

	// Reliable requests store-and-forward retry on transmit failure.
	Reliable bool
}

// NewPacket creates a packet from src to dst with a fresh random fingerprint
// and the default TTL. Timestamp is left zero; no code in this module
// sets it, so a packet carries a zero timestamp unless its creator fills
// the field in.
func NewPacket(src, dst Hash, typ PacketType, payload []byte) (*Packet, error) {
	if len(payload) > DefaultMaxPayload {
		return nil, fmt.Errorf("new packet: %d bytes: %w", len(payload), ErrPayloadTooLarge)
	}
	if src.IsBroadcast() {
		return nil, fmt.Errorf("new packet: %w", ErrBroadcastSource)
	}

	id, err := randutil.GenerateCryptoRandomString(PacketIDLen, packetIDRunes)
	if err != nil {
		return nil, fmt.Errorf("new packet: generate id: %w", err)
	}

	return &Packet{
		ID:          id,
		Source:      src,
		Destination: dst,
		Type:        typ,
		Payload:     payload,
		TTL:         DefaultTTL,
	}, nil
}

// Equal reports value equality, which is defined solely on the packet
// fingerprint.
func (p *Packet) Equal(other *Packet) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.ID == other.ID
}

// IsBroadcast reports whether the packet addresses all nodes.
func (p *Packet) IsBroadcast() bool {
	return p.Destination.IsBroadcast()
}

// Hopped returns a copy of the packet advanced by one relay: hops
// incremented, TTL decremented. Callers must check Hops < TTL before
// relaying; Hopped does not enforce the relay policy itself.
func (p *Packet) Hopped() *Packet {
	c := *p
	if c.Hops < MaxHops {
		c.Hops++
	}
	if c.TTL > 0 {
		c.TTL--
	}
	return &c
}

// -------------------------------------------------------------------------
// Wire Serialization
// -------------------------------------------------------------------------

// Wire layout for transports that carry raw packet bytes:
//
//	Bytes 0-15:  packet ID (16 ASCII hex characters)
//	Bytes 16-31: source hash
//	Bytes 32-47: destination hash
//	Byte  48:    packet type
//	Byte  49:    hops(4 bits high) | ttl(4 bits low)
//	Byte  50:    flags (bit 0: reliable)
//	Bytes 51-58: timestamp (big-endian int64, monotonic ms)
//	Bytes 59-62: payload length (big-endian uint32)
//	Bytes 63+:   payload
const (
	packetHeaderSize = 63

	flagReliable = 1 << 0
)

// Marshal serializes the packet for wire use.
func (p *Packet) Marshal() ([]byte, error) {
	if len(p.ID) != PacketIDLen {
		return nil, fmt.Errorf("marshal packet: id %q: %w", p.ID, ErrInvalidPacketID)
	}
	if len(p.Payload) > DefaultMaxPayload {
		return nil, fmt.Errorf("marshal packet: %d bytes: %w", len(p.Payload), ErrPayloadTooLarge)
	}

	buf := make([]byte, packetHeaderSize+len(p.Payload))
	copy(buf[0:16], p.ID)
	copy(buf[16:32], p.Source[:])
	copy(buf[32:48], p.Destination[:])
	buf[48] = uint8(p.Type)
	buf[49] = (p.Hops&0x0F)<<4 | (p.TTL & 0x0F)
	if p.Reliable {
		buf[50] |= flagReliable
	}
	binary.BigEndian.PutUint64(buf[51:59], uint64(p.Timestamp))
	binary.BigEndian.PutUint32(buf[59:63], uint32(len(p.Payload)))
	copy(buf[packetHeaderSize:], p.Payload)

	return buf, nil
}

// UnmarshalPacket decodes wire bytes produced by Marshal.
func UnmarshalPacket(buf []byte) (*Packet, error) {
	if len(buf) < packetHeaderSize {
		return nil, fmt.Errorf("unmarshal packet: %d bytes, need %d: %w",
			len(buf), packetHeaderSize, ErrPacketTooShort)
	}

	id := string(buf[0:16])
	if !isHexID(id) {
		return nil, fmt.Errorf("unmarshal packet: %w", ErrInvalidPacketID)
	}

	plen := binary.BigEndian.Uint32(buf[59:63])
	if int(plen) > len(buf)-packetHeaderSize {
		return nil, fmt.Errorf("unmarshal packet: payload length %d exceeds buffer: %w",
			plen, ErrPacketTooShort)
	}
	if plen > DefaultMaxPayload {
		return nil, fmt.Errorf("unmarshal packet: payload length %d: %w", plen, ErrPayloadTooLarge)
	}

	p := &Packet{
		ID:        id,
		Type:      PacketType(buf[48]),
		Hops:      buf[49] >> 4,
		TTL:       buf[49] & 0x0F,
		Reliable:  buf[50]&flagReliable != 0,
		Timestamp: int64(binary.BigEndian.Uint64(buf[51:59])),
		Payload:   append([]byte(nil), buf[packetHeaderSize:packetHeaderSize+int(plen)]...),
	}
	copy(p.Source[:], buf[16:32])
	copy(p.Destination[:], buf[32:48])

	return p, nil
}

// isHexID reports whether s is a valid lowercase-hex packet fingerprint.
func isHexID(s string) bool {
	if len(s) != PacketIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
