package mesh_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dantte-lp/gomesh/internal/mesh"
)

// testHash builds a hash filled with b.
func testHash(b byte) mesh.Hash {
	var h mesh.Hash
	for i := range h {
		h[i] = b
	}
	return h
}

func TestHashFromBytes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []byte
		want mesh.Hash
	}{
		{
			name: "exact 16 bytes",
			in:   bytes.Repeat([]byte{0xAB}, 16),
			want: testHash(0xAB),
		},
		{
			name: "short input left-padded",
			in:   []byte{0x01, 0x02},
			want: mesh.Hash{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x01, 0x02},
		},
		{
			name: "long input truncated",
			in:   bytes.Repeat([]byte{0xCD}, 24),
			want: testHash(0xCD),
		},
		{
			name: "empty input is zero hash",
			in:   nil,
			want: mesh.Hash{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, mesh.HashFromBytes(tt.in))
		})
	}
}

func TestHashBroadcast(t *testing.T) {
	t.Parallel()

	assert.True(t, mesh.Broadcast.IsBroadcast())
	assert.False(t, testHash(0x01).IsBroadcast())
	assert.True(t, mesh.Hash{}.IsZero())
	assert.False(t, mesh.Broadcast.IsZero())
}

func TestParseHash(t *testing.T) {
	t.Parallel()

	h := testHash(0x5A)
	parsed, err := mesh.ParseHash(h.Hex())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	_, err = mesh.ParseHash("abcd")
	require.Error(t, err)

	_, err = mesh.ParseHash("zz")
	require.Error(t, err)
}

func TestNewPacket(t *testing.T) {
	t.Parallel()

	src := testHash(0x01)
	dst := testHash(0x02)

	pkt, err := mesh.NewPacket(src, dst, mesh.TypeData, []byte("hello"))
	require.NoError(t, err)

	assert.Len(t, pkt.ID, mesh.PacketIDLen)
	assert.Equal(t, src, pkt.Source)
	assert.Equal(t, dst, pkt.Destination)
	assert.Equal(t, uint8(mesh.DefaultTTL), pkt.TTL)
	assert.Equal(t, uint8(0), pkt.Hops)

	// Fingerprints are unique per send.
	pkt2, err := mesh.NewPacket(src, dst, mesh.TypeData, []byte("hello"))
	require.NoError(t, err)
	assert.NotEqual(t, pkt.ID, pkt2.ID)
	assert.False(t, pkt.Equal(pkt2))

	// Equality is defined solely on the fingerprint.
	clone := *pkt
	clone.Payload = []byte("different")
	assert.True(t, pkt.Equal(&clone))
}

func TestNewPacketRejectsBroadcastSource(t *testing.T) {
	t.Parallel()

	_, err := mesh.NewPacket(mesh.Broadcast, testHash(0x02), mesh.TypeData, nil)
	require.ErrorIs(t, err, mesh.ErrBroadcastSource)
}

func TestNewPacketRejectsOversizePayload(t *testing.T) {
	t.Parallel()

	_, err := mesh.NewPacket(testHash(0x01), testHash(0x02), mesh.TypeData,
		make([]byte, mesh.DefaultMaxPayload+1))
	require.ErrorIs(t, err, mesh.ErrPayloadTooLarge)
}

func TestPacketMarshalRoundTrip(t *testing.T) {
	t.Parallel()

	pkt, err := mesh.NewPacket(testHash(0x11), testHash(0x22), mesh.TypeHandshake, []byte("payload bytes"))
	require.NoError(t, err)
	pkt.Hops = 3
	pkt.TTL = 7
	pkt.Reliable = true
	pkt.Timestamp = 123456789

	wire, err := pkt.Marshal()
	require.NoError(t, err)

	got, err := mesh.UnmarshalPacket(wire)
	require.NoError(t, err)

	assert.Equal(t, pkt.ID, got.ID)
	assert.Equal(t, pkt.Source, got.Source)
	assert.Equal(t, pkt.Destination, got.Destination)
	assert.Equal(t, pkt.Type, got.Type)
	assert.Equal(t, pkt.Payload, got.Payload)
	assert.Equal(t, pkt.Hops, got.Hops)
	assert.Equal(t, pkt.TTL, got.TTL)
	assert.Equal(t, pkt.Reliable, got.Reliable)
	assert.Equal(t, pkt.Timestamp, got.Timestamp)
}

func TestUnmarshalPacketErrors(t *testing.T) {
	t.Parallel()

	_, err := mesh.UnmarshalPacket([]byte{0x01, 0x02})
	require.ErrorIs(t, err, mesh.ErrPacketTooShort)

	// Corrupt the fingerprint region: not hex.
	pkt, err := mesh.NewPacket(testHash(0x01), testHash(0x02), mesh.TypeData, nil)
	require.NoError(t, err)
	wire, err := pkt.Marshal()
	require.NoError(t, err)
	wire[0] = 'Z'
	_, err = mesh.UnmarshalPacket(wire)
	require.ErrorIs(t, err, mesh.ErrInvalidPacketID)
}

func TestPacketHopped(t *testing.T) {
	t.Parallel()

	pkt, err := mesh.NewPacket(testHash(0x01), mesh.Broadcast, mesh.TypeData, nil)
	require.NoError(t, err)
	pkt.Hops = 2
	pkt.TTL = 5

	hopped := pkt.Hopped()
	assert.Equal(t, uint8(3), hopped.Hops)
	assert.Equal(t, uint8(4), hopped.TTL)

	// Original is untouched.
	assert.Equal(t, uint8(2), pkt.Hops)
	assert.Equal(t, uint8(5), pkt.TTL)

	// Hops saturates at 15; TTL floors at 0.
	pkt.Hops = 15
	pkt.TTL = 0
	sat := pkt.Hopped()
	assert.Equal(t, uint8(15), sat.Hops)
	assert.Equal(t, uint8(0), sat.TTL)
}
