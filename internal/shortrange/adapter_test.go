package shortrange_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dantte-lp/gomesh/internal/mesh"
	"github.com/dantte-lp/gomesh/internal/shortrange"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testHash(b byte) mesh.Hash {
	var h mesh.Hash
	for i := range h {
		h[i] = b
	}
	return h
}

// fakeStack is an in-memory short-range mesh.
type fakeStack struct {
	mu      sync.Mutex
	sent    []shortrange.Frame
	frameFn shortrange.FrameFunc
	peers   int
	failTx  bool
}

func (f *fakeStack) Start(context.Context) error { return nil }
func (f *fakeStack) Stop() error                 { return nil }

func (f *fakeStack) Send(fr shortrange.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTx {
		return assert.AnError
	}
	f.sent = append(f.sent, fr)
	return nil
}

func (f *fakeStack) SetFrameCallback(fn shortrange.FrameFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frameFn = fn
}

func (f *fakeStack) PeerCount() int { return f.peers }

func (f *fakeStack) inject(fr shortrange.Frame) {
	f.mu.Lock()
	fn := f.frameFn
	f.mu.Unlock()
	fn(fr)
}

func (f *fakeStack) frames() []shortrange.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]shortrange.Frame(nil), f.sent...)
}

func startAdapter(t *testing.T, stack *fakeStack) *shortrange.Transport {
	t.Helper()
	tr := shortrange.NewTransport(stack, discardLogger())
	require.NoError(t, tr.Start(t.Context()))
	t.Cleanup(func() { _ = tr.Stop() })
	return tr
}

func TestTransmitLegacyAddressMapping(t *testing.T) {
	t.Parallel()

	stack := &fakeStack{peers: 2}
	tr := startAdapter(t, stack)

	src := testHash(0x11)
	dst := testHash(0x22)
	pkt, err := mesh.NewPacket(src, dst, mesh.TypeData, []byte("hello"))
	require.NoError(t, err)

	res := tr.Transmit(t.Context(), pkt)
	require.True(t, res.Success)

	frames := stack.frames()
	require.Len(t, frames, 1)
	f := frames[0]

	// Legacy identifiers are the first 8 bytes of each hash.
	assert.Equal(t, src[:8], f.SenderID[:])
	require.NotNil(t, f.RecipientID)
	assert.Equal(t, dst[:8], f.RecipientID[:])
	assert.Equal(t, byte(0x01), f.TypeByte, "data maps to the legacy message type")

	// The full packet rides in the frame payload.
	got, err := mesh.UnmarshalPacket(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, pkt.ID, got.ID)
	assert.Equal(t, []byte("hello"), got.Payload)
}

func TestTransmitBroadcastHasNilRecipient(t *testing.T) {
	t.Parallel()

	stack := &fakeStack{}
	tr := startAdapter(t, stack)

	pkt, err := mesh.NewPacket(testHash(0x11), mesh.Broadcast, mesh.TypeAnnounce, nil)
	require.NoError(t, err)
	require.True(t, tr.Transmit(t.Context(), pkt).Success)

	frames := stack.frames()
	require.Len(t, frames, 1)
	assert.Nil(t, frames[0].RecipientID)
	assert.Equal(t, byte(0x02), frames[0].TypeByte)
}

func TestTransmitUnavailableBeforeStart(t *testing.T) {
	t.Parallel()

	tr := shortrange.NewTransport(&fakeStack{}, discardLogger())
	pkt, err := mesh.NewPacket(testHash(0x11), testHash(0x22), mesh.TypeData, nil)
	require.NoError(t, err)

	res := tr.Transmit(t.Context(), pkt)
	require.ErrorIs(t, res.Err, mesh.ErrTransportUnavailable)
}

func TestReceiveWirePayload(t *testing.T) {
	t.Parallel()

	stack := &fakeStack{}
	tr := shortrange.NewTransport(stack, discardLogger())

	recvCh := make(chan *mesh.Packet, 1)
	tr.SetReceiveCallback(func(pkt *mesh.Packet, meta mesh.TransportMetadata) {
		assert.Equal(t, shortrange.TransportName, meta.Transport)
		recvCh <- pkt
	})
	require.NoError(t, tr.Start(t.Context()))
	defer tr.Stop()

	orig, err := mesh.NewPacket(testHash(0x33), testHash(0x44), mesh.TypeData, []byte("inbound"))
	require.NoError(t, err)
	wire, err := orig.Marshal()
	require.NoError(t, err)

	var sender [shortrange.LegacyIDSize]byte
	copy(sender[:], orig.Source[:8])
	stack.inject(shortrange.Frame{SenderID: sender, TypeByte: 0x01, Payload: wire})

	select {
	case got := <-recvCh:
		assert.Equal(t, orig.ID, got.ID)
		assert.Equal(t, orig.Source, got.Source)
	case <-time.After(time.Second):
		t.Fatal("frame never delivered")
	}
}

func TestReceiveLegacyBarePayload(t *testing.T) {
	t.Parallel()

	stack := &fakeStack{}
	tr := shortrange.NewTransport(stack, discardLogger())

	recvCh := make(chan *mesh.Packet, 1)
	tr.SetReceiveCallback(func(pkt *mesh.Packet, _ mesh.TransportMetadata) { recvCh <- pkt })
	require.NoError(t, tr.Start(t.Context()))
	defer tr.Stop()

	// A bare payload from an older stack: identifiers are zero-padded
	// back to 16 bytes.
	stack.inject(shortrange.Frame{
		SenderID: [shortrange.LegacyIDSize]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00, 0x11},
		TypeByte: 0x01,
		Payload:  []byte("legacy text"),
	})

	select {
	case got := <-recvCh:
		want := mesh.HashFromBytes([]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00, 0x11})
		assert.Equal(t, want, got.Source)
		assert.True(t, got.IsBroadcast(), "nil recipient reconstructs as broadcast")
		assert.Equal(t, []byte("legacy text"), got.Payload)
	case <-time.After(time.Second):
		t.Fatal("legacy frame never delivered")
	}
}

func TestReceiveUnknownTypeByteDropped(t *testing.T) {
	t.Parallel()

	stack := &fakeStack{}
	tr := shortrange.NewTransport(stack, discardLogger())
	recvCh := make(chan *mesh.Packet, 1)
	tr.SetReceiveCallback(func(pkt *mesh.Packet, _ mesh.TransportMetadata) { recvCh <- pkt })
	require.NoError(t, tr.Start(t.Context()))
	defer tr.Stop()

	stack.inject(shortrange.Frame{TypeByte: 0x77, Payload: []byte("junk")})

	select {
	case <-recvCh:
		t.Fatal("unknown type byte must be dropped")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, uint64(1), tr.Metrics().ParseErrors)
}

func TestMetricsNominalFigures(t *testing.T) {
	t.Parallel()

	stack := &fakeStack{peers: 3}
	tr := startAdapter(t, stack)

	m := tr.Metrics()
	assert.Equal(t, uint64(2_000_000), m.BitrateBps)
	assert.InDelta(t, 0.95, m.Reliability, 1e-9)
	assert.Equal(t, 3, m.PeerCount)
}
