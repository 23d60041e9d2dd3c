package mesh_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dantte-lp/gomesh/internal/mesh"
)

// discardLogger silences component logging in tests.
func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakeTransport is an in-memory Transport that records transmissions and
// can inject received packets.
type fakeTransport struct {
	name      string
	available bool
	failTx    bool

	mu   sync.Mutex
	sent []*mesh.Packet
	recv mesh.ReceiveFunc
}

func newFakeTransport(name string) *fakeTransport {
	return &fakeTransport{name: name, available: true}
}

func (f *fakeTransport) Name() string                 { return f.name }
func (f *fakeTransport) Start(context.Context) error  { return nil }
func (f *fakeTransport) Stop() error                  { return nil }
func (f *fakeTransport) Available() bool              { return f.available }
func (f *fakeTransport) SetReceiveCallback(fn mesh.ReceiveFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recv = fn
}

func (f *fakeTransport) Transmit(_ context.Context, pkt *mesh.Packet) mesh.TransmitResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTx {
		return mesh.TransmitResult{Err: mesh.ErrTransportUnavailable}
	}
	f.sent = append(f.sent, pkt)
	return mesh.TransmitResult{Success: true}
}

func (f *fakeTransport) Metrics() mesh.TransportMetrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return mesh.TransportMetrics{
		PacketsSent: uint64(len(f.sent)),
		BitrateBps:  1000,
		Reliability: 0.9,
		PeerCount:   1,
	}
}

func (f *fakeTransport) sentPackets() []*mesh.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*mesh.Packet(nil), f.sent...)
}

func (f *fakeTransport) inject(pkt *mesh.Packet) {
	f.mu.Lock()
	recv := f.recv
	f.mu.Unlock()
	recv(pkt, mesh.TransportMetadata{Transport: f.name, Timestamp: time.Now()})
}

// newPacket is a test helper that fails the test on construction errors.
func newPacket(t *testing.T, dst mesh.Hash) *mesh.Packet {
	t.Helper()
	pkt, err := mesh.NewPacket(testHash(0x01), dst, mesh.TypeData, []byte("hello"))
	require.NoError(t, err)
	return pkt
}

func TestManagerSendPrefersShortRange(t *testing.T) {
	t.Parallel()

	mgr := mesh.NewManager(discardLogger())
	lr := newFakeTransport("lora")
	sr := newFakeTransport("shortrange")
	ctx := context.Background()
	require.NoError(t, mgr.AddTransport(ctx, lr))
	require.NoError(t, mgr.AddTransport(ctx, sr))
	require.NoError(t, mgr.StartAll(ctx))
	defer mgr.StopAll()

	res := mgr.Send(ctx, newPacket(t, testHash(0x02)))
	require.True(t, res.Success)

	assert.Len(t, sr.sentPackets(), 1, "short-range transport carries the send")
	assert.Empty(t, lr.sentPackets())
}

func TestManagerSendFallsBackToFirstAvailable(t *testing.T) {
	t.Parallel()

	mgr := mesh.NewManager(discardLogger())
	lr := newFakeTransport("lora")
	sr := newFakeTransport("shortrange")
	sr.available = false
	ctx := context.Background()
	require.NoError(t, mgr.AddTransport(ctx, sr))
	require.NoError(t, mgr.AddTransport(ctx, lr))
	require.NoError(t, mgr.StartAll(ctx))
	defer mgr.StopAll()

	res := mgr.Send(ctx, newPacket(t, testHash(0x02)))
	require.True(t, res.Success)
	assert.Len(t, lr.sentPackets(), 1)
}

func TestManagerSendDuplicate(t *testing.T) {
	t.Parallel()

	mgr := mesh.NewManager(discardLogger())
	tr := newFakeTransport("shortrange")
	ctx := context.Background()
	require.NoError(t, mgr.AddTransport(ctx, tr))
	require.NoError(t, mgr.StartAll(ctx))
	defer mgr.StopAll()

	pkt := newPacket(t, testHash(0x02))
	require.True(t, mgr.Send(ctx, pkt).Success)

	res := mgr.Send(ctx, pkt)
	require.ErrorIs(t, res.Err, mesh.ErrDuplicatePacket)
	assert.Len(t, tr.sentPackets(), 1, "duplicate never reaches the transport")
}

func TestManagerSendQueuesReliableWithoutTransport(t *testing.T) {
	t.Parallel()

	mgr := mesh.NewManager(discardLogger())
	ctx := context.Background()
	require.NoError(t, mgr.StartAll(ctx))
	defer mgr.StopAll()

	reliable := newPacket(t, testHash(0x02))
	reliable.Reliable = true
	res := mgr.Send(ctx, reliable)
	assert.True(t, res.Queued)
	assert.Equal(t, 1, mgr.Status().PendingPackets)

	unreliable := newPacket(t, testHash(0x02))
	res = mgr.Send(ctx, unreliable)
	require.ErrorIs(t, res.Err, mesh.ErrTransportUnavailable)
	assert.False(t, res.Queued)
}

func TestManagerReceiveDeliversOnce(t *testing.T) {
	t.Parallel()

	mgr := mesh.NewManager(discardLogger())
	tr := newFakeTransport("shortrange")
	ctx := context.Background()
	require.NoError(t, mgr.AddTransport(ctx, tr))

	var mu sync.Mutex
	var delivered []*mesh.Packet
	mgr.SetPacketHandler(func(pkt *mesh.Packet, _ mesh.TransportMetadata) {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, pkt)
	})
	require.NoError(t, mgr.StartAll(ctx))
	defer mgr.StopAll()

	pkt := newPacket(t, testHash(0x09))
	tr.inject(pkt)
	tr.inject(pkt) // replay within the dedup window

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, delivered, 1, "each fingerprint is delivered at most once")
}

func TestManagerBroadcastRelay(t *testing.T) {
	t.Parallel()

	mgr := mesh.NewManager(discardLogger())
	a := newFakeTransport("shortrange")
	b := newFakeTransport("lora")
	ctx := context.Background()
	require.NoError(t, mgr.AddTransport(ctx, a))
	require.NoError(t, mgr.AddTransport(ctx, b))
	mgr.SetPacketHandler(func(*mesh.Packet, mesh.TransportMetadata) {})
	require.NoError(t, mgr.StartAll(ctx))
	defer mgr.StopAll()

	pkt := newPacket(t, mesh.Broadcast)
	pkt.Hops = 0
	pkt.TTL = 3
	a.inject(pkt)

	// Relayed only on the other transport, with hops+1 and ttl-1.
	relayed := b.sentPackets()
	require.Len(t, relayed, 1)
	assert.Equal(t, uint8(1), relayed[0].Hops)
	assert.Equal(t, uint8(2), relayed[0].TTL)
	assert.Empty(t, a.sentPackets(), "never relayed on the arrival transport")
}

func TestManagerBroadcastRelayStopsAtTTL(t *testing.T) {
	t.Parallel()

	mgr := mesh.NewManager(discardLogger())
	a := newFakeTransport("shortrange")
	b := newFakeTransport("lora")
	ctx := context.Background()
	require.NoError(t, mgr.AddTransport(ctx, a))
	require.NoError(t, mgr.AddTransport(ctx, b))
	mgr.SetPacketHandler(func(*mesh.Packet, mesh.TransportMetadata) {})
	require.NoError(t, mgr.StartAll(ctx))
	defer mgr.StopAll()

	pkt := newPacket(t, mesh.Broadcast)
	pkt.Hops = 3
	pkt.TTL = 3
	a.inject(pkt)

	assert.Empty(t, b.sentPackets(), "hops >= ttl is never relayed")
}

func TestManagerBroadcastFansOut(t *testing.T) {
	t.Parallel()

	mgr := mesh.NewManager(discardLogger())
	a := newFakeTransport("shortrange")
	b := newFakeTransport("lora")
	ctx := context.Background()
	require.NoError(t, mgr.AddTransport(ctx, a))
	require.NoError(t, mgr.AddTransport(ctx, b))
	require.NoError(t, mgr.StartAll(ctx))
	defer mgr.StopAll()

	res := mgr.Broadcast(ctx, newPacket(t, mesh.Broadcast))
	require.True(t, res.Success)
	assert.Len(t, a.sentPackets(), 1)
	assert.Len(t, b.sentPackets(), 1)
}

func TestManagerRemoveTransport(t *testing.T) {
	t.Parallel()

	mgr := mesh.NewManager(discardLogger())
	tr := newFakeTransport("lora")
	ctx := context.Background()
	require.NoError(t, mgr.AddTransport(ctx, tr))
	require.NotNil(t, mgr.GetTransport("lora"))

	require.NoError(t, mgr.RemoveTransport("lora"))
	assert.Nil(t, mgr.GetTransport("lora"))
	require.ErrorIs(t, mgr.RemoveTransport("lora"), mesh.ErrTransportNotFound)
}

func TestManagerStatus(t *testing.T) {
	t.Parallel()

	mgr := mesh.NewManager(discardLogger())
	sr := newFakeTransport("shortrange")
	lr := newFakeTransport("lora")
	ctx := context.Background()
	require.NoError(t, mgr.AddTransport(ctx, sr))
	require.NoError(t, mgr.AddTransport(ctx, lr))
	require.NoError(t, mgr.StartAll(ctx))
	defer mgr.StopAll()

	st := mgr.Status()
	assert.True(t, st.ShortRangeActive)
	assert.True(t, st.LongRangeActive)
	assert.Equal(t, uint64(2000), st.TotalBandwidth)
	assert.Equal(t, 1, st.ShortRangePeers)
	assert.Equal(t, 1, st.LongRangePeers)
}
