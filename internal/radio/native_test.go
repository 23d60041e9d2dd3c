package radio

import (
	"encoding/binary"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// mustFrame marshals a frame or fails the test.
func mustFrame(t *testing.T, cmd, flags byte, payload []byte) []byte {
	t.Helper()
	buf, err := marshalNativeFrame(cmd, flags, payload)
	require.NoError(t, err)
	return buf
}

func TestNativeParserWholeFrame(t *testing.T) {
	t.Parallel()

	p := &nativeParser{stats: &driverStats{}}
	frames := p.feed(mustFrame(t, respAck, 0x01, []byte{0xAA, 0xBB}))
	require.Len(t, frames, 1)
	assert.Equal(t, byte(respAck), frames[0].cmd)
	assert.Equal(t, byte(0x01), frames[0].flags)
	assert.Equal(t, []byte{0xAA, 0xBB}, frames[0].payload)
}

func TestNativeParserPartialReads(t *testing.T) {
	t.Parallel()

	p := &nativeParser{stats: &driverStats{}}
	wire := mustFrame(t, respRX, 0, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	// Feed byte by byte: only the final byte completes the frame.
	for i := 0; i < len(wire)-1; i++ {
		assert.Empty(t, p.feed(wire[i:i+1]))
	}
	frames := p.feed(wire[len(wire)-1:])
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, frames[0].payload)
}

func TestNativeParserStrayBytes(t *testing.T) {
	t.Parallel()

	p := &nativeParser{stats: &driverStats{}}
	wire := append([]byte{0x00, 0xFF, 0x99}, mustFrame(t, respAck, 0, nil)...)
	frames := p.feed(wire)
	require.Len(t, frames, 1)
	assert.Equal(t, byte(respAck), frames[0].cmd)
	assert.Equal(t, uint64(3), p.stats.parseErrors.Load())
}

func TestNativeParserOversizeFrame(t *testing.T) {
	t.Parallel()

	p := &nativeParser{stats: &driverStats{}}

	// Forge a header declaring a 500-byte payload (>= 237 rejected).
	bad := []byte{cmdTX, 0x01, 0xF4, 0x00}
	good := mustFrame(t, respAck, 0, nil)
	frames := p.feed(append(bad, good...))
	require.Len(t, frames, 1)
	assert.Equal(t, byte(respAck), frames[0].cmd)
	assert.Positive(t, p.stats.parseErrors.Load())
}

func TestNativeParserBackToBackFrames(t *testing.T) {
	t.Parallel()

	p := &nativeParser{stats: &driverStats{}}
	wire := append(mustFrame(t, respAck, 0, nil), mustFrame(t, respCAD, 0, []byte{0x01})...)
	frames := p.feed(wire)
	require.Len(t, frames, 2)
	assert.Equal(t, byte(respAck), frames[0].cmd)
	assert.Equal(t, byte(respCAD), frames[1].cmd)
}

func TestMarshalNativeFrameTooLarge(t *testing.T) {
	t.Parallel()

	_, err := marshalNativeFrame(cmdTX, 0, make([]byte, MaxFramePayload+1))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodeSignal(t *testing.T) {
	t.Parallel()

	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:2], uint16(rssiBias-95)) // -95 dBm
	binary.BigEndian.PutUint16(payload[2:4], uint16(int16(85)))   // 8.5 dB x10

	rssi, snr := decodeSignal(payload)
	assert.InDelta(t, -95.0, rssi, 1e-9)
	assert.InDelta(t, 8.5, snr, 1e-9)
}

// -------------------------------------------------------------------------
// Driver against a fake modem
// -------------------------------------------------------------------------

// fakeModem answers native-protocol commands on the far end of a pipe.
type fakeModem struct {
	conn net.Conn

	mu       sync.Mutex
	received [][]byte // TX payloads seen
	cadBusy  bool
	noCAD    bool // swallow CAD requests (no response)
}

func newFakeModem(conn net.Conn) *fakeModem {
	m := &fakeModem{conn: conn}
	go m.run()
	return m
}

func (m *fakeModem) run() {
	parser := &nativeParser{stats: &driverStats{}}
	chunk := make([]byte, 256)
	for {
		n, err := m.conn.Read(chunk)
		if err != nil {
			return
		}
		for _, f := range parser.feed(chunk[:n]) {
			m.handle(f)
		}
	}
}

func (m *fakeModem) handle(f nativeFrame) {
	switch f.cmd {
	case cmdSync, cmdConfig:
		m.reply(respAck, nil)
	case cmdTX:
		m.mu.Lock()
		m.received = append(m.received, f.payload)
		m.mu.Unlock()
		m.reply(respAck, nil)
	case cmdCAD:
		m.mu.Lock()
		busy := m.cadBusy
		skip := m.noCAD
		m.mu.Unlock()
		if skip {
			return
		}
		b := byte(0x00)
		if busy {
			b = 0x01
		}
		m.reply(respCAD, []byte{b})
	}
}

func (m *fakeModem) reply(cmd byte, payload []byte) {
	buf, err := marshalNativeFrame(cmd, 0, payload)
	if err != nil {
		return
	}
	m.conn.Write(buf)
}

// sendRX injects a received radio frame toward the driver.
func (m *fakeModem) sendRX(rssi int, snr float64, data []byte) {
	payload := make([]byte, 4+len(data))
	binary.BigEndian.PutUint16(payload[0:2], uint16(rssi+rssiBias))
	binary.BigEndian.PutUint16(payload[2:4], uint16(int16(snr*10)))
	copy(payload[4:], data)
	m.reply(respRX, payload)
}

// newTestDriver wires a NativeDriver to a fake modem over net.Pipe.
func newTestDriver(t *testing.T) (*NativeDriver, *fakeModem) {
	t.Helper()
	near, far := net.Pipe()
	modem := newFakeModem(far)
	d, err := NewNativeDriver(near, "", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Stop() })
	return d, modem
}

func TestNativeDriverConfigure(t *testing.T) {
	t.Parallel()

	d, _ := newTestDriver(t)
	assert.Equal(t, StateDisconnected, d.State())

	require.NoError(t, d.Configure(DefaultConfig()))
	assert.Equal(t, StateConnected, d.State())
}

func TestNativeDriverConfigureValidation(t *testing.T) {
	t.Parallel()

	d, _ := newTestDriver(t)
	cfg := DefaultConfig()
	cfg.SpreadingFactor = 5
	require.ErrorIs(t, d.Configure(cfg), ErrInvalidConfig)
}

func TestNativeDriverTransmit(t *testing.T) {
	t.Parallel()

	d, modem := newTestDriver(t)
	require.NoError(t, d.Configure(DefaultConfig()))

	require.NoError(t, d.Transmit(t.Context(), []byte("over the air")))

	modem.mu.Lock()
	defer modem.mu.Unlock()
	require.Len(t, modem.received, 1)
	assert.Equal(t, []byte("over the air"), modem.received[0])
	assert.Equal(t, uint64(1), d.Metrics().FramesSent)
}

func TestNativeDriverTransmitRequiresConnection(t *testing.T) {
	t.Parallel()

	d, _ := newTestDriver(t)
	require.ErrorIs(t, d.Transmit(t.Context(), []byte("x")), ErrNotConnected)
}

func TestNativeDriverChannelFree(t *testing.T) {
	t.Parallel()

	d, modem := newTestDriver(t)
	require.NoError(t, d.Configure(DefaultConfig()))

	free, err := d.ChannelFree(t.Context(), 868_100_000, -120)
	require.NoError(t, err)
	assert.True(t, free)

	modem.mu.Lock()
	modem.cadBusy = true
	modem.mu.Unlock()
	free, err = d.ChannelFree(t.Context(), 868_100_000, -120)
	require.NoError(t, err)
	assert.False(t, free)
}

func TestNativeDriverCADTimeoutMeansFree(t *testing.T) {
	t.Parallel()

	d, modem := newTestDriver(t)
	require.NoError(t, d.Configure(DefaultConfig()))

	modem.mu.Lock()
	modem.noCAD = true
	modem.mu.Unlock()

	start := time.Now()
	free, err := d.ChannelFree(t.Context(), 868_100_000, -120)
	require.NoError(t, err)
	assert.True(t, free, "no CAD response within 500 ms means channel free")
	assert.GreaterOrEqual(t, time.Since(start), cadResponseTimeout)
}

func TestNativeDriverReceive(t *testing.T) {
	t.Parallel()

	d, modem := newTestDriver(t)
	require.NoError(t, d.Configure(DefaultConfig()))

	rxCh := make(chan RXPacket, 1)
	require.NoError(t, d.StartReceive(func(pkt RXPacket) { rxCh <- pkt }))

	modem.sendRX(-80, 6.5, []byte("incoming"))

	select {
	case pkt := <-rxCh:
		assert.Equal(t, []byte("incoming"), pkt.Data)
		assert.InDelta(t, -80.0, pkt.RSSI, 1e-9)
		assert.InDelta(t, 6.5, pkt.SNR, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("rx callback never fired")
	}
	assert.Equal(t, uint64(1), d.Metrics().FramesReceived)
}

func TestPortExclusivity(t *testing.T) {
	t.Parallel()

	near, _ := net.Pipe()
	d1, err := NewNativeDriver(near, "/dev/ttyTEST0", testLogger())
	require.NoError(t, err)

	near2, _ := net.Pipe()
	_, err = NewNativeDriver(near2, "/dev/ttyTEST0", testLogger())
	require.ErrorIs(t, err, ErrPortInUse)

	require.NoError(t, d1.Stop())

	// The port is claimable again after Stop.
	near3, _ := net.Pipe()
	d3, err := NewNativeDriver(near3, "/dev/ttyTEST0", testLogger())
	require.NoError(t, err)
	require.NoError(t, d3.Stop())
}
