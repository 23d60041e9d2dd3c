package radio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// -------------------------------------------------------------------------
// Native Binary Protocol — framed command/response over serial
// -------------------------------------------------------------------------
//
// Frame layout: cmd(1) | len(2, big-endian) | flags(1) | payload(len).
//
// Commands:              Responses:
//	SYNC   0x01            ACK    0x10
//	CONFIG 0x02            NACK   0x11
//	TX     0x03            RX     0x12
//	RX     0x04            CAD    0x13
//	CAD    0x05            STATUS 0x14
//	STATUS 0x06
//
// On an RX response the payload begins with rssi(2, big-endian, biased by
// 32768) and snr(2, big-endian, x10), followed by the frame data.

const (
	cmdSync   = 0x01
	cmdConfig = 0x02
	cmdTX     = 0x03
	cmdRX     = 0x04
	cmdCAD    = 0x05
	cmdStatus = 0x06

	respAck    = 0x10
	respNack   = 0x11
	respRX     = 0x12
	respCAD    = 0x13
	respStatus = 0x14
)

// nativeHeaderSize is the fixed frame header: cmd + len + flags.
const nativeHeaderSize = 4

// rssiBias is subtracted from the biased 16-bit RSSI field.
const rssiBias = 32768

// rxSignalPrefix is the RX response signal header: rssi(2) + snr(2).
const rxSignalPrefix = 4

// validNativeByte reports whether b can start a frame. Stray bytes outside
// frame boundaries are skipped one at a time until a plausible header is
// found.
func validNativeByte(b byte) bool {
	return (b >= cmdSync && b <= cmdStatus) || (b >= respAck && b <= respStatus)
}

// -------------------------------------------------------------------------
// Frame codec
// -------------------------------------------------------------------------

// nativeFrame is one decoded frame.
type nativeFrame struct {
	cmd     byte
	flags   byte
	payload []byte
}

// marshalNativeFrame serializes a frame.
func marshalNativeFrame(cmd, flags byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxFramePayload {
		return nil, fmt.Errorf("native frame: %d byte payload: %w", len(payload), ErrFrameTooLarge)
	}
	buf := make([]byte, nativeHeaderSize+len(payload))
	buf[0] = cmd
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(payload)))
	buf[3] = flags
	copy(buf[nativeHeaderSize:], payload)
	return buf, nil
}

// nativeParser accumulates serial bytes and extracts frames. It tolerates
// partial reads (incomplete frames stay buffered), oversize frames
// (rejected and resynced), and stray bytes between frames (skipped).
type nativeParser struct {
	buf   []byte
	stats *driverStats
}

// feed appends incoming bytes and returns every complete frame.
func (p *nativeParser) feed(data []byte) []nativeFrame {
	p.buf = append(p.buf, data...)

	var frames []nativeFrame
	for {
		// Resync: discard garbage until a plausible command byte.
		for len(p.buf) > 0 && !validNativeByte(p.buf[0]) {
			p.buf = p.buf[1:]
			p.stats.parseErrors.Add(1)
		}
		if len(p.buf) < nativeHeaderSize {
			return frames
		}

		plen := int(binary.BigEndian.Uint16(p.buf[1:3]))
		if plen > MaxFramePayload {
			// Oversize frame: drop the header byte and resync.
			p.buf = p.buf[1:]
			p.stats.parseErrors.Add(1)
			continue
		}
		if len(p.buf) < nativeHeaderSize+plen {
			return frames // partial frame, wait for more bytes
		}

		frames = append(frames, nativeFrame{
			cmd:     p.buf[0],
			flags:   p.buf[3],
			payload: append([]byte(nil), p.buf[nativeHeaderSize:nativeHeaderSize+plen]...),
		})
		p.buf = p.buf[nativeHeaderSize+plen:]
	}
}

// -------------------------------------------------------------------------
// NativeDriver
// -------------------------------------------------------------------------

// NativeDriver speaks the native binary protocol over a 115200-baud serial
// link. The serial device is owned exclusively; a second driver on the
// same port fails with ErrPortInUse.
type NativeDriver struct {
	dev      Device
	portName string
	logger   *slog.Logger

	state atomic.Uint32
	stats driverStats

	mu     sync.Mutex // guards writes and command/response pairing
	rxMu   sync.RWMutex
	rxFn   RXFunc
	ackCh  chan byte
	cadCh  chan bool
	stopCh chan struct{}
	doneCh chan struct{}
	reader bool
}

// NewNativeDriver wraps the given serial device. portName is used only for
// exclusive-ownership tracking; pass the empty string for anonymous
// devices.
func NewNativeDriver(dev Device, portName string, logger *slog.Logger) (*NativeDriver, error) {
	if err := claimPort(portName); err != nil {
		return nil, err
	}
	d := &NativeDriver{
		dev:      dev,
		portName: portName,
		logger: logger.With(
			slog.String("component", "radio.native"),
			slog.String("port", portName),
		),
		ackCh:  make(chan byte, 1),
		cadCh:  make(chan bool, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	d.state.Store(uint32(StateDisconnected))
	return d, nil
}

// State returns the connection state.
func (d *NativeDriver) State() ConnState {
	return ConnState(d.state.Load())
}

// Metrics returns a snapshot of driver counters.
func (d *NativeDriver) Metrics() RadioMetrics {
	return d.stats.snapshot()
}

// Configure pushes RF parameters to the modem: SYNC to probe the firmware,
// then CONFIG with the serialized parameters. Each step waits for an ACK.
// Configure is also the recovery path out of the Error state.
func (d *NativeDriver) Configure(cfg RadioConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	d.state.Store(uint32(StateConnecting))
	d.startReader()

	if err := d.command(cmdSync, nil); err != nil {
		d.state.Store(uint32(StateError))
		return fmt.Errorf("configure: sync: %w", err)
	}
	if err := d.command(cmdConfig, marshalRadioConfig(cfg)); err != nil {
		d.state.Store(uint32(StateError))
		return fmt.Errorf("configure: %w", err)
	}

	d.state.Store(uint32(StateConnected))
	d.logger.Info("radio configured",
		slog.Uint64("freq_hz", cfg.FrequencyHz),
		slog.Int("sf", int(cfg.SpreadingFactor)),
		slog.Uint64("bw_hz", uint64(cfg.BandwidthHz)),
		slog.Int("cr_den", int(cfg.CodingRate)),
		slog.Int("tx_power_dbm", int(cfg.TxPowerDBm)),
	)
	return nil
}

// marshalRadioConfig serializes the CONFIG payload:
// freq(4 BE) | bw(4 BE) | sf(1) | cr(1) | power(1, signed) |
// preamble(2 BE) | sync_word(1).
func marshalRadioConfig(cfg RadioConfig) []byte {
	buf := make([]byte, 14)
	binary.BigEndian.PutUint32(buf[0:4], uint32(cfg.FrequencyHz))
	binary.BigEndian.PutUint32(buf[4:8], cfg.BandwidthHz)
	buf[8] = cfg.SpreadingFactor
	buf[9] = cfg.CodingRate
	buf[10] = byte(cfg.TxPowerDBm)
	binary.BigEndian.PutUint16(buf[11:13], cfg.PreambleLength)
	buf[13] = cfg.SyncWord
	return buf
}

// StartReceive registers the RX callback. The serial reader is already
// running from Configure; this only wires the upward path.
func (d *NativeDriver) StartReceive(fn RXFunc) error {
	if d.State() == StateDisconnected || d.State() == StateError {
		return fmt.Errorf("start receive: state %s: %w", d.State(), ErrNotConnected)
	}
	d.rxMu.Lock()
	d.rxFn = fn
	d.rxMu.Unlock()
	return nil
}

// Transmit writes one frame to the air and waits for the modem's ACK.
func (d *NativeDriver) Transmit(ctx context.Context, data []byte) error {
	if d.State() != StateConnected {
		return fmt.Errorf("transmit: state %s: %w", d.State(), ErrNotConnected)
	}
	if len(data) > MaxFramePayload {
		return fmt.Errorf("transmit: %d bytes: %w", len(data), ErrFrameTooLarge)
	}

	d.state.Store(uint32(StateTransmitting))
	defer d.state.Store(uint32(StateConnected))

	if err := d.command(cmdTX, data); err != nil {
		return fmt.Errorf("transmit: %w", err)
	}
	d.stats.framesSent.Add(1)
	return nil
}

// ChannelFree performs channel-activity detection. The CAD request carries
// the RSSI threshold as a signed big-endian 16-bit dBm value; no response
// within 500 ms is interpreted as "channel free" and transmission may
// proceed.
func (d *NativeDriver) ChannelFree(ctx context.Context, freqHz uint64, rssiThreshold float64) (bool, error) {
	if d.State() != StateConnected {
		return false, fmt.Errorf("channel free: state %s: %w", d.State(), ErrNotConnected)
	}

	payload := make([]byte, 6)
	binary.BigEndian.PutUint32(payload[0:4], uint32(freqHz))
	binary.BigEndian.PutUint16(payload[4:6], uint16(int16(rssiThreshold)))

	d.mu.Lock()
	drain(d.cadCh)
	frame, err := marshalNativeFrame(cmdCAD, 0, payload)
	if err == nil {
		err = writeAll(d.dev, frame)
	}
	d.mu.Unlock()
	if err != nil {
		d.state.Store(uint32(StateError))
		return false, fmt.Errorf("channel free: %w", err)
	}

	select {
	case busy := <-d.cadCh:
		return !busy, nil
	case <-time.After(cadResponseTimeout):
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Stop cancels the reader and closes the serial device. The driver is
// restartable only via a fresh Configure on a new instance.
func (d *NativeDriver) Stop() error {
	select {
	case <-d.stopCh:
		return nil // already stopped
	default:
	}
	close(d.stopCh)
	err := d.dev.Close()
	d.mu.Lock()
	started := d.reader
	d.mu.Unlock()
	if started {
		<-d.doneCh
	}
	releasePort(d.portName)
	d.state.Store(uint32(StateDisconnected))
	if err != nil {
		return fmt.Errorf("stop: close serial: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Command/response pairing
// -------------------------------------------------------------------------

// command writes one command frame and waits for ACK or NACK. The write
// lock spans the command/response pair so responses cannot be attributed
// to the wrong command.
func (d *NativeDriver) command(cmd byte, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	drain(d.ackCh)
	frame, err := marshalNativeFrame(cmd, 0, payload)
	if err != nil {
		return err
	}
	if err := writeAll(d.dev, frame); err != nil {
		return err
	}

	select {
	case resp := <-d.ackCh:
		if resp == respNack {
			return fmt.Errorf("cmd 0x%02x: %w", cmd, ErrModemNack)
		}
		return nil
	case <-time.After(cmdResponseTimeout):
		return fmt.Errorf("cmd 0x%02x: %w", cmd, ErrResponseTimeout)
	}
}

// drain empties a buffered channel of stale responses.
func drain[T any](ch chan T) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// -------------------------------------------------------------------------
// Serial reader — dedicated I/O goroutine
// -------------------------------------------------------------------------

// startReader launches the reader goroutine once.
func (d *NativeDriver) startReader() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reader {
		return
	}
	d.reader = true
	go d.readLoop()
}

// readLoop reads the blocking serial stream and dispatches parsed frames.
// A read error outside of Stop transitions the driver to Error.
func (d *NativeDriver) readLoop() {
	defer close(d.doneCh)

	parser := &nativeParser{stats: &d.stats}
	chunk := make([]byte, 512)
	for {
		n, err := d.dev.Read(chunk)
		if err != nil {
			select {
			case <-d.stopCh:
				return
			default:
			}
			d.state.Store(uint32(StateError))
			d.logger.Error("serial read failed", slog.String("error", err.Error()))
			return
		}
		for _, frame := range parser.feed(chunk[:n]) {
			d.dispatch(frame)
		}
	}
}

// dispatch routes one parsed frame to the waiting command, the CAD waiter,
// or the RX callback.
func (d *NativeDriver) dispatch(frame nativeFrame) {
	switch frame.cmd {
	case respAck, respNack:
		select {
		case d.ackCh <- frame.cmd:
		default:
		}

	case respCAD:
		busy := len(frame.payload) > 0 && frame.payload[0] != 0
		select {
		case d.cadCh <- busy:
		default:
		}

	case respRX:
		d.handleRX(frame.payload)

	case respStatus:
		// Status frames only refresh signal metrics.
		if len(frame.payload) >= rxSignalPrefix {
			rssi, snr := decodeSignal(frame.payload)
			d.stats.setSignal(rssi, snr)
		}

	default:
		d.stats.parseErrors.Add(1)
	}
}

// handleRX decodes the signal prefix and surfaces the frame data.
func (d *NativeDriver) handleRX(payload []byte) {
	if len(payload) < rxSignalPrefix {
		d.stats.parseErrors.Add(1)
		return
	}
	rssi, snr := decodeSignal(payload)
	d.stats.setSignal(rssi, snr)
	d.stats.framesReceived.Add(1)

	d.rxMu.RLock()
	fn := d.rxFn
	d.rxMu.RUnlock()
	if fn == nil {
		return
	}

	d.state.Store(uint32(StateReceiving))
	fn(RXPacket{
		Data: payload[rxSignalPrefix:],
		RSSI: rssi,
		SNR:  snr,
	})
	d.state.Store(uint32(StateConnected))
}

// decodeSignal extracts (rssi dBm, snr dB) from an RX/STATUS payload:
// rssi(2, big-endian, biased by 32768) then snr(2, big-endian, x10).
func decodeSignal(payload []byte) (rssi, snr float64) {
	rssi = float64(int(binary.BigEndian.Uint16(payload[0:2])) - rssiBias)
	snr = float64(int16(binary.BigEndian.Uint16(payload[2:4]))) / 10
	return rssi, snr
}
