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
// KISS TNC Framing — for FMP-capable firmware
// -------------------------------------------------------------------------
//
// A frame is FEND | cmd_byte | escaped_payload | FEND. Byte stuffing:
// FEND inside a payload becomes FESC TFEND, FESC becomes FESC TFESC.
//
// The low nibble of the command byte is the KISS command (DATA=0x00,
// SETHARDWARE=0x06); the high nibble is the port, always 0 here. Hardware
// sub-commands carry a 1-byte command ID followed by the value.

const (
	kissFEND  = 0xC0
	kissFESC  = 0xDB
	kissTFEND = 0xDC
	kissTFESC = 0xDD

	kissCmdData        = 0x00
	kissCmdSetHardware = 0x06
)

// Hardware sub-command IDs (0x01..0x0B).
const (
	hwFrequency  = 0x01 // uint32 Hz
	hwBandwidth  = 0x02 // uint32 Hz
	hwSF         = 0x03 // uint8
	hwCodingRate = 0x04 // uint8 denominator
	hwTxPower    = 0x05 // int8 dBm
	hwReady      = 0x06 // no value; modem signals ready
	hwRX         = 0x07 // RX enable / notification
	hwTX         = 0x08 // TX complete notification
	hwRSSI       = 0x09 // int8 dBm
	hwSNR        = 0x0A // int8, scaled by 4
	hwSyncWord   = 0x0B // uint8
)

// kissEscape applies KISS byte stuffing to payload.
func kissEscape(payload []byte) []byte {
	out := make([]byte, 0, len(payload))
	for _, b := range payload {
		switch b {
		case kissFEND:
			out = append(out, kissFESC, kissTFEND)
		case kissFESC:
			out = append(out, kissFESC, kissTFESC)
		default:
			out = append(out, b)
		}
	}
	return out
}

// kissFrame builds FEND | cmd | escaped payload | FEND.
func kissFrame(cmd byte, payload []byte) []byte {
	esc := kissEscape(payload)
	out := make([]byte, 0, len(esc)+3)
	out = append(out, kissFEND, cmd)
	out = append(out, esc...)
	out = append(out, kissFEND)
	return out
}

// kissParser is the streaming KISS de-framer. Bytes outside FEND
// delimiters are stray and dropped; unescaping errors discard the frame.
type kissParser struct {
	inFrame bool
	escaped bool
	frame   []byte
	stats   *driverStats
}

// kissDecoded is one complete de-stuffed frame: command byte + payload.
type kissDecoded struct {
	cmd     byte
	payload []byte
}

// feed consumes serial bytes and returns every completed frame.
func (p *kissParser) feed(data []byte) []kissDecoded {
	var frames []kissDecoded
	for _, b := range data {
		if !p.inFrame {
			if b == kissFEND {
				p.inFrame = true
				p.frame = p.frame[:0]
				p.escaped = false
			}
			// Stray byte outside frame delimiters: dropped silently.
			continue
		}

		switch {
		case b == kissFEND:
			if len(p.frame) > 0 {
				if len(p.frame)-1 > MaxFramePayload {
					p.stats.parseErrors.Add(1)
				} else {
					frames = append(frames, kissDecoded{
						cmd:     p.frame[0],
						payload: append([]byte(nil), p.frame[1:]...),
					})
				}
			}
			// Back-to-back FENDs keep us in-frame for the next one.
			p.frame = p.frame[:0]
			p.escaped = false

		case p.escaped:
			switch b {
			case kissTFEND:
				p.frame = append(p.frame, kissFEND)
			case kissTFESC:
				p.frame = append(p.frame, kissFESC)
			default:
				// Invalid escape: discard the frame and resync.
				p.stats.parseErrors.Add(1)
				p.inFrame = false
			}
			p.escaped = false

		case b == kissFESC:
			p.escaped = true

		default:
			p.frame = append(p.frame, b)
		}
	}
	return frames
}

// -------------------------------------------------------------------------
// KISSDriver
// -------------------------------------------------------------------------

// KISSDriver speaks KISS TNC framing to FMP-capable firmware. Signal
// quality arrives out-of-band as RSSI/SNR hardware frames; the most recent
// readings annotate the next data frame, which is how the firmware
// interleaves them.
type KISSDriver struct {
	dev      Device
	portName string
	logger   *slog.Logger

	state atomic.Uint32
	stats driverStats

	mu      sync.Mutex // guards writes
	rxMu    sync.RWMutex
	rxFn    RXFunc
	readyCh chan struct{}
	rssiCh  chan float64
	stopCh  chan struct{}
	doneCh  chan struct{}
	reader  bool
}

// NewKISSDriver wraps the given serial device in KISS framing.
func NewKISSDriver(dev Device, portName string, logger *slog.Logger) (*KISSDriver, error) {
	if err := claimPort(portName); err != nil {
		return nil, err
	}
	d := &KISSDriver{
		dev:      dev,
		portName: portName,
		logger: logger.With(
			slog.String("component", "radio.kiss"),
			slog.String("port", portName),
		),
		readyCh: make(chan struct{}, 1),
		rssiCh:  make(chan float64, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	d.state.Store(uint32(StateDisconnected))
	return d, nil
}

// State returns the connection state.
func (d *KISSDriver) State() ConnState {
	return ConnState(d.state.Load())
}

// Metrics returns a snapshot of driver counters.
func (d *KISSDriver) Metrics() RadioMetrics {
	return d.stats.snapshot()
}

// Configure pushes each RF parameter as a SETHARDWARE sub-command and
// waits for the firmware's ready notification.
func (d *KISSDriver) Configure(cfg RadioConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	d.state.Store(uint32(StateConnecting))
	d.startReader()

	var freq, bw [4]byte
	binary.BigEndian.PutUint32(freq[:], uint32(cfg.FrequencyHz))
	binary.BigEndian.PutUint32(bw[:], cfg.BandwidthHz)

	steps := []struct {
		id    byte
		value []byte
	}{
		{hwFrequency, freq[:]},
		{hwBandwidth, bw[:]},
		{hwSF, []byte{cfg.SpreadingFactor}},
		{hwCodingRate, []byte{cfg.CodingRate}},
		{hwTxPower, []byte{byte(cfg.TxPowerDBm)}},
		{hwSyncWord, []byte{cfg.SyncWord}},
	}
	for _, st := range steps {
		if err := d.setHardware(st.id, st.value); err != nil {
			d.state.Store(uint32(StateError))
			return fmt.Errorf("configure: hw 0x%02x: %w", st.id, err)
		}
	}

	// Ask the firmware to confirm readiness.
	drain(d.readyCh)
	if err := d.setHardware(hwReady, nil); err != nil {
		d.state.Store(uint32(StateError))
		return fmt.Errorf("configure: ready probe: %w", err)
	}
	select {
	case <-d.readyCh:
	case <-time.After(cmdResponseTimeout):
		d.state.Store(uint32(StateError))
		return fmt.Errorf("configure: %w", ErrResponseTimeout)
	}

	d.state.Store(uint32(StateConnected))
	d.logger.Info("kiss radio configured",
		slog.Uint64("freq_hz", cfg.FrequencyHz),
		slog.Int("sf", int(cfg.SpreadingFactor)),
	)
	return nil
}

// setHardware writes one SETHARDWARE sub-command frame.
func (d *KISSDriver) setHardware(id byte, value []byte) error {
	payload := append([]byte{id}, value...)
	d.mu.Lock()
	defer d.mu.Unlock()
	return writeAll(d.dev, kissFrame(kissCmdSetHardware, payload))
}

// StartReceive registers the RX callback.
func (d *KISSDriver) StartReceive(fn RXFunc) error {
	if d.State() == StateDisconnected || d.State() == StateError {
		return fmt.Errorf("start receive: state %s: %w", d.State(), ErrNotConnected)
	}
	d.rxMu.Lock()
	d.rxFn = fn
	d.rxMu.Unlock()
	return nil
}

// Transmit writes one DATA frame. KISS has no TX acknowledgement; a
// successful serial write is success.
func (d *KISSDriver) Transmit(ctx context.Context, data []byte) error {
	if d.State() != StateConnected {
		return fmt.Errorf("transmit: state %s: %w", d.State(), ErrNotConnected)
	}
	if len(data) > MaxFramePayload {
		return fmt.Errorf("transmit: %d bytes: %w", len(data), ErrFrameTooLarge)
	}

	d.state.Store(uint32(StateTransmitting))
	defer d.state.Store(uint32(StateConnected))

	d.mu.Lock()
	err := writeAll(d.dev, kissFrame(kissCmdData, data))
	d.mu.Unlock()
	if err != nil {
		d.state.Store(uint32(StateError))
		return fmt.Errorf("transmit: %w", err)
	}
	d.stats.framesSent.Add(1)
	return nil
}

// ChannelFree asks the firmware for a current RSSI reading and compares it
// to the threshold. No reading within 500 ms is interpreted as "channel
// free".
func (d *KISSDriver) ChannelFree(ctx context.Context, freqHz uint64, rssiThreshold float64) (bool, error) {
	if d.State() != StateConnected {
		return false, fmt.Errorf("channel free: state %s: %w", d.State(), ErrNotConnected)
	}

	drain(d.rssiCh)
	if err := d.setHardware(hwRSSI, nil); err != nil {
		d.state.Store(uint32(StateError))
		return false, fmt.Errorf("channel free: %w", err)
	}

	select {
	case rssi := <-d.rssiCh:
		return rssi < rssiThreshold, nil
	case <-time.After(cadResponseTimeout):
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Stop cancels the reader and closes the serial device.
func (d *KISSDriver) Stop() error {
	select {
	case <-d.stopCh:
		return nil
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
// Serial reader
// -------------------------------------------------------------------------

// startReader launches the reader goroutine once.
func (d *KISSDriver) startReader() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reader {
		return
	}
	d.reader = true
	go d.readLoop()
}

// readLoop reads the blocking serial stream and dispatches parsed frames.
func (d *KISSDriver) readLoop() {
	defer close(d.doneCh)

	parser := &kissParser{stats: &d.stats}
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

// dispatch routes one de-framed KISS frame.
func (d *KISSDriver) dispatch(frame kissDecoded) {
	switch frame.cmd & 0x0F {
	case kissCmdData:
		d.handleData(frame.payload)

	case kissCmdSetHardware:
		d.handleHardware(frame.payload)

	default:
		d.stats.parseErrors.Add(1)
	}
}

// handleData surfaces one received data frame annotated with the most
// recent out-of-band signal readings.
func (d *KISSDriver) handleData(payload []byte) {
	d.stats.framesReceived.Add(1)

	d.rxMu.RLock()
	fn := d.rxFn
	d.rxMu.RUnlock()
	if fn == nil {
		return
	}

	m := d.stats.snapshot()
	d.state.Store(uint32(StateReceiving))
	fn(RXPacket{
		Data: payload,
		RSSI: m.LastRSSI,
		SNR:  m.LastSNR,
	})
	d.state.Store(uint32(StateConnected))
}

// handleHardware processes a SETHARDWARE notification from the firmware.
// RSSI arrives as a single signed byte in dBm; SNR as a signed byte scaled
// by 4.
func (d *KISSDriver) handleHardware(payload []byte) {
	if len(payload) < 1 {
		d.stats.parseErrors.Add(1)
		return
	}

	switch payload[0] {
	case hwReady:
		select {
		case d.readyCh <- struct{}{}:
		default:
		}

	case hwRSSI:
		if len(payload) < 2 {
			d.stats.parseErrors.Add(1)
			return
		}
		rssi := float64(int8(payload[1]))
		m := d.stats.snapshot()
		d.stats.setSignal(rssi, m.LastSNR)
		select {
		case d.rssiCh <- rssi:
		default:
		}

	case hwSNR:
		if len(payload) < 2 {
			d.stats.parseErrors.Add(1)
			return
		}
		snr := float64(int8(payload[1])) / 4
		m := d.stats.snapshot()
		d.stats.setSignal(m.LastRSSI, snr)

	case hwRX, hwTX:
		// TX-complete / RX-enable notifications carry no state the
		// driver tracks.

	default:
		d.stats.parseErrors.Add(1)
	}
}
