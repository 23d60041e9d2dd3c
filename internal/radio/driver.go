// Package radio implements the long-range radio drivers.
//
// Two driver families speak to the modem over a byte-oriented serial link:
// a native binary command/response protocol, and KISS TNC framing for
// FMP-capable firmware. Both expose the same Driver capability. SelectDriver
// maps USB vendor/product IDs to the native driver only; this package
// performs no firmware probe, so choosing KISS is left to the caller.
package radio

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// -------------------------------------------------------------------------
// RadioConfig
// -------------------------------------------------------------------------

// RadioConfig holds the RF parameters pushed to the modem on Configure.
type RadioConfig struct {
	// FrequencyHz is the carrier frequency.
	FrequencyHz uint64

	// SpreadingFactor is the LoRa SF (7..12).
	SpreadingFactor uint8

	// BandwidthHz is the channel bandwidth.
	BandwidthHz uint32

	// CodingRate is the coding-rate denominator (5..8, i.e. 4/5..4/8).
	CodingRate uint8

	// TxPowerDBm is the transmit power.
	TxPowerDBm int8

	// PreambleLength is the preamble length in symbols.
	PreambleLength uint16

	// SyncWord is the LoRa sync word.
	SyncWord uint8
}

// DefaultConfig returns the reference regulatory profile: 868.1 MHz, SF 9,
// 125 kHz bandwidth, coding rate 4/8, 14 dBm, 16-symbol preamble, sync
// word 0x2B.
func DefaultConfig() RadioConfig {
	return RadioConfig{
		FrequencyHz:     868_100_000,
		SpreadingFactor: 9,
		BandwidthHz:     125_000,
		CodingRate:      8,
		TxPowerDBm:      14,
		PreambleLength:  16,
		SyncWord:        0x2B,
	}
}

// Validate checks the RF parameters against their legal ranges.
func (c RadioConfig) Validate() error {
	if c.SpreadingFactor < 7 || c.SpreadingFactor > 12 {
		return fmt.Errorf("radio config: sf %d: %w", c.SpreadingFactor, ErrInvalidConfig)
	}
	if c.CodingRate < 5 || c.CodingRate > 8 {
		return fmt.Errorf("radio config: cr 4/%d: %w", c.CodingRate, ErrInvalidConfig)
	}
	if c.FrequencyHz == 0 || c.BandwidthHz == 0 {
		return fmt.Errorf("radio config: zero frequency or bandwidth: %w", ErrInvalidConfig)
	}
	return nil
}

// -------------------------------------------------------------------------
// Connection State Machine
// -------------------------------------------------------------------------

// ConnState is the driver connection state.
//
// DISCONNECTED -> CONNECTING -> CONNECTED -> {TRANSMITTING | RECEIVING}
// -> CONNECTED. Any unrecoverable serial error transitions to ERROR; the
// driver is restartable only via a fresh Configure.
type ConnState uint32

const (
	// StateDisconnected is the initial state before Configure.
	StateDisconnected ConnState = iota

	// StateConnecting means Configure is in flight.
	StateConnecting

	// StateConnected means the modem acknowledged configuration.
	StateConnected

	// StateTransmitting means a TX is on the air.
	StateTransmitting

	// StateReceiving means an RX frame is being surfaced.
	StateReceiving

	// StateError means an unrecoverable serial error occurred.
	StateError
)

// connStateNames maps connection states to human-readable strings.
var connStateNames = [6]string{
	"Disconnected",
	"Connecting",
	"Connected",
	"Transmitting",
	"Receiving",
	"Error",
}

// String returns the human-readable name of the connection state.
func (s ConnState) String() string {
	if int(s) < len(connStateNames) {
		return connStateNames[s]
	}
	return fmt.Sprintf("Unknown(%d)", uint32(s))
}

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

var (
	// ErrInvalidConfig indicates an RF parameter outside its legal range.
	ErrInvalidConfig = errors.New("invalid radio configuration")

	// ErrSerialIO indicates bytes could not be written or the stream
	// closed.
	ErrSerialIO = errors.New("serial i/o failure")

	// ErrNotConnected indicates an operation that requires a configured
	// modem.
	ErrNotConnected = errors.New("radio not connected")

	// ErrFrameTooLarge indicates an oversize frame (payload >= 237 bytes).
	ErrFrameTooLarge = errors.New("frame payload too large")

	// ErrParse indicates a malformed frame; the offending bytes are
	// dropped and counted in metrics.
	ErrParse = errors.New("malformed radio frame")

	// ErrModemNack indicates the modem rejected a command.
	ErrModemNack = errors.New("modem rejected command")

	// ErrResponseTimeout indicates the modem did not answer a command in
	// time.
	ErrResponseTimeout = errors.New("modem response timeout")
)

// -------------------------------------------------------------------------
// Timeouts & Limits
// -------------------------------------------------------------------------

const (
	// MaxFramePayload is the largest accepted frame payload. Payloads of
	// 237 bytes or more are rejected.
	MaxFramePayload = 236

	// cadResponseTimeout is how long to wait for a CAD answer. No
	// response within this window is interpreted as "channel free".
	cadResponseTimeout = 500 * time.Millisecond

	// serialWriteTimeout bounds a blocking serial write.
	serialWriteTimeout = 1 * time.Second

	// cmdResponseTimeout bounds ACK/NACK waits for configuration and TX
	// commands.
	cmdResponseTimeout = 1 * time.Second
)

// -------------------------------------------------------------------------
// RXPacket & Metrics
// -------------------------------------------------------------------------

// RXPacket is one received radio frame with its signal quality.
type RXPacket struct {
	// Data is the frame payload.
	Data []byte

	// RSSI is the received signal strength in dBm.
	RSSI float64

	// SNR is the signal-to-noise ratio in dB.
	SNR float64
}

// RXFunc is the receive callback surfaced by StartReceive.
type RXFunc func(pkt RXPacket)

// RadioMetrics is a snapshot of driver counters.
type RadioMetrics struct {
	// FramesSent counts frames transmitted.
	FramesSent uint64

	// FramesReceived counts frames surfaced to the RX callback.
	FramesReceived uint64

	// ParseErrors counts malformed or oversize frames dropped.
	ParseErrors uint64

	// LastRSSI is the most recent received signal strength in dBm.
	LastRSSI float64

	// LastSNR is the most recent signal-to-noise ratio in dB.
	LastSNR float64
}

// -------------------------------------------------------------------------
// Driver — the modem capability
// -------------------------------------------------------------------------

// Driver is the long-range modem capability. Implementations own the
// serial device exclusively; the reader lives on a dedicated goroutine
// because it consumes a blocking byte stream.
type Driver interface {
	// Configure pushes RF parameters and brings the driver to Connected.
	// Configure is also the only way out of the Error state.
	Configure(cfg RadioConfig) error

	// StartReceive registers the RX callback and starts the reader.
	StartReceive(fn RXFunc) error

	// Transmit writes one frame to the air. Blocks up to the serial
	// write timeout, plus the command response timeout for drivers that
	// wait for a modem ACK.
	Transmit(ctx context.Context, data []byte) error

	// ChannelFree performs channel-activity detection at the given
	// frequency against an RSSI threshold in dBm.
	ChannelFree(ctx context.Context, freqHz uint64, rssiThreshold float64) (bool, error)

	// Stop cancels the reader and closes the serial device.
	Stop() error

	// State returns the connection state.
	State() ConnState

	// Metrics returns a snapshot of driver counters.
	Metrics() RadioMetrics
}

// -------------------------------------------------------------------------
// Driver Selection — USB VID/PID table
// -------------------------------------------------------------------------

// DriverKind names a driver family.
type DriverKind uint8

const (
	// KindUnknown means the USB ID is not recognized.
	KindUnknown DriverKind = iota

	// KindNative is the native binary command/response protocol.
	KindNative

	// KindKISS is KISS TNC framing for FMP-capable firmware.
	KindKISS
)

// String returns the human-readable driver family name.
func (k DriverKind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindKISS:
		return "kiss"
	default:
		return "unknown"
	}
}

// usbID is a USB vendor/product pair.
type usbID struct {
	vid uint16
	pid uint16
}

// nativeIDs lists the USB IDs handled by the native binary driver.
// No USB ID maps to KISS, and no firmware probe is performed here.
var nativeIDs = map[usbID]struct{}{
	{0x10C4, 0xEA60}: {}, // CP210x (primary)
	{0x1A86, 0x7523}: {}, // CH340
	{0x2886, 0x802F}: {}, // Seeed XIAO
	{0x0403, 0x6001}: {}, // FTDI
}

// SelectDriver maps a USB vendor/product ID to a driver family.
func SelectDriver(vid, pid uint16) DriverKind {
	if _, ok := nativeIDs[usbID{vid: vid, pid: pid}]; ok {
		return KindNative
	}
	return KindUnknown
}

// -------------------------------------------------------------------------
// Shared driver plumbing
// -------------------------------------------------------------------------

// driverStats holds the atomic counters shared by both driver families.
// Updated on the reader/writer paths, read by Metrics snapshots.
type driverStats struct {
	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
	parseErrors    atomic.Uint64

	// lastRSSI/lastSNR store the most recent signal readings as
	// centi-units to stay atomic.
	lastRSSIc atomic.Int64
	lastSNRc  atomic.Int64
}

func (s *driverStats) setSignal(rssi, snr float64) {
	s.lastRSSIc.Store(int64(rssi * 100))
	s.lastSNRc.Store(int64(snr * 100))
}

func (s *driverStats) snapshot() RadioMetrics {
	return RadioMetrics{
		FramesSent:     s.framesSent.Load(),
		FramesReceived: s.framesReceived.Load(),
		ParseErrors:    s.parseErrors.Load(),
		LastRSSI:       float64(s.lastRSSIc.Load()) / 100,
		LastSNR:        float64(s.lastSNRc.Load()) / 100,
	}
}
