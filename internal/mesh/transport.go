package mesh

import (
	"context"
	"errors"
	"time"
)

// -------------------------------------------------------------------------
// Transport Error Taxonomy
// -------------------------------------------------------------------------

// Sentinel errors shared across transports. Everything below the
// TransportManager surfaces one of these kinds; the manager translates them
// into a retry (for reliable packets) or a TransmitResult returned to the
// application.
var (
	// ErrTransportUnavailable indicates the selected transport is not
	// started or has no underlying hardware.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrDuplicatePacket indicates the packet fingerprint was observed
	// within the dedup window.
	ErrDuplicatePacket = errors.New("duplicate packet")

	// ErrChannelBusy indicates channel-activity detection repeatedly found
	// the channel occupied; the packet has been re-queued.
	ErrChannelBusy = errors.New("channel busy")

	// ErrDutyCycleExceeded indicates the duty-cycle governor deferred the
	// transmission; the packet has been re-queued.
	ErrDutyCycleExceeded = errors.New("duty cycle exceeded")

	// ErrRetryExhausted indicates a pending packet was dropped after the
	// maximum number of failed retries.
	ErrRetryExhausted = errors.New("retry limit exhausted")

	// ErrTransportNotFound indicates no registered transport matches the
	// requested name.
	ErrTransportNotFound = errors.New("transport not found")

	// ErrManagerStopped indicates the manager has been stopped and no
	// longer accepts packets.
	ErrManagerStopped = errors.New("transport manager stopped")
)

// -------------------------------------------------------------------------
// TransportMetadata — attached to received packets
// -------------------------------------------------------------------------

// TransportMetadata describes the link a packet arrived on. RSSI and SNR are
// nil on transports that do not report signal quality.
type TransportMetadata struct {
	// Transport is the short tag of the receiving transport.
	Transport string

	// RSSI is the received signal strength in dBm, if known.
	RSSI *float64

	// SNR is the signal-to-noise ratio in dB, if known.
	SNR *float64

	// Timestamp is when the packet was received.
	Timestamp time.Time

	// Hops is the relay count observed at reception.
	Hops uint8

	// LinkLatency is the measured one-hop latency, if known.
	LinkLatency time.Duration
}

// -------------------------------------------------------------------------
// TransmitResult
// -------------------------------------------------------------------------

// TransmitResult is returned from Transport.Transmit and Manager.Send.
// Exactly one of the three delivery outcomes applies: sent (Success),
// queued for later (Queued), or failed (neither flag set, Err != nil).
// A queued result may also carry Err naming why the packet was deferred.
type TransmitResult struct {
	// Success is true when the packet was handed to the medium.
	Success bool

	// Queued is true when the packet was accepted but deferred
	// (duty-cycle backoff, busy channel, store-and-forward).
	Queued bool

	// EstimatedDelivery is the projected completion time for queued or
	// in-flight transmissions. Zero when unknown.
	EstimatedDelivery time.Time

	// Err carries the failure kind when the packet was neither sent nor
	// queued. On a queued result it may name the deferral reason (for
	// example ErrDutyCycleExceeded).
	Err error
}

// -------------------------------------------------------------------------
// TransportMetrics
// -------------------------------------------------------------------------

// TransportMetrics is a point-in-time snapshot of a transport's counters
// and nominal link characteristics.
type TransportMetrics struct {
	// PacketsSent counts packets handed to the medium.
	PacketsSent uint64

	// PacketsReceived counts packets surfaced to the receive callback.
	PacketsReceived uint64

	// PacketsDropped counts packets dropped on queue overflow or retry
	// exhaustion.
	PacketsDropped uint64

	// ParseErrors counts malformed frames discarded at this transport.
	// Parse errors never propagate to the application.
	ParseErrors uint64

	// BitrateBps is the nominal link bitrate in bits per second.
	BitrateBps uint64

	// Reliability is the nominal delivery probability in [0, 1].
	Reliability float64

	// PeerCount is the number of currently known direct peers.
	PeerCount int
}

// -------------------------------------------------------------------------
// Transport — the medium capability
// -------------------------------------------------------------------------

// ReceiveFunc is invoked by a transport for every packet it surfaces.
// Implementations must not block; heavy work belongs on the caller's side
// of a channel.
type ReceiveFunc func(pkt *Packet, meta TransportMetadata)

// Transport is the narrow capability every medium provides. Dispatch over
// transports happens only at the manager boundary; hot paths inside each
// transport (framing, fragmentation) are monomorphic.
type Transport interface {
	// Name returns the transport's short tag ("shortrange", "lora", "fmp").
	Name() string

	// Start brings the transport up. Receive callbacks may fire as soon
	// as Start returns.
	Start(ctx context.Context) error

	// Stop cancels background tasks and closes resources. Pending sends
	// in the transport's queue are dropped.
	Stop() error

	// Available reports whether the transport can currently transmit.
	Available() bool

	// Transmit sends one packet. It may suspend on channel-activity
	// detection, governor backoff, and inter-fragment gaps.
	Transmit(ctx context.Context, pkt *Packet) TransmitResult

	// SetReceiveCallback registers the upward packet path. Must be called
	// before Start.
	SetReceiveCallback(fn ReceiveFunc)

	// Metrics returns a snapshot of the transport's counters.
	Metrics() TransportMetrics
}
