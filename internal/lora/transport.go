// Package lora implements the long-range transport: a transmit queue in
// front of the radio driver, gated by CSMA/CA channel-activity detection
// and the regulatory duty-cycle governor, with fragmentation for payloads
// over the radio MTU.
package lora

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dantte-lp/gomesh/internal/duty"
	"github.com/dantte-lp/gomesh/internal/frag"
	"github.com/dantte-lp/gomesh/internal/mesh"
	"github.com/dantte-lp/gomesh/internal/radio"
)

// -------------------------------------------------------------------------
// Constants
// -------------------------------------------------------------------------

const (
	// TransportName is the transport tag.
	TransportName = "lora"

	// cadAttempts is the CSMA retry budget before giving the channel up
	// as busy.
	cadAttempts = 10

	// cadRetryGap separates CSMA attempts.
	cadRetryGap = 100 * time.Millisecond

	// cadRSSIThreshold is the channel-activity RSSI threshold in dBm.
	cadRSSIThreshold = -120.0

	// busyBackoffMin and busyBackoffMax bound the random re-queue delay
	// after a busy channel.
	busyBackoffMin = 100 * time.Millisecond
	busyBackoffMax = 1000 * time.Millisecond

	// interFragmentGap is added to each fragment's airtime before the
	// next fragment goes out.
	interFragmentGap = 50 * time.Millisecond

	// queuePollInterval is the queue processor's poll timeout.
	queuePollInterval = 100 * time.Millisecond

	// retryDelay re-schedules a failed queued packet.
	retryDelay = 5 * time.Second

	// maxRetries drops a queued packet after this many failures.
	maxRetries = 3

	// nominalReliability is the long-range link's default delivery
	// probability.
	nominalReliability = 0.75
)

// loraEnvelopeSize prefixes every radio frame with the sending node's
// 16-byte hash so the receiver can key fragment reassembly by
// (short id, source).
const loraEnvelopeSize = mesh.HashSize

// -------------------------------------------------------------------------
// Bitrate Table
// -------------------------------------------------------------------------

// bitrateBW125 maps spreading factor to nominal bitrate at 125 kHz.
var bitrateBW125 = map[uint8]uint64{
	7:  5470,
	8:  3125,
	9:  1760,
	10: 980,
	11: 440,
	12: 290,
}

// Bitrate returns the nominal bitrate for (SF, bandwidth). Bandwidths
// other than 125 kHz scale linearly.
func Bitrate(sf uint8, bandwidthHz uint32) uint64 {
	base, ok := bitrateBW125[sf]
	if !ok {
		return bitrateBW125[9]
	}
	return base * uint64(bandwidthHz) / 125_000
}

// -------------------------------------------------------------------------
// Transport
// -------------------------------------------------------------------------

// Transport composes the radio driver, duty-cycle governor, and
// fragmenter behind the mesh Transport capability.
//
// Transmit is a suspending operation: it may await channel-activity
// detection, governor backoff decisions, and inter-fragment gaps. A
// background queue processor drains deferred packets.
type Transport struct {
	identity mesh.Hash
	driver   radio.Driver
	governor *duty.Governor
	frag     *frag.Fragmenter
	cfg      radio.RadioConfig
	logger   *slog.Logger

	queue *txQueue

	mu      sync.RWMutex
	recv    mesh.ReceiveFunc
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	// txMu serializes transmissions so fragments of one packet are never
	// interleaved with another packet's.
	txMu sync.Mutex

	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	packetsDropped  atomic.Uint64
	parseErrors     atomic.Uint64
	cadBusy         atomic.Uint64
}

// NewTransport builds a long-range transport for the given identity over
// an already-constructed radio driver. mtu of 0 uses the fragmenter
// default (200 bytes effective).
func NewTransport(
	identity mesh.Hash,
	driver radio.Driver,
	governor *duty.Governor,
	cfg radio.RadioConfig,
	mtu int,
	logger *slog.Logger,
) (*Transport, error) {
	fr, err := frag.NewFragmenter(mtu)
	if err != nil {
		return nil, fmt.Errorf("new lora transport: %w", err)
	}
	return &Transport{
		identity: identity,
		driver:   driver,
		governor: governor,
		frag:     fr,
		cfg:      cfg,
		queue:    newTxQueue(),
		logger:   logger.With(slog.String("component", "lora.transport")),
	}, nil
}

// Name returns the transport tag.
func (t *Transport) Name() string {
	return TransportName
}

// SetReceiveCallback registers the upward packet path. Must be called
// before Start.
func (t *Transport) SetReceiveCallback(fn mesh.ReceiveFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recv = fn
}

// Available reports whether the radio is connected.
func (t *Transport) Available() bool {
	t.mu.RLock()
	started := t.started
	t.mu.RUnlock()
	if !started {
		return false
	}
	st := t.driver.State()
	return st == radio.StateConnected || st == radio.StateTransmitting || st == radio.StateReceiving
}

// Start wires the radio receive path and launches the queue processor.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.started = true
	done := t.done
	t.mu.Unlock()

	if err := t.driver.StartReceive(t.onRadioFrame); err != nil {
		cancel()
		t.mu.Lock()
		t.started = false
		t.mu.Unlock()
		return fmt.Errorf("start lora transport: %w", err)
	}

	go func() {
		defer close(done)
		t.queueLoop(runCtx)
	}()

	t.logger.Info("lora transport started",
		slog.Int("mtu", t.frag.MaxPayload()+frag.HeaderSize),
		slog.Uint64("bitrate_bps", Bitrate(t.cfg.SpreadingFactor, t.cfg.BandwidthHz)),
	)
	return nil
}

// Stop cancels the queue processor and drops queued packets. The radio
// driver is owned by the caller and is not stopped here.
func (t *Transport) Stop() error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = false
	cancel := t.cancel
	done := t.done
	t.mu.Unlock()

	cancel()
	<-done
	if n := t.queue.Clear(); n > 0 {
		t.logger.Info("dropped queued packets on stop", slog.Int("count", n))
	}
	return nil
}

// Metrics returns a snapshot of transport counters.
func (t *Transport) Metrics() mesh.TransportMetrics {
	return mesh.TransportMetrics{
		PacketsSent:     t.packetsSent.Load(),
		PacketsReceived: t.packetsReceived.Load(),
		PacketsDropped:  t.packetsDropped.Load(),
		ParseErrors:     t.parseErrors.Load(),
		BitrateBps:      Bitrate(t.cfg.SpreadingFactor, t.cfg.BandwidthHz),
		Reliability:     nominalReliability,
	}
}

// QueueDepth returns the transmit queue depth.
func (t *Transport) QueueDepth() int {
	return t.queue.Len()
}

// -------------------------------------------------------------------------
// Transmit
// -------------------------------------------------------------------------

// Transmit sends one packet over the air:
//
//  1. Estimate the total on-air size (fragmented when over MTU).
//  2. Ask the governor for backoff; a positive backoff re-queues the
//     packet with due = now + backoff.
//  3. Per fragment: CSMA channel-activity detection, then transmit, log
//     airtime to the governor, and sleep airtime + 50 ms before the next
//     fragment.
//
// A busy channel after the CSMA budget re-queues the whole packet with a
// random 100-1000 ms backoff.
func (t *Transport) Transmit(ctx context.Context, pkt *mesh.Packet) mesh.TransmitResult {
	if !t.Available() {
		return mesh.TransmitResult{Err: fmt.Errorf("lora transmit: %w", mesh.ErrTransportUnavailable)}
	}
	return t.transmit(ctx, pkt, PriorityNormal, 0)
}

// transmit is the shared path for direct sends and queue retries.
func (t *Transport) transmit(ctx context.Context, pkt *mesh.Packet, prio Priority, retries int) mesh.TransmitResult {
	wire, err := pkt.Marshal()
	if err != nil {
		return mesh.TransmitResult{Err: fmt.Errorf("lora transmit: %w", err)}
	}

	frags, err := t.frag.Fragment(pkt.ID, wire)
	if err != nil {
		return mesh.TransmitResult{Err: fmt.Errorf("lora transmit: %w", err)}
	}

	// Governor decision over the total on-air size.
	totalBytes := 0
	for _, f := range frags {
		totalBytes += loraEnvelopeSize + frag.HeaderSize + len(f.Payload)
	}
	backoff, err := t.governor.Backoff(totalBytes, t.cfg.SpreadingFactor, t.cfg.BandwidthHz, t.cfg.CodingRate)
	if err != nil {
		return mesh.TransmitResult{Err: fmt.Errorf("lora transmit: %w", err)}
	}
	if backoff > 0 {
		due := time.Now().Add(backoff)
		t.queue.Push(pkt, prio, due, retries)
		t.logger.Debug("transmission deferred by duty cycle",
			slog.String("packet_id", pkt.ID),
			slog.Duration("backoff", backoff),
		)
		return mesh.TransmitResult{
			Queued:            true,
			EstimatedDelivery: due,
			Err:               mesh.ErrDutyCycleExceeded,
		}
	}

	// Fragments of one packet transmit contiguously; the lock keeps
	// other packets' fragments from interleaving.
	t.txMu.Lock()
	defer t.txMu.Unlock()

	var totalAirtime time.Duration
	for i, f := range frags {
		if i > 0 {
			// Inter-fragment gap: previous airtime + 50 ms.
			gap := t.estimate(loraEnvelopeSize+frag.HeaderSize+len(frags[i-1].Payload)) + interFragmentGap
			select {
			case <-time.After(gap):
			case <-ctx.Done():
				return mesh.TransmitResult{Err: ctx.Err()}
			}
		}

		free, err := t.waitChannelFree(ctx)
		if err != nil {
			return mesh.TransmitResult{Err: fmt.Errorf("lora transmit: %w", err)}
		}
		if !free {
			t.cadBusy.Add(1)
			due := time.Now().Add(randomBusyBackoff())
			t.queue.Push(pkt, prio, due, retries)
			return mesh.TransmitResult{
				Queued:            true,
				EstimatedDelivery: due,
				Err:               mesh.ErrChannelBusy,
			}
		}

		frame := append(append(make([]byte, 0, loraEnvelopeSize+frag.HeaderSize+len(f.Payload)),
			t.identity[:]...), f.Marshal()...)
		if err := t.driver.Transmit(ctx, frame); err != nil {
			return mesh.TransmitResult{Err: fmt.Errorf("lora transmit: %w", err)}
		}

		airtime := t.estimate(len(frame))
		t.governor.LogTransmission(airtime)
		totalAirtime += airtime
	}

	t.packetsSent.Add(1)
	return mesh.TransmitResult{
		Success:           true,
		EstimatedDelivery: time.Now().Add(totalAirtime),
	}
}

// estimate computes the on-air time of a frame at the current RF profile.
func (t *Transport) estimate(bytes int) time.Duration {
	at, err := duty.EstimateAirtime(bytes, t.cfg.SpreadingFactor, t.cfg.BandwidthHz, t.cfg.CodingRate)
	if err != nil {
		return 0
	}
	return at
}

// waitChannelFree runs CSMA/CA: up to cadAttempts detections spaced
// cadRetryGap apart against cadRSSIThreshold.
func (t *Transport) waitChannelFree(ctx context.Context) (bool, error) {
	for attempt := 0; attempt < cadAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(cadRetryGap):
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}
		free, err := t.driver.ChannelFree(ctx, t.cfg.FrequencyHz, cadRSSIThreshold)
		if err != nil {
			return false, err
		}
		if free {
			return true, nil
		}
	}
	return false, nil
}

// randomBusyBackoff picks a uniform delay in [busyBackoffMin, busyBackoffMax].
func randomBusyBackoff() time.Duration {
	span := busyBackoffMax - busyBackoffMin
	return busyBackoffMin + time.Duration(rand.Int63n(int64(span)))
}

// -------------------------------------------------------------------------
// Queue Processor
// -------------------------------------------------------------------------

// queueLoop polls the transmit queue every queuePollInterval and attempts
// the head once its due time arrives. Failures re-queue with a 5 s delay;
// packets drop after 3 retries.
func (t *Transport) queueLoop(ctx context.Context) {
	ticker := time.NewTicker(queuePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				qp := t.queue.PopDue(time.Now())
				if qp == nil {
					break
				}
				t.processQueued(ctx, qp)
			}
		}
	}
}

// processQueued attempts one deferred packet.
func (t *Transport) processQueued(ctx context.Context, qp *queuedPacket) {
	res := t.transmit(ctx, qp.packet, qp.priority, qp.retries)
	if res.Success || res.Queued {
		// Queued results already re-inserted themselves with their own
		// due time (governor or busy-channel backoff).
		return
	}

	if qp.retries+1 >= maxRetries {
		t.packetsDropped.Add(1)
		t.logger.Warn("queued packet dropped",
			slog.String("packet_id", qp.packet.ID),
			slog.Int("retries", qp.retries+1),
			slog.String("error", mesh.ErrRetryExhausted.Error()),
		)
		return
	}
	t.queue.Push(qp.packet, qp.priority, time.Now().Add(retryDelay), qp.retries+1)
}

// -------------------------------------------------------------------------
// Receive
// -------------------------------------------------------------------------

// onRadioFrame parses one radio frame as envelope + fragment, feeds
// reassembly, and surfaces the rebuilt packet.
func (t *Transport) onRadioFrame(rx radio.RXPacket) {
	if len(rx.Data) < loraEnvelopeSize+frag.HeaderSize {
		t.parseErrors.Add(1)
		return
	}

	var source mesh.Hash
	copy(source[:], rx.Data[:loraEnvelopeSize])
	if source.Equal(t.identity) {
		return // our own transmission echoed back
	}

	fr, err := frag.UnmarshalFragment(rx.Data[loraEnvelopeSize:])
	if err != nil {
		t.parseErrors.Add(1)
		return
	}

	wire, err := t.frag.Defragment(fr, source)
	if err != nil {
		t.parseErrors.Add(1)
		return
	}
	if wire == nil {
		return // reassembly incomplete
	}

	pkt, err := mesh.UnmarshalPacket(wire)
	if err != nil {
		t.parseErrors.Add(1)
		return
	}
	t.packetsReceived.Add(1)

	t.mu.RLock()
	recv := t.recv
	t.mu.RUnlock()
	if recv == nil {
		return
	}

	rssi, snr := rx.RSSI, rx.SNR
	recv(pkt, mesh.TransportMetadata{
		Transport: TransportName,
		RSSI:      &rssi,
		SNR:       &snr,
		Timestamp: time.Now(),
		Hops:      pkt.Hops,
	})
}

// PruneReassembly discards expired reassembly buffers; called by the
// owner's maintenance schedule.
func (t *Transport) PruneReassembly() int {
	return t.frag.PruneExpired()
}
