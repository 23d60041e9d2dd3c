package fmp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dantte-lp/gomesh/internal/mesh"
	"github.com/dantte-lp/gomesh/internal/radio"
)

// -------------------------------------------------------------------------
// Transport Constants
// -------------------------------------------------------------------------

const (
	// TransportName is the transport tag.
	TransportName = "fmp"

	// AnnounceInterval is how often we broadcast our identity. The first
	// announce is emitted immediately on Start.
	AnnounceInterval = 5 * time.Minute

	// PathTTL expires forwarding-table and known-destination entries.
	PathTTL = 10 * time.Minute

	// RelayHopLimit stops relaying FMP data packets at this hop count.
	RelayHopLimit = 8

	// chunkSize bounds each radio write for large serializations. This
	// is application-layer chunking, independent of the Fragmenter; the
	// wire recipient's frame parser accumulates the pieces.
	chunkSize = 200

	// chunkGap separates consecutive chunked radio writes.
	chunkGap = 100 * time.Millisecond

	// rxChSize buffers frames between the radio callback and the
	// draining task.
	rxChSize = 32

	// nominalBitrateBps and nominalReliability describe the long-range
	// link to the pathfinder when no measurement exists yet.
	nominalBitrateBps  = 1760 // SF9/BW125
	nominalReliability = 0.75
)

// ErrNotStarted indicates Transmit before Start.
var ErrNotStarted = errors.New("fmp transport not started")

// MetricsReporter receives announce events for export. The concrete
// implementation lives in internal/metrics; a no-op reporter is used when
// none is attached.
type MetricsReporter interface {
	IncAnnounceSent()
	IncAnnounceReceived()
}

// noopMetrics is the default MetricsReporter.
type noopMetrics struct{}

func (noopMetrics) IncAnnounceSent()     {}
func (noopMetrics) IncAnnounceReceived() {}

// -------------------------------------------------------------------------
// Tables
// -------------------------------------------------------------------------

// forwardingEntry is one learned route to an FMP destination.
type forwardingEntry struct {
	destination mesh.Hash
	nextHop     mesh.Hash
	hops        uint8
	expiresAt   time.Time
}

// destEntry is one known FMP destination with its announced key and the
// signal quality it was last heard at.
type destEntry struct {
	hash      mesh.Hash
	publicKey [PublicKeySize]byte
	lastSeen  time.Time
	hops      uint8
	rssi      float64
	snr       float64
}

// -------------------------------------------------------------------------
// Transport
// -------------------------------------------------------------------------

// Transport bridges the Foreign Mesh Protocol to the universal packet
// model over a long-range radio driver. It owns a 16-byte identity,
// announces it every AnnounceInterval, learns destinations from received
// announces, and relays foreign data packets within the hop limit.
type Transport struct {
	driver   radio.Driver
	identity mesh.Hash
	pubKey   [PublicKeySize]byte
	logger   *slog.Logger
	metrics  MetricsReporter

	mu         sync.RWMutex
	forwarding map[mesh.Hash]forwardingEntry
	known      map[mesh.Hash]destEntry
	recv       mesh.ReceiveFunc
	started    bool

	rxCh   chan radio.RXPacket
	cancel context.CancelFunc
	done   chan struct{}

	announcesSent     atomic.Uint64
	announcesReceived atomic.Uint64
	packetsRelayed    atomic.Uint64
	parseErrors       atomic.Uint64
	packetsSent       atomic.Uint64
	packetsReceived   atomic.Uint64
}

// Option configures optional Transport parameters.
type Option func(*Transport)

// WithIdentity injects a persisted identity instead of generating a fresh
// random one. Peers make no continuity assumption either way.
func WithIdentity(id mesh.Hash) Option {
	return func(t *Transport) {
		t.identity = id
	}
}

// WithPublicKey sets the public key carried in announces.
func WithPublicKey(pk [PublicKeySize]byte) Option {
	return func(t *Transport) {
		t.pubKey = pk
	}
}

// WithMetrics attaches a MetricsReporter. If mr is nil, the default no-op
// reporter is kept.
func WithMetrics(mr MetricsReporter) Option {
	return func(t *Transport) {
		if mr != nil {
			t.metrics = mr
		}
	}
}

// NewTransport creates an FMP transport over the given radio driver. The
// identity is 16 random bytes unless WithIdentity supplies a persisted one.
func NewTransport(driver radio.Driver, logger *slog.Logger, opts ...Option) (*Transport, error) {
	t := &Transport{
		driver:     driver,
		forwarding: make(map[mesh.Hash]forwardingEntry),
		known:      make(map[mesh.Hash]destEntry),
		rxCh:       make(chan radio.RXPacket, rxChSize),
		metrics:    noopMetrics{},
		logger:     logger.With(slog.String("component", "fmp.transport")),
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.identity.IsZero() {
		var id mesh.Hash
		if _, err := rand.Read(id[:]); err != nil {
			return nil, fmt.Errorf("new fmp transport: generate identity: %w", err)
		}
		t.identity = id
	}
	if t.identity.IsBroadcast() {
		return nil, fmt.Errorf("new fmp transport: %w", mesh.ErrBroadcastSource)
	}

	t.logger = t.logger.With(slog.String("identity", t.identity.Short()))
	return t, nil
}

// Identity returns the transport's 16-byte identity hash.
func (t *Transport) Identity() mesh.Hash {
	return t.identity
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

// Available reports whether the underlying radio is connected.
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

// Start wires the radio receive path, launches the frame-draining and
// announce tasks, and emits the first announce immediately.
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
		return fmt.Errorf("start fmp transport: %w", err)
	}

	go func() {
		defer close(done)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); t.drainLoop(runCtx) }()
		go func() { defer wg.Done(); t.announceLoop(runCtx) }()
		wg.Wait()
	}()

	t.logger.Info("fmp transport started")
	return nil
}

// Stop cancels background tasks. The radio driver is owned by the caller
// and is not stopped here.
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
	t.logger.Info("fmp transport stopped")
	return nil
}

// Metrics returns a snapshot of transport counters.
func (t *Transport) Metrics() mesh.TransportMetrics {
	t.mu.RLock()
	peers := len(t.known)
	t.mu.RUnlock()

	return mesh.TransportMetrics{
		PacketsSent:     t.packetsSent.Load(),
		PacketsReceived: t.packetsReceived.Load(),
		ParseErrors:     t.parseErrors.Load(),
		BitrateBps:      nominalBitrateBps,
		Reliability:     nominalReliability,
		PeerCount:       peers,
	}
}

// Stats returns FMP-specific counters.
func (t *Transport) Stats() (announcesSent, announcesReceived, relayed uint64) {
	return t.announcesSent.Load(), t.announcesReceived.Load(), t.packetsRelayed.Load()
}

// -------------------------------------------------------------------------
// Outbound — mesh packet to FMP
// -------------------------------------------------------------------------

// Transmit converts a mesh packet to FMP and writes it to the radio. A
// broadcast destination maps to destination type Plain; anything else to
// Single. The transport_id on outbound packets is our identity.
func (t *Transport) Transmit(ctx context.Context, pkt *mesh.Packet) mesh.TransmitResult {
	if !t.Available() {
		return mesh.TransmitResult{Err: fmt.Errorf("fmp transmit: %w", mesh.ErrTransportUnavailable)}
	}

	destType := DestSingle
	if pkt.IsBroadcast() {
		destType = DestPlain
	}

	fp := &Packet{
		Type:        TypeData,
		DestType:    destType,
		Hops:        pkt.Hops & 0x0F,
		Context:     0,
		Destination: pkt.Destination,
		TransportID: t.identity,
		Payload:     pkt.Payload,
	}

	if err := t.writeWire(ctx, fp.Marshal()); err != nil {
		return mesh.TransmitResult{Err: err}
	}
	t.packetsSent.Add(1)
	return mesh.TransmitResult{Success: true, EstimatedDelivery: time.Now()}
}

// writeWire writes serialized FMP bytes to the radio, splitting large
// serializations into chunkSize writes separated by chunkGap.
func (t *Transport) writeWire(ctx context.Context, wire []byte) error {
	for off := 0; off < len(wire); off += chunkSize {
		end := off + chunkSize
		if end > len(wire) {
			end = len(wire)
		}
		if off > 0 {
			select {
			case <-time.After(chunkGap):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := t.driver.Transmit(ctx, wire[off:end]); err != nil {
			return fmt.Errorf("fmp write: %w", err)
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// Announce
// -------------------------------------------------------------------------

// announceLoop emits an announce immediately and then every
// AnnounceInterval, pruning expired table entries on each tick.
func (t *Transport) announceLoop(ctx context.Context) {
	t.sendAnnounce(ctx)

	ticker := time.NewTicker(AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.pruneTables()
			t.sendAnnounce(ctx)
		}
	}
}

// sendAnnounce broadcasts our identity and public key.
func (t *Transport) sendAnnounce(ctx context.Context) {
	ann := Announce{
		IdentityHash: t.identity,
		PublicKey:    t.pubKey,
	}
	fp := &Packet{
		Type:        TypeAnnounce,
		DestType:    DestPlain,
		Destination: mesh.Broadcast,
		TransportID: t.identity,
		Payload:     ann.Marshal(),
	}

	if err := t.writeWire(ctx, fp.Marshal()); err != nil {
		t.logger.Warn("announce failed", slog.String("error", err.Error()))
		return
	}
	t.announcesSent.Add(1)
	t.metrics.IncAnnounceSent()
	t.logger.Debug("announce sent")
}

// pruneTables drops expired forwarding and destination entries.
func (t *Transport) pruneTables() {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.forwarding {
		if now.After(e.expiresAt) {
			delete(t.forwarding, k)
		}
	}
	for k, e := range t.known {
		if now.Sub(e.lastSeen) > PathTTL {
			delete(t.known, k)
		}
	}
}

// -------------------------------------------------------------------------
// Inbound — radio frames to mesh packets
// -------------------------------------------------------------------------

// onRadioFrame is the radio driver's RX callback. It must not block; the
// frame is queued for the draining task and dropped when the queue is
// full.
func (t *Transport) onRadioFrame(pkt radio.RXPacket) {
	select {
	case t.rxCh <- pkt:
	default:
		t.logger.Debug("rx queue full, dropping frame")
	}
}

// drainLoop consumes queued radio frames on a dedicated task.
func (t *Transport) drainLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rx := <-t.rxCh:
			t.handleFrame(ctx, rx)
		}
	}
}

// handleFrame parses one radio frame as FMP and classifies it by type.
// Parse failures are counted, never propagated.
func (t *Transport) handleFrame(ctx context.Context, rx radio.RXPacket) {
	fp, err := Unmarshal(rx.Data)
	if err != nil {
		t.parseErrors.Add(1)
		return
	}

	switch fp.Type {
	case TypeAnnounce:
		t.handleAnnounce(fp, rx)

	case TypeData:
		t.handleData(ctx, fp, rx)

	case TypeLinkRequest, TypeProof:
		// Reserved link establishment machinery; deferred.

	default:
		t.parseErrors.Add(1)
	}
}

// handleAnnounce records the announcing node in known destinations and the
// forwarding table. The next hop is the packet's transport_id: the node
// that put the announce on the air, which may be a relay rather than the
// announcer itself.
func (t *Transport) handleAnnounce(fp *Packet, rx radio.RXPacket) {
	ann, err := UnmarshalAnnounce(fp.Payload)
	if err != nil {
		t.parseErrors.Add(1)
		return
	}
	if ann.IdentityHash.Equal(t.identity) {
		return // our own announce echoed back
	}

	now := time.Now()
	t.mu.Lock()
	t.known[ann.IdentityHash] = destEntry{
		hash:      ann.IdentityHash,
		publicKey: ann.PublicKey,
		lastSeen:  now,
		hops:      fp.Hops,
		rssi:      rx.RSSI,
		snr:       rx.SNR,
	}
	t.forwarding[ann.IdentityHash] = forwardingEntry{
		destination: ann.IdentityHash,
		nextHop:     fp.TransportID,
		hops:        fp.Hops,
		expiresAt:   now.Add(PathTTL),
	}
	t.mu.Unlock()

	t.announcesReceived.Add(1)
	t.metrics.IncAnnounceReceived()
	t.logger.Debug("announce received",
		slog.String("identity", ann.IdentityHash.Short()),
		slog.Int("hops", int(fp.Hops)),
	)
}

// handleData delivers packets addressed to us (or broadcast) and relays
// the rest while the hop limit allows. Broadcast is deliver-only here:
// the foreign mesh floods its own broadcasts, and cross-transport
// propagation belongs to the TransportManager.
func (t *Transport) handleData(ctx context.Context, fp *Packet, rx radio.RXPacket) {
	if fp.Destination.Equal(t.identity) || fp.IsBroadcast() {
		t.deliver(fp, rx)
		return
	}

	// Relay: hop-limited, never our own transmissions.
	if fp.Hops >= RelayHopLimit || fp.TransportID.Equal(t.identity) {
		return
	}
	relayed := fp.Hop()
	relayed.TransportID = t.identity
	if err := t.writeWire(ctx, relayed.Marshal()); err != nil {
		t.logger.Warn("relay failed", slog.String("error", err.Error()))
		return
	}
	t.packetsRelayed.Add(1)
}

// deliver converts an FMP data packet to the universal model and
// dispatches it upward with link metadata.
func (t *Transport) deliver(fp *Packet, rx radio.RXPacket) {
	t.mu.RLock()
	recv := t.recv
	t.mu.RUnlock()
	if recv == nil {
		return
	}

	t.packetsReceived.Add(1)

	pkt := &mesh.Packet{
		ID:          deriveID(fp),
		Source:      fp.TransportID,
		Destination: fp.Destination,
		Type:        mesh.TypeData,
		Payload:     fp.Payload,
		Hops:        fp.Hops,
		TTL:         mesh.DefaultTTL,
	}

	rssi, snr := rx.RSSI, rx.SNR
	recv(pkt, mesh.TransportMetadata{
		Transport: TransportName,
		RSSI:      &rssi,
		SNR:       &snr,
		Timestamp: time.Now(),
		Hops:      fp.Hops,
	})
}

// deriveID builds a deterministic mesh fingerprint for a foreign packet.
// FMP carries no packet ID, so the fingerprint is derived from the fields
// that survive relay (destination, context, payload); replays of the same
// foreign packet then collapse in the manager's dedup cache.
func deriveID(fp *Packet) string {
	h := fnv.New64a()
	h.Write(fp.Destination[:])
	h.Write([]byte{fp.Context})
	h.Write(fp.Payload)
	return fmt.Sprintf("%016x", h.Sum64())
}

// -------------------------------------------------------------------------
// Table Accessors
// -------------------------------------------------------------------------

// KnownDestination is a read-only view of one learned FMP destination.
type KnownDestination struct {
	Hash      mesh.Hash
	PublicKey [PublicKeySize]byte
	LastSeen  time.Time
	Hops      uint8
	RSSI      float64
	SNR       float64
}

// KnownDestinations returns a snapshot of the learned destinations.
func (t *Transport) KnownDestinations() []KnownDestination {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]KnownDestination, 0, len(t.known))
	for _, e := range t.known {
		out = append(out, KnownDestination{
			Hash:      e.hash,
			PublicKey: e.publicKey,
			LastSeen:  e.lastSeen,
			Hops:      e.hops,
			RSSI:      e.rssi,
			SNR:       e.snr,
		})
	}
	return out
}

// NextHop returns the learned next hop toward dest, if a live forwarding
// entry exists.
func (t *Transport) NextHop(dest mesh.Hash) (mesh.Hash, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.forwarding[dest]
	if !ok || time.Now().After(e.expiresAt) {
		return mesh.Hash{}, false
	}
	return e.nextHop, true
}
