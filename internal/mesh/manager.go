package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// Manager Constants
// -------------------------------------------------------------------------

const (
	// maintenanceInterval is how often the manager prunes the dedup cache,
	// retries pending packets, and publishes aggregated status.
	maintenanceInterval = 5 * time.Second

	// pendingRetryAge is the queue age after which a pending packet is
	// retried.
	pendingRetryAge = 5 * time.Second

	// maxPendingRetries is the retry budget before a pending packet is
	// dropped.
	maxPendingRetries = 3

	// statusChSize buffers status publications so slow consumers do not
	// block the maintenance loop.
	statusChSize = 8

	// shortRangeName is the transport tag preferred for direct sends.
	shortRangeName = "shortrange"
)

// -------------------------------------------------------------------------
// PendingPacket — store-and-forward entry
// -------------------------------------------------------------------------

// pendingPacket is a reliable packet awaiting a transport.
type pendingPacket struct {
	packet   *Packet
	queuedAt time.Time
	retries  int
}

// -------------------------------------------------------------------------
// Status — aggregated manager state
// -------------------------------------------------------------------------

// Status is the aggregated transport state published to the application on
// every maintenance tick and on demand via Manager.Status.
type Status struct {
	// ShortRangeActive reports whether the short-range transport is up.
	ShortRangeActive bool

	// ShortRangePeers is the short-range transport's direct peer count.
	ShortRangePeers int

	// LongRangeActive reports whether any long-range transport is up.
	LongRangeActive bool

	// LongRangePeers is the aggregate long-range peer count.
	LongRangePeers int

	// TotalBandwidth is the sum of nominal bitrates across available
	// transports, in bits per second.
	TotalBandwidth uint64

	// PendingPackets is the store-and-forward queue depth.
	PendingPackets int
}

// -------------------------------------------------------------------------
// PacketHandler — application boundary
// -------------------------------------------------------------------------

// PacketHandler is the application's incoming-packet callback. Each packet
// fingerprint is delivered at most once.
type PacketHandler func(pkt *Packet, meta TransportMetadata)

// -------------------------------------------------------------------------
// Manager Options
// -------------------------------------------------------------------------

// ManagerOption configures optional Manager parameters.
type ManagerOption func(*Manager)

// WithManagerMetrics attaches a MetricsReporter. If mr is nil, the default
// no-op reporter is kept.
func WithManagerMetrics(mr MetricsReporter) ManagerOption {
	return func(m *Manager) {
		if mr != nil {
			m.metrics = mr
		}
	}
}

// WithDedupWindow overrides the default 60 s dedup suppression window.
func WithDedupWindow(window time.Duration) ManagerOption {
	return func(m *Manager) {
		m.dedup = newDedupCache(window)
	}
}

// -------------------------------------------------------------------------
// Manager — transport composition
// -------------------------------------------------------------------------

// Manager composes the registered transports: it selects a transport for
// each send, deduplicates received packets by fingerprint, relays
// broadcasts, and store-and-forwards reliable packets that no transport
// could carry.
//
// The manager is the sole owner of the transport list and the dedup cache.
// Transports notify upward exclusively through the receive callback wired
// at registration; there are no back-references.
type Manager struct {
	mu         sync.RWMutex
	transports []Transport
	pending    []pendingPacket
	handler    PacketHandler
	statusCh   chan Status
	stopped    bool

	dedup   *dedupCache
	metrics MetricsReporter
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a TransportManager. Transports are registered with
// AddTransport and started by StartAll or at registration time when the
// manager is already running.
func NewManager(logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		dedup:    newDedupCache(DefaultDedupWindow),
		metrics:  noopMetrics{},
		statusCh: make(chan Status, statusChSize),
		logger:   logger.With(slog.String("component", "mesh.manager")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetPacketHandler registers the application's incoming-packet callback.
// Must be set before StartAll; packets received without a handler are
// dropped after dedup stamping.
func (m *Manager) SetPacketHandler(fn PacketHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = fn
}

// StatusUpdates returns the channel on which aggregated status snapshots
// are published every maintenance tick. Publications are dropped, not
// blocked on, when the consumer falls behind.
func (m *Manager) StatusUpdates() <-chan Status {
	return m.statusCh
}

// -------------------------------------------------------------------------
// Transport Registration
// -------------------------------------------------------------------------

// AddTransport registers a transport and wires its receive callback. If the
// manager is already running, the transport is started immediately (e.g., a
// long-range radio being attached at runtime).
func (m *Manager) AddTransport(ctx context.Context, t Transport) error {
	t.SetReceiveCallback(m.onReceive)

	m.mu.Lock()
	running := m.cancel != nil && !m.stopped
	m.transports = append(m.transports, t)
	m.mu.Unlock()

	if running {
		if err := t.Start(ctx); err != nil {
			m.removeFromList(t.Name())
			return fmt.Errorf("add transport %s: %w", t.Name(), err)
		}
	}

	m.logger.Info("transport added", slog.String("transport", t.Name()))
	return nil
}

// RemoveTransport stops and unregisters the named transport (e.g., a radio
// being detached).
func (m *Manager) RemoveTransport(name string) error {
	t := m.removeFromList(name)
	if t == nil {
		return fmt.Errorf("remove transport %s: %w", name, ErrTransportNotFound)
	}
	if err := t.Stop(); err != nil {
		m.logger.Warn("transport stop failed",
			slog.String("transport", name),
			slog.String("error", err.Error()),
		)
	}
	m.logger.Info("transport removed", slog.String("transport", name))
	return nil
}

// removeFromList unlinks the named transport and returns it, or nil.
func (m *Manager) removeFromList(name string) Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.transports {
		if t.Name() == name {
			m.transports = append(m.transports[:i], m.transports[i+1:]...)
			return t
		}
	}
	return nil
}

// GetTransport returns the named transport, or nil when not registered.
func (m *Manager) GetTransport(name string) Transport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.transports {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// Lifecycle
// -------------------------------------------------------------------------

// StartAll starts every registered transport and the maintenance loop.
func (m *Manager) StartAll(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.cancel = cancel
	m.stopped = false
	m.done = make(chan struct{})
	transports := append([]Transport(nil), m.transports...)
	done := m.done
	m.mu.Unlock()

	for _, t := range transports {
		if err := t.Start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("start transport %s: %w", t.Name(), err)
		}
		m.logger.Info("transport started", slog.String("transport", t.Name()))
	}

	go func() {
		defer close(done)
		m.maintenanceLoop(runCtx)
	}()

	return nil
}

// StopAll cancels the maintenance loop and stops every transport. Pending
// packets are dropped.
func (m *Manager) StopAll() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	cancel := m.cancel
	done := m.done
	transports := append([]Transport(nil), m.transports...)
	m.pending = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	for _, t := range transports {
		if err := t.Stop(); err != nil {
			m.logger.Warn("transport stop failed",
				slog.String("transport", t.Name()),
				slog.String("error", err.Error()),
			)
		}
	}
	m.logger.Info("manager stopped")
}

// -------------------------------------------------------------------------
// Send Path
// -------------------------------------------------------------------------

// Send transmits one packet toward its destination.
//
// The fingerprint is stamped into the dedup cache before transmission so
// the sender never re-delivers its own packet when a relay echoes it back.
// Transport preference: short-range when available (high bandwidth, low
// energy), else the first available transport. With no transport available
// a reliable packet is queued; an unreliable one fails.
func (m *Manager) Send(ctx context.Context, pkt *Packet) TransmitResult {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return TransmitResult{Err: ErrManagerStopped}
	}
	m.mu.Unlock()

	if m.dedup.Observe(pkt.ID) {
		m.metrics.IncDedupHits()
		return TransmitResult{Err: fmt.Errorf("send %s: %w", pkt.ID, ErrDuplicatePacket)}
	}

	t := m.pickTransport()
	if t == nil {
		if pkt.Reliable {
			m.enqueuePending(pkt)
			return TransmitResult{Queued: true}
		}
		return TransmitResult{Err: fmt.Errorf("send %s: %w", pkt.ID, ErrTransportUnavailable)}
	}

	res := t.Transmit(ctx, pkt)
	if res.Success {
		m.metrics.IncPacketsSent(t.Name())
		return res
	}
	if !res.Queued && pkt.Reliable {
		m.enqueuePending(pkt)
		return TransmitResult{Queued: true, Err: res.Err}
	}
	return res
}

// Broadcast stamps the dedup cache and transmits the packet on every
// available transport in parallel.
func (m *Manager) Broadcast(ctx context.Context, pkt *Packet) TransmitResult {
	if m.dedup.Observe(pkt.ID) {
		m.metrics.IncDedupHits()
		return TransmitResult{Err: fmt.Errorf("broadcast %s: %w", pkt.ID, ErrDuplicatePacket)}
	}

	transports := m.availableTransports("")
	if len(transports) == 0 {
		return TransmitResult{Err: fmt.Errorf("broadcast %s: %w", pkt.ID, ErrTransportUnavailable)}
	}

	var wg sync.WaitGroup
	results := make([]TransmitResult, len(transports))
	for i, t := range transports {
		wg.Add(1)
		go func(i int, t Transport) {
			defer wg.Done()
			results[i] = t.Transmit(ctx, pkt)
			if results[i].Success {
				m.metrics.IncPacketsSent(t.Name())
			}
		}(i, t)
	}
	wg.Wait()

	for _, r := range results {
		if r.Success {
			return TransmitResult{Success: true}
		}
	}
	for _, r := range results {
		if r.Queued {
			return TransmitResult{Queued: true}
		}
	}
	return results[0]
}

// pickTransport prefers the short-range transport when available, else the
// first available transport in registration order.
func (m *Manager) pickTransport() Transport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var first Transport
	for _, t := range m.transports {
		if !t.Available() {
			continue
		}
		if t.Name() == shortRangeName {
			return t
		}
		if first == nil {
			first = t
		}
	}
	return first
}

// availableTransports returns every available transport except the named
// one (empty string excludes none).
func (m *Manager) availableTransports(except string) []Transport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Transport, 0, len(m.transports))
	for _, t := range m.transports {
		if t.Name() != except && t.Available() {
			out = append(out, t)
		}
	}
	return out
}

// enqueuePending appends a reliable packet to the store-and-forward queue.
func (m *Manager) enqueuePending(pkt *Packet) {
	m.mu.Lock()
	m.pending = append(m.pending, pendingPacket{packet: pkt, queuedAt: time.Now()})
	n := len(m.pending)
	m.mu.Unlock()

	m.metrics.SetPendingPackets(n)
	m.logger.Debug("packet queued for store-and-forward",
		slog.String("packet_id", pkt.ID),
		slog.Int("pending", n),
	)
}

// -------------------------------------------------------------------------
// Receive Path
// -------------------------------------------------------------------------

// onReceive is the callback wired into every transport. It deduplicates by
// fingerprint, delivers to the application handler, and relays broadcasts
// on every other available transport with hops+1 / ttl-1.
func (m *Manager) onReceive(pkt *Packet, meta TransportMetadata) {
	if m.dedup.Observe(pkt.ID) {
		m.metrics.IncDedupHits()
		return
	}
	m.metrics.IncPacketsReceived(meta.Transport)

	m.mu.RLock()
	handler := m.handler
	m.mu.RUnlock()

	if handler != nil {
		handler(pkt, meta)
	}

	if pkt.IsBroadcast() && pkt.Hops < pkt.TTL {
		m.relay(pkt, meta.Transport)
	}
}

// relay retransmits a broadcast on every available transport except the
// one it arrived on. Hops strictly increases and TTL strictly decreases.
func (m *Manager) relay(pkt *Packet, arrivedOn string) {
	hopped := pkt.Hopped()

	for _, t := range m.availableTransports(arrivedOn) {
		res := t.Transmit(context.Background(), hopped)
		if res.Success {
			m.metrics.IncPacketsRelayed(t.Name())
		}
	}
}

// -------------------------------------------------------------------------
// Maintenance Loop
// -------------------------------------------------------------------------

// maintenanceLoop prunes the dedup cache, retries pending packets, and
// publishes aggregated status every maintenanceInterval.
func (m *Manager) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.dedup.Prune()
			m.retryPending(ctx)
			m.publishStatus()
		}
	}
}

// retryPending re-attempts queued reliable packets whose age has reached
// pendingRetryAge, dropping them after maxPendingRetries failures.
func (m *Manager) retryPending(ctx context.Context) {
	m.mu.Lock()
	due := make([]pendingPacket, 0, len(m.pending))
	keep := m.pending[:0]
	now := time.Now()
	for _, pp := range m.pending {
		if now.Sub(pp.queuedAt) >= pendingRetryAge {
			due = append(due, pp)
		} else {
			keep = append(keep, pp)
		}
	}
	m.pending = keep
	m.mu.Unlock()

	for _, pp := range due {
		t := m.pickTransport()
		if t != nil {
			if res := t.Transmit(ctx, pp.packet); res.Success {
				m.metrics.IncPacketsSent(t.Name())
				continue
			}
		}

		pp.retries++
		if pp.retries >= maxPendingRetries {
			m.metrics.IncPacketsDropped("pending")
			m.logger.Warn("pending packet dropped",
				slog.String("packet_id", pp.packet.ID),
				slog.Int("retries", pp.retries),
				slog.String("error", ErrRetryExhausted.Error()),
			)
			continue
		}
		pp.queuedAt = time.Now()
		m.mu.Lock()
		m.pending = append(m.pending, pp)
		m.mu.Unlock()
	}

	m.mu.RLock()
	n := len(m.pending)
	m.mu.RUnlock()
	m.metrics.SetPendingPackets(n)
}

// publishStatus recomputes the aggregated status and publishes it without
// blocking.
func (m *Manager) publishStatus() {
	st := m.Status()
	select {
	case m.statusCh <- st:
	default:
	}
}

// Status recomputes the aggregated transport status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var st Status
	st.PendingPackets = len(m.pending)
	for _, t := range m.transports {
		if !t.Available() {
			continue
		}
		tm := t.Metrics()
		st.TotalBandwidth += tm.BitrateBps
		if t.Name() == shortRangeName {
			st.ShortRangeActive = true
			st.ShortRangePeers = tm.PeerCount
		} else {
			st.LongRangeActive = true
			st.LongRangePeers += tm.PeerCount
		}
	}
	return st
}
