// Package path implements the Pathfinder: distance-vector routing over
// heterogeneous transports with link-quality scoring.
//
// The Pathfinder keeps forwarding, neighbor, and link-metric tables, all
// keyed by fixed-size hash arrays. Paths carry a composite score (lower is
// better) built from weighted normalized latency, reliability, bandwidth,
// energy cost, and hop count; transport selection follows a fixed strategy
// decision table over the best known path.
package path

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dantte-lp/gomesh/internal/mesh"
)

// -------------------------------------------------------------------------
// Constants
// -------------------------------------------------------------------------

const (
	// PathExpiry ages out forwarding and neighbor entries.
	PathExpiry = 5 * time.Minute

	// announceInterval spaces our own path announcements.
	announceInterval = 30 * time.Second

	// cleanupInterval spaces expired-entry purges.
	cleanupInterval = 60 * time.Second

	// recomputeInterval spaces link-reliability recomputation.
	recomputeInterval = 10 * time.Second

	// metricsWindow bounds the per-link sliding sample window.
	metricsWindow = 100

	// recentSamples is how many trailing samples the periodic recompute
	// considers.
	recentSamples = 10

	// announceHopLimit bounds the paths included in our announcements.
	announceHopLimit = 2

	// relayDecay is applied to reliability when extending an announced
	// path through the announcing neighbor.
	relayDecay = 0.95
)

// -------------------------------------------------------------------------
// Metric & Score
// -------------------------------------------------------------------------

// Metric describes one path's link quality.
type Metric struct {
	// LatencyMs is the expected one-way latency in milliseconds.
	LatencyMs float64

	// Reliability is the delivery probability in [0, 1].
	Reliability float64

	// BandwidthBps is the path bandwidth in bits per second.
	BandwidthBps uint64

	// EnergyCost is a relative per-packet energy figure.
	EnergyCost float64

	// HopCount is the number of relay hops.
	HopCount uint8
}

// Score collapses the metric into a scalar; lower is better.
//
//	normalized_latency = min(latency_ms / 1000, 10)
//	normalized_bw      = 1_000_000 / max(bandwidth_bps, 1)
//	score = 0.25*normalized_latency
//	      + 0.25*(1 - reliability)*100
//	      + 0.20*normalized_bw
//	      + 0.15*energy_cost
//	      + 0.15*hops*10
func (m Metric) Score() float64 {
	normLatency := m.LatencyMs / 1000
	if normLatency > 10 {
		normLatency = 10
	}
	bw := m.BandwidthBps
	if bw < 1 {
		bw = 1
	}
	normBW := 1_000_000 / float64(bw)

	return 0.25*normLatency +
		0.25*(1-m.Reliability)*100 +
		0.20*normBW +
		0.15*m.EnergyCost +
		0.15*float64(m.HopCount)*10
}

// -------------------------------------------------------------------------
// Table Entries
// -------------------------------------------------------------------------

// PathEntry is one installed route.
type PathEntry struct {
	// Destination is the route's target hash.
	Destination mesh.Hash

	// NextHop is the neighbor the packet is handed to.
	NextHop mesh.Hash

	// Transport is the transport tag carrying the first hop.
	Transport string

	// Hops is the total relay count to the destination.
	Hops uint8

	// Metric is the path quality.
	Metric Metric

	// ExpiresAt ages the entry out of the forwarding table.
	ExpiresAt time.Time
}

// Expired reports whether the entry has aged out.
func (p PathEntry) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// NeighborEntry is one directly reachable peer.
type NeighborEntry struct {
	// Identity is the neighbor's hash.
	Identity mesh.Hash

	// Transport is the transport tag the neighbor is reachable on.
	Transport string

	// LastSeen stamps the most recent traffic from the neighbor.
	LastSeen time.Time

	// DirectLink is true for one-hop adjacency.
	DirectLink bool

	// Hops is the distance to the neighbor.
	Hops uint8
}

// linkKey identifies one (transport, destination) link for metrics.
type linkKey struct {
	transport string
	dest      mesh.Hash
}

// sample is one transmission observation.
type sample struct {
	at      time.Time
	success bool
	rtt     time.Duration
}

// linkHistory is the bounded sliding window of samples for one link.
type linkHistory struct {
	samples []sample
}

// add appends a sample, evicting the oldest past the window bound.
func (h *linkHistory) add(s sample) {
	h.samples = append(h.samples, s)
	if len(h.samples) > metricsWindow {
		h.samples = h.samples[len(h.samples)-metricsWindow:]
	}
}

// stats computes (reliability, mean successful RTT) over the most recent n
// samples; n <= 0 uses the whole window.
func (h *linkHistory) stats(n int) (reliability float64, latency time.Duration) {
	s := h.samples
	if n > 0 && len(s) > n {
		s = s[len(s)-n:]
	}
	if len(s) == 0 {
		return 0, 0
	}

	successes := 0
	var rttSum time.Duration
	for _, smp := range s {
		if smp.success {
			successes++
			rttSum += smp.rtt
		}
	}
	reliability = float64(successes) / float64(len(s))
	if successes > 0 {
		latency = rttSum / time.Duration(successes)
	}
	return reliability, latency
}

// -------------------------------------------------------------------------
// Strategy Decision Table
// -------------------------------------------------------------------------

// Urgency grades a send request.
type Urgency uint8

const (
	// UrgencyLow marks a deferrable send; SelectTransport treats it like
	// UrgencyNormal.
	UrgencyLow Urgency = iota

	// UrgencyNormal is the default.
	UrgencyNormal

	// UrgencyHigh marks a time-sensitive send; SelectTransport treats it
	// like UrgencyNormal.
	UrgencyHigh

	// UrgencyCritical forces parallel transmission on every transport.
	UrgencyCritical
)

// Strategy is the transport-selection decision.
type Strategy uint8

const (
	// StrategyFlood sends on every available transport because no path
	// is known.
	StrategyFlood Strategy = iota

	// StrategyUnicast sends on the best path's transport only.
	StrategyUnicast

	// StrategyUnicastWithFallback sends on the best path's transport
	// with the others as fallback.
	StrategyUnicastWithFallback

	// StrategyMultiTransport sends on every transport in parallel.
	StrategyMultiTransport
)

// strategyNames maps strategies to human-readable strings.
var strategyNames = [4]string{
	"Flood",
	"Unicast",
	"UnicastWithFallback",
	"MultiTransport",
}

// String returns the human-readable strategy name.
func (s Strategy) String() string {
	if int(s) < len(strategyNames) {
		return strategyNames[s]
	}
	return "Unknown"
}

// Selection is the outcome of SelectTransport.
type Selection struct {
	// Strategy is the row of the decision table that fired.
	Strategy Strategy

	// Primary is the chosen transport tag, empty for flood and
	// multi-transport sends.
	Primary string

	// Fallbacks lists the remaining transports, in no particular order.
	Fallbacks []string

	// SuccessEstimate is the projected delivery probability.
	SuccessEstimate float64
}

// Constraints filters FindPath results.
type Constraints struct {
	// MinBandwidthBps drops paths below this bandwidth; 0 disables.
	MinBandwidthBps uint64

	// MaxLatencyMs drops paths above this latency; 0 disables.
	MaxLatencyMs float64

	// MaxHops drops paths beyond this hop count; 0 disables.
	MaxHops uint8
}

// permits reports whether a path satisfies the constraints.
func (c Constraints) permits(p PathEntry) bool {
	if c.MinBandwidthBps > 0 && p.Metric.BandwidthBps < c.MinBandwidthBps {
		return false
	}
	if c.MaxLatencyMs > 0 && p.Metric.LatencyMs > c.MaxLatencyMs {
		return false
	}
	if c.MaxHops > 0 && p.Hops > c.MaxHops {
		return false
	}
	return true
}

// AnnouncedPath is one path advertised in an announcement.
type AnnouncedPath struct {
	Destination  mesh.Hash
	Hops         uint8
	LatencyMs    float64
	Reliability  float64
	BandwidthBps uint64
}

// AnnounceFunc publishes our announcement on the mesh.
type AnnounceFunc func(paths []AnnouncedPath)

// -------------------------------------------------------------------------
// Pathfinder
// -------------------------------------------------------------------------

// Pathfinder owns the routing tables. Writers take short critical
// sections; reads copy snapshots out under the read lock.
type Pathfinder struct {
	identity mesh.Hash
	logger   *slog.Logger

	mu        sync.RWMutex
	forward   map[mesh.Hash]map[string]PathEntry // dest -> transport -> entry
	neighbors map[mesh.Hash]NeighborEntry
	links     map[linkKey]*linkHistory

	announceFn AnnounceFunc
}

// NewPathfinder creates a Pathfinder for the local identity.
func NewPathfinder(identity mesh.Hash, logger *slog.Logger) *Pathfinder {
	return &Pathfinder{
		identity:  identity,
		forward:   make(map[mesh.Hash]map[string]PathEntry),
		neighbors: make(map[mesh.Hash]NeighborEntry),
		links:     make(map[linkKey]*linkHistory),
		logger:    logger.With(slog.String("component", "path.finder")),
	}
}

// SetAnnounceFunc wires the announcement publisher. Must be set before
// Run for periodic announcements to go anywhere.
func (p *Pathfinder) SetAnnounceFunc(fn AnnounceFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.announceFn = fn
}

// WarmStart seeds the neighbor table from a persisted last-seen cache.
func (p *Pathfinder) WarmStart(neighbors []NeighborEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range neighbors {
		p.neighbors[n.Identity] = n
	}
}

// -------------------------------------------------------------------------
// FindPath
// -------------------------------------------------------------------------

// FindPath returns the live paths to dest satisfying the constraints,
// sorted by score ascending. Expired entries are never returned.
func (p *Pathfinder) FindPath(dest mesh.Hash, c Constraints) []PathEntry {
	now := time.Now()

	p.mu.RLock()
	var out []PathEntry
	for _, entry := range p.forward[dest] {
		if entry.Expired(now) || !c.permits(entry) {
			continue
		}
		out = append(out, entry)
	}
	p.mu.RUnlock()

	sortPathsByScore(out)
	return out
}

// sortPathsByScore orders paths best-first. Insertion sort: the per-dest
// path count is tiny (one per transport).
func sortPathsByScore(paths []PathEntry) {
	for i := 1; i < len(paths); i++ {
		for j := i; j > 0 && paths[j].Metric.Score() < paths[j-1].Metric.Score(); j-- {
			paths[j], paths[j-1] = paths[j-1], paths[j]
		}
	}
}

// -------------------------------------------------------------------------
// SelectTransport
// -------------------------------------------------------------------------

// SelectTransport applies the strategy decision table:
//
//	no path known                           -> Flood over all available
//	urgency critical or reliability < 0.4   -> MultiTransport (parallel)
//	reliability > 0.9 and hops <= 2         -> Unicast on the best path
//	reliability > 0.6                       -> Unicast with fallbacks
//	otherwise                               -> Unicast on the best path
//
// The critical row is checked before the reliability rows: a critical
// send always goes out on every transport, even when the best path would
// qualify for plain unicast.
func (p *Pathfinder) SelectTransport(dest mesh.Hash, urgency Urgency, available []string) Selection {
	paths := p.FindPath(dest, Constraints{})
	if len(paths) == 0 {
		return Selection{
			Strategy:  StrategyFlood,
			Fallbacks: available,
		}
	}

	best := paths[0]
	r := best.Metric.Reliability

	if urgency == UrgencyCritical || r < 0.4 {
		return Selection{
			Strategy:        StrategyMultiTransport,
			Fallbacks:       available,
			SuccessEstimate: 1 - (1-r)*(1-r),
		}
	}

	if r > 0.9 && best.Hops <= 2 {
		return Selection{
			Strategy:        StrategyUnicast,
			Primary:         best.Transport,
			SuccessEstimate: r,
		}
	}

	if r > 0.6 {
		return Selection{
			Strategy:        StrategyUnicastWithFallback,
			Primary:         best.Transport,
			Fallbacks:       others(available, best.Transport),
			SuccessEstimate: r,
		}
	}

	return Selection{
		Strategy:        StrategyUnicast,
		Primary:         best.Transport,
		SuccessEstimate: r,
	}
}

// others filters name out of the available list.
func others(available []string, name string) []string {
	out := make([]string, 0, len(available))
	for _, a := range available {
		if a != name {
			out = append(out, a)
		}
	}
	return out
}

// -------------------------------------------------------------------------
// UpdateMetrics
// -------------------------------------------------------------------------

// UpdateMetrics records one transmission outcome for (transport, dest),
// recomputes reliability and mean latency over the window, and refreshes
// the matching forwarding entry's metric without changing its next hop.
func (p *Pathfinder) UpdateMetrics(dest mesh.Hash, transport string, success bool, rtt time.Duration) {
	key := linkKey{transport: transport, dest: dest}

	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.links[key]
	if !ok {
		h = &linkHistory{}
		p.links[key] = h
	}
	h.add(sample{at: time.Now(), success: success, rtt: rtt})
	reliability, latency := h.stats(0)

	if byTransport, ok := p.forward[dest]; ok {
		if entry, ok := byTransport[transport]; ok {
			entry.Metric.Reliability = reliability
			entry.Metric.LatencyMs = float64(latency) / float64(time.Millisecond)
			byTransport[transport] = entry
		}
	}
}

// -------------------------------------------------------------------------
// Announcements
// -------------------------------------------------------------------------

// HandleAnnouncement processes a neighbor's announcement: the announcer is
// marked as a direct neighbor, and each announced path is extended through
// it (hops+1, latency plus the link latency, reliability decayed by 0.95)
// and installed when no live entry exists or the new score is strictly
// better.
func (p *Pathfinder) HandleAnnouncement(
	from mesh.Hash,
	transport string,
	meta mesh.TransportMetadata,
	announced []AnnouncedPath,
) {
	now := time.Now()
	linkLatencyMs := float64(meta.LinkLatency) / float64(time.Millisecond)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.neighbors[from] = NeighborEntry{
		Identity:   from,
		Transport:  transport,
		LastSeen:   now,
		DirectLink: true,
		Hops:       meta.Hops,
	}

	// The announcer itself is reachable directly.
	p.installLocked(PathEntry{
		Destination: from,
		NextHop:     from,
		Transport:   transport,
		Hops:        1,
		Metric: Metric{
			LatencyMs:    linkLatencyMs,
			Reliability:  relayDecay,
			BandwidthBps: 1, // refined by UpdateMetrics as traffic flows
			HopCount:     1,
		},
		ExpiresAt: now.Add(PathExpiry),
	})

	for _, ap := range announced {
		if ap.Destination.Equal(p.identity) {
			continue // our own reachability looped back
		}
		candidate := PathEntry{
			Destination: ap.Destination,
			NextHop:     from,
			Transport:   transport,
			Hops:        ap.Hops + 1,
			Metric: Metric{
				LatencyMs:    ap.LatencyMs + linkLatencyMs,
				Reliability:  ap.Reliability * relayDecay,
				BandwidthBps: ap.BandwidthBps,
				HopCount:     ap.Hops + 1,
			},
			ExpiresAt: now.Add(PathExpiry),
		}
		p.installLocked(candidate)
	}
}

// installLocked installs a candidate when no entry exists for its
// (destination, transport), the current one expired, or the candidate's
// score is strictly better. Caller holds the write lock.
func (p *Pathfinder) installLocked(candidate PathEntry) {
	byTransport, ok := p.forward[candidate.Destination]
	if !ok {
		byTransport = make(map[string]PathEntry)
		p.forward[candidate.Destination] = byTransport
	}

	current, exists := byTransport[candidate.Transport]
	if exists && !current.Expired(time.Now()) &&
		candidate.Metric.Score() >= current.Metric.Score() {
		// Refresh expiry on an equivalent re-announcement only.
		if candidate.NextHop == current.NextHop {
			current.ExpiresAt = candidate.ExpiresAt
			byTransport[candidate.Transport] = current
		}
		return
	}
	byTransport[candidate.Transport] = candidate
}

// CreateAnnouncement emits our best short paths (at most two hops), one
// per destination.
func (p *Pathfinder) CreateAnnouncement() []AnnouncedPath {
	now := time.Now()

	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []AnnouncedPath
	for dest, byTransport := range p.forward {
		var best *PathEntry
		for _, entry := range byTransport {
			if entry.Expired(now) || entry.Hops > announceHopLimit {
				continue
			}
			if best == nil || entry.Metric.Score() < best.Metric.Score() {
				e := entry
				best = &e
			}
		}
		if best != nil {
			out = append(out, AnnouncedPath{
				Destination:  dest,
				Hops:         best.Hops,
				LatencyMs:    best.Metric.LatencyMs,
				Reliability:  best.Metric.Reliability,
				BandwidthBps: best.Metric.BandwidthBps,
			})
		}
	}
	return out
}

// -------------------------------------------------------------------------
// ShouldRelay
// -------------------------------------------------------------------------

// ShouldRelay reports whether a unicast packet received on one transport
// is worth relaying: the TTL budget must allow it, a path to the
// destination must exist, and a better path must be known on a different
// transport than the one the packet arrived on.
func (p *Pathfinder) ShouldRelay(pkt *mesh.Packet, receivedOn string) bool {
	if pkt.Hops >= pkt.TTL {
		return false
	}

	paths := p.FindPath(pkt.Destination, Constraints{})
	if len(paths) == 0 {
		return false
	}
	best := paths[0]
	return best.Transport != receivedOn
}

// -------------------------------------------------------------------------
// Neighbors
// -------------------------------------------------------------------------

// Neighbors returns a snapshot of the live neighbor table.
func (p *Pathfinder) Neighbors() []NeighborEntry {
	now := time.Now()
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]NeighborEntry, 0, len(p.neighbors))
	for _, n := range p.neighbors {
		if now.Sub(n.LastSeen) < PathExpiry {
			out = append(out, n)
		}
	}
	return out
}

// -------------------------------------------------------------------------
// Periodic Tasks
// -------------------------------------------------------------------------

// Run drives the three periodic tasks until ctx is cancelled: announce
// every 30 s, purge every 60 s, and reliability recompute over the most
// recent 10 samples every 10 s.
func (p *Pathfinder) Run(ctx context.Context) {
	announce := time.NewTicker(announceInterval)
	cleanup := time.NewTicker(cleanupInterval)
	recompute := time.NewTicker(recomputeInterval)
	defer announce.Stop()
	defer cleanup.Stop()
	defer recompute.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-announce.C:
			p.announce()
		case <-cleanup.C:
			p.purgeExpired()
		case <-recompute.C:
			p.recomputeReliability()
		}
	}
}

// announce publishes our current short paths.
func (p *Pathfinder) announce() {
	p.mu.RLock()
	fn := p.announceFn
	p.mu.RUnlock()
	if fn == nil {
		return
	}
	fn(p.CreateAnnouncement())
}

// purgeExpired drops expired forwarding entries and stale neighbors.
func (p *Pathfinder) purgeExpired() {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	for dest, byTransport := range p.forward {
		for tag, entry := range byTransport {
			if entry.Expired(now) {
				delete(byTransport, tag)
			}
		}
		if len(byTransport) == 0 {
			delete(p.forward, dest)
		}
	}
	for id, n := range p.neighbors {
		if now.Sub(n.LastSeen) >= PathExpiry {
			delete(p.neighbors, id)
		}
	}
}

// recomputeReliability refreshes forwarding metrics from the most recent
// samples of each link.
func (p *Pathfinder) recomputeReliability() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, h := range p.links {
		reliability, latency := h.stats(recentSamples)
		if byTransport, ok := p.forward[key.dest]; ok {
			if entry, ok := byTransport[key.transport]; ok {
				entry.Metric.Reliability = reliability
				entry.Metric.LatencyMs = float64(latency) / float64(time.Millisecond)
				byTransport[key.transport] = entry
			}
		}
	}
}
