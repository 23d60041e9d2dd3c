package path_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dantte-lp/gomesh/internal/mesh"
	"github.com/dantte-lp/gomesh/internal/path"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testHash(b byte) mesh.Hash {
	var h mesh.Hash
	for i := range h {
		h[i] = b
	}
	return h
}

func newFinder() *path.Pathfinder {
	return path.NewPathfinder(testHash(0xEE), discardLogger())
}

// announce feeds one announcement into the finder.
func announce(p *path.Pathfinder, from mesh.Hash, transport string, paths ...path.AnnouncedPath) {
	p.HandleAnnouncement(from, transport, mesh.TransportMetadata{
		Transport:   transport,
		Timestamp:   time.Now(),
		LinkLatency: 10 * time.Millisecond,
	}, paths)
}

func TestScoreWeights(t *testing.T) {
	t.Parallel()

	m := path.Metric{
		LatencyMs:    500,
		Reliability:  0.8,
		BandwidthBps: 1_000_000,
		EnergyCost:   2,
		HopCount:     3,
	}
	// 0.25*0.5 + 0.25*0.2*100 + 0.20*1 + 0.15*2 + 0.15*30
	want := 0.125 + 5.0 + 0.2 + 0.3 + 4.5
	assert.InDelta(t, want, m.Score(), 1e-9)
}

func TestScoreClampsLatency(t *testing.T) {
	t.Parallel()

	slow := path.Metric{LatencyMs: 60_000, Reliability: 1, BandwidthBps: 1_000_000}
	slower := path.Metric{LatencyMs: 600_000, Reliability: 1, BandwidthBps: 1_000_000}
	assert.InDelta(t, slow.Score(), slower.Score(), 1e-9, "latency normalizes to at most 10")
}

func TestScoreMonotonicity(t *testing.T) {
	t.Parallel()

	// Path A strictly better on every dimension than path B.
	a := path.Metric{LatencyMs: 50, Reliability: 0.99, BandwidthBps: 2_000_000, EnergyCost: 1, HopCount: 1}
	b := path.Metric{LatencyMs: 400, Reliability: 0.70, BandwidthBps: 1_000, EnergyCost: 3, HopCount: 4}
	assert.Less(t, a.Score(), b.Score())
}

func TestHandleAnnouncementInstallsPaths(t *testing.T) {
	t.Parallel()

	p := newFinder()
	neighbor := testHash(0x01)
	dest := testHash(0x02)

	announce(p, neighbor, "lora", path.AnnouncedPath{
		Destination:  dest,
		Hops:         1,
		LatencyMs:    100,
		Reliability:  0.9,
		BandwidthBps: 1760,
	})

	// The neighbor itself is reachable directly.
	direct := p.FindPath(neighbor, path.Constraints{})
	require.Len(t, direct, 1)
	assert.Equal(t, neighbor, direct[0].NextHop)
	assert.Equal(t, uint8(1), direct[0].Hops)

	// The announced path extends through the neighbor.
	paths := p.FindPath(dest, path.Constraints{})
	require.Len(t, paths, 1)
	assert.Equal(t, neighbor, paths[0].NextHop)
	assert.Equal(t, uint8(2), paths[0].Hops)
	assert.InDelta(t, 110.0, paths[0].Metric.LatencyMs, 1e-9, "link latency is added")
	assert.InDelta(t, 0.9*0.95, paths[0].Metric.Reliability, 1e-9, "reliability decays through the relay")

	// Our own identity is never installed as a destination.
	assert.Empty(t, p.FindPath(testHash(0xEE), path.Constraints{}))

	neighbors := p.Neighbors()
	require.Len(t, neighbors, 1)
	assert.True(t, neighbors[0].DirectLink)
}

func TestHandleAnnouncementPrefersBetterScore(t *testing.T) {
	t.Parallel()

	p := newFinder()
	dest := testHash(0x02)

	announce(p, testHash(0x01), "lora", path.AnnouncedPath{
		Destination: dest, Hops: 3, LatencyMs: 900, Reliability: 0.5, BandwidthBps: 290,
	})
	announce(p, testHash(0x03), "lora", path.AnnouncedPath{
		Destination: dest, Hops: 1, LatencyMs: 50, Reliability: 0.95, BandwidthBps: 5470,
	})

	paths := p.FindPath(dest, path.Constraints{})
	require.Len(t, paths, 1)
	assert.Equal(t, testHash(0x03), paths[0].NextHop, "the strictly better candidate replaces the entry")

	// A worse re-announcement does not displace it.
	announce(p, testHash(0x01), "lora", path.AnnouncedPath{
		Destination: dest, Hops: 3, LatencyMs: 900, Reliability: 0.5, BandwidthBps: 290,
	})
	paths = p.FindPath(dest, path.Constraints{})
	assert.Equal(t, testHash(0x03), paths[0].NextHop)
}

func TestFindPathConstraints(t *testing.T) {
	t.Parallel()

	p := newFinder()
	dest := testHash(0x02)
	announce(p, testHash(0x01), "lora", path.AnnouncedPath{
		Destination: dest, Hops: 2, LatencyMs: 400, Reliability: 0.8, BandwidthBps: 1760,
	})

	assert.Len(t, p.FindPath(dest, path.Constraints{}), 1)
	assert.Empty(t, p.FindPath(dest, path.Constraints{MinBandwidthBps: 1_000_000}))
	assert.Empty(t, p.FindPath(dest, path.Constraints{MaxLatencyMs: 100}))
	assert.Empty(t, p.FindPath(dest, path.Constraints{MaxHops: 2}), "extension adds a hop")
	assert.Len(t, p.FindPath(dest, path.Constraints{MaxHops: 3}), 1)
}

func TestFindPathSortsByScore(t *testing.T) {
	t.Parallel()

	p := newFinder()
	dest := testHash(0x02)

	// Two transports toward the same destination.
	announce(p, testHash(0x01), "lora", path.AnnouncedPath{
		Destination: dest, Hops: 1, LatencyMs: 800, Reliability: 0.7, BandwidthBps: 1760,
	})
	announce(p, testHash(0x01), "shortrange", path.AnnouncedPath{
		Destination: dest, Hops: 1, LatencyMs: 20, Reliability: 0.95, BandwidthBps: 2_000_000,
	})

	paths := p.FindPath(dest, path.Constraints{})
	require.Len(t, paths, 2)
	assert.Equal(t, "shortrange", paths[0].Transport)
	assert.LessOrEqual(t, paths[0].Metric.Score(), paths[1].Metric.Score())
}

func TestSelectTransportDecisionTable(t *testing.T) {
	t.Parallel()

	available := []string{"shortrange", "lora"}

	t.Run("no path floods", func(t *testing.T) {
		t.Parallel()
		p := newFinder()
		sel := p.SelectTransport(testHash(0x09), path.UrgencyNormal, available)
		assert.Equal(t, path.StrategyFlood, sel.Strategy)
		assert.Equal(t, available, sel.Fallbacks)
	})

	t.Run("reliable short path unicasts", func(t *testing.T) {
		t.Parallel()
		p := newFinder()
		dest := testHash(0x02)
		announce(p, testHash(0x01), "shortrange", path.AnnouncedPath{
			Destination: dest, Hops: 1, LatencyMs: 10, Reliability: 0.99, BandwidthBps: 2_000_000,
		})
		sel := p.SelectTransport(dest, path.UrgencyNormal, available)
		assert.Equal(t, path.StrategyUnicast, sel.Strategy)
		assert.Equal(t, "shortrange", sel.Primary)
	})

	t.Run("medium reliability adds fallbacks", func(t *testing.T) {
		t.Parallel()
		p := newFinder()
		dest := testHash(0x02)
		announce(p, testHash(0x01), "lora", path.AnnouncedPath{
			Destination: dest, Hops: 1, LatencyMs: 300, Reliability: 0.8, BandwidthBps: 1760,
		})
		sel := p.SelectTransport(dest, path.UrgencyNormal, available)
		assert.Equal(t, path.StrategyUnicastWithFallback, sel.Strategy)
		assert.Equal(t, "lora", sel.Primary)
		assert.Equal(t, []string{"shortrange"}, sel.Fallbacks)
	})

	t.Run("critical urgency goes multi-transport", func(t *testing.T) {
		t.Parallel()
		p := newFinder()
		dest := testHash(0x02)
		announce(p, testHash(0x01), "lora", path.AnnouncedPath{
			Destination: dest, Hops: 1, LatencyMs: 300, Reliability: 0.9, BandwidthBps: 1760,
		})
		sel := p.SelectTransport(dest, path.UrgencyCritical, available)
		assert.Equal(t, path.StrategyMultiTransport, sel.Strategy)
		r := 0.9 * 0.95
		assert.InDelta(t, 1-(1-r)*(1-r), sel.SuccessEstimate, 1e-9)
	})

	t.Run("low reliability goes multi-transport", func(t *testing.T) {
		t.Parallel()
		p := newFinder()
		dest := testHash(0x02)
		announce(p, testHash(0x01), "lora", path.AnnouncedPath{
			Destination: dest, Hops: 1, LatencyMs: 300, Reliability: 0.3, BandwidthBps: 1760,
		})
		sel := p.SelectTransport(dest, path.UrgencyNormal, available)
		assert.Equal(t, path.StrategyMultiTransport, sel.Strategy)
	})
}

func TestUpdateMetricsRefreshesEntry(t *testing.T) {
	t.Parallel()

	p := newFinder()
	dest := testHash(0x02)
	announce(p, testHash(0x01), "lora", path.AnnouncedPath{
		Destination: dest, Hops: 1, LatencyMs: 100, Reliability: 0.9, BandwidthBps: 1760,
	})

	// Three successes, one failure: reliability 0.75.
	for i := 0; i < 3; i++ {
		p.UpdateMetrics(dest, "lora", true, 40*time.Millisecond)
	}
	p.UpdateMetrics(dest, "lora", false, 0)

	paths := p.FindPath(dest, path.Constraints{})
	require.Len(t, paths, 1)
	assert.InDelta(t, 0.75, paths[0].Metric.Reliability, 1e-9)
	assert.InDelta(t, 40.0, paths[0].Metric.LatencyMs, 1e-9)
	assert.Equal(t, testHash(0x01), paths[0].NextHop, "next hop is never changed by metrics")
}

func TestShouldRelay(t *testing.T) {
	t.Parallel()

	p := newFinder()
	dest := testHash(0x02)
	announce(p, testHash(0x01), "shortrange", path.AnnouncedPath{
		Destination: dest, Hops: 1, LatencyMs: 10, Reliability: 0.95, BandwidthBps: 2_000_000,
	})

	pkt := &mesh.Packet{Destination: dest, Hops: 1, TTL: 4}
	assert.True(t, p.ShouldRelay(pkt, "lora"), "a better path on another transport exists")
	assert.False(t, p.ShouldRelay(pkt, "shortrange"), "best path is the arrival transport")

	exhausted := &mesh.Packet{Destination: dest, Hops: 4, TTL: 4}
	assert.False(t, p.ShouldRelay(exhausted, "lora"), "hops >= ttl is never relayed")

	unknown := &mesh.Packet{Destination: testHash(0x77), Hops: 0, TTL: 4}
	assert.False(t, p.ShouldRelay(unknown, "lora"), "no path means no relay")
}

func TestCreateAnnouncementLimitsHops(t *testing.T) {
	t.Parallel()

	p := newFinder()
	near := testHash(0x02)
	far := testHash(0x03)

	announce(p, testHash(0x01), "lora", path.AnnouncedPath{
		Destination: near, Hops: 1, LatencyMs: 100, Reliability: 0.9, BandwidthBps: 1760,
	})
	announce(p, testHash(0x01), "lora", path.AnnouncedPath{
		Destination: far, Hops: 3, LatencyMs: 100, Reliability: 0.9, BandwidthBps: 1760,
	})

	ann := p.CreateAnnouncement()
	dests := make(map[mesh.Hash]bool)
	for _, ap := range ann {
		dests[ap.Destination] = true
		assert.LessOrEqual(t, ap.Hops, uint8(2))
	}
	assert.True(t, dests[near])
	assert.False(t, dests[far], "paths beyond two hops are not announced")
}

func TestAnnouncementCodecRoundTrip(t *testing.T) {
	t.Parallel()

	in := []path.AnnouncedPath{
		{Destination: testHash(0x01), Hops: 1, LatencyMs: 12.5, Reliability: 0.875, BandwidthBps: 2_000_000},
		{Destination: testHash(0x02), Hops: 2, LatencyMs: 480, Reliability: 0.6, BandwidthBps: 290},
	}
	wire, err := path.MarshalAnnouncement(in)
	require.NoError(t, err)

	out, err := path.UnmarshalAnnouncement(wire)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	// Empty announcements are valid.
	wire, err = path.MarshalAnnouncement(nil)
	require.NoError(t, err)
	out, err = path.UnmarshalAnnouncement(wire)
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = path.UnmarshalAnnouncement([]byte{0x00, 0x05, 0x01})
	require.ErrorIs(t, err, path.ErrAnnounceTruncated)
}

func TestWarmStart(t *testing.T) {
	t.Parallel()

	p := newFinder()
	p.WarmStart([]path.NeighborEntry{{
		Identity:   testHash(0x42),
		Transport:  "shortrange",
		LastSeen:   time.Now(),
		DirectLink: true,
	}})
	require.Len(t, p.Neighbors(), 1)
	assert.Equal(t, testHash(0x42), p.Neighbors()[0].Identity)
}
