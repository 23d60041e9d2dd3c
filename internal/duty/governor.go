// Package duty enforces regulatory airtime limits for the long-range radio.
//
// Sub-GHz ISM bands cap the fraction of time a device may occupy the
// channel. The governor keeps a rolling one-hour record of transmissions
// and answers, before each send, how long the caller must defer to stay
// within the limit of the band containing the current frequency.
package duty

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// Regulatory Bands
// -------------------------------------------------------------------------

// Band is one frequency range with a duty-cycle limit.
type Band struct {
	// Name identifies the band in logs and metrics.
	Name string

	// MinHz and MaxHz bound the band, inclusive.
	MinHz uint64
	MaxHz uint64

	// Limit is the permitted airtime fraction over the measurement
	// window (0.01 = 1%).
	Limit float64
}

// Contains reports whether freq falls inside the band.
func (b Band) Contains(freqHz uint64) bool {
	return freqHz >= b.MinHz && freqHz <= b.MaxHz
}

// Region is a regulatory profile: a named set of bands. One profile is
// active at a time.
type Region struct {
	// Name is the profile identifier (e.g., "eu868").
	Name string

	// Bands are the duty-cycle-limited sub-bands of the region.
	Bands []Band
}

// EU868 is the default regulatory profile: 1% on the main band, 0.1% on
// the middle band, 10% on the top band.
func EU868() Region {
	return Region{
		Name: "eu868",
		Bands: []Band{
			{Name: "g1", MinHz: 868_000_000, MaxHz: 868_600_000, Limit: 0.01},
			{Name: "g2", MinHz: 868_700_000, MaxHz: 869_200_000, Limit: 0.001},
			{Name: "g3", MinHz: 869_400_000, MaxHz: 869_650_000, Limit: 0.10},
		},
	}
}

// -------------------------------------------------------------------------
// Governor Errors
// -------------------------------------------------------------------------

var (
	// ErrUnknownBand indicates the frequency falls outside every band of
	// the active region.
	ErrUnknownBand = errors.New("frequency outside all regulatory bands")

	// ErrInvalidSpreadingFactor indicates an SF outside 7..12.
	ErrInvalidSpreadingFactor = errors.New("spreading factor must be 7..12")

	// ErrInvalidCodingRate indicates a coding-rate denominator outside 5..8.
	ErrInvalidCodingRate = errors.New("coding rate denominator must be 5..8")
)

// -------------------------------------------------------------------------
// Airtime Estimation — LoRa symbol equation
// -------------------------------------------------------------------------

// DefaultPreambleSymbols is the preamble length assumed by the airtime
// estimate, matching the radio profile default.
const DefaultPreambleSymbols = 16

// EstimateAirtime computes the on-air duration of a payload from the LoRa
// symbol equation:
//
//	Tsym     = 2^SF / BW
//	preamble = (preambleSymbols + 4.25) * Tsym
//	nPayload = 8 + max(ceil((8N - 4SF + 28 + 16) / (4SF)) * (CRden), 0)
//	airtime  = preamble + nPayload * Tsym
//
// where N is the payload size in bytes and CRden is the coding-rate
// denominator (5..8). Low-data-rate optimization is not modeled; the
// estimate errs slightly low at SF11/SF12, which the governor absorbs by
// logging actual airtime after transmission.
func EstimateAirtime(payloadBytes int, sf uint8, bandwidthHz uint32, crDen uint8) (time.Duration, error) {
	if sf < 7 || sf > 12 {
		return 0, fmt.Errorf("estimate airtime: sf %d: %w", sf, ErrInvalidSpreadingFactor)
	}
	if crDen < 5 || crDen > 8 {
		return 0, fmt.Errorf("estimate airtime: cr 4/%d: %w", crDen, ErrInvalidCodingRate)
	}

	tSym := math.Pow(2, float64(sf)) / float64(bandwidthHz) // seconds per symbol

	preamble := (float64(DefaultPreambleSymbols) + 4.25) * tSym

	num := 8*float64(payloadBytes) - 4*float64(sf) + 28 + 16
	// Ceil multiplier is CR_den (= CR + 4), the standard symbol equation:
	// airtime grows as the coding rate drops to 4/8.
	nPayload := 8 + math.Max(math.Ceil(num/(4*float64(sf)))*float64(crDen), 0)

	total := preamble + nPayload*tSym
	return time.Duration(total * float64(time.Second)), nil
}

// -------------------------------------------------------------------------
// Governor
// -------------------------------------------------------------------------

// Window is the duty-cycle measurement window.
const Window = time.Hour

// record is one logged transmission.
type record struct {
	at      time.Duration // monotonic offset from governor origin
	airtime time.Duration
}

// MetricsReporter receives airtime and deferral events for export. The
// concrete implementation lives in internal/metrics; a no-op reporter is
// used when none is attached.
type MetricsReporter interface {
	AddAirtime(ms float64)
	IncDutyCycleDeferral()
}

// noopMetrics is the default MetricsReporter.
type noopMetrics struct{}

func (noopMetrics) AddAirtime(float64)    {}
func (noopMetrics) IncDutyCycleDeferral() {}

// Option configures optional Governor parameters.
type Option func(*Governor)

// WithMetrics attaches a MetricsReporter. If mr is nil, the default no-op
// reporter is kept.
func WithMetrics(mr MetricsReporter) Option {
	return func(g *Governor) {
		if mr != nil {
			g.metrics = mr
		}
	}
}

// Governor tracks logged airtime over a rolling window and computes the
// deferral needed before the next transmission. All timestamps are
// monotonic offsets so wall-clock steps cannot corrupt the window.
//
// Invariant: over any rolling window, the sum of logged airtimes divided
// by the window never exceeds the limit of the band containing the
// current frequency.
type Governor struct {
	mu      sync.Mutex
	region  Region
	freqHz  uint64
	origin  time.Time
	records []record

	totalAirtime time.Duration // lifetime sum, for metrics
	deferrals    uint64
	metrics      MetricsReporter
}

// NewGovernor creates a governor for the given region, initially tuned to
// freqHz.
func NewGovernor(region Region, freqHz uint64, opts ...Option) *Governor {
	g := &Governor{
		region:  region,
		freqHz:  freqHz,
		origin:  time.Now(),
		metrics: noopMetrics{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetFrequency retunes the governor to a new current frequency. Logged
// records are kept; the band limit applied is always that of the current
// frequency.
func (g *Governor) SetFrequency(freqHz uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.freqHz = freqHz
}

// band returns the band containing the current frequency.
func (g *Governor) band() (Band, error) {
	for _, b := range g.region.Bands {
		if b.Contains(g.freqHz) {
			return b, nil
		}
	}
	return Band{}, fmt.Errorf("governor: %d Hz in region %s: %w", g.freqHz, g.region.Name, ErrUnknownBand)
}

// now returns the monotonic offset since the governor origin.
func (g *Governor) now() time.Duration {
	return time.Since(g.origin)
}

// prune drops records older than the window. Caller holds the lock.
func (g *Governor) prune(mono time.Duration) {
	cut := 0
	for cut < len(g.records) && mono-g.records[cut].at >= Window {
		cut++
	}
	if cut > 0 {
		g.records = append(g.records[:0], g.records[cut:]...)
	}
}

// used returns the airtime currently inside the window. Caller holds the lock.
func (g *Governor) used() time.Duration {
	var sum time.Duration
	for _, r := range g.records {
		sum += r.airtime
	}
	return sum
}

// Backoff returns how long the caller must wait before transmitting a
// payload of the given size, or 0 when the projected usage stays within
// the band limit. When deferral is required, the returned duration is the
// earliest point at which enough records age out of the window for the
// projected usage to fit.
//
// Policy: the caller must re-queue the deferred packet with
// due = now + backoff.
func (g *Governor) Backoff(payloadBytes int, sf uint8, bandwidthHz uint32, crDen uint8) (time.Duration, error) {
	est, err := EstimateAirtime(payloadBytes, sf, bandwidthHz, crDen)
	if err != nil {
		return 0, err
	}
	return g.BackoffAirtime(est)
}

// BackoffAirtime is Backoff for a pre-estimated airtime.
func (g *Governor) BackoffAirtime(est time.Duration) (time.Duration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	band, err := g.band()
	if err != nil {
		return 0, err
	}

	mono := g.now()
	g.prune(mono)

	budget := time.Duration(float64(Window) * band.Limit)
	used := g.used()
	if used+est <= budget {
		return 0, nil
	}

	// Walk records oldest-first until enough airtime has aged out.
	// Record i leaves the window at records[i].at + Window.
	excess := used + est - budget
	var freed time.Duration
	for _, r := range g.records {
		freed += r.airtime
		if freed >= excess {
			wait := r.at + Window - mono
			if wait < 0 {
				wait = 0
			}
			g.deferrals++
			g.metrics.IncDutyCycleDeferral()
			return wait, nil
		}
	}

	// The estimate alone exceeds the whole budget; wait out the window.
	g.deferrals++
	g.metrics.IncDutyCycleDeferral()
	return Window, nil
}

// LogTransmission records airtime actually spent on the air.
func (g *Governor) LogTransmission(airtime time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	mono := g.now()
	g.prune(mono)
	g.records = append(g.records, record{at: mono, airtime: airtime})
	g.totalAirtime += airtime
	g.metrics.AddAirtime(float64(airtime) / float64(time.Millisecond))
}

// Usage returns the fraction of the window currently used against the
// active band's limit, and that limit. A usage of 1.0 means the budget is
// exhausted.
func (g *Governor) Usage() (used float64, limit float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	band, err := g.band()
	if err != nil {
		return 0, 0
	}
	g.prune(g.now())
	budget := time.Duration(float64(Window) * band.Limit)
	if budget == 0 {
		return 0, band.Limit
	}
	return float64(g.used()) / float64(budget), band.Limit
}

// Deferrals returns how many transmissions the governor has deferred.
func (g *Governor) Deferrals() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.deferrals
}

// TotalAirtime returns the lifetime sum of logged airtime.
func (g *Governor) TotalAirtime() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.totalAirtime
}
