package commands

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.bug.st/serial"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/dantte-lp/gomesh/internal/config"
	"github.com/dantte-lp/gomesh/internal/duty"
	"github.com/dantte-lp/gomesh/internal/fmp"
	"github.com/dantte-lp/gomesh/internal/lora"
	"github.com/dantte-lp/gomesh/internal/mesh"
	meshmetrics "github.com/dantte-lp/gomesh/internal/metrics"
	"github.com/dantte-lp/gomesh/internal/noise"
	"github.com/dantte-lp/gomesh/internal/path"
	"github.com/dantte-lp/gomesh/internal/radio"
	appversion "github.com/dantte-lp/gomesh/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics HTTP server
// to drain during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// errUnknownDriver indicates a radio device whose USB ID matches no driver
// family and KISS was not forced.
var errUnknownDriver = errors.New("no radio driver for USB id; set radio.kiss to force KISS")

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the mesh daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

// runDaemon wires the whole stack: config, logging, metrics, identity,
// radio drivers, transports, routing, and handshakes, supervised by an
// errgroup with a signal-aware context.
func runDaemon(parent context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLogger(cfg.Log, logLevel)

	logger.Info("gomesh starting",
		slog.String("version", appversion.Version),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.String("region", cfg.Radio.Region),
	)

	reg := prometheus.NewRegistry()
	collector := meshmetrics.NewCollector(reg)

	identity, err := loadIdentity(cfg.Mesh.IdentityFile)
	if err != nil {
		return err
	}
	staticKey, err := loadStaticKey(cfg.Noise.StaticKeyFile)
	if err != nil {
		return err
	}
	logger.Info("node identity", slog.String("identity", identity.Short()))

	mgr := mesh.NewManager(logger,
		mesh.WithManagerMetrics(collector),
		mesh.WithDedupWindow(cfg.Mesh.DedupWindow),
	)
	finder := path.NewPathfinder(identity, logger)
	if err := warmStartNeighbors(cfg.Mesh.NeighborCache, finder, logger); err != nil {
		return err
	}

	hs := noise.NewManager(identity, staticKey, handshakeSender(mgr, identity), logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver, err := setupRadio(ctx, cfg, identity, hs, mgr, collector, logger)
	if err != nil {
		return err
	}
	if driver != nil {
		defer stopDriver(driver, logger)
	}

	wirePacketHandler(ctx, mgr, finder, hs, identity, logger)
	wireAnnouncer(ctx, mgr, finder, identity, logger)

	if cfg.ShortRange.Enable {
		// The short-range mesh stack is injected by the hosting platform;
		// the standalone daemon has none.
		logger.Warn("shortrange.enable set but no platform short-range stack is linked in")
	}

	if err := mgr.StartAll(ctx); err != nil {
		return fmt.Errorf("start transports: %w", err)
	}
	defer mgr.StopAll()

	g, gCtx := errgroup.WithContext(ctx)

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error {
		finder.Run(gCtx)
		return nil
	})
	g.Go(func() error {
		hs.Run(gCtx)
		return nil
	})
	g.Go(func() error {
		consumeRekeySignals(gCtx, hs, collector, logger)
		return nil
	})
	g.Go(func() error {
		logStatus(gCtx, mgr, hs, collector, logger)
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		return shutdownMetrics(metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run daemon: %w", err)
	}
	logger.Info("gomesh stopped")
	return nil
}

// newLogger builds the slog logger from config.
func newLogger(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// -------------------------------------------------------------------------
// Identity & static key
// -------------------------------------------------------------------------

// loadIdentity reads the persisted 16-byte identity (hex) or generates a
// fresh random one. Identity continuity across restarts is optional; peers
// make no assumption either way.
func loadIdentity(file string) (mesh.Hash, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err == nil {
			id, perr := mesh.ParseHash(strings.TrimSpace(string(data)))
			if perr != nil {
				return mesh.Hash{}, fmt.Errorf("identity file %s: %w", file, perr)
			}
			return id, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return mesh.Hash{}, fmt.Errorf("read identity file: %w", err)
		}
	}

	var id mesh.Hash
	if _, err := rand.Read(id[:]); err != nil {
		return mesh.Hash{}, fmt.Errorf("generate identity: %w", err)
	}
	if file != "" {
		if err := os.WriteFile(file, []byte(id.Hex()+"\n"), 0o600); err != nil {
			return mesh.Hash{}, fmt.Errorf("persist identity: %w", err)
		}
	}
	return id, nil
}

// loadStaticKey reads the persisted long-term private key (hex) or
// generates a fresh one.
func loadStaticKey(file string) (noise.PrivateKey, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err == nil {
			raw, derr := hex.DecodeString(strings.TrimSpace(string(data)))
			if derr != nil || len(raw) != noise.KeySize {
				return noise.PrivateKey{}, fmt.Errorf("static key file %s: malformed key", file)
			}
			var sk noise.PrivateKey
			copy(sk[:], raw)
			return sk, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return noise.PrivateKey{}, fmt.Errorf("read static key file: %w", err)
		}
	}

	sk, err := noise.NewPrivateKey()
	if err != nil {
		return noise.PrivateKey{}, err
	}
	if file != "" {
		if err := os.WriteFile(file, []byte(hex.EncodeToString(sk[:])+"\n"), 0o600); err != nil {
			return noise.PrivateKey{}, fmt.Errorf("persist static key: %w", err)
		}
	}
	return sk, nil
}

// -------------------------------------------------------------------------
// Neighbor cache warm start
// -------------------------------------------------------------------------

// neighborCacheEntry is one last-seen neighbor persisted between runs.
type neighborCacheEntry struct {
	Identity  string    `yaml:"identity"`
	Transport string    `yaml:"transport"`
	LastSeen  time.Time `yaml:"last_seen"`
	Hops      uint8     `yaml:"hops"`
}

// warmStartNeighbors seeds the Pathfinder from the optional last-seen
// neighbor cache. A missing file is not an error.
func warmStartNeighbors(file string, finder *path.Pathfinder, logger *slog.Logger) error {
	if file == "" {
		return nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read neighbor cache: %w", err)
	}

	var entries []neighborCacheEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse neighbor cache %s: %w", file, err)
	}

	neighbors := make([]path.NeighborEntry, 0, len(entries))
	for _, e := range entries {
		id, err := mesh.ParseHash(e.Identity)
		if err != nil {
			logger.Warn("skipping malformed neighbor cache entry",
				slog.String("identity", e.Identity),
				slog.String("error", err.Error()),
			)
			continue
		}
		neighbors = append(neighbors, path.NeighborEntry{
			Identity:   id,
			Transport:  e.Transport,
			LastSeen:   e.LastSeen,
			DirectLink: true,
			Hops:       e.Hops,
		})
	}
	finder.WarmStart(neighbors)
	if len(neighbors) > 0 {
		logger.Info("pathfinder warm-started", slog.Int("neighbors", len(neighbors)))
	}
	return nil
}

// -------------------------------------------------------------------------
// Radio
// -------------------------------------------------------------------------

// setupRadio opens the serial device, selects and configures the driver,
// and registers the long-range transports. Returns nil when no device is
// configured.
func setupRadio(
	ctx context.Context,
	cfg *config.Config,
	identity mesh.Hash,
	hs *noise.Manager,
	mgr *mesh.Manager,
	collector *meshmetrics.Collector,
	logger *slog.Logger,
) (radio.Driver, error) {
	if cfg.Radio.Device == "" {
		logger.Info("no radio device configured; long-range transports disabled")
		return nil, nil
	}

	port, err := serial.Open(cfg.Radio.Device, &serial.Mode{BaudRate: cfg.Radio.Baud})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", cfg.Radio.Device, err)
	}

	rfCfg := radio.RadioConfig{
		FrequencyHz:     cfg.Radio.FrequencyHz,
		SpreadingFactor: cfg.Radio.SpreadingFactor,
		BandwidthHz:     cfg.Radio.BandwidthHz,
		CodingRate:      cfg.Radio.CodingRate,
		TxPowerDBm:      cfg.Radio.TxPowerDBm,
		PreambleLength:  cfg.Radio.PreambleLength,
		SyncWord:        cfg.Radio.SyncWord,
	}

	var driver radio.Driver
	switch {
	case cfg.Radio.KISS:
		driver, err = radio.NewKISSDriver(port, cfg.Radio.Device, logger)
	case radio.SelectDriver(cfg.Radio.USBVID, cfg.Radio.USBPID) == radio.KindNative:
		driver, err = radio.NewNativeDriver(port, cfg.Radio.Device, logger)
	default:
		port.Close()
		return nil, fmt.Errorf("usb %04x:%04x: %w", cfg.Radio.USBVID, cfg.Radio.USBPID, errUnknownDriver)
	}
	if err != nil {
		port.Close()
		return nil, err
	}

	if err := driver.Configure(rfCfg); err != nil {
		stopDriver(driver, logger)
		return nil, fmt.Errorf("configure radio: %w", err)
	}

	governor := duty.NewGovernor(duty.EU868(), rfCfg.FrequencyHz, duty.WithMetrics(collector))

	if cfg.LoRa.Enable {
		lt, err := lora.NewTransport(identity, driver, governor, rfCfg, cfg.LoRa.MTU, logger)
		if err != nil {
			stopDriver(driver, logger)
			return nil, err
		}
		if err := mgr.AddTransport(ctx, lt); err != nil {
			stopDriver(driver, logger)
			return nil, err
		}
	}
	if cfg.FMP.Enable && !cfg.LoRa.Enable {
		// The FMP transport shares the same radio; it owns the RX path
		// only when the native long-range transport does not.
		pub := hs.StaticPublic()
		ft, err := fmp.NewTransport(driver, logger,
			fmp.WithIdentity(identity),
			fmp.WithPublicKey(pub),
			fmp.WithMetrics(collector),
		)
		if err != nil {
			stopDriver(driver, logger)
			return nil, err
		}
		if err := mgr.AddTransport(ctx, ft); err != nil {
			stopDriver(driver, logger)
			return nil, err
		}
	}

	return driver, nil
}

// stopDriver stops a radio driver, logging any error.
func stopDriver(d radio.Driver, logger *slog.Logger) {
	if err := d.Stop(); err != nil {
		logger.Warn("radio stop failed", slog.String("error", err.Error()))
	}
}

// -------------------------------------------------------------------------
// Packet routing
// -------------------------------------------------------------------------

// handshakeSender carries handshake messages as reliable mesh packets:
// payload = step byte followed by the handshake message.
func handshakeSender(mgr *mesh.Manager, identity mesh.Hash) noise.SendFunc {
	return func(ctx context.Context, peer mesh.Hash, step uint8, payload []byte) error {
		pkt, err := mesh.NewPacket(identity, peer, mesh.TypeHandshake,
			append([]byte{step}, payload...))
		if err != nil {
			return err
		}
		pkt.Reliable = true
		res := mgr.Send(ctx, pkt)
		if res.Err != nil && !res.Queued {
			return res.Err
		}
		return nil
	}
}

// wirePacketHandler routes received packets: handshake messages to the
// noise manager, announcements to the pathfinder, data to the application
// boundary (logged here; the hosting platform registers its own handler).
func wirePacketHandler(
	ctx context.Context,
	mgr *mesh.Manager,
	finder *path.Pathfinder,
	hs *noise.Manager,
	identity mesh.Hash,
	logger *slog.Logger,
) {
	mgr.SetPacketHandler(func(pkt *mesh.Packet, meta mesh.TransportMetadata) {
		switch pkt.Type {
		case mesh.TypeHandshake:
			if len(pkt.Payload) < 1 {
				return
			}
			step := pkt.Payload[0]
			reply, err := hs.HandleIncoming(pkt.Source, step, pkt.Payload[1:])
			if err != nil {
				logger.Debug("handshake message rejected",
					slog.String("peer", pkt.Source.Short()),
					slog.String("error", err.Error()),
				)
				return
			}
			if reply != nil {
				out, perr := mesh.NewPacket(identity, pkt.Source, mesh.TypeHandshake,
					append([]byte{step + 1}, reply...))
				if perr != nil {
					return
				}
				out.Reliable = true
				mgr.Send(ctx, out)
			}

		case mesh.TypeAnnounce:
			paths, err := path.UnmarshalAnnouncement(pkt.Payload)
			if err != nil {
				return
			}
			finder.HandleAnnouncement(pkt.Source, meta.Transport, meta, paths)

		default:
			logger.Info("packet received",
				slog.String("packet_id", pkt.ID),
				slog.String("source", pkt.Source.Short()),
				slog.String("type", pkt.Type.String()),
				slog.String("transport", meta.Transport),
				slog.Int("payload_bytes", len(pkt.Payload)),
			)
		}
	})
}

// wireAnnouncer publishes the pathfinder's periodic announcements as
// broadcast packets.
func wireAnnouncer(
	ctx context.Context,
	mgr *mesh.Manager,
	finder *path.Pathfinder,
	identity mesh.Hash,
	logger *slog.Logger,
) {
	finder.SetAnnounceFunc(func(paths []path.AnnouncedPath) {
		payload, err := path.MarshalAnnouncement(paths)
		if err != nil {
			return
		}
		pkt, err := mesh.NewPacket(identity, mesh.Broadcast, mesh.TypeAnnounce, payload)
		if err != nil {
			logger.Warn("announcement packet failed", slog.String("error", err.Error()))
			return
		}
		pkt.TTL = 2
		mgr.Broadcast(ctx, pkt)
	})
}

// consumeRekeySignals schedules a fresh handshake for peers whose link
// needs rekeying.
func consumeRekeySignals(ctx context.Context, hs *noise.Manager, collector *meshmetrics.Collector, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case peer := <-hs.RekeyRequired():
			logger.Info("rekey required", slog.String("peer", peer.Short()))
			hs.CloseLink(peer)
			go func(p mesh.Hash) {
				if _, err := hs.InitiateHandshake(ctx, p, noise.PublicKey{}); err != nil {
					collector.IncHandshake(handshakeResult(err))
					logger.Warn("rekey handshake failed",
						slog.String("peer", p.Short()),
						slog.String("error", err.Error()),
					)
					return
				}
				collector.IncHandshake("ok")
			}(peer)
		}
	}
}

// handshakeResult maps a handshake error to its metrics label.
func handshakeResult(err error) string {
	switch {
	case errors.Is(err, noise.ErrKeyPinning):
		return "pinning"
	case errors.Is(err, noise.ErrHandshakeTimeout):
		return "timeout"
	case errors.Is(err, noise.ErrDecrypt):
		return "decrypt"
	default:
		return "error"
	}
}

// logStatus mirrors the manager's aggregated status into the log and the
// secure-link gauge.
func logStatus(ctx context.Context, mgr *mesh.Manager, hs *noise.Manager, collector *meshmetrics.Collector, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-mgr.StatusUpdates():
			collector.SetSecureLinks(len(hs.ConnectedPeers()))
			logger.Debug("mesh status",
				slog.Bool("short_range_active", st.ShortRangeActive),
				slog.Int("short_range_peers", st.ShortRangePeers),
				slog.Bool("long_range_active", st.LongRangeActive),
				slog.Int("long_range_peers", st.LongRangePeers),
				slog.Uint64("total_bandwidth_bps", st.TotalBandwidth),
				slog.Int("pending_packets", st.PendingPackets),
			)
		}
	}
}

// -------------------------------------------------------------------------
// Metrics server
// -------------------------------------------------------------------------

// newMetricsServer builds the Prometheus scrape endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// listenAndServe runs an HTTP server until its listener closes.
func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", addr, err)
	}
	return nil
}

// shutdownMetrics drains the metrics server.
func shutdownMetrics(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}
