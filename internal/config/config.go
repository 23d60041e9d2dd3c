// Package config manages gomesh daemon configuration using koanf/v2.
//
// Supports YAML files and GOMESH_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete gomesh configuration.
type Config struct {
	Log        LogConfig        `koanf:"log"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Mesh       MeshConfig       `koanf:"mesh"`
	Radio      RadioConfig      `koanf:"radio"`
	LoRa       LoRaConfig       `koanf:"lora"`
	FMP        FMPConfig        `koanf:"fmp"`
	ShortRange ShortRangeConfig `koanf:"shortrange"`
	Noise      NoiseConfig      `koanf:"noise"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9101").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// MeshConfig holds the packet-model and manager parameters.
type MeshConfig struct {
	// IdentityFile persists the 16-byte node identity as hex. Empty or
	// missing means a fresh random identity each start.
	IdentityFile string `koanf:"identity_file"`

	// NeighborCache warm-starts the Pathfinder from a last-seen neighbor
	// YAML file. Optional.
	NeighborCache string `koanf:"neighbor_cache"`

	// DedupWindow is the packet fingerprint suppression window.
	DedupWindow time.Duration `koanf:"dedup_window"`

	// DefaultTTL is checked by Validate (1..15). It is not applied to
	// packets: mesh.NewPacket starts every packet at mesh.DefaultTTL.
	DefaultTTL uint8 `koanf:"default_ttl"`
}

// RadioConfig holds the serial device and RF profile.
type RadioConfig struct {
	// Device is the serial port path (e.g., "/dev/ttyUSB0"). Empty
	// disables the long-range transports.
	Device string `koanf:"device"`

	// Baud is the serial line rate.
	Baud int `koanf:"baud"`

	// USBVID and USBPID select the driver family.
	USBVID uint16 `koanf:"usb_vid"`
	USBPID uint16 `koanf:"usb_pid"`

	// KISS forces the KISS TNC driver regardless of USB ID (firmware
	// probe outcome).
	KISS bool `koanf:"kiss"`

	// FrequencyHz, SpreadingFactor, BandwidthHz, CodingRate, TxPowerDBm,
	// PreambleLength, and SyncWord form the RF profile.
	FrequencyHz     uint64 `koanf:"frequency_hz"`
	SpreadingFactor uint8  `koanf:"spreading_factor"`
	BandwidthHz     uint32 `koanf:"bandwidth_hz"`
	CodingRate      uint8  `koanf:"coding_rate"`
	TxPowerDBm      int8   `koanf:"tx_power_dbm"`
	PreambleLength  uint16 `koanf:"preamble_length"`
	SyncWord        uint8  `koanf:"sync_word"`

	// Region selects the regulatory duty-cycle profile.
	Region string `koanf:"region"`
}

// LoRaConfig holds the long-range transport parameters.
type LoRaConfig struct {
	// Enable turns the long-range transport on.
	Enable bool `koanf:"enable"`

	// MTU is the effective radio MTU for fragmentation.
	MTU int `koanf:"mtu"`
}

// FMPConfig holds the foreign-mesh-protocol transport parameters.
type FMPConfig struct {
	// Enable turns the FMP transport on.
	Enable bool `koanf:"enable"`
}

// ShortRangeConfig holds the short-range adapter parameters.
type ShortRangeConfig struct {
	// Enable requests the short-range transport. The standalone daemon
	// links no short-range stack, so setting it only logs a warning.
	Enable bool `koanf:"enable"`
}

// NoiseConfig holds the handshake manager parameters.
type NoiseConfig struct {
	// StaticKeyFile persists the node's long-term private key as hex.
	// Empty means a fresh key each start.
	StaticKeyFile string `koanf:"static_key_file"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the reference profile:
// 868.1 MHz, SF 9, 125 kHz, coding rate 4/8, 14 dBm, 16-symbol preamble,
// sync word 0x2B, EU868 duty-cycle region.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: ":9101",
			Path: "/metrics",
		},
		Mesh: MeshConfig{
			DedupWindow: 60 * time.Second,
			DefaultTTL:  8,
		},
		Radio: RadioConfig{
			Baud:            115200,
			FrequencyHz:     868_100_000,
			SpreadingFactor: 9,
			BandwidthHz:     125_000,
			CodingRate:      8,
			TxPowerDBm:      14,
			PreambleLength:  16,
			SyncWord:        0x2B,
			Region:          "eu868",
		},
		LoRa: LoRaConfig{
			Enable: true,
			MTU:    200,
		},
		FMP: FMPConfig{
			Enable: true,
		},
		ShortRange: ShortRangeConfig{
			Enable: true,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for gomesh configuration.
// Variables are named GOMESH_<section>_<key>, e.g., GOMESH_METRICS_ADDR.
const envPrefix = "GOMESH_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (GOMESH_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults. An empty path skips
// the file layer.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	// GOMESH_METRICS_ADDR -> metrics.addr (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOMESH_METRICS_ADDR -> metrics.addr.
// Strips the GOMESH_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"log.level":              defaults.Log.Level,
		"log.format":             defaults.Log.Format,
		"metrics.addr":           defaults.Metrics.Addr,
		"metrics.path":           defaults.Metrics.Path,
		"mesh.dedup_window":      defaults.Mesh.DedupWindow.String(),
		"mesh.default_ttl":       defaults.Mesh.DefaultTTL,
		"radio.baud":             defaults.Radio.Baud,
		"radio.frequency_hz":     defaults.Radio.FrequencyHz,
		"radio.spreading_factor": defaults.Radio.SpreadingFactor,
		"radio.bandwidth_hz":     defaults.Radio.BandwidthHz,
		"radio.coding_rate":      defaults.Radio.CodingRate,
		"radio.tx_power_dbm":     defaults.Radio.TxPowerDBm,
		"radio.preamble_length":  defaults.Radio.PreambleLength,
		"radio.sync_word":        defaults.Radio.SyncWord,
		"radio.region":           defaults.Radio.Region,
		"lora.enable":            defaults.LoRa.Enable,
		"lora.mtu":               defaults.LoRa.MTU,
		"fmp.enable":             defaults.FMP.Enable,
		"shortrange.enable":      defaults.ShortRange.Enable,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidSpreadingFactor indicates an SF outside 7..12.
	ErrInvalidSpreadingFactor = errors.New("radio.spreading_factor must be 7..12")

	// ErrInvalidCodingRate indicates a coding-rate denominator outside 5..8.
	ErrInvalidCodingRate = errors.New("radio.coding_rate must be 5..8")

	// ErrInvalidMTU indicates an MTU too small to carry a fragment.
	ErrInvalidMTU = errors.New("lora.mtu must be at least 16")

	// ErrInvalidDedupWindow indicates a non-positive dedup window.
	ErrInvalidDedupWindow = errors.New("mesh.dedup_window must be > 0")

	// ErrInvalidTTL indicates a TTL outside 1..15.
	ErrInvalidTTL = errors.New("mesh.default_ttl must be 1..15")

	// ErrInvalidRegion indicates an unknown regulatory region.
	ErrInvalidRegion = errors.New("radio.region is not recognized")
)

// ValidRegions lists the recognized regulatory region strings.
var ValidRegions = map[string]bool{
	"eu868": true,
}

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Radio.SpreadingFactor < 7 || cfg.Radio.SpreadingFactor > 12 {
		return ErrInvalidSpreadingFactor
	}
	if cfg.Radio.CodingRate < 5 || cfg.Radio.CodingRate > 8 {
		return ErrInvalidCodingRate
	}
	if cfg.LoRa.MTU < 16 {
		return ErrInvalidMTU
	}
	if cfg.Mesh.DedupWindow <= 0 {
		return ErrInvalidDedupWindow
	}
	if cfg.Mesh.DefaultTTL < 1 || cfg.Mesh.DefaultTTL > 15 {
		return ErrInvalidTTL
	}
	if !ValidRegions[cfg.Radio.Region] {
		return fmt.Errorf("radio.region %q: %w", cfg.Radio.Region, ErrInvalidRegion)
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
