package path

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/dantte-lp/gomesh/internal/mesh"
)

// -------------------------------------------------------------------------
// Announcement wire codec
// -------------------------------------------------------------------------
//
// Announcement payload carried in Announce packets:
//
//	count(2, big-endian) | entries
//
// Each entry:
//
//	destination(16) | hops(1) | latency_ms(8, float64 bits) |
//	reliability(8, float64 bits) | bandwidth_bps(8, big-endian)

// announceEntrySize is the fixed per-entry wire size.
const announceEntrySize = mesh.HashSize + 1 + 8 + 8 + 8

// maxAnnouncedPaths bounds an announcement payload.
const maxAnnouncedPaths = 512

// ErrAnnounceTruncated indicates an announcement payload shorter than its
// declared entry count.
var ErrAnnounceTruncated = errors.New("announcement payload truncated")

// MarshalAnnouncement serializes announced paths for the wire.
func MarshalAnnouncement(paths []AnnouncedPath) ([]byte, error) {
	if len(paths) > maxAnnouncedPaths {
		paths = paths[:maxAnnouncedPaths]
	}

	buf := make([]byte, 2+len(paths)*announceEntrySize)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(paths)))

	off := 2
	for _, p := range paths {
		copy(buf[off:off+16], p.Destination[:])
		buf[off+16] = p.Hops
		binary.BigEndian.PutUint64(buf[off+17:off+25], math.Float64bits(p.LatencyMs))
		binary.BigEndian.PutUint64(buf[off+25:off+33], math.Float64bits(p.Reliability))
		binary.BigEndian.PutUint64(buf[off+33:off+41], p.BandwidthBps)
		off += announceEntrySize
	}
	return buf, nil
}

// UnmarshalAnnouncement decodes an announcement payload.
func UnmarshalAnnouncement(buf []byte) ([]AnnouncedPath, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("unmarshal announcement: %d bytes: %w", len(buf), ErrAnnounceTruncated)
	}
	count := int(binary.BigEndian.Uint16(buf[0:2]))
	if len(buf) < 2+count*announceEntrySize {
		return nil, fmt.Errorf("unmarshal announcement: %d entries in %d bytes: %w",
			count, len(buf), ErrAnnounceTruncated)
	}

	paths := make([]AnnouncedPath, 0, count)
	off := 2
	for i := 0; i < count; i++ {
		var p AnnouncedPath
		copy(p.Destination[:], buf[off:off+16])
		p.Hops = buf[off+16]
		p.LatencyMs = math.Float64frombits(binary.BigEndian.Uint64(buf[off+17 : off+25]))
		p.Reliability = math.Float64frombits(binary.BigEndian.Uint64(buf[off+25 : off+33]))
		p.BandwidthBps = binary.BigEndian.Uint64(buf[off+33 : off+41])
		paths = append(paths, p)
		off += announceEntrySize
	}
	return paths, nil
}
