package video

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats holds per-pipeline counters. The monotonic counters are updated on
// the hot path with atomics; the windowed rates are recomputed only when
// Refresh is called, from deltas over elapsed wall time.
type Stats struct {
	Packets      atomic.Uint64 // transport packets received
	Bytes        atomic.Uint64 // payload bytes received
	Units        atomic.Uint64 // access units enqueued for decode
	Frames       atomic.Uint64 // frames decoded
	QueueDrops   atomic.Uint64 // oldest units dropped on a full decode queue
	Gaps         atomic.Uint64 // sequence-number gaps
	FragDiscards atomic.Uint64 // fragment buffers discarded (oversize/malformed)
	Malformed    atomic.Uint64 // payloads that failed parsing
	Skipped      atomic.Uint64 // units dropped waiting for SPS/IDR
	DecodeErrors atomic.Uint64

	mu          sync.Mutex
	lastRefresh time.Time
	lastFrames  uint64
	lastBytes   uint64
	fps         float64
	kbps        float64
}

// Snapshot is a point-in-time copy of the counters plus the last computed
// windowed rates.
type Snapshot struct {
	Packets       uint64  `json:"packets"`
	Bytes         uint64  `json:"bytes"`
	Units         uint64  `json:"units"`
	Frames        uint64  `json:"frames"`
	QueueDrops    uint64  `json:"queue_drops"`
	Gaps          uint64  `json:"gaps"`
	FragDiscards  uint64  `json:"frag_discards"`
	Malformed     uint64  `json:"malformed"`
	Skipped       uint64  `json:"skipped"`
	DecodeErrors  uint64  `json:"decode_errors"`
	FPS           float64 `json:"fps"`
	BandwidthKbps float64 `json:"bandwidth_kbps"`
}

// Refresh recomputes fps and bandwidth from the deltas since the previous
// call and returns them.
func (s *Stats) Refresh() (fps, kbps float64) {
	frames := s.Frames.Load()
	bytes := s.Bytes.Load()
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastRefresh.IsZero() {
		elapsed := now.Sub(s.lastRefresh).Seconds()
		if elapsed > 0 {
			s.fps = float64(frames-s.lastFrames) / elapsed
			s.kbps = float64(bytes-s.lastBytes) * 8 / 1000 / elapsed
		}
	}
	s.lastRefresh = now
	s.lastFrames = frames
	s.lastBytes = bytes
	return s.fps, s.kbps
}

// SnapshotNow returns the current counter values.
func (s *Stats) SnapshotNow() Snapshot {
	s.mu.Lock()
	fps, kbps := s.fps, s.kbps
	s.mu.Unlock()

	return Snapshot{
		Packets:       s.Packets.Load(),
		Bytes:         s.Bytes.Load(),
		Units:         s.Units.Load(),
		Frames:        s.Frames.Load(),
		QueueDrops:    s.QueueDrops.Load(),
		Gaps:          s.Gaps.Load(),
		FragDiscards:  s.FragDiscards.Load(),
		Malformed:     s.Malformed.Load(),
		Skipped:       s.Skipped.Load(),
		DecodeErrors:  s.DecodeErrors.Load(),
		FPS:           fps,
		BandwidthKbps: kbps,
	}
}
