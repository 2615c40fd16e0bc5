package video

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/droidmux/droidmux/internal/registry"
)

// DecoderFactory builds the decode stage for one device's pipeline.
type DecoderFactory func(hardwareID string) Decoder

// Fanout owns one pipeline per registered device and routes frame-ready
// events back to the consumer by hardware id.
type Fanout struct {
	reg        *registry.Registry
	newDecoder DecoderFactory
	// wifiTransport is used for devices routed over the network;
	// USB-routed devices always get a push pipeline.
	wifiTransport Transport
	log           *slog.Logger

	// onFrame is set once before Start; invoked from pipeline decode
	// goroutines with no fanout or pipeline lock held.
	onFrame func(hardwareID string)

	mu        sync.Mutex
	pipelines map[string]*Pipeline
	byPort    map[int]*Pipeline
	mirroring map[string]*sync.Once
	started   bool
	ctx       context.Context
	nextPort  int
}

// NewFanout creates the fan-out. wifiTransport must be TransportUDP or
// TransportTCP.
func NewFanout(reg *registry.Registry, factory DecoderFactory, wifiTransport Transport, log *slog.Logger) *Fanout {
	return &Fanout{
		reg:           reg,
		newDecoder:    factory,
		wifiTransport: wifiTransport,
		log:           log.With("component", "video-fanout"),
		pipelines:     make(map[string]*Pipeline),
		byPort:        make(map[int]*Pipeline),
		mirroring:     make(map[string]*sync.Once),
	}
}

// OnFrame installs the frame-ready callback. Must be called before Start.
func (f *Fanout) OnFrame(fn func(hardwareID string)) {
	f.onFrame = fn
}

// Start readies the fan-out and creates pipelines for devices already in
// the registry. Devices that register afterwards are picked up through
// Ensure. Valid once per session.
func (f *Fanout) Start(ctx context.Context, basePort int) error {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return errors.New("video: fan-out already started")
	}
	f.started = true
	f.ctx = ctx
	f.nextPort = basePort
	f.mu.Unlock()

	for _, e := range f.reg.List() {
		f.Ensure(e.HardwareID)
	}

	f.log.Info("video fan-out started", "base_port", basePort)
	return nil
}

// Ensure creates the pipeline for a device, or replaces it when the video
// route changed since the pipeline was built. USB-routed devices get a
// push pipeline with no ingest socket; network-routed devices bind the
// next ascending port, recorded in the registry. Intended to run from
// discovery hooks; a no-op before Start, after Stop, and when the
// pipeline already matches the route.
func (f *Fanout) Ensure(hardwareID string) {
	e, ok := f.reg.Snapshot(hardwareID)
	if !ok {
		return
	}
	transport := f.wifiTransport
	if e.VideoRoute == registry.RouteUSB {
		transport = TransportPush
	}

	f.mu.Lock()
	if !f.started {
		f.mu.Unlock()
		return
	}
	old := f.pipelines[hardwareID]
	if old != nil && old.transport == transport {
		f.mu.Unlock()
		return
	}
	if old != nil {
		delete(f.pipelines, hardwareID)
		if op := old.Port(); op != 0 {
			delete(f.byPort, op)
		}
	}

	port := 0
	if transport != TransportPush {
		port = f.nextPort
	}
	p := NewPipeline(hardwareID, transport, port, f.newDecoder(hardwareID), f.log)
	p.SetFrameCallback(f.frameReady)
	if err := p.Start(f.ctx); err != nil {
		f.mu.Unlock()
		f.log.Error("pipeline start failed", "device", hardwareID, "error", err)
		if old != nil {
			old.Stop()
		}
		return
	}
	f.pipelines[hardwareID] = p
	if port != 0 {
		f.byPort[port] = p
		f.nextPort++
	}
	f.mirroring[hardwareID] = &sync.Once{}
	f.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	if port != 0 || old != nil {
		if err := f.reg.SetVideoPort(hardwareID, port); err != nil {
			f.log.Warn("video port not recorded", "device", hardwareID, "error", err)
		}
	}
}

// Stop tears down every pipeline. Ensure is a no-op afterwards.
func (f *Fanout) Stop() {
	f.mu.Lock()
	f.started = false
	pipelines := make([]*Pipeline, 0, len(f.pipelines))
	for _, p := range f.pipelines {
		pipelines = append(pipelines, p)
	}
	f.pipelines = make(map[string]*Pipeline)
	f.byPort = make(map[int]*Pipeline)
	f.mu.Unlock()

	for _, p := range pipelines {
		p.Stop()
	}
	f.log.Info("video fan-out stopped")
}

// ByID returns the pipeline for a hardware id, or nil.
func (f *Fanout) ByID(hardwareID string) *Pipeline {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pipelines[hardwareID]
}

// ByPort returns the pipeline listening on port, or nil.
func (f *Fanout) ByPort(port int) *Pipeline {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byPort[port]
}

// PushVideo routes bytes from the USB bulk channel to the owning pipeline.
func (f *Fanout) PushVideo(hardwareID string, data []byte) {
	if p := f.ByID(hardwareID); p != nil {
		p.Push(data)
	}
}

// LatestFrame reads the newest frame for a device; false when the device is
// unknown or nothing newer than lastSeq has been decoded.
func (f *Fanout) LatestFrame(hardwareID string, lastSeq uint64) (*Frame, bool) {
	p := f.ByID(hardwareID)
	if p == nil {
		return nil, false
	}
	return p.LatestFrame(lastSeq)
}

// ActiveCount is the number of pipelines that produced a frame within
// window.
func (f *Fanout) ActiveCount(window time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff := time.Now().Add(-window)
	n := 0
	for _, p := range f.pipelines {
		if at := p.LastFrameAt(); !at.IsZero() && at.After(cutoff) {
			n++
		}
	}
	return n
}

// RefreshStats recomputes windowed rates for every pipeline, publishes them
// to the registry, and returns per-device snapshots.
func (f *Fanout) RefreshStats() map[string]Snapshot {
	f.mu.Lock()
	pipelines := make(map[string]*Pipeline, len(f.pipelines))
	for id, p := range f.pipelines {
		pipelines[id] = p
	}
	f.mu.Unlock()

	out := make(map[string]Snapshot, len(pipelines))
	for id, p := range pipelines {
		fps, kbps := p.Stats().Refresh()
		if err := f.reg.SetStats(id, fps, kbps); err != nil {
			f.log.Debug("stats not recorded", "device", id, "error", err)
		}
		out[id] = p.Stats().SnapshotNow()
	}
	return out
}

// frameReady runs on a pipeline's decode goroutine. The first frame of a
// device promotes it to Mirroring; then the consumer callback fires. No
// fanout lock is held across the callback.
func (f *Fanout) frameReady(hardwareID string) {
	f.mu.Lock()
	once := f.mirroring[hardwareID]
	f.mu.Unlock()

	if once != nil {
		once.Do(func() {
			if err := f.reg.SetStatus(hardwareID, registry.StatusMirroring); err != nil {
				f.log.Warn("status not updated", "device", hardwareID, "error", err)
			}
		})
	}

	if cb := f.onFrame; cb != nil {
		cb(hardwareID)
	}
}
