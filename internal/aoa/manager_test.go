package aoa

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droidmux/droidmux/internal/protocol"
	"github.com/droidmux/droidmux/internal/registry"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type ackRecorder struct {
	mu   sync.Mutex
	acks map[string][]uint32
}

func newAckRecorder() *ackRecorder {
	return &ackRecorder{acks: make(map[string][]uint32)}
}

func (r *ackRecorder) record(hardwareID string, seq uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks[hardwareID] = append(r.acks[hardwareID], seq)
}

func (r *ackRecorder) forDevice(hardwareID string) []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint32, len(r.acks[hardwareID]))
	copy(out, r.acks[hardwareID])
	return out
}

func TestHandshakeBringsChannelUp(t *testing.T) {
	dev := NewLoopbackDevice("LOOP-A", 2, true)
	reg := registry.New()
	mgr := NewManager(reg, NewLoopbackBus(dev), Hooks{}, Callbacks{}, testLogger())
	defer mgr.Stop()

	mgr.Scan()

	id := registry.HardwareIDForSerial("LOOP-A")
	require.True(t, mgr.Connected(id))
	assert.True(t, dev.Started())
	assert.Equal(t, protocol.AOAManufacturer+"\x00", dev.SentString(protocol.AOAStringManufacturer))
	assert.Equal(t, protocol.AOAModel+"\x00", dev.SentString(protocol.AOAStringModel))
	assert.Equal(t, "LOOP-A\x00", dev.SentString(protocol.AOAStringSerial))

	e, ok := reg.Snapshot(id)
	require.True(t, ok)
	assert.Equal(t, "LOOP-A", e.USBSerial)
	assert.Equal(t, registry.AOAConnected, e.AOAState)
	assert.Equal(t, 2, e.AOAProtocol)
	assert.Equal(t, registry.StatusAoaActive, e.Status)
}

func TestUnsupportedDeviceMarkedAdbOnly(t *testing.T) {
	dev := NewLoopbackDevice("OLD-DEVICE", 0, false)
	reg := registry.New()
	mgr := NewManager(reg, NewLoopbackBus(dev), Hooks{}, Callbacks{}, testLogger())
	defer mgr.Stop()

	mgr.Scan()

	id := registry.HardwareIDForSerial("OLD-DEVICE")
	assert.False(t, mgr.Connected(id))
	e, ok := reg.Snapshot(id)
	require.True(t, ok)
	assert.Equal(t, registry.AOAUnsupported, e.AOAState)
	assert.Equal(t, registry.StatusAdbOnly, e.Status)
}

func TestSequencesDistinctAndAcksIsolated(t *testing.T) {
	devA := NewLoopbackDevice("LOOP-A", 2, true)
	devB := NewLoopbackDevice("LOOP-B", 2, true)
	reg := registry.New()
	acks := newAckRecorder()
	mgr := NewManager(reg, NewLoopbackBus(devA, devB), Hooks{}, Callbacks{
		OnAck: acks.record,
	}, testLogger())
	defer mgr.Stop()

	mgr.Scan()
	idA := registry.HardwareIDForSerial("LOOP-A")
	idB := registry.HardwareIDForSerial("LOOP-B")
	require.True(t, mgr.Connected(idA))
	require.True(t, mgr.Connected(idB))

	tap := mgr.SendTap(idA, 100, 200)
	swipe := mgr.SendSwipe(idA, 0, 0, 500, 500, 300)
	key := mgr.SendKey(idB, 24)
	require.NotZero(t, tap)
	require.NotZero(t, swipe)
	require.NotZero(t, key)
	assert.NotEqual(t, tap, swipe)

	require.Eventually(t, func() bool {
		return len(acks.forDevice(idA)) == 2 && len(acks.forDevice(idB)) == 1
	}, waitFor, tick)

	assert.ElementsMatch(t, []uint32{tap, swipe}, acks.forDevice(idA))
	assert.Equal(t, []uint32{key}, acks.forDevice(idB))
}

func TestSendToUnknownDeviceReturnsZero(t *testing.T) {
	mgr := NewManager(registry.New(), NewLoopbackBus(), Hooks{}, Callbacks{}, testLogger())
	defer mgr.Stop()

	assert.Zero(t, mgr.SendTap("no-such-device", 1, 1))
	assert.Zero(t, mgr.SendPing("no-such-device"))
}

func TestMalformedInboundCountedNotFatal(t *testing.T) {
	dev := NewLoopbackDevice("LOOP-A", 2, true)
	reg := registry.New()
	acks := newAckRecorder()
	mgr := NewManager(reg, NewLoopbackBus(dev), Hooks{}, Callbacks{
		OnAck: acks.record,
	}, testLogger())
	defer mgr.Stop()

	mgr.Scan()
	id := registry.HardwareIDForSerial("LOOP-A")
	require.True(t, mgr.Connected(id))

	// Magic prefix with a bogus version byte: decodes as a packet error.
	bad := []byte{0x44, 0x4D, 0x55, 0x58, 0xFF, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	dev.QueueInbound(bad)

	require.Eventually(t, func() bool {
		return mgr.Dropped() >= 1
	}, waitFor, tick)

	// The channel survives and keeps acking.
	seq := mgr.SendPing(id)
	require.NotZero(t, seq)
	require.Eventually(t, func() bool {
		return len(acks.forDevice(id)) == 1
	}, waitFor, tick)
	assert.True(t, mgr.Connected(id))
}

func TestVideoRoutedOnlyWhenRouteIsUSB(t *testing.T) {
	dev := NewLoopbackDevice("LOOP-A", 2, true)
	reg := registry.New()
	acks := newAckRecorder()

	var mu sync.Mutex
	var videoChunks [][]byte
	mgr := NewManager(reg, NewLoopbackBus(dev), Hooks{}, Callbacks{
		OnAck: acks.record,
		OnVideo: func(hardwareID string, data []byte) {
			mu.Lock()
			videoChunks = append(videoChunks, data)
			mu.Unlock()
		},
	}, testLogger())
	defer mgr.Stop()

	mgr.Scan()
	id := registry.HardwareIDForSerial("LOOP-A")
	require.True(t, mgr.Connected(id))

	dev.QueueInbound([]byte{0x00, 0x00, 0x00, 0x01, 0x65, 0xAA, 0xBB})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(videoChunks) == 1
	}, waitFor, tick)

	// Switch video off USB; further bulk data must be ignored.
	require.NoError(t, reg.SetRoutes(id, registry.RouteWiFi, registry.RouteUSB))
	dev.QueueInbound([]byte{0x00, 0x00, 0x00, 0x01, 0x41, 0xCC})

	// The ping ack drains the inbound queue behind the video bytes.
	require.NotZero(t, mgr.SendPing(id))
	require.Eventually(t, func() bool {
		return len(acks.forDevice(id)) == 1
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, videoChunks, 1)
}

func TestDeviceInfoUpdatesRegistryMeta(t *testing.T) {
	dev := NewLoopbackDevice("LOOP-A", 2, false)
	reg := registry.New()
	mgr := NewManager(reg, NewLoopbackBus(dev), Hooks{}, Callbacks{}, testLogger())
	defer mgr.Stop()

	mgr.Scan()
	id := registry.HardwareIDForSerial("LOOP-A")
	require.True(t, mgr.Connected(id))

	payload := []byte("Pixel\x00Pixel 8\x00Google")
	info, err := protocol.Encode(protocol.CmdDeviceInfo, 7, payload)
	require.NoError(t, err)
	dev.QueueInbound(info)

	// The reader worker applies the metadata; poll through snapshots so
	// this never reads fields mid-write.
	require.Eventually(t, func() bool {
		e, ok := reg.Snapshot(id)
		return ok && e.Name == "Pixel" && e.Model == "Pixel 8" && e.Manufacturer == "Google"
	}, waitFor, tick)
}

func TestDisconnectTearsDownOnlyThatDevice(t *testing.T) {
	devA := NewLoopbackDevice("LOOP-A", 2, true)
	devB := NewLoopbackDevice("LOOP-B", 2, true)
	reg := registry.New()

	var mu sync.Mutex
	var closed []string
	mgr := NewManager(reg, NewLoopbackBus(devA, devB), Hooks{
		DeviceClosed: func(hardwareID string) {
			mu.Lock()
			closed = append(closed, hardwareID)
			mu.Unlock()
		},
	}, Callbacks{}, testLogger())
	defer mgr.Stop()

	mgr.Scan()
	idA := registry.HardwareIDForSerial("LOOP-A")
	idB := registry.HardwareIDForSerial("LOOP-B")
	require.True(t, mgr.Connected(idA))
	require.True(t, mgr.Connected(idB))

	devA.Disconnect()

	require.Eventually(t, func() bool {
		return !mgr.Connected(idA)
	}, waitFor, tick)

	assert.True(t, mgr.Connected(idB))
	assert.Equal(t, uint64(1), mgr.Disconnects())
	assert.Zero(t, mgr.SendTap(idA, 1, 1))
	assert.NotZero(t, mgr.SendTap(idB, 1, 1))

	require.Eventually(t, func() bool {
		e, ok := reg.Snapshot(idA)
		return ok && e.Status == registry.StatusDisconnected && e.AOAState == registry.AOAUnchecked
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(closed) == 1 && closed[0] == idA
	}, waitFor, tick)
}

func TestSendAllCountsDispatched(t *testing.T) {
	devA := NewLoopbackDevice("LOOP-A", 2, false)
	devB := NewLoopbackDevice("LOOP-B", 2, false)
	reg := registry.New()
	mgr := NewManager(reg, NewLoopbackBus(devA, devB), Hooks{}, Callbacks{}, testLogger())
	defer mgr.Stop()

	mgr.Scan()
	assert.Equal(t, 2, mgr.PingAll())
	assert.Equal(t, 2, mgr.SendBackAll())
	assert.Equal(t, 2, mgr.SendTapAll(10, 20))
}

func TestStopIsIdempotent(t *testing.T) {
	dev := NewLoopbackDevice("LOOP-A", 2, false)
	reg := registry.New()
	mgr := NewManager(reg, NewLoopbackBus(dev), Hooks{}, Callbacks{}, testLogger())

	mgr.Scan()
	id := registry.HardwareIDForSerial("LOOP-A")
	require.True(t, mgr.Connected(id))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mgr.Stop()
		}()
	}
	wg.Wait()
	mgr.Stop()

	assert.False(t, mgr.Connected(id))
	assert.Zero(t, mgr.SendPing(id))
}

func TestVideoFPSUpdatesTarget(t *testing.T) {
	dev := NewLoopbackDevice("LOOP-A", 2, false)
	reg := registry.New()
	mgr := NewManager(reg, NewLoopbackBus(dev), Hooks{}, Callbacks{}, testLogger())
	defer mgr.Stop()

	mgr.Scan()
	id := registry.HardwareIDForSerial("LOOP-A")
	require.NotZero(t, mgr.SendVideoFPS(id, 30))
	e, ok := reg.Snapshot(id)
	require.True(t, ok)
	assert.Equal(t, 30, e.TargetFPS)
}
