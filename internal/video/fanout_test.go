package video

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droidmux/droidmux/internal/registry"
)

func TestFanoutStartAssignsAscendingPorts(t *testing.T) {
	reg := registry.New()
	reg.RegisterOrGet("hw-a")
	reg.RegisterOrGet("hw-b")
	reg.RegisterOrGet("hw-c")
	require.NoError(t, reg.SetRoutes("hw-a", registry.RouteWiFi, registry.RouteUSB))
	require.NoError(t, reg.SetRoutes("hw-b", registry.RouteWiFi, registry.RouteUSB))
	// hw-c stays USB routed.

	f := NewFanout(reg, func(string) Decoder { return &countingDecoder{} }, TransportUDP, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.Start(ctx, 17800))
	defer f.Stop()

	assert.Error(t, f.Start(ctx, 17800), "second start must fail")

	// List order is by hardware id, so ports are deterministic.
	assert.Same(t, f.ByID("hw-a"), f.ByPort(17800))
	assert.Same(t, f.ByID("hw-b"), f.ByPort(17801))
	a, _ := reg.Snapshot("hw-a")
	b, _ := reg.Snapshot("hw-b")
	assert.Equal(t, 17800, a.VideoPort)
	assert.Equal(t, 17801, b.VideoPort)
	assert.Same(t, reg.ByID("hw-a"), reg.ByPort(17800))

	// USB-routed devices ingest from the bulk channel; no socket is
	// bound and no port is advertised.
	require.NotNil(t, f.ByID("hw-c"))
	assert.Equal(t, 0, f.ByID("hw-c").Port())
	c, _ := reg.Snapshot("hw-c")
	assert.Zero(t, c.VideoPort)
}

func TestFanoutCreatesPipelineForLateDevice(t *testing.T) {
	reg := registry.New()
	f := NewFanout(reg, func(string) Decoder { return &countingDecoder{} }, TransportUDP, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.Start(ctx, 17900))
	defer f.Stop()

	// Same wiring as serve: registration and route changes feed Ensure.
	reg.OnChange(func(id, field string) {
		if field == "registered" || field == "routes" {
			f.Ensure(id)
		}
	})

	assert.Nil(t, f.ByID("hw-late"))

	reg.RegisterOrGet("hw-late")
	p := f.ByID("hw-late")
	require.NotNil(t, p, "registration must create the pipeline")
	assert.Equal(t, 0, p.Port())

	// Bytes pushed from the USB channel reach the late pipeline.
	f.PushVideo("hw-late", joinAnnexB(testSPS, testPPS, testIDR))
	require.Eventually(t, func() bool {
		_, ok := f.LatestFrame("hw-late", 0)
		return ok
	}, time.Second, 5*time.Millisecond)

	// Routing the video plane to the network rebuilds the pipeline on
	// the next ascending port.
	require.NoError(t, reg.SetRoutes("hw-late", registry.RouteWiFi, registry.RouteUSB))
	p2 := f.ByID("hw-late")
	require.NotNil(t, p2)
	assert.NotSame(t, p, p2)
	assert.Equal(t, 17900, p2.Port())
	assert.Same(t, p2, f.ByPort(17900))
	e, _ := reg.Snapshot("hw-late")
	assert.Equal(t, 17900, e.VideoPort)
}

func TestFanoutEnsureIgnoredBeforeStartAndAfterStop(t *testing.T) {
	reg := registry.New()
	reg.RegisterOrGet("hw-a")
	f := NewFanout(reg, func(string) Decoder { return &countingDecoder{} }, TransportUDP, testLogger())

	f.Ensure("hw-a")
	assert.Nil(t, f.ByID("hw-a"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.Start(ctx, 17950))
	require.NotNil(t, f.ByID("hw-a"))

	f.Stop()
	f.Ensure("hw-a")
	assert.Nil(t, f.ByID("hw-a"))
}

func TestFanoutFrameCallbackAndMirroringStatus(t *testing.T) {
	reg := registry.New()
	reg.RegisterOrGet("hw-a")
	require.NoError(t, reg.SetRoutes("hw-a", registry.RouteUSB, registry.RouteUSB))

	f := NewFanout(reg, func(string) Decoder { return &countingDecoder{} }, TransportUDP, testLogger())

	var mu sync.Mutex
	var frames []string
	f.OnFrame(func(id string) {
		mu.Lock()
		frames = append(frames, id)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.Start(ctx, 7000))
	defer f.Stop()

	f.PushVideo("hw-a", joinAnnexB(testSPS, testPPS, testIDR))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) > 0
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "hw-a", frames[0])
	mu.Unlock()

	e, _ := reg.Snapshot("hw-a")
	assert.Equal(t, registry.StatusMirroring, e.Status)
	assert.Equal(t, 1, f.ActiveCount(time.Minute))
	assert.Equal(t, 0, f.ActiveCount(time.Nanosecond))

	stats := f.RefreshStats()
	assert.Equal(t, uint64(1), stats["hw-a"].Frames)
}

func TestFanoutUnknownDevice(t *testing.T) {
	reg := registry.New()
	f := NewFanout(reg, func(string) Decoder { return &countingDecoder{} }, TransportUDP, testLogger())

	assert.Nil(t, f.ByID("nope"))
	assert.Nil(t, f.ByPort(1234))

	_, ok := f.LatestFrame("nope", 0)
	assert.False(t, ok)

	// Push to an unknown device is a no-op, not a crash.
	f.PushVideo("nope", joinAnnexB(testIDR))
}
