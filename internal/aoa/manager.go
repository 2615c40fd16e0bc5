package aoa

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/keymutex"

	"github.com/droidmux/droidmux/internal/protocol"
	"github.com/droidmux/droidmux/internal/registry"
)

const (
	// Control transfer request types (vendor class, device recipient).
	controlIn  = 0xC0
	controlOut = 0x40

	// The accessory start forces a USB re-enumeration; the device needs a
	// moment before it shows up with the accessory product id.
	reopenAttempts = 15
	reopenDelay    = 200 * time.Millisecond
)

// touchReportDesc is the HID report descriptor registered during the
// handshake so taps can be injected as digitizer events even before the
// command channel is up.
var touchReportDesc = []byte{
	0x05, 0x0D, // usage page: digitizer
	0x09, 0x04, // usage: touch screen
	0xA1, 0x01, // collection: application
	0x85, protocol.HIDReportID,
	0x09, 0x22, // usage: finger
	0xA1, 0x00, // collection: physical
	0x05, 0x0D,
	0x09, 0x42, // tip switch
	0x15, 0x00,
	0x25, 0x01,
	0x75, 0x01,
	0x95, 0x01,
	0x81, 0x02,
	0x75, 0x07, // pad to a byte
	0x95, 0x01,
	0x81, 0x03,
	0x05, 0x01, // generic desktop
	0x09, 0x30, // X
	0x09, 0x31, // Y
	0x16, 0x00, 0x00,
	0x26, 0xFF, 0x7F,
	0x75, 0x10,
	0x95, 0x02,
	0x81, 0x02,
	0xC0,
	0xC0,
}

// Hooks lets callers extend the device lifecycle. Nil hooks fall back to
// defaults (HID registration) or no-ops (closed).
type Hooks struct {
	// RegisterHID runs between the identity strings and the accessory
	// start. Defaults to registering the touch digitizer descriptor.
	RegisterHID func(t Transport) error

	// DeviceClosed runs after a device channel is torn down.
	DeviceClosed func(hardwareID string)
}

// Callbacks receive inbound traffic dispatched off channel readers. They run
// on the reader goroutine of the originating device, so they must not block.
type Callbacks struct {
	OnAck   func(hardwareID string, seq uint32)
	OnAudio func(hardwareID string, payload []byte)
	OnVideo func(hardwareID string, data []byte)
	OnError func(hardwareID string, err error)
}

// Manager owns the accessory handshake and the per-device command channels.
type Manager struct {
	reg   *registry.Registry
	bus   Bus
	hooks Hooks
	cb    Callbacks
	log   *slog.Logger

	// serialized per serial so a rescan never races an in-flight
	// handshake for the same device.
	locks keymutex.KeyMutex

	mu       sync.Mutex
	channels map[string]*Channel
	stopped  bool

	disconnects atomic.Uint64
	dropped     atomic.Uint64
	stopOnce    sync.Once
}

func NewManager(reg *registry.Registry, bus Bus, hooks Hooks, cb Callbacks, log *slog.Logger) *Manager {
	return &Manager{
		reg:      reg,
		bus:      bus,
		hooks:    hooks,
		cb:       cb,
		log:      log.With("component", "aoa"),
		locks:    keymutex.NewHashed(64),
		channels: make(map[string]*Channel),
	}
}

// Run polls the bus until ctx is cancelled, then stops all channels.
func (m *Manager) Run(ctx context.Context, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	m.Scan()
	for {
		select {
		case <-ctx.Done():
			m.Stop()
			return
		case <-ticker.C:
			m.Scan()
		}
	}
}

// Scan enumerates non-accessory devices and runs the handshake for any that
// do not have a live channel yet.
func (m *Manager) Scan() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	candidates, err := m.bus.Candidates()
	if err != nil {
		m.log.Warn("usb enumeration failed", "error", err)
		return
	}

	for _, t := range candidates {
		serial := t.Serial()
		if serial == "" {
			t.Close()
			continue
		}
		if m.Connected(registry.HardwareIDForSerial(serial)) {
			t.Close()
			continue
		}
		if err := m.connect(t); err != nil {
			m.log.Warn("device connect failed", "serial", serial, "error", err)
		}
	}
}

// connect runs the full accessory handshake for one device and, on success,
// installs its command channel. Takes ownership of t.
func (m *Manager) connect(t Transport) error {
	serial := t.Serial()
	m.locks.LockKey(serial)
	defer m.locks.UnlockKey(serial)

	hardwareID := registry.HardwareIDForSerial(serial)
	m.reg.RegisterOrGet(hardwareID)
	if err := m.reg.SetUSBSerial(hardwareID, serial); err != nil {
		t.Close()
		return err
	}
	m.reg.SetStatus(hardwareID, registry.StatusConnecting)

	proto, err := m.getProtocol(t)
	if err != nil || proto == 0 {
		t.Close()
		m.reg.SetAOAState(hardwareID, registry.AOAUnsupported, 0)
		m.reg.SetStatus(hardwareID, registry.StatusAdbOnly)
		if err != nil {
			return errors.Wrap(err, "accessory protocol query")
		}
		m.log.Info("device does not support accessory mode", "serial", serial)
		return nil
	}

	// Ordering matters: identity strings, then HID registration, then
	// start. A device that already received the start ignores late
	// strings.
	if err := m.sendIdentity(t, serial); err != nil {
		t.Close()
		return errors.Wrap(err, "identity strings")
	}

	registerHID := m.hooks.RegisterHID
	if registerHID == nil {
		registerHID = RegisterTouchHID
	}
	if err := registerHID(t); err != nil {
		t.Close()
		return errors.Wrap(err, "hid registration")
	}

	if _, err := t.Control(controlOut, protocol.AOARequestStart, 0, 0, nil); err != nil {
		t.Close()
		return errors.Wrap(err, "accessory start")
	}
	t.Close()

	acc, err := m.reopenAccessory(serial)
	if err != nil {
		m.reg.SetStatus(hardwareID, registry.StatusDisconnected)
		return errors.Wrap(err, "accessory reopen")
	}

	ch := newChannel(hardwareID, acc, m)

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		acc.Close()
		return errors.New("manager stopped")
	}
	m.channels[hardwareID] = ch
	m.mu.Unlock()

	ch.start()

	m.reg.SetAOAState(hardwareID, registry.AOAConnected, int(proto))
	m.reg.SetStatus(hardwareID, registry.StatusAoaActive)
	m.log.Info("accessory channel up", "device", hardwareID, "serial", serial, "protocol", proto)
	return nil
}

func (m *Manager) getProtocol(t Transport) (uint16, error) {
	buf := make([]byte, 2)
	n, err := t.Control(controlIn, protocol.AOARequestGetProtocol, 0, 0, buf)
	if err != nil {
		return 0, err
	}
	if n < 2 {
		return 0, errors.Errorf("short protocol response: %d bytes", n)
	}
	return binary.LittleEndian.Uint16(buf), nil
}

func (m *Manager) sendIdentity(t Transport, serial string) error {
	strings := []struct {
		index uint16
		value string
	}{
		{protocol.AOAStringManufacturer, protocol.AOAManufacturer},
		{protocol.AOAStringModel, protocol.AOAModel},
		{protocol.AOAStringDescription, protocol.AOADescription},
		{protocol.AOAStringVersion, protocol.AOAVersionStr},
		{protocol.AOAStringURI, protocol.AOAURI},
		{protocol.AOAStringSerial, serial},
	}
	for _, s := range strings {
		data := append([]byte(s.value), 0)
		if _, err := t.Control(controlOut, protocol.AOARequestSendString, 0, s.index, data); err != nil {
			return errors.Wrapf(err, "string %d", s.index)
		}
	}
	return nil
}

// RegisterTouchHID registers the digitizer descriptor so the host can inject
// touch events over AOA HID. Used as the default RegisterHID hook.
func RegisterTouchHID(t Transport) error {
	if _, err := t.Control(controlOut, protocol.AOARequestRegisterHID,
		protocol.HIDReportID, uint16(len(touchReportDesc)), nil); err != nil {
		return errors.Wrap(err, "register hid")
	}
	if _, err := t.Control(controlOut, protocol.AOARequestSetHIDReportDesc,
		protocol.HIDReportID, 0, touchReportDesc); err != nil {
		return errors.Wrap(err, "set hid report descriptor")
	}
	return nil
}

func (m *Manager) reopenAccessory(serial string) (Transport, error) {
	var lastErr error
	for i := 0; i < reopenAttempts; i++ {
		t, err := m.bus.OpenAccessory(serial)
		if err == nil {
			return t, nil
		}
		lastErr = err
		time.Sleep(reopenDelay)
	}
	return nil, lastErr
}

// handleTransferError tears a device down after a fatal transfer failure.
// Runs on the failing channel's worker goroutine; the shutdown is deferred
// to a fresh goroutine so the worker can unwind first.
func (m *Manager) handleTransferError(c *Channel, err error) {
	kind := Classify(err)
	m.log.Warn("channel transfer failed", "device", c.hardwareID, "kind", kind.String(), "error", err)

	m.mu.Lock()
	cur, ok := m.channels[c.hardwareID]
	if ok && cur == c {
		delete(m.channels, c.hardwareID)
	}
	m.mu.Unlock()
	if !ok || cur != c {
		return
	}

	m.disconnects.Add(1)
	go c.shutdown()

	m.reg.SetAOAState(c.hardwareID, registry.AOAUnchecked, 0)
	if e, ok := m.reg.Snapshot(c.hardwareID); ok && e.AdbID != "" {
		m.reg.SetStatus(c.hardwareID, registry.StatusAdbOnly)
	} else {
		m.reg.SetStatus(c.hardwareID, registry.StatusDisconnected)
	}

	if m.hooks.DeviceClosed != nil {
		m.hooks.DeviceClosed(c.hardwareID)
	}
	if m.cb.OnError != nil {
		m.cb.OnError(c.hardwareID, err)
	}
}

// Connected reports whether a live command channel exists for the device.
func (m *Manager) Connected(hardwareID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.channels[hardwareID]
	return ok
}

// ActiveIDs returns the hardware ids with a live channel.
func (m *Manager) ActiveIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	return ids
}

// Disconnects returns the number of channels torn down by transfer errors.
func (m *Manager) Disconnects() uint64 { return m.disconnects.Load() }

// Dropped returns the number of malformed inbound packets discarded.
func (m *Manager) Dropped() uint64 { return m.dropped.Load() }

// Send queues a command for one device and returns its sequence number, or
// 0 when the device has no live channel or its queue is full.
func (m *Manager) Send(hardwareID string, cmd uint8, payload []byte) uint32 {
	m.mu.Lock()
	ch := m.channels[hardwareID]
	m.mu.Unlock()
	if ch == nil {
		return 0
	}
	return ch.send(cmd, payload)
}

// SendAll queues a command for every connected device and returns how many
// were dispatched.
func (m *Manager) SendAll(cmd uint8, payload []byte) int {
	m.mu.Lock()
	channels := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	n := 0
	for _, ch := range channels {
		if ch.send(cmd, payload) != 0 {
			n++
		}
	}
	return n
}

func (m *Manager) SendPing(hardwareID string) uint32 {
	return m.Send(hardwareID, protocol.CmdPing, nil)
}

func (m *Manager) SendTap(hardwareID string, x, y int32) uint32 {
	return m.Send(hardwareID, protocol.CmdTap, protocol.TapPayload(x, y))
}

func (m *Manager) SendSwipe(hardwareID string, x1, y1, x2, y2 int32, durationMs uint32) uint32 {
	return m.Send(hardwareID, protocol.CmdSwipe, protocol.SwipePayload(x1, y1, x2, y2, durationMs))
}

func (m *Manager) SendKey(hardwareID string, keycode int32) uint32 {
	return m.Send(hardwareID, protocol.CmdKey, protocol.KeyPayload(keycode))
}

func (m *Manager) SendBack(hardwareID string) uint32 {
	return m.Send(hardwareID, protocol.CmdBack, nil)
}

func (m *Manager) SendConfig(hardwareID string, config []byte) uint32 {
	return m.Send(hardwareID, protocol.CmdConfig, config)
}

func (m *Manager) SendClickByID(hardwareID, viewID string) uint32 {
	return m.Send(hardwareID, protocol.CmdClickByID, []byte(viewID))
}

func (m *Manager) SendClickByText(hardwareID, text string) uint32 {
	return m.Send(hardwareID, protocol.CmdClickByText, []byte(text))
}

func (m *Manager) SendVideoFPS(hardwareID string, fps uint8) uint32 {
	seq := m.Send(hardwareID, protocol.CmdVideoFPS, protocol.FPSPayload(fps))
	if seq != 0 {
		m.reg.SetTargetFPS(hardwareID, int(fps))
	}
	return seq
}

func (m *Manager) SendVideoRoute(hardwareID string, route uint8) uint32 {
	return m.Send(hardwareID, protocol.CmdVideoRoute, protocol.RoutePayload(route))
}

func (m *Manager) RequestIDR(hardwareID string) uint32 {
	return m.Send(hardwareID, protocol.CmdVideoIDR, nil)
}

// SendTapAll mirrors a tap to every connected device.
func (m *Manager) SendTapAll(x, y int32) int {
	return m.SendAll(protocol.CmdTap, protocol.TapPayload(x, y))
}

func (m *Manager) SendKeyAll(keycode int32) int {
	return m.SendAll(protocol.CmdKey, protocol.KeyPayload(keycode))
}

func (m *Manager) SendBackAll() int {
	return m.SendAll(protocol.CmdBack, nil)
}

func (m *Manager) PingAll() int {
	return m.SendAll(protocol.CmdPing, nil)
}

// Stop shuts every channel down and closes the bus. Idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		channels := make([]*Channel, 0, len(m.channels))
		for _, ch := range m.channels {
			channels = append(channels, ch)
		}
		m.channels = make(map[string]*Channel)
		m.mu.Unlock()

		for _, ch := range channels {
			ch.shutdown()
		}
		if err := m.bus.Close(); err != nil {
			m.log.Warn("bus close failed", "error", err)
		}
	})
}

// routeAck forwards an acknowledged sequence to the ack callback.
func (m *Manager) routeAck(hardwareID string, seq uint32) {
	if m.cb.OnAck != nil {
		m.cb.OnAck(hardwareID, seq)
	}
}

func (m *Manager) routeAudio(hardwareID string, payload []byte) {
	if m.cb.OnAudio != nil {
		m.cb.OnAudio(hardwareID, payload)
	}
}

// routeVideo forwards raw bulk data to the video callback, but only for the
// device whose video route is USB. Apps sometimes keep streaming briefly
// after a route switch; those bytes are dropped here.
func (m *Manager) routeVideo(hardwareID string, data []byte) {
	if m.cb.OnVideo == nil {
		return
	}
	e, ok := m.reg.Snapshot(hardwareID)
	if !ok || e.VideoRoute != registry.RouteUSB {
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.cb.OnVideo(hardwareID, buf)
}

func (m *Manager) applyDeviceMeta(hardwareID, name, model, manufacturer string) {
	if err := m.reg.SetMeta(hardwareID, name, model, manufacturer); err != nil {
		m.log.Debug("device info for unknown device", "device", hardwareID)
	}
}
