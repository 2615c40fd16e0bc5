package aoa

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/droidmux/droidmux/internal/protocol"
)

// LoopbackDevice is an in-memory accessory device. It backs the tests and
// the usb-disabled construction variant, answering the handshake and
// acknowledging every command it receives.
type LoopbackDevice struct {
	serial  string
	proto   uint16
	autoAck bool

	mu       sync.Mutex
	strings  map[uint16]string
	started  bool
	sent     [][]byte
	inbound  chan []byte
	closed   chan struct{}
	closeOne sync.Once
}

// NewLoopbackDevice creates a simulated device. proto 0 simulates a device
// without accessory support. When autoAck is set, every valid command
// written to the device is answered with a CmdAck packet.
func NewLoopbackDevice(serial string, proto uint16, autoAck bool) *LoopbackDevice {
	return &LoopbackDevice{
		serial:  serial,
		proto:   proto,
		autoAck: autoAck,
		strings: make(map[uint16]string),
		inbound: make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
}

func (d *LoopbackDevice) Serial() string { return d.serial }

// Started reports whether the accessory-start request arrived.
func (d *LoopbackDevice) Started() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

// SentString returns the identity string received at index.
func (d *LoopbackDevice) SentString(index uint16) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.strings[index]
}

// Received returns every bulk packet written to the device so far.
func (d *LoopbackDevice) Received() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.sent))
	copy(out, d.sent)
	return out
}

// QueueInbound makes data available to the host's next BulkIn read.
func (d *LoopbackDevice) QueueInbound(data []byte) {
	select {
	case d.inbound <- data:
	case <-d.closed:
	}
}

// Disconnect simulates the cable being pulled.
func (d *LoopbackDevice) Disconnect() {
	d.closeOne.Do(func() { close(d.closed) })
}

func (d *LoopbackDevice) Control(reqType, request uint8, value, index uint16, data []byte) (int, error) {
	select {
	case <-d.closed:
		return 0, &TransferError{Kind: ErrKindDisconnect, Err: errors.New("loopback closed")}
	default:
	}

	switch request {
	case protocol.AOARequestGetProtocol:
		if d.proto == 0 {
			return 0, &TransferError{Kind: ErrKindIO, Err: errors.New("request not supported")}
		}
		if len(data) < 2 {
			return 0, &TransferError{Kind: ErrKindIO, Err: errors.New("short protocol buffer")}
		}
		binary.LittleEndian.PutUint16(data, d.proto)
		return 2, nil

	case protocol.AOARequestSendString:
		d.mu.Lock()
		d.strings[index] = string(data)
		d.mu.Unlock()
		return len(data), nil

	case protocol.AOARequestStart:
		d.mu.Lock()
		d.started = true
		d.mu.Unlock()
		return 0, nil

	case protocol.AOARequestRegisterHID, protocol.AOARequestUnregisterHID,
		protocol.AOARequestSetHIDReportDesc, protocol.AOARequestSendHIDEvent:
		return len(data), nil
	}
	return 0, &TransferError{Kind: ErrKindIO, Err: errors.Errorf("unsupported request %d", request)}
}

func (d *LoopbackDevice) BulkOut(data []byte) (int, error) {
	select {
	case <-d.closed:
		return 0, &TransferError{Kind: ErrKindDisconnect, Err: errors.New("loopback closed")}
	default:
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	d.mu.Lock()
	d.sent = append(d.sent, buf)
	d.mu.Unlock()

	if d.autoAck {
		if pkt, err := protocol.Decode(buf); err == nil && pkt.Command != protocol.CmdAck {
			ack, _ := protocol.Encode(protocol.CmdAck, pkt.Sequence, nil)
			d.QueueInbound(ack)
		}
	}
	return len(data), nil
}

func (d *LoopbackDevice) BulkIn(buf []byte) (int, error) {
	select {
	case data := <-d.inbound:
		return copy(buf, data), nil
	case <-d.closed:
		return 0, &TransferError{Kind: ErrKindDisconnect, Err: errors.New("loopback closed")}
	}
}

func (d *LoopbackDevice) Close() error { return nil }

// loopbackHandle is one open of a loopback device. Closing the handle
// unblocks its reads without killing the device, mirroring how closing a
// real USB handle cancels pending transfers but leaves the device attached.
type loopbackHandle struct {
	d    *LoopbackDevice
	done chan struct{}
	once sync.Once
}

func openLoopback(d *LoopbackDevice) *loopbackHandle {
	return &loopbackHandle{d: d, done: make(chan struct{})}
}

func (h *loopbackHandle) Serial() string { return h.d.Serial() }

func (h *loopbackHandle) Control(reqType, request uint8, value, index uint16, data []byte) (int, error) {
	select {
	case <-h.done:
		return 0, &TransferError{Kind: ErrKindDisconnect, Err: errors.New("handle closed")}
	default:
	}
	return h.d.Control(reqType, request, value, index, data)
}

func (h *loopbackHandle) BulkOut(data []byte) (int, error) {
	select {
	case <-h.done:
		return 0, &TransferError{Kind: ErrKindDisconnect, Err: errors.New("handle closed")}
	default:
	}
	return h.d.BulkOut(data)
}

func (h *loopbackHandle) BulkIn(buf []byte) (int, error) {
	select {
	case data := <-h.d.inbound:
		return copy(buf, data), nil
	case <-h.d.closed:
		return 0, &TransferError{Kind: ErrKindDisconnect, Err: errors.New("loopback closed")}
	case <-h.done:
		return 0, &TransferError{Kind: ErrKindDisconnect, Err: errors.New("handle closed")}
	}
}

func (h *loopbackHandle) Close() error {
	h.once.Do(func() { close(h.done) })
	return nil
}

// LoopbackBus serves a fixed set of loopback devices.
type LoopbackBus struct {
	mu      sync.Mutex
	devices map[string]*LoopbackDevice
}

func NewLoopbackBus(devices ...*LoopbackDevice) *LoopbackBus {
	b := &LoopbackBus{devices: make(map[string]*LoopbackDevice)}
	for _, d := range devices {
		b.devices[d.serial] = d
	}
	return b
}

// Add attaches another simulated device.
func (b *LoopbackBus) Add(d *LoopbackDevice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices[d.serial] = d
}

func (b *LoopbackBus) Candidates() ([]Transport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Transport
	for _, d := range b.devices {
		if !d.Started() {
			out = append(out, openLoopback(d))
		}
	}
	return out, nil
}

func (b *LoopbackBus) OpenAccessory(serial string) (Transport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.devices[serial]
	if !ok || !d.Started() {
		return nil, errors.Errorf("accessory %s not enumerated yet", serial)
	}
	return openLoopback(d), nil
}

func (b *LoopbackBus) Close() error { return nil }
