package aoa

import (
	"log/slog"
	"sync"

	"github.com/google/gousb"
	"github.com/pkg/errors"

	"github.com/droidmux/droidmux/internal/protocol"
)

// usbBus is the gousb-backed Bus.
type usbBus struct {
	ctx *gousb.Context
	log *slog.Logger
}

// NewUSBBus opens a libusb context. The caller owns the returned Bus and
// must Close it.
func NewUSBBus(log *slog.Logger) Bus {
	return &usbBus{
		ctx: gousb.NewContext(),
		log: log.With("component", "usb-bus"),
	}
}

func (b *usbBus) Candidates() ([]Transport, error) {
	devs, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		// Devices already in accessory mode are handled by
		// OpenAccessory, not rediscovered.
		if desc.Vendor == gousb.ID(protocol.AOAVendorGoogle) && protocol.IsAccessoryProduct(uint16(desc.Product)) {
			return false
		}
		return true
	})
	if err != nil && len(devs) == 0 {
		return nil, errors.Wrap(err, "usb enumerate")
	}

	var out []Transport
	for _, dev := range devs {
		serial, serr := dev.SerialNumber()
		if serr != nil || serial == "" {
			// No serial means no stable identity; skip it.
			dev.Close()
			continue
		}
		out = append(out, &usbTransport{dev: dev, serial: serial})
	}
	return out, nil
}

func (b *usbBus) OpenAccessory(serial string) (Transport, error) {
	devs, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(protocol.AOAVendorGoogle) && protocol.IsAccessoryProduct(uint16(desc.Product))
	})
	if err != nil && len(devs) == 0 {
		return nil, errors.Wrap(err, "usb enumerate accessories")
	}

	var found *gousb.Device
	for _, dev := range devs {
		s, serr := dev.SerialNumber()
		if serr == nil && s == serial && found == nil {
			found = dev
			continue
		}
		dev.Close()
	}
	if found == nil {
		return nil, errors.Errorf("accessory %s not enumerated yet", serial)
	}

	t := &usbTransport{dev: found, serial: serial}
	if err := t.claimAccessory(); err != nil {
		found.Close()
		return nil, err
	}
	return t, nil
}

func (b *usbBus) Close() error {
	return b.ctx.Close()
}

// usbTransport wraps one gousb device handle. Bulk endpoints exist only
// after claimAccessory.
type usbTransport struct {
	dev    *gousb.Device
	serial string

	mu     sync.Mutex
	iface  *gousb.Interface
	closer func()
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
}

func (t *usbTransport) Serial() string { return t.serial }

func (t *usbTransport) Control(reqType, request uint8, value, index uint16, data []byte) (int, error) {
	n, err := t.dev.Control(reqType, request, value, index, data)
	if err != nil {
		return n, wrapUSBErr(err)
	}
	return n, nil
}

// claimAccessory claims the accessory interface and resolves the bulk
// endpoint pair.
func (t *usbTransport) claimAccessory() error {
	intf, done, err := t.dev.DefaultInterface()
	if err != nil {
		return errors.Wrapf(err, "claim accessory interface of %s", t.serial)
	}

	var in *gousb.InEndpoint
	var out *gousb.OutEndpoint
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn && in == nil {
			in, err = intf.InEndpoint(ep.Number)
		} else if ep.Direction == gousb.EndpointDirectionOut && out == nil {
			out, err = intf.OutEndpoint(ep.Number)
		}
		if err != nil {
			done()
			return errors.Wrapf(err, "open bulk endpoint %d of %s", ep.Number, t.serial)
		}
	}
	if in == nil || out == nil {
		done()
		return errors.Errorf("accessory %s exposes no bulk endpoint pair", t.serial)
	}

	t.mu.Lock()
	t.iface, t.closer, t.in, t.out = intf, done, in, out
	t.mu.Unlock()
	return nil
}

func (t *usbTransport) BulkOut(data []byte) (int, error) {
	t.mu.Lock()
	out := t.out
	t.mu.Unlock()
	if out == nil {
		return 0, &TransferError{Kind: ErrKindIO, Err: errors.New("bulk-out endpoint not claimed")}
	}
	n, err := out.Write(data)
	if err != nil {
		return n, wrapUSBErr(err)
	}
	return n, nil
}

func (t *usbTransport) BulkIn(buf []byte) (int, error) {
	t.mu.Lock()
	in := t.in
	t.mu.Unlock()
	if in == nil {
		return 0, &TransferError{Kind: ErrKindIO, Err: errors.New("bulk-in endpoint not claimed")}
	}
	n, err := in.Read(buf)
	if err != nil {
		return n, wrapUSBErr(err)
	}
	return n, nil
}

func (t *usbTransport) Close() error {
	t.mu.Lock()
	closer := t.closer
	t.closer, t.iface, t.in, t.out = nil, nil, nil, nil
	t.mu.Unlock()

	if closer != nil {
		closer()
	}
	return t.dev.Close()
}

// wrapUSBErr maps libusb error codes onto the transfer taxonomy.
func wrapUSBErr(err error) error {
	kind := ErrKindIO
	switch {
	case errors.Is(err, gousb.ErrorNoDevice), errors.Is(err, gousb.ErrorNotFound), errors.Is(err, gousb.TransferCancelled):
		kind = ErrKindDisconnect
	case errors.Is(err, gousb.ErrorTimeout), errors.Is(err, gousb.TransferTimedOut):
		kind = ErrKindTimeout
	}
	return &TransferError{Kind: kind, Err: err}
}
