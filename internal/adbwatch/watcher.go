// Package adbwatch tracks ADB device state and feeds the registry. It is the
// discovery path for devices whose command channel is not up yet, and the
// only path for WiFi-attached devices.
package adbwatch

import (
	"log/slog"
	"strings"
	"sync"

	adb "github.com/basiooo/goadb"
	"github.com/pkg/errors"

	"github.com/droidmux/droidmux/internal/registry"
)

// deviceProps is the display metadata read from a device over ADB.
type deviceProps struct {
	name         string
	model        string
	manufacturer string
}

type propsFunc func(serial string) (deviceProps, error)

// Watcher follows the ADB server's device events and mirrors them into the
// registry.
type Watcher struct {
	reg    *registry.Registry
	client *adb.Adb
	log    *slog.Logger

	// props fetches metadata for an online device. Replaceable in tests.
	props propsFunc

	// onOnline fires after an online device is registered, so the USB
	// side can rescan without waiting for its poll tick.
	onOnline func(hardwareID string)

	watcher  *adb.DeviceWatcher
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New builds a watcher talking to the ADB server on the given port. Port 0
// uses the default.
func New(reg *registry.Registry, port int, log *slog.Logger) (*Watcher, error) {
	if port == 0 {
		port = adb.AdbPort
	}
	client, err := adb.NewWithConfig(adb.ServerConfig{Port: port})
	if err != nil {
		return nil, errors.Wrapf(err, "adb client on port %d", port)
	}
	w := &Watcher{
		reg:    reg,
		client: client,
		log:    log.With("component", "adbwatch"),
	}
	w.props = w.adbProps
	return w, nil
}

// OnOnline registers the hook invoked after each device comes online. Must
// be set before Start.
func (w *Watcher) OnOnline(fn func(hardwareID string)) {
	w.onOnline = fn
}

// Start launches the ADB server if needed and begins consuming device
// events.
func (w *Watcher) Start() error {
	if err := w.client.StartServer(); err != nil {
		return errors.Wrap(err, "start adb server")
	}

	w.watcher = w.client.NewDeviceWatcher()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for event := range w.watcher.C() {
			w.log.Debug("adb event", "serial", event.Serial, "old", event.OldState, "new", event.NewState)
			switch event.NewState {
			case adb.StateOnline:
				w.handleOnline(event.Serial)
			case adb.StateOffline, adb.StateDisconnected:
				w.handleOffline(event.Serial)
			}
		}
		if err := w.watcher.Err(); err != nil {
			w.log.Warn("adb watcher terminated", "error", err)
		}
	}()
	return nil
}

// Shutdown stops the event loop. Idempotent.
func (w *Watcher) Shutdown() {
	w.stopOnce.Do(func() {
		if w.watcher != nil {
			w.watcher.Shutdown()
		}
	})
	w.wg.Wait()
}

// handleOnline registers or refreshes the entity for a serial that just came
// online. WiFi-attached serials look like "host:port" and carry the address
// instead of a USB serial.
func (w *Watcher) handleOnline(serial string) {
	hardwareID := registry.HardwareIDForSerial(serial)
	w.reg.RegisterOrGet(hardwareID)
	w.reg.SetAdbID(hardwareID, serial)

	if host, _, ok := strings.Cut(serial, ":"); ok {
		w.reg.SetIP(hardwareID, host)
	} else {
		w.reg.SetUSBSerial(hardwareID, serial)
	}

	if props, err := w.props(serial); err != nil {
		w.log.Debug("device props unavailable", "serial", serial, "error", err)
	} else {
		w.reg.SetMeta(hardwareID, props.name, props.model, props.manufacturer)
	}

	// ADB presence never downgrades an active accessory channel.
	if e, ok := w.reg.Snapshot(hardwareID); ok &&
		(e.Status == registry.StatusDisconnected || e.Status == registry.StatusConnecting) {
		w.reg.SetStatus(hardwareID, registry.StatusAdbOnly)
	}

	if w.onOnline != nil {
		w.onOnline(hardwareID)
	}
}

// handleOffline clears the ADB binding. The entity stays registered; only
// its status drops when nothing else is attached.
func (w *Watcher) handleOffline(serial string) {
	e, ok := w.reg.SnapshotByAdbID(serial)
	if !ok {
		return
	}
	hardwareID := e.HardwareID
	w.reg.SetAdbID(hardwareID, "")

	if e, ok = w.reg.Snapshot(hardwareID); ok && !e.HasAnyConnection() {
		w.reg.SetStatus(hardwareID, registry.StatusDisconnected)
	}
}

// adbProps reads name/model/manufacturer over the ADB shell.
func (w *Watcher) adbProps(serial string) (deviceProps, error) {
	dev := w.client.Device(adb.DeviceWithSerial(serial))

	info, err := dev.DeviceInfo()
	if err != nil {
		return deviceProps{}, errors.Wrap(err, "device info")
	}

	p := deviceProps{
		name:  info.Product,
		model: info.Model,
	}
	if out, err := dev.RunCommand("getprop", "ro.product.manufacturer"); err == nil {
		p.manufacturer = strings.TrimSpace(out)
	}
	if p.name == "" {
		p.name = p.model
	}
	return p, nil
}
