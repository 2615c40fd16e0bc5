package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vishalkuo/bimap"
)

// ChangeFunc is invoked after a mutating call with the hardware id and the
// name of the changed field. It runs synchronously on the mutating
// goroutine and outside the registry lock, so it may call back into the
// registry; it must not block.
type ChangeFunc func(hardwareID, field string)

// Registry is the process-wide directory of devices. All reads and writes
// go through one mutex; the registry never performs I/O while holding it.
//
// The serial/adb/port indices are derived state. Every mutating path
// updates them in the same critical section as the entity field, and an
// assignment of a key held by another entity repoints the index and clears
// the previous owner's field.
type Registry struct {
	mu      sync.Mutex
	devices map[string]*Entity

	serials *bimap.BiMap[string, string] // usb serial -> hardware id
	adbIDs  *bimap.BiMap[string, string] // adb id -> hardware id
	ports   *bimap.BiMap[int, string]    // video port -> hardware id

	onChange ChangeFunc
}

func New() *Registry {
	return &Registry{
		devices: make(map[string]*Entity),
		serials: bimap.NewBiMap[string, string](),
		adbIDs:  bimap.NewBiMap[string, string](),
		ports:   bimap.NewBiMap[int, string](),
	}
}

// OnChange installs the change callback. Single slot; the last caller wins.
func (r *Registry) OnChange(fn ChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// RegisterOrGet returns the live entity for id, creating it on first
// reference. Idempotent: the same id always yields the same entity.
func (r *Registry) RegisterOrGet(hardwareID string) *Entity {
	r.mu.Lock()
	e, ok := r.devices[hardwareID]
	if !ok {
		e = &Entity{
			HardwareID: hardwareID,
			Status:     StatusDisconnected,
			AOAState:   AOAUnchecked,
			LastSeen:   time.Now(),
		}
		r.devices[hardwareID] = e
	}
	r.mu.Unlock()

	if !ok {
		r.notify(hardwareID, "registered")
	}
	return e
}

// ByID returns the entity for id, or nil. Absence is routine, not an
// error. The pointer is the identity handle; goroutines racing with the
// setters must read fields through Snapshot instead.
func (r *Registry) ByID(hardwareID string) *Entity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.devices[hardwareID]
}

// BySerial resolves a USB serial to its entity, or nil.
func (r *Registry) BySerial(serial string) *Entity {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.serials.Get(serial); ok {
		return r.devices[id]
	}
	return nil
}

// ByAdbID resolves an ADB connection id to its entity, or nil.
func (r *Registry) ByAdbID(adbID string) *Entity {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.adbIDs.Get(adbID); ok {
		return r.devices[id]
	}
	return nil
}

// ByPort resolves an assigned video port to its entity, or nil.
func (r *Registry) ByPort(port int) *Entity {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.ports.Get(port); ok {
		return r.devices[id]
	}
	return nil
}

// List returns value copies of all known entities ordered by hardware id,
// stale ones included. Copies are taken in one critical section, so a
// listing never interleaves with a setter.
func (r *Registry) List() []Entity {
	r.mu.Lock()
	out := make([]Entity, 0, len(r.devices))
	for _, e := range r.devices {
		out = append(out, *e)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].HardwareID < out[j].HardwareID })
	return out
}

// Snapshot returns a value copy of the entity taken under the registry
// lock. Readers on other goroutines (HTTP handlers, channel workers) use
// snapshots; the pointer lookups exist only for identity.
func (r *Registry) Snapshot(hardwareID string) (Entity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[hardwareID]
	if !ok {
		return Entity{}, false
	}
	return *e, true
}

// SnapshotByAdbID resolves an ADB connection id to a value copy.
func (r *Registry) SnapshotByAdbID(adbID string) (Entity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.adbIDs.Get(adbID); ok {
		return *r.devices[id], true
	}
	return Entity{}, false
}

// SetUSBSerial assigns the USB serial, stealing it from any previous owner.
func (r *Registry) SetUSBSerial(hardwareID, serial string) error {
	return r.set(hardwareID, "usb_serial", func(e *Entity) {
		if e.USBSerial != "" {
			r.serials.Delete(e.USBSerial)
		}
		if serial != "" {
			if prevID, ok := r.serials.Get(serial); ok && prevID != hardwareID {
				r.devices[prevID].USBSerial = ""
				r.serials.Delete(serial)
			}
			r.serials.Insert(serial, hardwareID)
		}
		e.USBSerial = serial
		e.LastSeen = time.Now()
	})
}

// SetAdbID assigns the ADB connection id, stealing it from any previous
// owner.
func (r *Registry) SetAdbID(hardwareID, adbID string) error {
	return r.set(hardwareID, "adb_id", func(e *Entity) {
		if e.AdbID != "" {
			r.adbIDs.Delete(e.AdbID)
		}
		if adbID != "" {
			if prevID, ok := r.adbIDs.Get(adbID); ok && prevID != hardwareID {
				r.devices[prevID].AdbID = ""
				r.adbIDs.Delete(adbID)
			}
			r.adbIDs.Insert(adbID, hardwareID)
		}
		e.AdbID = adbID
		e.LastSeen = time.Now()
	})
}

// SetVideoPort assigns the video port, stealing it from any previous owner.
// Port 0 clears the assignment.
func (r *Registry) SetVideoPort(hardwareID string, port int) error {
	return r.set(hardwareID, "video_port", func(e *Entity) {
		if e.VideoPort != 0 {
			r.ports.Delete(e.VideoPort)
		}
		if port != 0 {
			if prevID, ok := r.ports.Get(port); ok && prevID != hardwareID {
				r.devices[prevID].VideoPort = 0
				r.ports.Delete(port)
			}
			r.ports.Insert(port, hardwareID)
		}
		e.VideoPort = port
	})
}

// SetIP records the device's network address.
func (r *Registry) SetIP(hardwareID, ip string) error {
	return r.set(hardwareID, "ip", func(e *Entity) { e.IP = ip })
}

// SetMeta records display metadata.
func (r *Registry) SetMeta(hardwareID, name, model, manufacturer string) error {
	return r.set(hardwareID, "meta", func(e *Entity) {
		if name != "" {
			e.Name = name
		}
		if model != "" {
			e.Model = model
		}
		if manufacturer != "" {
			e.Manufacturer = manufacturer
		}
	})
}

// SetAOAState records the accessory negotiation result.
func (r *Registry) SetAOAState(hardwareID string, state AOAState, protocol int) error {
	return r.set(hardwareID, "aoa_state", func(e *Entity) {
		e.AOAState = state
		e.AOAProtocol = protocol
		if state == AOAConnected {
			e.LastSeen = time.Now()
		}
	})
}

// SetRoutes selects the transports for the video and control planes.
func (r *Registry) SetRoutes(hardwareID string, video, control Route) error {
	return r.set(hardwareID, "routes", func(e *Entity) {
		e.VideoRoute = video
		e.ControlRoute = control
	})
}

// SetTargetFPS records the requested mirror frame rate.
func (r *Registry) SetTargetFPS(hardwareID string, fps int) error {
	return r.set(hardwareID, "target_fps", func(e *Entity) { e.TargetFPS = fps })
}

// SetStats publishes the latest windowed throughput numbers.
func (r *Registry) SetStats(hardwareID string, fps, bandwidthKbps float64) error {
	return r.set(hardwareID, "stats", func(e *Entity) {
		e.CurrentFPS = fps
		e.BandwidthKbps = bandwidthKbps
	})
}

// SetStatus moves the device through its state machine. Only enumerated
// states are accepted; the registry does not validate transitions.
func (r *Registry) SetStatus(hardwareID string, status Status) error {
	if !status.valid() {
		return errors.Errorf("registry: invalid status %d", int(status))
	}
	return r.set(hardwareID, "status", func(e *Entity) { e.Status = status })
}

// SetMainDevice marks id as the main device and clears any previous holder.
func (r *Registry) SetMainDevice(hardwareID string) error {
	r.mu.Lock()
	e, ok := r.devices[hardwareID]
	if !ok {
		r.mu.Unlock()
		return errors.Errorf("registry: unknown device %s", hardwareID)
	}
	var cleared string
	for id, other := range r.devices {
		if other.IsMain && id != hardwareID {
			other.IsMain = false
			cleared = id
		}
	}
	e.IsMain = true
	r.mu.Unlock()

	if cleared != "" {
		r.notify(cleared, "is_main")
	}
	r.notify(hardwareID, "is_main")
	return nil
}

// MainDevice returns the current main device, or nil.
func (r *Registry) MainDevice() *Entity {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.devices {
		if e.IsMain {
			return e
		}
	}
	return nil
}

func (r *Registry) set(hardwareID, field string, mutate func(*Entity)) error {
	r.mu.Lock()
	e, ok := r.devices[hardwareID]
	if !ok {
		r.mu.Unlock()
		return errors.Errorf("registry: unknown device %s", hardwareID)
	}
	mutate(e)
	r.mu.Unlock()

	r.notify(hardwareID, field)
	return nil
}

func (r *Registry) notify(hardwareID, field string) {
	r.mu.Lock()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn(hardwareID, field)
	}
}
