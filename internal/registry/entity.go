package registry

import "time"

// Status is the lifecycle state of a device. Transitions are driven by the
// USB and video components through SetStatus; the registry only stores them.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusAdbOnly
	StatusAoaActive
	StatusMirroring
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusAdbOnly:
		return "adb-only"
	case StatusAoaActive:
		return "aoa-active"
	case StatusMirroring:
		return "mirroring"
	default:
		return "unknown"
	}
}

func (s Status) valid() bool {
	return s >= StatusDisconnected && s <= StatusMirroring
}

// AOAState is the result of accessory-protocol negotiation for a device.
type AOAState int

const (
	AOAUnchecked AOAState = iota
	AOAUnsupported
	AOAConnected
)

func (s AOAState) String() string {
	switch s {
	case AOAUnsupported:
		return "unsupported"
	case AOAConnected:
		return "connected"
	default:
		return "unchecked"
	}
}

// Route selects the transport used for a plane (video or control).
type Route int

const (
	RouteUSB Route = iota
	RouteWiFi
)

func (r Route) String() string {
	if r == RouteWiFi {
		return "wifi"
	}
	return "usb"
}

// Entity is one physical device. HardwareID never changes after creation;
// every other field is mutated only through Registry setters so the
// secondary indices stay consistent, and concurrent readers take value
// copies via Registry.Snapshot or List. Entities are never deleted: a
// device with no connection left is stale but stays addressable.
type Entity struct {
	HardwareID string

	Name         string
	Model        string
	Manufacturer string

	USBSerial string
	AdbID     string
	IP        string

	AOAState    AOAState
	AOAProtocol int // negotiated accessory protocol version, 0 until checked

	VideoPort    int
	VideoRoute   Route
	ControlRoute Route
	TargetFPS    int
	IsMain       bool

	Status   Status
	LastSeen time.Time

	CurrentFPS    float64
	BandwidthKbps float64
}

// HasAnyConnection reports whether any route to the device is still known.
func (e *Entity) HasAnyConnection() bool {
	return e.USBSerial != "" || e.AdbID != "" || e.AOAState == AOAConnected
}
