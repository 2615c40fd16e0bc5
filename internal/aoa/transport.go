package aoa

import "github.com/pkg/errors"

// ErrKind classifies a transfer failure. Only disconnect-class errors tear
// the device down; timeouts are retried in place.
type ErrKind int

const (
	ErrKindIO ErrKind = iota
	ErrKindTimeout
	ErrKindDisconnect
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindTimeout:
		return "timeout"
	case ErrKindDisconnect:
		return "disconnect"
	default:
		return "io"
	}
}

// TransferError wraps a transport failure with its classification.
type TransferError struct {
	Kind ErrKind
	Err  error
}

func (e *TransferError) Error() string {
	return "usb transfer (" + e.Kind.String() + "): " + e.Err.Error()
}

func (e *TransferError) Unwrap() error { return e.Err }

// Classify extracts the kind from err; unclassified errors count as io.
func Classify(err error) ErrKind {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ErrKindIO
}

// Transport is one USB device handle. Implementations: the gousb-backed
// transport when libusb is available, and the loopback transport used by
// tests and usb-disabled runs. Selected at construction, never by build
// tags.
type Transport interface {
	// Serial returns the USB serial string of the device.
	Serial() string

	// Control performs a control transfer. The direction is encoded in
	// reqType; reads fill data, writes consume it.
	Control(reqType, request uint8, value, index uint16, data []byte) (int, error)

	// BulkOut writes to the accessory bulk-out endpoint. Valid only
	// after the device re-enumerated in accessory mode.
	BulkOut(data []byte) (int, error)

	// BulkIn blocks reading the accessory bulk-in endpoint.
	BulkIn(buf []byte) (int, error)

	Close() error
}

// Bus enumerates attached devices and reopens them after the accessory
// handshake forces a re-enumeration.
type Bus interface {
	// Candidates returns transports for attached devices that are not
	// yet in accessory mode.
	Candidates() ([]Transport, error)

	// OpenAccessory opens the accessory interface of the device with
	// the given serial after it re-enumerated, with bulk endpoints
	// resolved.
	OpenAccessory(serial string) (Transport, error)

	Close() error
}
