package protocol

// AOA (Android Open Accessory) handshake constants. These are fixed by the
// accessory protocol and by the device-side counterpart; they must match
// exactly or the device will not re-enumerate in accessory mode.
const (
	// Google vendor id used by every device in accessory mode.
	AOAVendorGoogle = 0x18D1

	// Product ids after re-enumeration.
	AOAProductAccessory    = 0x2D00 // accessory
	AOAProductAccessoryAdb = 0x2D01 // accessory + adb

	// Vendor control requests.
	AOARequestGetProtocol      = 51
	AOARequestSendString       = 52
	AOARequestStart            = 53
	AOARequestRegisterHID      = 54
	AOARequestUnregisterHID    = 55
	AOARequestSetHIDReportDesc = 56
	AOARequestSendHIDEvent     = 57

	// String descriptor indices for AOARequestSendString.
	AOAStringManufacturer = 0
	AOAStringModel        = 1
	AOAStringDescription  = 2
	AOAStringVersion      = 3
	AOAStringURI          = 4
	AOAStringSerial       = 5

	// HID touch report geometry registered during the handshake.
	HIDReportID   = 1
	HIDReportSize = 9
)

// Identity strings sent during the handshake. The device-side app matches on
// manufacturer+model to decide whether to talk to us.
const (
	AOAManufacturer = "droidmux"
	AOAModel        = "droidmux-host"
	AOADescription  = "droidmux device mirror host"
	AOAVersionStr   = "1.0"
	AOAURI          = "https://github.com/droidmux/droidmux"
)

// IsAccessoryProduct reports whether pid is one of the accessory-mode
// product ids a device exposes after a successful handshake.
func IsAccessoryProduct(pid uint16) bool {
	return pid == AOAProductAccessory || pid == AOAProductAccessoryAdb
}
