package protocol

import "encoding/binary"

// Command payload layouts. All multi-byte fields are little-endian, matching
// the header.

// TapPayload encodes screen coordinates for CmdTap.
func TapPayload(x, y int32) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(x))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(y))
	return buf
}

// SwipePayload encodes a swipe gesture for CmdSwipe.
func SwipePayload(x1, y1, x2, y2 int32, durationMs uint32) []byte {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(x1))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(y1))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(x2))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(y2))
	binary.LittleEndian.PutUint32(buf[16:20], durationMs)
	return buf
}

// KeyPayload encodes an Android keycode for CmdKey.
func KeyPayload(keycode int32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(keycode))
	return buf
}

// FPSPayload encodes a target frame rate for CmdVideoFPS.
func FPSPayload(fps uint8) []byte {
	return []byte{fps}
}

// Video route values for CmdVideoRoute.
const (
	VideoRouteUSB  = uint8(0)
	VideoRouteWiFi = uint8(1)
)

// RoutePayload encodes the video route selector for CmdVideoRoute.
func RoutePayload(route uint8) []byte {
	return []byte{route}
}

// AckPayload decodes the acknowledged sequence carried by a CmdAck packet.
// The packet's own sequence echoes the acknowledged command, but devices
// also mirror it in the payload; prefer the payload when present.
func AckPayload(payload []byte) (uint32, bool) {
	if len(payload) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(payload[0:4]), true
}
