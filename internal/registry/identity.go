package registry

import (
	"crypto/sha256"
	"encoding/hex"
)

// HardwareIDForSerial derives the stable hardware id for a device from its
// USB serial. The device-side agent derives the same value, so both halves
// of a connection resolve to one registry entity before they have ever
// exchanged a packet.
func HardwareIDForSerial(serial string) string {
	sum := sha256.Sum256([]byte("droidmux:" + serial))
	return hex.EncodeToString(sum[:8])
}
