package video

import "bytes"

// Annex-B start codes.
var (
	startCode3 = []byte{0x00, 0x00, 0x01}
	startCode4 = []byte{0x00, 0x00, 0x00, 0x01}
)

// hasStartCode reports whether data begins with an Annex-B start code.
func hasStartCode(data []byte) bool {
	return bytes.HasPrefix(data, startCode4) || bytes.HasPrefix(data, startCode3)
}

// splitAnnexB splits an Annex-B byte stream into bare NAL units (start
// codes removed). Tolerant of garbage before the first start code, which an
// untrusted stream can contain.
func splitAnnexB(data []byte) [][]byte {
	var units [][]byte
	i := nextStartCode(data, 0)
	for i >= 0 {
		start := i + startCodeLen(data[i:])
		next := nextStartCode(data, start)
		if next < 0 {
			if start < len(data) {
				units = append(units, data[start:])
			}
			break
		}
		if next > start {
			units = append(units, data[start:next])
		}
		i = next
	}
	return units
}

func nextStartCode(data []byte, from int) int {
	for i := from; i+2 < len(data); i++ {
		if data[i] == 0 && data[i+1] == 0 {
			if data[i+2] == 1 {
				return i
			}
			if data[i+2] == 0 && i+3 < len(data) && data[i+3] == 1 {
				return i
			}
		}
	}
	return -1
}

func startCodeLen(data []byte) int {
	if bytes.HasPrefix(data, startCode4) {
		return 4
	}
	return 3
}

// joinAnnexB concatenates bare NAL units into one Annex-B access unit.
func joinAnnexB(units ...[]byte) []byte {
	size := 0
	for _, u := range units {
		size += len(startCode4) + len(u)
	}
	out := make([]byte, 0, size)
	for _, u := range units {
		if len(u) == 0 {
			continue
		}
		out = append(out, startCode4...)
		out = append(out, u...)
	}
	return out
}
