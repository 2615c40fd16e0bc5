package video

import (
	"encoding/binary"
	"log/slog"

	"github.com/pion/rtp"
)

// RTP H.264 payload types (RFC 6184).
const (
	rtpNALUStapA = 24
	rtpNALUFuA   = 28
)

// maxFragmentBuffer caps the FU-A reassembly buffer. A peer sending an
// endless fragment sequence must not be able to grow host memory without
// bound; on overflow the buffer is discarded and reception continues.
const maxFragmentBuffer = 2 << 20

// depacketizer reassembles NAL units from RTP payloads for one stream.
// Owned by a single pipeline goroutine; no locking.
type depacketizer struct {
	log   *slog.Logger
	stats *Stats

	frag     []byte
	fragging bool

	lastSeq uint16
	haveSeq bool
}

// push consumes one RTP packet and returns any completed NAL units plus
// whether a sequence gap was detected before this packet.
func (d *depacketizer) push(pkt *rtp.Packet) (units [][]byte, gap bool) {
	if d.haveSeq && pkt.SequenceNumber != d.lastSeq+1 { // wrap-aware: uint16 arithmetic
		gap = true
		d.stats.Gaps.Add(1)
		d.discardFragment("sequence gap")
	}
	d.lastSeq = pkt.SequenceNumber
	d.haveSeq = true

	payload := pkt.Payload
	if len(payload) < 1 {
		d.stats.Malformed.Add(1)
		return units, gap
	}

	switch t := payload[0] & 0x1F; {
	case t >= 1 && t <= 23:
		units = append(units, cloneBytes(payload))

	case t == rtpNALUStapA:
		units = append(units, d.splitStapA(payload[1:])...)

	case t == rtpNALUFuA:
		if u := d.pushFragment(payload); u != nil {
			units = append(units, u)
		}

	default:
		d.stats.Malformed.Add(1)
	}
	return units, gap
}

// splitStapA unpacks a STAP-A aggregate: repeated 16-bit size + NAL unit.
func (d *depacketizer) splitStapA(data []byte) [][]byte {
	var units [][]byte
	for len(data) >= 2 {
		size := int(binary.BigEndian.Uint16(data[0:2]))
		data = data[2:]
		if size == 0 || size > len(data) {
			d.stats.Malformed.Add(1)
			return units
		}
		units = append(units, cloneBytes(data[:size]))
		data = data[size:]
	}
	return units
}

// pushFragment handles one FU-A payload: FU indicator, FU header, fragment
// data. Returns the full NAL unit when the end fragment arrives.
func (d *depacketizer) pushFragment(payload []byte) []byte {
	if len(payload) < 2 {
		d.stats.Malformed.Add(1)
		return nil
	}
	indicator, header := payload[0], payload[1]
	start := header&0x80 != 0
	end := header&0x40 != 0

	if start {
		if d.fragging {
			d.discardFragment("fragment restarted mid-unit")
		}
		// Reconstruct the original NAL header from the indicator's
		// NRI bits and the FU header's type bits.
		d.frag = append(d.frag[:0], (indicator&0xE0)|(header&0x1F))
		d.fragging = true
	} else if !d.fragging {
		// Middle/end fragment without a start: lost the beginning.
		d.stats.FragDiscards.Add(1)
		return nil
	}

	d.frag = append(d.frag, payload[2:]...)
	if len(d.frag) > maxFragmentBuffer {
		d.discardFragment("fragment buffer over cap")
		return nil
	}

	if !end {
		return nil
	}
	d.fragging = false
	return cloneBytes(d.frag)
}

func (d *depacketizer) discardFragment(reason string) {
	if !d.fragging {
		return
	}
	d.log.Warn("discarding fragment buffer", "reason", reason, "size", len(d.frag))
	d.stats.FragDiscards.Add(1)
	d.frag = d.frag[:0]
	d.fragging = false
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
