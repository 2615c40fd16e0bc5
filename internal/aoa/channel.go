package aoa

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/droidmux/droidmux/internal/protocol"
)

// sendQueueCap bounds the per-device command queue. A device that stops
// draining its bulk-out endpoint makes sends fail fast instead of stacking
// up host memory.
const sendQueueCap = 64

// Channel runs the send/receive worker pair for one accessory-mode device.
// The writer serializes queued packets onto bulk-out; the reader loops on
// bulk-in and dispatches inbound traffic.
type Channel struct {
	hardwareID string
	transport  Transport
	mgr        *Manager
	log        *slog.Logger

	seq       atomic.Uint32
	sendq     chan []byte
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	malformed atomic.Uint64
}

func newChannel(hardwareID string, t Transport, mgr *Manager) *Channel {
	return &Channel{
		hardwareID: hardwareID,
		transport:  t,
		mgr:        mgr,
		log:        mgr.log.With("device", hardwareID),
		sendq:      make(chan []byte, sendQueueCap),
		stop:       make(chan struct{}),
	}
}

func (c *Channel) start() {
	c.wg.Add(2)
	go c.runWriter()
	go c.runReader()
}

// shutdown stops both workers. Idempotent; safe concurrently with sends.
func (c *Channel) shutdown() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.transport.Close()
	})
	c.wg.Wait()
}

// send assigns the next sequence number and queues the packet. Returns 0
// when the channel is stopping or the queue is saturated.
func (c *Channel) send(cmd uint8, payload []byte) uint32 {
	seq := c.seq.Add(1)
	pkt, err := protocol.Encode(cmd, seq, payload)
	if err != nil {
		c.log.Warn("command not encodable", "cmd", cmd, "error", err)
		return 0
	}

	select {
	case <-c.stop:
		return 0
	default:
	}

	select {
	case c.sendq <- pkt:
		return seq
	default:
		c.log.Warn("send queue full, command dropped", "cmd", cmd, "seq", seq)
		return 0
	}
}

func (c *Channel) runWriter() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case pkt := <-c.sendq:
			if _, err := c.transport.BulkOut(pkt); err != nil {
				c.onTransferError(err)
				return
			}
		}
	}
}

func (c *Channel) runReader() {
	defer c.wg.Done()
	buf := make([]byte, 16384)
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		n, err := c.transport.BulkIn(buf)
		if err != nil {
			if Classify(err) == ErrKindTimeout {
				continue
			}
			c.onTransferError(err)
			return
		}
		if n > 0 {
			c.dispatch(buf[:n])
		}
	}
}

func (c *Channel) onTransferError(err error) {
	select {
	case <-c.stop:
		// Already shutting down; the error is the close unblocking us.
		return
	default:
	}
	c.mgr.handleTransferError(c, err)
}

// dispatch routes one bulk-in buffer. Buffers starting with the protocol
// magic carry one or more command packets; anything else is video payload
// when this device is the designated video source.
func (c *Channel) dispatch(data []byte) {
	if len(data) < 4 || binary.LittleEndian.Uint32(data[0:4]) != protocol.Magic {
		c.mgr.routeVideo(c.hardwareID, data)
		return
	}

	for len(data) > 0 {
		pkt, err := protocol.Decode(data)
		if err != nil {
			// Malformed inbound packets are dropped and counted,
			// never fatal.
			c.malformed.Add(1)
			c.mgr.dropped.Add(1)
			c.log.Debug("malformed packet dropped", "error", err)
			return
		}
		c.handlePacket(pkt)

		data = data[pkt.Size():]
		if len(data) > 0 && (len(data) < 4 || binary.LittleEndian.Uint32(data[0:4]) != protocol.Magic) {
			c.malformed.Add(1)
			c.mgr.dropped.Add(1)
			return
		}
	}
}

func (c *Channel) handlePacket(pkt *protocol.Packet) {
	switch pkt.Command {
	case protocol.CmdAck:
		seq, ok := protocol.AckPayload(pkt.Payload)
		if !ok {
			seq = pkt.Sequence
		}
		c.mgr.routeAck(c.hardwareID, seq)

	case protocol.CmdAudioFrame:
		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)
		c.mgr.routeAudio(c.hardwareID, payload)

	case protocol.CmdDeviceInfo:
		c.applyDeviceInfo(pkt.Payload)

	case protocol.CmdPing:
		// Device-side keepalive; nothing to do.

	default:
		if !protocol.KnownCommand(pkt.Command) {
			c.malformed.Add(1)
			c.mgr.dropped.Add(1)
		}
	}
}

// applyDeviceInfo parses the NUL-separated name/model/manufacturer triple a
// device reports after connecting.
func (c *Channel) applyDeviceInfo(payload []byte) {
	parts := bytes.SplitN(payload, []byte{0}, 3)
	get := func(i int) string {
		if i < len(parts) {
			return string(bytes.TrimRight(parts[i], "\x00"))
		}
		return ""
	}
	c.mgr.applyDeviceMeta(c.hardwareID, get(0), get(1), get(2))
}
