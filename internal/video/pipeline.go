package video

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pion/rtp"
	"github.com/pkg/errors"
)

// Transport selects how encoded video reaches a pipeline.
type Transport int

const (
	// TransportUDP listens for RTP datagrams on the pipeline's port.
	TransportUDP Transport = iota
	// TransportTCP accepts one stream connection carrying raw Annex-B or
	// length-framed units.
	TransportTCP
	// TransportPush takes bytes handed over by the USB bulk channel.
	TransportPush
)

// decodeQueueCap bounds the hand-off between reception and decode. When
// decode falls behind, the oldest unprocessed unit is dropped so reception
// keeps making progress with fresh frames.
const decodeQueueCap = 128

// Pipeline ingests one device's video: depacketizes, gates on parameter
// sets, and feeds a single decode goroutine through a bounded queue.
// Readers always observe the most recently completed frame.
type Pipeline struct {
	hardwareID string
	transport  Transport
	port       int
	decoder    Decoder
	log        *slog.Logger
	stats      *Stats

	// onFrame is set before Start and never mutated after; invoked from
	// the decode goroutine with no pipeline lock held.
	onFrame func(hardwareID string)

	// ingest state, owned by whichever goroutine feeds the pipeline
	mu      sync.Mutex
	depack  depacketizer
	sps     []byte
	pps     []byte
	width   int
	height  int
	waitIDR bool

	queue chan Unit

	latest      atomic.Pointer[Frame]
	frameSeq    atomic.Uint64
	lastFrameAt atomic.Int64 // unix nanos of the last decoded frame

	udpConn  *net.UDPConn
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPipeline creates a pipeline for one device. dec must not be nil; port
// is ignored for TransportPush.
func NewPipeline(hardwareID string, transport Transport, port int, dec Decoder, log *slog.Logger) *Pipeline {
	p := &Pipeline{
		hardwareID: hardwareID,
		transport:  transport,
		port:       port,
		decoder:    dec,
		log:        log.With("device", hardwareID),
		stats:      &Stats{},
		queue:      make(chan Unit, decodeQueueCap),
	}
	p.depack = depacketizer{log: p.log, stats: p.stats}
	return p
}

// SetFrameCallback installs the frame-ready callback. Must be called before
// Start.
func (p *Pipeline) SetFrameCallback(fn func(hardwareID string)) {
	p.onFrame = fn
}

// Port returns the assigned ingest port (0 for push pipelines).
func (p *Pipeline) Port() int { return p.port }

// Stats returns the pipeline's counters.
func (p *Pipeline) Stats() *Stats { return p.stats }

// Start opens the transport and launches the receive and decode workers.
func (p *Pipeline) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	switch p.transport {
	case TransportUDP:
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: p.port})
		if err != nil {
			cancel()
			return errors.Wrapf(err, "video: udp listen on port %d", p.port)
		}
		p.udpConn = conn
		if p.port == 0 {
			p.port = conn.LocalAddr().(*net.UDPAddr).Port
		}
		p.wg.Add(1)
		go p.runUDP(ctx, conn)

	case TransportTCP:
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p.port))
		if err != nil {
			cancel()
			return errors.Wrapf(err, "video: tcp listen on port %d", p.port)
		}
		p.listener = ln
		if p.port == 0 {
			p.port = ln.Addr().(*net.TCPAddr).Port
		}
		p.wg.Add(1)
		go p.runTCP(ctx, ln)

	case TransportPush:
		// Bytes arrive via Push from the USB channel.
	}

	p.wg.Add(1)
	go p.runDecode(ctx)

	p.log.Info("video pipeline started", "transport", p.transport, "port", p.port)
	return nil
}

// Stop terminates the workers. Safe to call more than once and concurrently
// with in-flight pushes; blocked socket reads are unblocked by closing the
// socket.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		if p.udpConn != nil {
			p.udpConn.Close()
		}
		if p.listener != nil {
			p.listener.Close()
		}
		p.wg.Wait()
		if err := p.decoder.Close(); err != nil {
			p.log.Warn("decoder close", "error", err)
		}
		p.log.Info("video pipeline stopped")
	})
}

// Push accepts bytes delivered out-of-band (the USB bulk route). Annex-B
// data is consumed directly; anything else is treated as an RTP packet.
func (p *Pipeline) Push(data []byte) {
	if hasStartCode(data) {
		p.PushRaw(data)
		return
	}
	p.PushRTP(data)
}

// PushRTP feeds one RTP packet.
func (p *Pipeline) PushRTP(data []byte) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		p.stats.Malformed.Add(1)
		return
	}
	p.handleRTP(&pkt)
}

// PushRaw feeds Annex-B bytes containing zero or more complete NAL units.
func (p *Pipeline) PushRaw(data []byte) {
	p.stats.Packets.Add(1)
	p.stats.Bytes.Add(uint64(len(data)))

	p.mu.Lock()
	for _, nalu := range splitAnnexB(data) {
		p.handleNALU(nalu)
	}
	p.mu.Unlock()
}

// LatestFrame returns the most recently decoded frame when it is newer than
// lastSeq, else (nil, false). Pass 0 to read whatever is available.
func (p *Pipeline) LatestFrame(lastSeq uint64) (*Frame, bool) {
	f := p.latest.Load()
	if f == nil || f.Seq <= lastSeq {
		return nil, false
	}
	return f, true
}

// LastFrameAt returns when the pipeline last completed a decode.
func (p *Pipeline) LastFrameAt() time.Time {
	ns := p.lastFrameAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Dimensions returns the stream resolution from the active SPS, or zeros.
func (p *Pipeline) Dimensions() (w, h int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.width, p.height
}

func (p *Pipeline) handleRTP(pkt *rtp.Packet) {
	p.stats.Packets.Add(1)
	p.stats.Bytes.Add(uint64(len(pkt.Payload)))

	p.mu.Lock()
	units, gap := p.depack.push(pkt)
	if gap {
		// Desynchronized: anything until the next IDR would decode
		// against stale reference frames.
		p.waitIDR = true
	}
	for _, nalu := range units {
		p.handleNALU(nalu)
	}
	p.mu.Unlock()
}

// handleNALU classifies one bare NAL unit and enqueues decodable access
// units. Caller holds p.mu.
func (p *Pipeline) handleNALU(nalu []byte) {
	if len(nalu) == 0 {
		return
	}

	switch h264.NALUType(nalu[0] & 0x1F) {
	case h264.NALUTypeSPS:
		var sps h264.SPS
		if err := sps.Unmarshal(nalu); err != nil {
			p.stats.Malformed.Add(1)
			p.log.Warn("invalid SPS", "size", len(nalu), "error", err)
			return
		}
		p.sps = cloneBytes(nalu)
		p.width = sps.Width()
		p.height = sps.Height()
		p.log.Debug("SPS cached", "width", p.width, "height", p.height)

	case h264.NALUTypePPS:
		p.pps = cloneBytes(nalu)

	case h264.NALUTypeIDR:
		if p.sps == nil || p.pps == nil {
			p.stats.Skipped.Add(1)
			return
		}
		p.waitIDR = false
		p.enqueue(Unit{
			Data:   joinAnnexB(p.sps, p.pps, nalu),
			Width:  p.width,
			Height: p.height,
			Key:    true,
		})

	case h264.NALUTypeNonIDR:
		if p.sps == nil || p.pps == nil || p.waitIDR {
			p.stats.Skipped.Add(1)
			return
		}
		p.enqueue(Unit{
			Data:   joinAnnexB(nalu),
			Width:  p.width,
			Height: p.height,
		})

	default:
		// SEI, AUD, filler: nothing to decode.
	}
}

// enqueue hands a unit to the decode stage. A full queue drops the oldest
// unit, never the network read: fresh frames win under sustained overload.
func (p *Pipeline) enqueue(u Unit) {
	for {
		select {
		case p.queue <- u:
			p.stats.Units.Add(1)
			return
		default:
		}
		select {
		case <-p.queue:
			p.stats.QueueDrops.Add(1)
		default:
		}
	}
}

func (p *Pipeline) runDecode(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-p.queue:
			frame, err := p.decoder.Decode(u)
			if err != nil {
				p.stats.DecodeErrors.Add(1)
				p.log.Debug("decode failed", "error", err)
				continue
			}
			frame.Seq = p.frameSeq.Add(1)
			if frame.At.IsZero() {
				frame.At = time.Now()
			}
			p.latest.Store(frame)
			p.lastFrameAt.Store(frame.At.UnixNano())
			p.stats.Frames.Add(1)

			if cb := p.onFrame; cb != nil {
				cb(p.hardwareID)
			}
		}
	}
}

func (p *Pipeline) runUDP(ctx context.Context, conn *net.UDPConn) {
	defer p.wg.Done()
	buf := make([]byte, 65536)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("udp read", "error", err)
			return
		}
		p.PushRTP(buf[:n])
	}
}

func (p *Pipeline) runTCP(ctx context.Context, ln net.Listener) {
	defer p.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("tcp accept", "error", err)
			return
		}
		p.serveTCP(ctx, conn)
	}
}

// serveTCP reads one stream connection until it drops. The first bytes
// decide the framing: an Annex-B start code means a raw byte stream,
// anything else a 4-byte big-endian length prefix per unit.
func (p *Pipeline) serveTCP(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// Ensure a close on Stop unblocks the read.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	br := bufio.NewReaderSize(conn, 65536)
	head, err := br.Peek(4)
	if err != nil {
		return
	}

	if hasStartCode(head) {
		p.serveAnnexB(br)
		return
	}
	p.serveLengthFramed(br)
}

// serveAnnexB scans a raw Annex-B byte stream, emitting each NAL unit once
// the next start code arrives.
func (p *Pipeline) serveAnnexB(r io.Reader) {
	var pending []byte
	buf := make([]byte, 32768)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			pending = p.drainAnnexB(pending)
			if len(pending) > maxFragmentBuffer {
				p.log.Warn("annex-b buffer over cap, discarding", "size", len(pending))
				p.stats.FragDiscards.Add(1)
				pending = pending[:0]
			}
		}
		if err != nil {
			return
		}
	}
}

// drainAnnexB consumes every complete unit in pending and returns the
// unconsumed tail (the unit still being received).
func (p *Pipeline) drainAnnexB(pending []byte) []byte {
	for {
		first := nextStartCode(pending, 0)
		if first < 0 {
			return pending
		}
		start := first + startCodeLen(pending[first:])
		next := nextStartCode(pending, start)
		if next < 0 {
			return pending[first:]
		}
		p.stats.Packets.Add(1)
		p.stats.Bytes.Add(uint64(next - start))
		p.mu.Lock()
		p.handleNALU(pending[start:next])
		p.mu.Unlock()
		pending = pending[next:]
	}
}

// serveLengthFramed reads 4-byte big-endian length prefixed units.
func (p *Pipeline) serveLengthFramed(r io.Reader) {
	var header [4]byte
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return
		}
		size := binary.BigEndian.Uint32(header[:])
		if size == 0 || size > maxFragmentBuffer {
			// Framing is lost; resync is not possible on this
			// connection.
			p.log.Warn("bad frame length, dropping connection", "size", size)
			p.stats.Malformed.Add(1)
			return
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return
		}
		if hasStartCode(data) {
			p.PushRaw(data)
			continue
		}
		p.stats.Packets.Add(1)
		p.stats.Bytes.Add(uint64(size))
		p.mu.Lock()
		p.handleNALU(data)
		p.mu.Unlock()
	}
}
