package video

import (
	"time"

	"github.com/pkg/errors"
)

// Unit is one reassembled H.264 access unit ready for decode, in Annex-B
// form with parameter sets prepended before keyframes. Width/Height carry
// the dimensions from the stream's active SPS.
type Unit struct {
	Data   []byte
	Width  int
	Height int
	Key    bool
}

// Frame is the decoded RGBA output published to readers. Seq increases by
// one per completed decode; readers use it to detect "nothing newer".
type Frame struct {
	Width  int
	Height int
	RGBA   []byte
	Seq    uint64
	At     time.Time
}

// Decoder turns access units into RGBA frames. Implementations are injected
// at construction: a GPU-backed decoder where the host has one, or
// NewNopDecoder as the software fallback. Decode runs on the pipeline's
// single decode goroutine, so implementations need no internal locking.
type Decoder interface {
	Decode(u Unit) (*Frame, error)
	Close() error
}

// nopDecoder is the fallback used when no hardware decoder is wired in. It
// does not reconstruct pixels; it publishes correctly sized blank frames so
// the pipeline, stats and status plumbing stay fully exercised.
type nopDecoder struct {
	buf []byte
}

// NewNopDecoder returns the software-fallback decoder.
func NewNopDecoder() Decoder {
	return &nopDecoder{}
}

func (d *nopDecoder) Decode(u Unit) (*Frame, error) {
	if u.Width <= 0 || u.Height <= 0 {
		return nil, errors.New("decode: unit has no dimensions")
	}
	size := u.Width * u.Height * 4
	if cap(d.buf) < size {
		d.buf = make([]byte, size)
	}
	return &Frame{
		Width:  u.Width,
		Height: u.Height,
		RGBA:   d.buf[:size],
		At:     time.Now(),
	}, nil
}

func (d *nopDecoder) Close() error {
	d.buf = nil
	return nil
}
