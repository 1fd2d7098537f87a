package ingest

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/pion/rtp"
)

// ErrInvalidPacket is wrapped by PacketReader.ReadPacket when a frame does
// not hold a decodable RTP packet. The reader stays usable: the next call
// returns the following frame.
var ErrInvalidPacket = errors.New("ingest: invalid RTP packet")

// maxFrameSize is the largest packet RFC 4571 framing can carry.
const maxFrameSize = math.MaxUint16

// PacketReader reads RTP packets from a byte stream framed as in RFC 4571:
// every packet is preceded by its length as a 16-bit big-endian integer.
type PacketReader struct {
	r   *bufio.Reader
	buf [maxFrameSize]byte

	frames int64
	bytes  int64
}

// NewPacketReader returns a PacketReader reading from r.
func NewPacketReader(r io.Reader) *PacketReader {
	return &PacketReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// ReadPacket returns the next packet. It returns io.EOF when the stream
// ends on a frame boundary and io.ErrUnexpectedEOF when it ends inside a
// frame. Zero-length frames are skipped. The returned packet does not
// alias the reader's buffer.
func (pr *PacketReader) ReadPacket() (*rtp.Packet, error) {
	var n int
	for n == 0 {
		var hdr [2]byte
		if _, err := io.ReadFull(pr.r, hdr[:]); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("reading frame length: %w", err)
			}
			return nil, err
		}
		n = int(binary.BigEndian.Uint16(hdr[:]))
	}

	frame := pr.buf[:n]
	if _, err := io.ReadFull(pr.r, frame); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("reading %d byte frame: %w", n, err)
	}
	pr.frames++
	pr.bytes += int64(n) + 2

	p := &rtp.Packet{}
	if err := p.Unmarshal(append([]byte(nil), frame...)); err != nil {
		return nil, fmt.Errorf("%w: frame %d: %v", ErrInvalidPacket, pr.frames, err)
	}
	return p, nil
}

// Frames returns the number of frames read so far.
func (pr *PacketReader) Frames() int64 {
	return pr.frames
}

// BytesRead returns the number of stream bytes consumed by complete frames.
func (pr *PacketReader) BytesRead() int64 {
	return pr.bytes
}

// PacketWriter writes RTP packets with RFC 4571 framing.
type PacketWriter struct {
	w   io.Writer
	buf []byte
}

// NewPacketWriter returns a PacketWriter writing to w.
func NewPacketWriter(w io.Writer) *PacketWriter {
	return &PacketWriter{w: w}
}

// WritePacket marshals p and writes it as one frame.
func (pw *PacketWriter) WritePacket(p *rtp.Packet) error {
	size := p.MarshalSize()
	if size > maxFrameSize {
		return fmt.Errorf("packet of %d bytes exceeds the %d byte frame limit", size, maxFrameSize)
	}
	if cap(pw.buf) < size+2 {
		pw.buf = make([]byte, size+2)
	}
	buf := pw.buf[:size+2]
	binary.BigEndian.PutUint16(buf, uint16(size))
	if _, err := p.MarshalTo(buf[2:]); err != nil {
		return fmt.Errorf("marshal packet: %w", err)
	}
	if _, err := pw.w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
