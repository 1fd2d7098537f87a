package moq

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// maxFieldSize bounds the extension block and payload lengths accepted
// by ObjectReader.
const maxFieldSize = 64 << 20

// SubgroupHeader is the header at the start of a subgroup data stream.
type SubgroupHeader struct {
	TrackAlias        uint64
	GroupID           uint64
	SubgroupID        uint64
	PublisherPriority byte
}

// Object is one object read from a subgroup stream with its LOC
// extensions decoded. Unknown extensions are skipped.
type Object struct {
	ObjectID         uint64
	CaptureTimestamp uint64 // microseconds
	Keyframe         bool
	VideoConfig      []byte
	Payload          []byte
}

// ObjectReader reads the objects of a single subgroup stream.
type ObjectReader struct {
	r      *bufio.Reader
	header SubgroupHeader
}

// NewObjectReader reads the subgroup header from r and returns a reader
// positioned at the first object.
func NewObjectReader(r io.Reader) (*ObjectReader, error) {
	br := bufio.NewReader(r)

	streamType, err := quicvarint.Read(br)
	if err != nil {
		return nil, &ParseError{Field: "stream_type", Err: err}
	}
	if streamType != StreamTypeSubgroupSIDExt {
		return nil, fmt.Errorf("%w: 0x%x", ErrUnexpectedStreamType, streamType)
	}

	var h SubgroupHeader
	if h.TrackAlias, err = quicvarint.Read(br); err != nil {
		return nil, &ParseError{Field: "track_alias", Err: err}
	}
	if h.GroupID, err = quicvarint.Read(br); err != nil {
		return nil, &ParseError{Field: "group_id", Err: err}
	}
	if h.SubgroupID, err = quicvarint.Read(br); err != nil {
		return nil, &ParseError{Field: "subgroup_id", Err: err}
	}
	if h.PublisherPriority, err = br.ReadByte(); err != nil {
		return nil, &ParseError{Field: "publisher_priority", Err: err}
	}
	return &ObjectReader{r: br, header: h}, nil
}

// Header returns the stream's subgroup header.
func (o *ObjectReader) Header() SubgroupHeader {
	return o.header
}

// ReadObject returns the next object. It returns io.EOF when the stream
// ends cleanly between objects.
func (o *ObjectReader) ReadObject() (Object, error) {
	var obj Object
	var err error

	if obj.ObjectID, err = quicvarint.Read(o.r); err != nil {
		if errors.Is(err, io.EOF) {
			return obj, io.EOF
		}
		return obj, &ParseError{Field: "object_id", Err: err}
	}

	exts, err := o.readBytes("extensions")
	if err != nil {
		return obj, err
	}
	if err := obj.parseExtensions(exts); err != nil {
		return obj, err
	}

	if obj.Payload, err = o.readBytes("payload"); err != nil {
		return obj, err
	}
	return obj, nil
}

func (o *ObjectReader) readBytes(field string) ([]byte, error) {
	n, err := quicvarint.Read(o.r)
	if err != nil {
		return nil, &ParseError{Field: field + "_length", Err: noEOF(err)}
	}
	if n > maxFieldSize {
		return nil, &ParseError{Field: field + "_length", Err: fmt.Errorf("%d bytes exceeds limit", n)}
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(o.r, buf); err != nil {
		return nil, &ParseError{Field: field, Err: noEOF(err)}
	}
	return buf, nil
}

// parseExtensions decodes a LOC extension block. Even IDs carry a varint
// value, odd IDs a length-prefixed byte string.
func (obj *Object) parseExtensions(data []byte) error {
	for len(data) > 0 {
		id, n, err := quicvarint.Parse(data)
		if err != nil {
			return &ParseError{Field: "extension_id", Err: err}
		}
		data = data[n:]

		value, n, err := quicvarint.Parse(data)
		if err != nil {
			return &ParseError{Field: "extension_value", Err: err}
		}
		data = data[n:]

		if id%2 == 1 {
			if uint64(len(data)) < value {
				return &ParseError{Field: "extension_value", Err: io.ErrUnexpectedEOF}
			}
			if id == ExtVideoConfig {
				obj.VideoConfig = append([]byte(nil), data[:value]...)
			}
			data = data[value:]
			continue
		}

		switch id {
		case ExtCaptureTimestamp:
			obj.CaptureTimestamp = value
		case ExtVideoFrameMarking:
			obj.Keyframe = value&0x20 != 0
		}
	}
	return nil
}

// noEOF converts io.EOF inside an object into io.ErrUnexpectedEOF.
func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
