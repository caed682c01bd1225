package wire

import (
	"errors"
	"io"
)

// RelayMessage is one fully framed unit.
type RelayMessage struct {
	Header  Header
	Content []byte
}

// NewMessage builds a message for cmd with ContentLength set from content.
func NewMessage(h Header, content []byte) RelayMessage {
	if content == nil {
		content = []byte{}
	}
	h.ContentLength = uint32(len(content))
	return RelayMessage{Header: h, Content: content}
}

// Append encodes m onto buf. The header's ContentLength must match the
// content; Append does not fix it up so that encoding stays byte exact.
func Append(buf []byte, m RelayMessage) ([]byte, error) {
	if int(m.Header.ContentLength) != len(m.Content) {
		return nil, errors.New("wire: content length does not match content")
	}
	buf = appendHeader(buf, m.Header)
	return append(buf, m.Content...), nil
}

func Encode(m RelayMessage) ([]byte, error) {
	return Append(make([]byte, 0, HeaderSize+len(m.Content)), m)
}

// Write writes m with a single Write call so concurrent writers holding the
// same lock never interleave partial frames.
func Write(w io.Writer, m RelayMessage) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadMessage reads one message from a blocking reader.
func ReadMessage(r io.Reader, maxContent uint32) (RelayMessage, error) {
	var hb [HeaderSize]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return RelayMessage{}, ErrShortHeader
		}
		return RelayMessage{}, err
	}
	h, err := DecodeHeader(hb[:], maxContent)
	if err != nil {
		return RelayMessage{}, &DecodeError{Err: err}
	}
	content := make([]byte, h.ContentLength)
	if _, err := io.ReadFull(r, content); err != nil {
		return RelayMessage{}, err
	}
	return RelayMessage{Header: h, Content: content}, nil
}

// Decoder turns an append-only byte stream into messages. Input may be split
// at any boundary; a header read in one chunk is kept until its content
// arrives. A malformed header makes the decoder fail permanently.
type Decoder struct {
	maxContent uint32
	buf        []byte
	header     *Header
	consumed   uint64
	err        error
}

func NewDecoder(maxContent uint32) *Decoder {
	if maxContent == 0 {
		maxContent = DefaultMaxContentLength
	}
	return &Decoder{maxContent: maxContent}
}

// Feed appends chunk to the pending input and returns every message that is
// now complete, in stream order.
func (d *Decoder) Feed(chunk []byte) ([]RelayMessage, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, chunk...)

	var out []RelayMessage
	for {
		m, ok, err := d.next()
		if err != nil {
			d.err = err
			d.buf = nil
			return out, err
		}
		if !ok {
			break
		}
		out = append(out, m)
	}
	d.compact()
	return out, nil
}

// Buffered reports how many bytes are waiting for the rest of a frame.
func (d *Decoder) Buffered() int {
	n := len(d.buf)
	if d.header != nil {
		n += HeaderSize
	}
	return n
}

func (d *Decoder) next() (RelayMessage, bool, error) {
	if d.header == nil {
		if len(d.buf) < HeaderSize {
			return RelayMessage{}, false, nil
		}
		h, err := DecodeHeader(d.buf[:HeaderSize], d.maxContent)
		if err != nil {
			return RelayMessage{}, false, &DecodeError{Offset: d.consumed, Err: err}
		}
		d.advance(HeaderSize)
		if h.ContentLength == 0 {
			return RelayMessage{Header: h, Content: []byte{}}, true, nil
		}
		d.header = &h
	}

	n := int(d.header.ContentLength)
	if len(d.buf) < n {
		return RelayMessage{}, false, nil
	}
	content := make([]byte, n)
	copy(content, d.buf[:n])
	d.advance(n)

	h := *d.header
	d.header = nil
	return RelayMessage{Header: h, Content: content}, true, nil
}

func (d *Decoder) advance(n int) {
	d.buf = d.buf[n:]
	d.consumed += uint64(n)
}

func (d *Decoder) compact() {
	if len(d.buf) == 0 {
		d.buf = nil
		return
	}
	if cap(d.buf) > 4*len(d.buf)+4096 {
		d.buf = append([]byte(nil), d.buf...)
	}
}
