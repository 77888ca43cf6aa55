// Package frame decodes the AWS event-stream binary framing that the Kiro
// (CodeWhisperer) upstream uses for its streamed responses: length-prefixed,
// CRC32-validated messages carrying typed headers and a JSON payload.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"unicode/utf8"
)

// Header value types, per the AWS event-stream spec.
const (
	headerTypeBoolTrue  = 0
	headerTypeBoolFalse = 1
	headerTypeByte      = 2
	headerTypeShort     = 3
	headerTypeInt       = 4
	headerTypeLong      = 5
	headerTypeByteArray = 6
	headerTypeString    = 7
	headerTypeTimestamp = 8
	headerTypeUUID      = 9
)

const preludeLen = 8 // total_len + headers_len
const preludeWithCRCLen = preludeLen + 4
const trailerLen = 4 // message crc32

var (
	ErrShortFrame         = errors.New("frame: buffer shorter than declared total length")
	ErrLengthMismatch     = errors.New("frame: headers_len exceeds total_len")
	ErrHeaderCRCMismatch  = errors.New("frame: prelude crc32 mismatch")
	ErrMessageCRCMismatch = errors.New("frame: message crc32 mismatch")
	ErrHeaderTypeUnknown  = errors.New("frame: unknown header value type")
	ErrPoisoned           = errors.New("frame: decoder poisoned by a prior structural failure")
)

// Header is one decoded name/value pair from a frame's header block.
type Header struct {
	Name  string
	Type  byte
	Value any
}

// Message is one fully decoded frame: its headers and raw JSON payload.
type Message struct {
	Headers []Header
	Payload []byte
}

// HeaderString returns the string value of the named header, if present and
// of string type.
func (m Message) HeaderString(name string) (string, bool) {
	for _, h := range m.Headers {
		if h.Name == name {
			s, ok := h.Value.(string)
			return s, ok
		}
	}
	return "", false
}

// Decoder incrementally decodes a byte stream into a sequence of Messages.
// Feed is not safe for concurrent use; callers serialize access per stream
// (one Decoder per upstream HTTP response body).
type Decoder struct {
	buf      []byte
	poisoned error
}

// NewDecoder returns an empty Decoder ready to Feed.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends data to the internal buffer and returns every frame fully
// contained in the buffer so far. Partial trailing bytes remain buffered for
// the next call. Once Feed returns a non-nil error the Decoder is poisoned:
// every subsequent call returns the same error, since a corrupted upstream
// byte stream cannot be safely resynchronized.
func (d *Decoder) Feed(data []byte) ([]Message, error) {
	if d.poisoned != nil {
		return nil, d.poisoned
	}
	d.buf = append(d.buf, data...)

	var out []Message
	for {
		msg, n, err := d.tryDecodeOne()
		if err != nil {
			d.poisoned = err
			return out, err
		}
		if n == 0 {
			break
		}
		out = append(out, msg)
		d.buf = d.buf[n:]
	}
	return out, nil
}

// tryDecodeOne attempts to decode a single frame from the front of d.buf.
// Returns n == 0 (no error) when the buffer doesn't yet hold a full frame.
func (d *Decoder) tryDecodeOne() (Message, int, error) {
	if len(d.buf) < preludeWithCRCLen {
		return Message{}, 0, nil
	}

	totalLen := binary.BigEndian.Uint32(d.buf[0:4])
	headersLen := binary.BigEndian.Uint32(d.buf[4:8])
	preludeCRC := binary.BigEndian.Uint32(d.buf[8:12])

	computedPreludeCRC := crc32.ChecksumIEEE(d.buf[0:preludeLen])
	if computedPreludeCRC != preludeCRC {
		return Message{}, 0, ErrHeaderCRCMismatch
	}

	if totalLen < uint32(preludeWithCRCLen+trailerLen) {
		return Message{}, 0, ErrShortFrame
	}
	if uint64(headersLen)+uint64(preludeWithCRCLen)+uint64(trailerLen) > uint64(totalLen) {
		return Message{}, 0, ErrLengthMismatch
	}
	if uint32(len(d.buf)) < totalLen {
		// Full frame not yet buffered; wait for more data.
		return Message{}, 0, nil
	}

	frame := d.buf[:totalLen]
	payloadStart := preludeWithCRCLen + int(headersLen)
	payloadEnd := int(totalLen) - trailerLen

	headerBytes := frame[preludeWithCRCLen:payloadStart]
	payload := frame[payloadStart:payloadEnd]
	trailerCRC := binary.BigEndian.Uint32(frame[payloadEnd:totalLen])

	computedMsgCRC := crc32.ChecksumIEEE(frame[0:payloadEnd])
	if computedMsgCRC != trailerCRC {
		return Message{}, 0, ErrMessageCRCMismatch
	}

	headers, err := parseHeaders(headerBytes)
	if err != nil {
		return Message{}, 0, err
	}
	if !utf8.Valid(payload) {
		return Message{}, 0, fmt.Errorf("frame: payload is not valid utf-8")
	}

	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)

	return Message{Headers: headers, Payload: payloadCopy}, int(totalLen), nil
}

func parseHeaders(b []byte) ([]Header, error) {
	var headers []Header
	for len(b) > 0 {
		if len(b) < 1 {
			return nil, ErrShortFrame
		}
		nameLen := int(b[0])
		b = b[1:]
		if len(b) < nameLen+1 {
			return nil, ErrShortFrame
		}
		name := string(b[:nameLen])
		if !utf8.Valid(b[:nameLen]) {
			return nil, fmt.Errorf("frame: header name is not valid utf-8")
		}
		b = b[nameLen:]
		valType := b[0]
		b = b[1:]

		var value any
		var consumed int
		var err error
		switch valType {
		case headerTypeBoolTrue:
			value, consumed = true, 0
		case headerTypeBoolFalse:
			value, consumed = false, 0
		case headerTypeByte:
			if len(b) < 1 {
				return nil, ErrShortFrame
			}
			value, consumed = int8(b[0]), 1
		case headerTypeShort:
			if len(b) < 2 {
				return nil, ErrShortFrame
			}
			value, consumed = int16(binary.BigEndian.Uint16(b)), 2
		case headerTypeInt:
			if len(b) < 4 {
				return nil, ErrShortFrame
			}
			value, consumed = int32(binary.BigEndian.Uint32(b)), 4
		case headerTypeLong, headerTypeTimestamp:
			if len(b) < 8 {
				return nil, ErrShortFrame
			}
			value, consumed = int64(binary.BigEndian.Uint64(b)), 8
		case headerTypeByteArray:
			value, consumed, err = readLengthPrefixedBytes(b)
		case headerTypeString:
			var raw []byte
			raw, consumed, err = readLengthPrefixedBytes(b)
			if err == nil {
				if !utf8.Valid(raw) {
					err = fmt.Errorf("frame: header %q value is not valid utf-8", name)
				} else {
					value = string(raw)
				}
			}
		case headerTypeUUID:
			if len(b) < 16 {
				return nil, ErrShortFrame
			}
			value, consumed = append([]byte(nil), b[:16]...), 16
		default:
			return nil, ErrHeaderTypeUnknown
		}
		if err != nil {
			return nil, err
		}
		b = b[consumed:]
		headers = append(headers, Header{Name: name, Type: valType, Value: value})
	}
	return headers, nil
}

func readLengthPrefixedBytes(b []byte) ([]byte, int, error) {
	if len(b) < 2 {
		return nil, 0, ErrShortFrame
	}
	n := int(binary.BigEndian.Uint16(b))
	if len(b) < 2+n {
		return nil, 0, ErrShortFrame
	}
	return append([]byte(nil), b[2:2+n]...), 2 + n, nil
}

// Encode serializes headers and payload into a single wire frame, for tests
// and for round-trip property checks.
func Encode(headers []Header, payload []byte) ([]byte, error) {
	headerBytes, err := encodeHeaders(headers)
	if err != nil {
		return nil, err
	}
	totalLen := uint32(preludeWithCRCLen + len(headerBytes) + len(payload) + trailerLen)

	buf := make([]byte, preludeLen)
	binary.BigEndian.PutUint32(buf[0:4], totalLen)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(headerBytes)))
	preludeCRC := crc32.ChecksumIEEE(buf)

	out := make([]byte, 0, totalLen)
	out = append(out, buf...)
	out = binary.BigEndian.AppendUint32(out, preludeCRC)
	out = append(out, headerBytes...)
	out = append(out, payload...)

	msgCRC := crc32.ChecksumIEEE(out)
	out = binary.BigEndian.AppendUint32(out, msgCRC)
	return out, nil
}

func encodeHeaders(headers []Header) ([]byte, error) {
	var out []byte
	for _, h := range headers {
		if len(h.Name) > 255 {
			return nil, fmt.Errorf("frame: header name %q too long", h.Name)
		}
		out = append(out, byte(len(h.Name)))
		out = append(out, h.Name...)
		out = append(out, h.Type)
		switch h.Type {
		case headerTypeBoolTrue, headerTypeBoolFalse:
		case headerTypeByte:
			out = append(out, byte(h.Value.(int8)))
		case headerTypeShort:
			out = binary.BigEndian.AppendUint16(out, uint16(h.Value.(int16)))
		case headerTypeInt:
			out = binary.BigEndian.AppendUint32(out, uint32(h.Value.(int32)))
		case headerTypeLong, headerTypeTimestamp:
			out = binary.BigEndian.AppendUint64(out, uint64(h.Value.(int64)))
		case headerTypeByteArray:
			b := h.Value.([]byte)
			out = binary.BigEndian.AppendUint16(out, uint16(len(b)))
			out = append(out, b...)
		case headerTypeString:
			s := h.Value.(string)
			out = binary.BigEndian.AppendUint16(out, uint16(len(s)))
			out = append(out, s...)
		case headerTypeUUID:
			out = append(out, h.Value.([]byte)...)
		default:
			return nil, ErrHeaderTypeUnknown
		}
	}
	return out, nil
}
