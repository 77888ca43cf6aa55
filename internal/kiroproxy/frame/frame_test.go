package frame

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crc32Of(b []byte) []byte {
	sum := crc32.ChecksumIEEE(b)
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, sum)
	return out
}

func sampleMessage() ([]Header, []byte) {
	headers := []Header{
		{Name: ":event-type", Type: headerTypeString, Value: "assistantResponseEvent"},
		{Name: ":message-type", Type: headerTypeString, Value: "event"},
	}
	payload := []byte(`{"content":"Hello"}`)
	return headers, payload
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	headers, payload := sampleMessage()
	wire, err := Encode(headers, payload)
	require.NoError(t, err)

	d := NewDecoder()
	msgs, err := d.Feed(wire)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	et, ok := msgs[0].HeaderString(":event-type")
	require.True(t, ok)
	assert.Equal(t, "assistantResponseEvent", et)
	assert.Equal(t, payload, msgs[0].Payload)
}

func TestFeedBuffersPartialFrame(t *testing.T) {
	headers, payload := sampleMessage()
	wire, err := Encode(headers, payload)
	require.NoError(t, err)

	d := NewDecoder()
	msgs, err := d.Feed(wire[:10])
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = d.Feed(wire[10:])
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestFeedDecodesMultipleFramesInOneCall(t *testing.T) {
	headers, payload := sampleMessage()
	wire, err := Encode(headers, payload)
	require.NoError(t, err)

	d := NewDecoder()
	msgs, err := d.Feed(append(append([]byte{}, wire...), wire...))
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestMessageCRCBitFlipIsDetected(t *testing.T) {
	headers, payload := sampleMessage()
	wire, err := Encode(headers, payload)
	require.NoError(t, err)

	corrupt := append([]byte(nil), wire...)
	corrupt[len(corrupt)-1] ^= 0xFF // flip the bits of the last byte of the trailing message CRC

	d := NewDecoder()
	_, err = d.Feed(corrupt)
	assert.Error(t, err)
}

func TestPreludeCRCBitFlipIsDetected(t *testing.T) {
	headers, payload := sampleMessage()
	wire, err := Encode(headers, payload)
	require.NoError(t, err)

	corrupt := append([]byte(nil), wire...)
	corrupt[0] ^= 0xFF // flip a bit in total_len, covered by prelude crc

	d := NewDecoder()
	_, err = d.Feed(corrupt)
	assert.ErrorIs(t, err, ErrHeaderCRCMismatch)
}

func TestDecoderPoisonsAfterFailure(t *testing.T) {
	d := NewDecoder()
	bad := make([]byte, preludeWithCRCLen+4)
	bad[0] = 0xFF // garbage total_len/prelude crc, guaranteed mismatch
	_, err := d.Feed(bad)
	require.Error(t, err)

	_, err2 := d.Feed([]byte{1, 2, 3})
	assert.Equal(t, err, err2)
}

func TestUnknownHeaderTypeIsRejected(t *testing.T) {
	headers := []Header{{Name: "x", Type: 99, Value: nil}}
	// Build manually since Encode rejects unknown types too; construct wire
	// bytes directly to exercise the decoder's header-type validation.
	headerBytes := []byte{byte(len(headers[0].Name))}
	headerBytes = append(headerBytes, headers[0].Name...)
	headerBytes = append(headerBytes, 99)

	payload := []byte(`{}`)
	msg := buildFrame(t, headerBytes, payload)

	d := NewDecoder()
	_, err := d.Feed(msg)
	assert.ErrorIs(t, err, ErrHeaderTypeUnknown)
}

func buildFrame(t *testing.T, headerBytes, payload []byte) []byte {
	t.Helper()
	totalLen := uint32(preludeWithCRCLen + len(headerBytes) + len(payload) + trailerLen)
	buf := make([]byte, preludeLen)
	buf[0] = byte(totalLen >> 24)
	buf[1] = byte(totalLen >> 16)
	buf[2] = byte(totalLen >> 8)
	buf[3] = byte(totalLen)
	hl := uint32(len(headerBytes))
	buf[4] = byte(hl >> 24)
	buf[5] = byte(hl >> 16)
	buf[6] = byte(hl >> 8)
	buf[7] = byte(hl)

	out := append([]byte{}, buf...)
	preludeCRC := crc32Of(buf)
	out = append(out, preludeCRC...)
	out = append(out, headerBytes...)
	out = append(out, payload...)
	msgCRC := crc32Of(out)
	out = append(out, msgCRC...)
	return out
}
