package audio

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the length in bytes of the stream metadata header.
const HeaderSize = 12

// Header describes the PCM format of an uplink audio stream. It is encoded
// once per transport connection, before any audio payload.
type Header struct {
	SampleRate    uint32
	Channels      uint16
	BitsPerSample uint16
}

// EncodeHeader returns the fixed 12-byte little-endian layout:
//
//	u32 sampleRate | u16 channels | u16 bitsPerSample | u32 reserved (0)
func EncodeHeader(h Header) []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.SampleRate)
	binary.LittleEndian.PutUint16(b[4:6], h.Channels)
	binary.LittleEndian.PutUint16(b[6:8], h.BitsPerSample)
	// b[8:12] reserved, already zero.
	return b
}

// DecodeHeader parses a header produced by [EncodeHeader].
func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderSize {
		return Header{}, fmt.Errorf("audio: header must be %d bytes, got %d", HeaderSize, len(b))
	}
	return Header{
		SampleRate:    binary.LittleEndian.Uint32(b[0:4]),
		Channels:      binary.LittleEndian.Uint16(b[4:6]),
		BitsPerSample: binary.LittleEndian.Uint16(b[6:8]),
	}, nil
}
