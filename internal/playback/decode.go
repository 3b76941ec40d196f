package playback

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/mp3"
	"github.com/gopxl/beep/wav"

	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/pkg/audio"
)

// ErrEmptyAudio is returned when a playback payload carries no bytes.
var ErrEmptyAudio = errors.New("playback: empty audio payload")

// resampleQuality is the beep resampler quality used at the engine boundary.
const resampleQuality = 4

// decodeCompressed decodes a complete MP3 or WAV payload into memory. WAV is
// detected by its RIFF magic; everything else is treated as MP3.
func decodeCompressed(data []byte) (*beep.Buffer, error) {
	if len(data) == 0 {
		return nil, ErrEmptyAudio
	}

	var (
		s      beep.StreamSeekCloser
		format beep.Format
		err    error
	)
	if isWAV(data) {
		s, format, err = wav.Decode(bytes.NewReader(data))
	} else {
		s, format, err = mp3.Decode(io.NopCloser(bytes.NewReader(data)))
	}
	if err != nil {
		return nil, fmt.Errorf("playback: decode: %w", err)
	}
	defer s.Close()

	buf := beep.NewBuffer(format)
	buf.Append(s)
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("playback: decode: %w", err)
	}
	if buf.Len() == 0 {
		return nil, ErrEmptyAudio
	}
	return buf, nil
}

// decodeRaw wraps 16-bit little-endian mono PCM in a buffer tagged with
// sampleRate.
func decodeRaw(data []byte, sampleRate int) (*beep.Buffer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("playback: invalid sample rate %d", sampleRate)
	}
	samples := audio.DecodePCM16(data)
	if len(samples) == 0 {
		return nil, ErrEmptyAudio
	}

	format := beep.Format{SampleRate: beep.SampleRate(sampleRate), NumChannels: 1, Precision: 2}
	buf := beep.NewBuffer(format)
	buf.Append(monoStreamer(samples))
	return buf, nil
}

// monoStreamer streams mono float samples duplicated onto both beep channels.
func monoStreamer(samples []float32) beep.Streamer {
	pos := 0
	return beep.StreamerFunc(func(out [][2]float64) (int, bool) {
		if pos >= len(samples) {
			return 0, false
		}
		n := copy2(out, samples[pos:])
		pos += n
		return n, true
	})
}

func copy2(out [][2]float64, in []float32) int {
	n := min(len(out), len(in))
	for i := range n {
		v := float64(in[i])
		out[i][0], out[i][1] = v, v
	}
	return n
}

func isWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// source returns a streamer over buf at the engine output rate.
func source(buf *beep.Buffer, out beep.SampleRate) beep.Streamer {
	s := buf.Streamer(0, buf.Len())
	if buf.Format().SampleRate == out {
		return s
	}
	return beep.Resample(resampleQuality, buf.Format().SampleRate, out, s)
}
