package audio

import "time"

// Frame is a single chunk of captured audio flowing from a [Track] into the
// capture pipeline. Frames are mono; multi-channel sources are down-mixed by
// the track implementation before delivery.
type Frame struct {
	// Samples holds floating-point PCM in the range [-1, 1].
	Samples []float32

	// SampleRate in Hz of Samples (e.g., 48000 for a browser capture context).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to track start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}
