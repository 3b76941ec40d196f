// Package speaker plays the translated mix on the local sound device through
// github.com/gopxl/beep/speaker.
//
// The device is process-global, so only one [Output] may be started at a time.
package speaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gopxl/beep"
	beepspeaker "github.com/gopxl/beep/speaker"
)

var errStarted = errors.New("speaker: output already started")

// Output renders a beep streamer on the default sound device.
type Output struct {
	buffer time.Duration

	mu      sync.Mutex
	started bool
}

// New returns an output with the given device buffer length. A non-positive
// buffer defaults to 100ms.
func New(buffer time.Duration) *Output {
	if buffer <= 0 {
		buffer = 100 * time.Millisecond
	}
	return &Output{buffer: buffer}
}

// Start initialises the device at sr and begins playing s.
func (o *Output) Start(sr beep.SampleRate, s beep.Streamer) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return errStarted
	}
	if err := beepspeaker.Init(sr, sr.N(o.buffer)); err != nil {
		return fmt.Errorf("speaker: init: %w", err)
	}
	beepspeaker.Play(s)
	o.started = true
	return nil
}

// Close stops playback and releases the device.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		return nil
	}
	beepspeaker.Clear()
	beepspeaker.Close()
	o.started = false
	return nil
}
