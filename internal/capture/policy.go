package capture

import "time"

// Reason identifies why a buffer was flushed.
type Reason int

const (
	// ReasonNone means no flush is due.
	ReasonNone Reason = iota

	// ReasonUtterance fires when speech was followed by enough silence.
	ReasonUtterance

	// ReasonForced fires when the forced interval elapsed since the last send.
	ReasonForced

	// ReasonBufferFull fires when the buffered audio reached the hard cap.
	ReasonBufferFull
)

// String returns the metric label of the reason.
func (r Reason) String() string {
	switch r {
	case ReasonUtterance:
		return "utterance"
	case ReasonForced:
		return "forced"
	case ReasonBufferFull:
		return "buffer_full"
	default:
		return "none"
	}
}

// Policy holds the tunable thresholds of the hybrid send policy.
type Policy struct {
	// SpeechThreshold is the RMS level at or above which audio counts as
	// speech.
	SpeechThreshold float64

	// SilenceThreshold is the RMS level below which audio counts as silence
	// while speaking. Must not exceed SpeechThreshold.
	SilenceThreshold float64

	// SilenceDuration is how long silence must last after speech to complete
	// an utterance.
	SilenceDuration time.Duration

	// ForcedInterval bounds the time between two sends.
	ForcedInterval time.Duration

	// MaxBuffer is the hard cap on buffered audio, measured at the target
	// rate.
	MaxBuffer time.Duration
}

// DefaultPolicy returns the default thresholds.
func DefaultPolicy() Policy {
	return Policy{
		SpeechThreshold:  0.015,
		SilenceThreshold: 0.008,
		SilenceDuration:  350 * time.Millisecond,
		ForcedInterval:   2500 * time.Millisecond,
		MaxBuffer:        5 * time.Second,
	}
}

// Detector tracks speech state and decides when a buffer must be flushed. It
// holds no audio and is not safe for concurrent use.
type Detector struct {
	policy     Policy
	capSamples int

	speaking     bool
	silenceStart time.Time
	lastSpeech   time.Time
	lastSend     time.Time
}

// NewDetector returns an idle detector whose send clock starts at now.
// targetRate converts [Policy.MaxBuffer] into a sample cap.
func NewDetector(p Policy, targetRate int, now time.Time) *Detector {
	return &Detector{
		policy:     p,
		capSamples: int(int64(targetRate) * int64(p.MaxBuffer) / int64(time.Second)),
		lastSend:   now,
	}
}

// Observe feeds the RMS of the most recent analysis window.
func (d *Detector) Observe(now time.Time, rms float64) {
	switch {
	case rms >= d.policy.SpeechThreshold:
		d.speaking = true
		d.silenceStart = time.Time{}
		d.lastSpeech = now
	case rms < d.policy.SilenceThreshold && d.speaking && d.silenceStart.IsZero():
		d.silenceStart = now
	}
}

// Decide reports which trigger, if any, fires at now. bufferedSamples is the
// buffered audio length at the target rate. Triggers are checked in priority
// order: utterance, forced, buffer-full.
func (d *Detector) Decide(now time.Time, bufferedSamples int) Reason {
	if d.speaking && !d.silenceStart.IsZero() && now.Sub(d.silenceStart) >= d.policy.SilenceDuration {
		return ReasonUtterance
	}
	if now.Sub(d.lastSend) >= d.policy.ForcedInterval {
		return ReasonForced
	}
	if d.capSamples > 0 && bufferedSamples >= d.capSamples {
		return ReasonBufferFull
	}
	return ReasonNone
}

// MarkSent records a flush for reason at now. Utterance and buffer-full
// flushes reset the speech state; a forced flush keeps it.
func (d *Detector) MarkSent(now time.Time, reason Reason) {
	d.lastSend = now
	if reason == ReasonUtterance || reason == ReasonBufferFull {
		d.speaking = false
		d.silenceStart = time.Time{}
	}
}

// Speaking reports whether the detector is in the speaking state.
func (d *Detector) Speaking() bool { return d.speaking }

// LastSpeech returns when speech was last observed, or the zero time.
func (d *Detector) LastSpeech() time.Time { return d.lastSpeech }
