// Package mock provides in-memory mock implementations of the [audio.Track],
// [audio.Roster], and [audio.Ducker] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every relevant call so
// that tests can assert on call counts and arguments, and they expose methods
// that let the test drive roster changes and track liveness.
//
// Typical usage:
//
//	track := mock.NewTrack("mic-1", 48000)
//	roster := mock.NewRoster("me")
//	roster.Set(audio.Participant{ID: "p1", Metadata: `{"language":"ja"}`, Microphone: track})
//	roster.Emit(audio.Event{Type: audio.EventJoin, ParticipantID: "p1"})
package mock

import (
	"sync"

	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/pkg/audio"
)

// ─── Track ────────────────────────────────────────────────────────────────────

// Track is a mock implementation of [audio.Track]. Frames pushed with
// [Track.Push] are delivered on the Frames channel.
type Track struct {
	id         string
	sampleRate int
	frames     chan audio.Frame
	done       chan struct{}

	mu    sync.Mutex
	ended bool
}

// NewTrack returns a live mock track with a buffered frame channel.
func NewTrack(id string, sampleRate int) *Track {
	return &Track{
		id:         id,
		sampleRate: sampleRate,
		frames:     make(chan audio.Frame, 256),
		done:       make(chan struct{}),
	}
}

// ID implements [audio.Track].
func (t *Track) ID() string { return t.id }

// SampleRate implements [audio.Track].
func (t *Track) SampleRate() int { return t.sampleRate }

// Frames implements [audio.Track].
func (t *Track) Frames() <-chan audio.Frame { return t.frames }

// Live implements [audio.Track]. Reports false after [Track.End].
func (t *Track) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.ended
}

// Push delivers samples as one frame at the track's native rate. Push after
// End is a no-op.
func (t *Track) Push(samples []float32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return
	}
	t.frames <- audio.Frame{Samples: samples, SampleRate: t.sampleRate}
}

// End marks the track as ended and closes the frame channel. Safe to call
// more than once.
func (t *Track) End() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return
	}
	t.ended = true
	close(t.frames)
	close(t.done)
}

// Done is closed by [Track.End].
func (t *Track) Done() <-chan struct{} { return t.done }

// Close ends the track. It always returns nil.
func (t *Track) Close() error {
	t.End()
	return nil
}

// ─── Roster ───────────────────────────────────────────────────────────────────

// Roster is a mock implementation of [audio.Roster] and [audio.Ducker].
type Roster struct {
	mu           sync.Mutex
	localID      string
	participants []audio.Participant
	callback     func(audio.Event)

	// CallCountOnParticipantChange records how many times OnParticipantChange was called.
	CallCountOnParticipantChange int

	// Ducked records the participant IDs passed to Duck, in call order.
	Ducked []string

	// Unducked records the participant IDs passed to Unduck, in call order.
	Unducked []string
}

// NewRoster returns an empty roster whose local listener is localID.
func NewRoster(localID string) *Roster {
	return &Roster{localID: localID}
}

// LocalID implements [audio.Roster].
func (r *Roster) LocalID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.localID
}

// SetLocalID changes the local listener identity.
func (r *Roster) SetLocalID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localID = id
}

// Participants implements [audio.Roster]. Returns a copy.
func (r *Roster) Participants() []audio.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audio.Participant, len(r.participants))
	copy(out, r.participants)
	return out
}

// Set adds p, or replaces the entry with the same ID.
func (r *Roster) Set(p audio.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.participants {
		if r.participants[i].ID == p.ID {
			r.participants[i] = p
			return
		}
	}
	r.participants = append(r.participants, p)
}

// Remove deletes the participant with the given ID, if present.
func (r *Roster) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.participants {
		if r.participants[i].ID == id {
			r.participants = append(r.participants[:i], r.participants[i+1:]...)
			return
		}
	}
}

// OnParticipantChange implements [audio.Roster].
func (r *Roster) OnParticipantChange(cb func(audio.Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountOnParticipantChange++
	r.callback = cb
}

// Emit invokes the registered callback with ev. Use this in tests to simulate
// roster changes.
func (r *Roster) Emit(ev audio.Event) {
	r.mu.Lock()
	cb := r.callback
	r.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// Duck implements [audio.Ducker].
func (r *Roster) Duck(participantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Ducked = append(r.Ducked, participantID)
}

// Unduck implements [audio.Ducker].
func (r *Roster) Unduck(participantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Unducked = append(r.Unducked, participantID)
}

// DuckCalls returns copies of the recorded Duck and Unduck arguments.
func (r *Roster) DuckCalls() (ducked, unducked []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.Ducked...), append([]string(nil), r.Unducked...)
}
