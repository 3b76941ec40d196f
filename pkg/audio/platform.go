// Package audio defines the types and interfaces shared by the translation
// pipeline: audio frames, PCM conversion helpers, the stream metadata header,
// and the collaborator interfaces the pipeline consumes.
//
// The two primary abstractions are:
//
//   - [Track]: a live microphone track of one participant. Tracks are owned by
//     the conferencing subsystem; the pipeline borrows them and never closes them.
//   - [Roster]: the participant list of the current room, including each
//     participant's published metadata and the local listener's identity.
//
// Implementations are provided by the conferencing layer (or, for local runs,
// by the demo room in internal/app, backed by pkg/audio/wavtrack).
//
// This package lives under pkg/ because external code is expected to implement
// [Track] and [Roster].
package audio

// EventType classifies roster changes emitted by a [Roster].
type EventType int

const (
	// EventJoin is emitted when a participant enters the room.
	EventJoin EventType = iota

	// EventLeave is emitted when a participant leaves the room.
	EventLeave

	// EventTrackPublished is emitted when a participant's microphone track
	// becomes available.
	EventTrackPublished

	// EventTrackEnded is emitted when a participant's microphone track stops.
	EventTrackEnded

	// EventMetadataChanged is emitted when a participant republishes metadata
	// (e.g., changes their spoken language).
	EventMetadataChanged
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	case EventTrackPublished:
		return "TRACK_PUBLISHED"
	case EventTrackEnded:
		return "TRACK_ENDED"
	case EventMetadataChanged:
		return "METADATA_CHANGED"
	default:
		return "UNKNOWN"
	}
}

// Event describes a roster change. Callbacks registered via
// [Roster.OnParticipantChange] receive values of this type.
type Event struct {
	// Type indicates what changed.
	Type EventType

	// ParticipantID is the identity of the participant concerned.
	ParticipantID string
}

// Track is a live audio track of a single participant.
//
// Frames delivers captured audio for as long as the track is live. A Track
// supports one reader at a time; the capture pipeline stops reading before a
// new pipeline is started on the same track.
//
// Implementations must be safe for concurrent use.
type Track interface {
	// ID returns the track identifier.
	ID() string

	// SampleRate returns the native sample rate of the frames.
	SampleRate() int

	// Frames returns the channel delivering captured frames. The channel is
	// closed when the track ends.
	Frames() <-chan Frame

	// Live reports whether the track is still producing audio.
	Live() bool
}

// Participant is a snapshot of one roster entry.
type Participant struct {
	// ID is the opaque participant identity.
	ID string

	// Name is the human-readable display name.
	Name string

	// Metadata is the raw metadata string the participant published (usually
	// JSON). Empty when nothing has been published.
	Metadata string

	// Microphone is the participant's microphone track, or nil if none is
	// currently published.
	Microphone Track
}

// Roster provides the participant list of the current room.
//
// Implementations must be safe for concurrent use.
type Roster interface {
	// LocalID returns the identity of the local listener, or "" while it is
	// not yet known.
	LocalID() string

	// Participants returns a snapshot of all participants in the room,
	// including the local listener.
	Participants() []Participant

	// OnParticipantChange registers cb as the callback to invoke on every
	// roster change. Only one callback may be registered at a time; subsequent
	// calls replace the previous registration. The callback is invoked on an
	// internal goroutine and must not block.
	OnParticipantChange(cb func(Event))
}

// Ducker lowers the original voice of a participant while that participant's
// translated speech plays. A [Roster] may optionally implement Ducker.
type Ducker interface {
	// Duck lowers the original audio of participantID.
	Duck(participantID string)

	// Unduck restores the original audio of participantID.
	Unduck(participantID string)
}
