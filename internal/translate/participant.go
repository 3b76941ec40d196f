package translate

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/internal/capture"
	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/internal/transport"
	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/pkg/audio"
)

// ParticipantSession binds one remote participant's microphone track to a
// translation socket and a capture pipeline.
//
// Its configuration is fixed at creation. A language change is applied by
// tearing the session down and creating a new one.
type ParticipantSession struct {
	ID         string
	Name       string
	AvatarURL  string
	SourceLang string
	TargetLang string

	transport *transport.Session
	pipeline  *capture.Pipeline
	player    Player

	mu      sync.Mutex
	track   audio.Track
	closing bool

	teardownOnce sync.Once
}

// sessionDeps carries the orchestrator hooks a session calls back into.
type sessionDeps struct {
	player       Player
	captureOpts  []capture.Option
	onTranscript func(*ParticipantSession, transport.Transcript)
	onClosed     func(*ParticipantSession, error)
	onTrackEnded func(*ParticipantSession)
	autoplay     func() bool
}

// newParticipantSession wires transport and capture for one participant. The
// session is not started.
func newParticipantSession(ctx context.Context, p transport.Params, name, avatar string, track audio.Track, deps sessionDeps, topts []transport.Option) (*ParticipantSession, error) {
	ps := &ParticipantSession{
		ID:         p.ParticipantID,
		Name:       name,
		AvatarURL:  avatar,
		SourceLang: p.SourceLang,
		TargetLang: p.TargetLang,
		player:     deps.player,
		track:      track,
	}

	opts := append([]transport.Option{}, topts...)
	opts = append(opts,
		transport.WithLiveness(ps.trackLive),
		transport.WithAutoplay(deps.autoplay),
		// Capture starts only once the server acknowledged the stream, and
		// again after every successful reconnect.
		transport.WithOnReady(func() { ps.startCapture(ctx) }),
		transport.WithOnInterrupted(func() { ps.pipeline.Stop() }),
		transport.WithOnAudio(func(data []byte) {
			// Decode failures are reported through the player's error hook.
			_ = ps.player.Play(data, ps.ID)
		}),
		transport.WithOnTranscript(func(tr transport.Transcript) {
			if deps.onTranscript != nil {
				deps.onTranscript(ps, tr)
			}
		}),
		transport.WithOnClosed(func(err error) {
			if deps.onClosed != nil {
				deps.onClosed(ps, err)
			}
		}),
	)

	t, err := transport.New(p, opts...)
	if err != nil {
		return nil, err
	}
	ps.transport = t

	copts := append([]capture.Option{capture.WithParticipantID(ps.ID)}, deps.captureOpts...)
	copts = append(copts, capture.WithOnTrackEnded(func() {
		if deps.onTrackEnded != nil {
			deps.onTrackEnded(ps)
		}
	}))
	ps.pipeline = capture.New(track, t, copts...)
	return ps, nil
}

// startCapture starts the pipeline unless teardown has begun. The check and
// the start happen under ps.mu so teardown's Stop always sees the pipeline.
func (ps *ParticipantSession) startCapture(ctx context.Context) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closing {
		return
	}
	if err := ps.pipeline.Start(ctx); err != nil && !errors.Is(err, capture.ErrRunning) {
		slog.Warn("translate: start capture", "participant_id", ps.ID, "err", err)
	}
}

// start opens the socket. Capture follows the handshake.
func (ps *ParticipantSession) start(ctx context.Context) {
	ps.transport.Start(ctx)
}

// Ready reports whether the socket completed its handshake.
func (ps *ParticipantSession) Ready() bool { return ps.transport.Ready() }

// State returns the socket state.
func (ps *ParticipantSession) State() transport.State { return ps.transport.State() }

func (ps *ParticipantSession) trackLive() bool {
	t := ps.currentTrack()
	return t != nil && t.Live()
}

// currentTrack returns the track the session reads, or nil after teardown.
func (ps *ParticipantSession) currentTrack() audio.Track {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.track
}

// Closing reports whether teardown has begun.
func (ps *ParticipantSession) Closing() bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.closing
}

// teardown releases everything the session holds. Once closing is set no
// callback restarts capture. Pending reconnects are cancelled before capture
// stops and the socket closes; the track reference and the playback channel
// go last. Safe to call more than once.
func (ps *ParticipantSession) teardown() {
	ps.teardownOnce.Do(func() {
		ps.mu.Lock()
		ps.closing = true
		ps.mu.Unlock()

		ps.transport.StopReconnect()
		ps.pipeline.Stop()
		_ = ps.transport.Close()

		ps.mu.Lock()
		ps.track = nil
		ps.mu.Unlock()

		ps.player.Stop(ps.ID)
	})
}
