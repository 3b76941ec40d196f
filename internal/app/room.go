package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/internal/config"
	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/pkg/audio"
	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/pkg/audio/wavtrack"
)

// Microphone is a participant track owned by the [Room]. Done is closed when
// the track ends on its own or after Close.
type Microphone interface {
	audio.Track
	Done() <-chan struct{}
	Close() error
}

// MicOpener opens the microphone declared by a participant entry.
type MicOpener func(ctx context.Context, p config.ParticipantConfig) (Microphone, error)

// OpenWAV is the default [MicOpener]. It streams p.WAV in real time.
func OpenWAV(ctx context.Context, p config.ParticipantConfig) (Microphone, error) {
	return wavtrack.Open(ctx, p.ID+"-mic", p.WAV, wavtrack.WithLoop(p.Loop))
}

var (
	_ audio.Roster = (*Room)(nil)
	_ audio.Ducker = (*Room)(nil)
	_ Microphone   = (*wavtrack.Track)(nil)
)

type member struct {
	cfg  config.ParticipantConfig
	mic  Microphone
	stop chan struct{}
}

// Room is a local conference room assembled from configured participants.
// Each participant's microphone is a [Microphone] opened through a
// [MicOpener]. The local listener is part of the room but never has a
// microphone.
//
// Room implements [audio.Roster] and [audio.Ducker]. Ducking is recorded per
// participant; the room renders no original voices, so there is nothing to
// attenuate beyond bookkeeping.
//
// All methods are safe for concurrent use.
type Room struct {
	localID string
	open    MicOpener

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	order    []string
	members  map[string]*member
	ducked   map[string]bool
	callback func(audio.Event)
	closed   bool

	events chan audio.Event
	wg     sync.WaitGroup
}

// NewRoom opens a microphone for every participant that declares one and
// returns the populated room. On error, microphones already opened are
// closed.
func NewRoom(ctx context.Context, localID string, participants []config.ParticipantConfig, open MicOpener) (*Room, error) {
	if open == nil {
		open = OpenWAV
	}
	rctx, cancel := context.WithCancel(ctx)
	r := &Room{
		localID: localID,
		open:    open,
		ctx:     rctx,
		cancel:  cancel,
		members: make(map[string]*member),
		ducked:  make(map[string]bool),
		events:  make(chan audio.Event, 64),
	}
	for _, p := range participants {
		m, err := r.newMember(p)
		if err != nil {
			_ = r.Close()
			return nil, err
		}
		r.mu.Lock()
		r.members[p.ID] = m
		r.order = append(r.order, p.ID)
		r.mu.Unlock()
		r.watch(m)
	}
	r.wg.Add(1)
	go r.dispatch()
	return r, nil
}

func (r *Room) newMember(p config.ParticipantConfig) (*member, error) {
	m := &member{cfg: p, stop: make(chan struct{})}
	if p.WAV == "" {
		return m, nil
	}
	mic, err := r.open(r.ctx, p)
	if err != nil {
		return nil, fmt.Errorf("app: open microphone for %q: %w", p.ID, err)
	}
	m.mic = mic
	return m, nil
}

// watch emits a track-ended event when m's microphone ends without being
// replaced or removed.
func (r *Room) watch(m *member) {
	if m.mic == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-m.mic.Done():
			select {
			case <-m.stop:
				return
			default:
			}
			slog.Info("room: microphone ended", "participant_id", m.cfg.ID)
			r.emit(audio.Event{Type: audio.EventTrackEnded, ParticipantID: m.cfg.ID})
		case <-m.stop:
		}
	}()
}

func (r *Room) emit(ev audio.Event) {
	select {
	case r.events <- ev:
	case <-r.ctx.Done():
	}
}

func (r *Room) dispatch() {
	defer r.wg.Done()
	for {
		select {
		case ev := <-r.events:
			r.mu.Lock()
			cb := r.callback
			r.mu.Unlock()
			if cb != nil {
				cb(ev)
			}
		case <-r.ctx.Done():
			return
		}
	}
}

// ── audio.Roster ─────────────────────────────────────────────────────────────

// LocalID implements [audio.Roster].
func (r *Room) LocalID() string { return r.localID }

// Participants implements [audio.Roster]. The local listener comes first,
// followed by configured participants in declaration order.
func (r *Room) Participants() []audio.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audio.Participant, 0, len(r.order)+1)
	if r.localID != "" {
		out = append(out, audio.Participant{ID: r.localID, Name: r.localID})
	}
	for _, id := range r.order {
		m, ok := r.members[id]
		if !ok {
			// Being reopened by Apply.
			continue
		}
		p := audio.Participant{ID: id, Name: m.cfg.Name, Metadata: m.cfg.Metadata}
		if m.mic != nil {
			p.Microphone = m.mic
		}
		out = append(out, p)
	}
	return out
}

// OnParticipantChange implements [audio.Roster].
func (r *Room) OnParticipantChange(cb func(audio.Event)) {
	r.mu.Lock()
	r.callback = cb
	r.mu.Unlock()
}

// ── audio.Ducker ─────────────────────────────────────────────────────────────

// Duck implements [audio.Ducker].
func (r *Room) Duck(participantID string) {
	r.mu.Lock()
	r.ducked[participantID] = true
	r.mu.Unlock()
	slog.Debug("room: ducked original voice", "participant_id", participantID)
}

// Unduck implements [audio.Ducker].
func (r *Room) Unduck(participantID string) {
	r.mu.Lock()
	delete(r.ducked, participantID)
	r.mu.Unlock()
	slog.Debug("room: restored original voice", "participant_id", participantID)
}

// Ducked reports whether participantID's original voice is currently ducked.
func (r *Room) Ducked(participantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ducked[participantID]
}

// ── Reload ───────────────────────────────────────────────────────────────────

// Apply reconciles the room with a new participant list:
//
//   - removed participants leave and their microphones are closed;
//   - new participants join with a fresh microphone;
//   - a changed WAV source or loop flag republishes the microphone;
//   - changed metadata or display name is announced as a metadata change.
//
// Errors opening microphones are joined; the affected participants stay in
// the room without a microphone.
func (r *Room) Apply(participants []config.ParticipantConfig) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.New("app: room closed")
	}
	next := make(map[string]config.ParticipantConfig, len(participants))
	order := make([]string, 0, len(participants))
	for _, p := range participants {
		next[p.ID] = p
		order = append(order, p.ID)
	}

	var (
		events  []audio.Event
		retired []*member
		opens   []config.ParticipantConfig
	)
	for id, m := range r.members {
		p, ok := next[id]
		switch {
		case !ok:
			retired = append(retired, m)
			delete(r.members, id)
			delete(r.ducked, id)
			events = append(events, audio.Event{Type: audio.EventLeave, ParticipantID: id})
		case p.WAV != m.cfg.WAV || p.Loop != m.cfg.Loop:
			retired = append(retired, m)
			delete(r.members, id)
			opens = append(opens, p)
		case p.Metadata != m.cfg.Metadata || p.Name != m.cfg.Name:
			m.cfg = p
			events = append(events, audio.Event{Type: audio.EventMetadataChanged, ParticipantID: id})
		}
	}
	for _, p := range participants {
		if _, ok := r.members[p.ID]; !ok && !containsID(opens, p.ID) {
			opens = append(opens, p)
		}
	}
	r.order = order
	r.mu.Unlock()

	// Close retired microphones before opening replacements so a source is
	// never read twice.
	for _, m := range retired {
		close(m.stop)
		if m.mic != nil {
			_ = m.mic.Close()
		}
	}

	var errs []error
	for _, p := range opens {
		m, err := r.newMember(p)
		if err != nil {
			errs = append(errs, err)
			m = &member{cfg: p, stop: make(chan struct{})}
		}
		r.mu.Lock()
		r.members[p.ID] = m
		r.mu.Unlock()
		r.watch(m)

		evType := audio.EventJoin
		if wasMember(retired, p.ID) {
			evType = audio.EventTrackPublished
		}
		events = append(events, audio.Event{Type: evType, ParticipantID: p.ID})
	}

	for _, ev := range events {
		r.emit(ev)
	}
	return errors.Join(errs...)
}

func containsID(ps []config.ParticipantConfig, id string) bool {
	for _, p := range ps {
		if p.ID == id {
			return true
		}
	}
	return false
}

func wasMember(ms []*member, id string) bool {
	for _, m := range ms {
		if m.cfg.ID == id {
			return true
		}
	}
	return false
}

// Close closes every microphone and stops event delivery. Safe to call more
// than once.
func (r *Room) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	members := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, m)
	}
	r.members = make(map[string]*member)
	r.order = nil
	r.mu.Unlock()

	for _, m := range members {
		close(m.stop)
		if m.mic != nil {
			_ = m.mic.Close()
		}
	}
	r.cancel()
	r.wg.Wait()
	return nil
}
