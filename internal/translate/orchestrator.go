// Package translate reconciles per-participant translation sessions against
// the room roster and the listener's language settings.
//
// The [Orchestrator] owns every [ParticipantSession]. It creates a session
// when a remote participant has a live microphone and speaks a language other
// than the listener's target, and tears it down when the participant leaves,
// their track ends, their language changes, the global languages change, or
// translation is disabled. It exposes the aggregate state the UI renders: the
// active session count, the latest transcript per participant, and the last
// terminal error.
package translate

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/internal/capture"
	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/internal/observe"
	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/internal/playback"
	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/internal/transport"
	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/pkg/audio"
)

// DefaultSourceLanguage is assumed for participants who announce no language.
const DefaultSourceLanguage = "ko"

// Teardown reasons recorded in metrics and logs.
const (
	reasonDisabled        = "disabled"
	reasonSettingsChanged = "settings_changed"
	reasonLanguageChanged = "language_changed"
	reasonLeft            = "left"
	reasonTrackEnded      = "track_ended"
	reasonTransportFailed = "transport_failed"
	reasonStale           = "stale"
	reasonShutdown        = "shutdown"
)

// Player is the playback surface sessions need. *playback.Engine implements
// it.
type Player interface {
	Play(data []byte, participantID string) error
	Stop(participantID string)
}

var _ Player = (*playback.Engine)(nil)

// Settings is the listener's translation preference.
type Settings struct {
	// Enabled turns translation on or off globally.
	Enabled bool `json:"enabled"`

	// Autoplay plays synthesized speech as it arrives.
	Autoplay bool `json:"autoplay"`

	// SourceLanguage is assumed for participants who announce none.
	SourceLanguage string `json:"source_language"`

	// TargetLanguage is the language the listener wants to hear.
	TargetLanguage string `json:"target_language"`
}

// TranscriptRecord is the latest caption for one participant.
type TranscriptRecord struct {
	ParticipantID string    `json:"participant_id"`
	Name          string    `json:"name,omitempty"`
	AvatarURL     string    `json:"avatar_url,omitempty"`
	Original      string    `json:"original"`
	Translated    string    `json:"translated"`
	IsFinal       bool      `json:"is_final"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// State is a point-in-time copy of the orchestrator's exposed state.
type State struct {
	Active      int
	Transcripts map[string]TranscriptRecord
	Err         error
	Settings    Settings
}

// ── Options ──────────────────────────────────────────────────────────────────

// Option is a functional option for [New].
type Option func(*Orchestrator)

// WithServerURL sets the translation server's WebSocket endpoint.
func WithServerURL(u string) Option {
	return func(o *Orchestrator) { o.serverURL = u }
}

// WithRoomID sets the room identifier sent to the server.
func WithRoomID(id string) Option {
	return func(o *Orchestrator) { o.roomID = id }
}

// WithSettings sets the initial settings. Default: enabled, autoplay on,
// source [DefaultSourceLanguage], target "en".
func WithSettings(s Settings) Option {
	return func(o *Orchestrator) { o.settings = normalize(s) }
}

// WithCaptureOptions passes options to every capture pipeline.
func WithCaptureOptions(opts ...capture.Option) Option {
	return func(o *Orchestrator) { o.captureOpts = append(o.captureOpts, opts...) }
}

// WithTransportOptions passes options to every socket session. Callback
// options are overridden by the orchestrator.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(o *Orchestrator) { o.transportOpts = append(o.transportOpts, opts...) }
}

// WithDucker overrides the ducker. By default the roster is used when it
// implements [audio.Ducker].
func WithDucker(d audio.Ducker) Option {
	return func(o *Orchestrator) { o.ducker = d }
}

// WithOnUpdate registers a callback fired with a fresh [State] after every
// change. It may run on any goroutine and must not block.
func WithOnUpdate(fn func(State)) Option {
	return func(o *Orchestrator) { o.onUpdate = fn }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// ── Orchestrator ─────────────────────────────────────────────────────────────

// Orchestrator manages the set of [ParticipantSession]s. All methods are safe
// for concurrent use.
type Orchestrator struct {
	roster        audio.Roster
	player        Player
	ducker        audio.Ducker
	serverURL     string
	roomID        string
	captureOpts   []capture.Option
	transportOpts []transport.Option
	onUpdate      func(State)
	metrics       *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	settings    Settings
	applied     *Settings
	announced   map[string]string
	sessions    map[string]*ParticipantSession
	inflight    map[string]struct{}
	transcripts map[string]TranscriptRecord
	ducked      map[string]struct{}
	err         error
	epoch       uint64
	closed      bool

	creators sync.WaitGroup
	trigger  chan struct{}
	loopDone chan struct{}
}

// New creates an orchestrator and subscribes it to roster changes. The first
// reconciliation runs immediately.
func New(roster audio.Roster, player Player, opts ...Option) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		roster: roster,
		player: player,
		settings: Settings{
			Enabled:        true,
			Autoplay:       true,
			SourceLanguage: DefaultSourceLanguage,
			TargetLanguage: "en",
		},
		ctx:         ctx,
		cancel:      cancel,
		announced:   make(map[string]string),
		sessions:    make(map[string]*ParticipantSession),
		inflight:    make(map[string]struct{}),
		transcripts: make(map[string]TranscriptRecord),
		ducked:      make(map[string]struct{}),
		trigger:     make(chan struct{}, 1),
		loopDone:    make(chan struct{}),
	}
	if d, ok := roster.(audio.Ducker); ok {
		o.ducker = d
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}

	roster.OnParticipantChange(func(ev audio.Event) {
		slog.Debug("translate: roster change", "event", ev.Type.String(), "participant_id", ev.ParticipantID)
		o.Trigger()
	})
	go o.loop()
	o.Trigger()
	return o
}

func normalize(s Settings) Settings {
	s.SourceLanguage = strings.ToLower(strings.TrimSpace(s.SourceLanguage))
	s.TargetLanguage = strings.ToLower(strings.TrimSpace(s.TargetLanguage))
	if s.SourceLanguage == "" {
		s.SourceLanguage = DefaultSourceLanguage
	}
	return s
}

// Trigger schedules a reconciliation without blocking. Bursts of triggers
// collapse into one run.
func (o *Orchestrator) Trigger() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) loop() {
	defer close(o.loopDone)
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-o.trigger:
			o.Reconcile()
		}
	}
}

// Settings returns the current settings.
func (o *Orchestrator) Settings() Settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings
}

// SetSettings stores s and reconciles. A change of either language tears
// every session down so they are recreated with the new parameters.
func (o *Orchestrator) SetSettings(s Settings) {
	o.mu.Lock()
	o.settings = normalize(s)
	o.mu.Unlock()
	o.Reconcile()
}

// ActiveCount returns the number of registered sessions.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

// Transcripts returns a copy of the latest transcript per participant.
func (o *Orchestrator) Transcripts() map[string]TranscriptRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return maps.Clone(o.transcripts)
}

// Err returns the last terminal session error, or nil.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Session returns the registered session for participantID, or nil.
func (o *Orchestrator) Session(participantID string) *ParticipantSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[participantID]
}

// Snapshot returns a copy of the exposed state.
func (o *Orchestrator) Snapshot() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() State {
	return State{
		Active:      len(o.sessions),
		Transcripts: maps.Clone(o.transcripts),
		Err:         o.err,
		Settings:    o.settings,
	}
}

func (o *Orchestrator) notify() {
	if o.onUpdate == nil {
		return
	}
	o.onUpdate(o.Snapshot())
}

// doomed is a session detached from the registry, awaiting teardown.
type doomed struct {
	s      *ParticipantSession
	reason string
}

// createRequest is the immutable snapshot a creation goroutine works from.
type createRequest struct {
	participant audio.Participant
	listenerID  string
	source      string
	target      string
	epoch       uint64
}

// Reconcile brings the session set in line with the roster and settings.
func (o *Orchestrator) Reconcile() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}

	// 1. Nothing to do until the listener is known.
	local := o.roster.LocalID()
	if local == "" {
		o.mu.Unlock()
		return
	}

	var drop []doomed
	st := o.settings

	// 2. Disabled: everything goes.
	if !st.Enabled {
		drop = o.detachAllLocked(reasonDisabled)
		clear(o.transcripts)
		clear(o.announced)
		o.err = nil
		o.applied = nil
		o.mu.Unlock()
		o.teardown(drop)
		o.notify()
		return
	}

	// 3. Global language change: everything is recreated below.
	if o.applied != nil && (o.applied.SourceLanguage != st.SourceLanguage || o.applied.TargetLanguage != st.TargetLanguage) {
		drop = o.detachAllLocked(reasonSettingsChanged)
		clear(o.transcripts)
		o.err = nil
	}
	o.applied = &st

	participants := o.roster.Participants()
	present := make(map[string]audio.Participant, len(participants))
	for _, p := range participants {
		present[p.ID] = p
	}

	// 4. Per-participant announced language changes.
	for _, p := range participants {
		if p.ID == local {
			continue
		}
		md, _ := ParseMetadata(p.Metadata)
		prev, seen := o.announced[p.ID]
		o.announced[p.ID] = md.Language
		if seen && prev != md.Language {
			if s := o.detachLocked(p.ID); s != nil {
				drop = append(drop, doomed{s, reasonLanguageChanged})
			}
		}
	}

	// 5. Create what is missing; drop sessions whose track died or was
	// replaced so the participant is rebound to the current one.
	var create []createRequest
	for _, p := range participants {
		if p.ID == local {
			continue
		}
		if p.Microphone == nil || !p.Microphone.Live() {
			if s := o.detachLocked(p.ID); s != nil {
				drop = append(drop, doomed{s, reasonTrackEnded})
			}
			continue
		}
		if s, ok := o.sessions[p.ID]; ok && (s.currentTrack() != p.Microphone || !s.trackLive()) {
			o.detachLocked(p.ID)
			drop = append(drop, doomed{s, reasonTrackEnded})
		}
		source := o.sourceLocked(p.ID)
		if source == st.TargetLanguage {
			continue
		}
		if _, ok := o.sessions[p.ID]; ok {
			continue
		}
		if _, ok := o.inflight[p.ID]; ok {
			continue
		}
		o.inflight[p.ID] = struct{}{}
		create = append(create, createRequest{
			participant: p,
			listenerID:  local,
			source:      source,
			target:      st.TargetLanguage,
			epoch:       o.epoch,
		})
	}

	// 6. Participants who left.
	for id := range o.sessions {
		if _, ok := present[id]; !ok {
			drop = append(drop, doomed{o.detachLocked(id), reasonLeft})
		}
	}
	for id := range o.announced {
		if _, ok := present[id]; !ok {
			delete(o.announced, id)
			delete(o.transcripts, id)
		}
	}
	o.creators.Add(len(create))
	o.mu.Unlock()

	// Old sessions release their tracks before replacements start reading.
	o.teardown(drop)
	for _, req := range create {
		go o.create(req)
	}
	if len(drop) > 0 {
		o.notify()
	}
}

// sourceLocked resolves the source language for a participant.
func (o *Orchestrator) sourceLocked(id string) string {
	if lang := o.announced[id]; lang != "" {
		return lang
	}
	return o.settings.SourceLanguage
}

// detachLocked removes a session from the registry and returns it.
func (o *Orchestrator) detachLocked(id string) *ParticipantSession {
	s, ok := o.sessions[id]
	if !ok {
		return nil
	}
	delete(o.sessions, id)
	o.metrics.ActiveSessions.Add(o.ctx, -1)
	return s
}

// detachAllLocked removes every session and invalidates in-flight creations.
func (o *Orchestrator) detachAllLocked(reason string) []doomed {
	o.epoch++
	drop := make([]doomed, 0, len(o.sessions))
	for id := range o.sessions {
		drop = append(drop, doomed{o.detachLocked(id), reason})
	}
	return drop
}

// teardown releases detached sessions in parallel. Must be called without
// o.mu held.
func (o *Orchestrator) teardown(drop []doomed) {
	var g errgroup.Group
	for _, d := range drop {
		g.Go(func() error {
			slog.Info("translate: session teardown", "participant_id", d.s.ID, "reason", d.reason)
			d.s.teardown()
			o.unduck(d.s.ID)
			o.metrics.RecordTeardown(o.ctx, d.reason)
			return nil
		})
	}
	_ = g.Wait()
}

// create builds and registers one session. It runs on its own goroutine; the
// participant is already marked in-flight.
func (o *Orchestrator) create(req createRequest) {
	defer o.creators.Done()
	p := req.participant
	md, status := ParseMetadata(p.Metadata)
	slog.Debug("translate: creating session", "participant_id", p.ID, "metadata", status.String(),
		"source_lang", req.source, "target_lang", req.target)

	ps, err := newParticipantSession(o.ctx, transport.Params{
		BaseURL:       o.serverURL,
		RoomID:        o.roomID,
		ListenerID:    req.listenerID,
		ParticipantID: p.ID,
		SourceLang:    req.source,
		TargetLang:    req.target,
	}, p.Name, md.AvatarURL, p.Microphone, sessionDeps{
		player:       o.player,
		captureOpts:  o.captureOpts,
		onTranscript: o.storeTranscript,
		onClosed:     o.sessionClosed,
		onTrackEnded: o.trackEnded,
		autoplay:     o.autoplay,
	}, o.transportOpts)

	o.mu.Lock()
	delete(o.inflight, p.ID)
	if err != nil {
		o.err = err
		o.mu.Unlock()
		slog.Error("translate: create session", "participant_id", p.ID, "err", err)
		o.notify()
		return
	}
	// The world may have moved on while this goroutine ran.
	_, known := o.announced[p.ID]
	if o.closed || !known || req.epoch != o.epoch || o.sourceLocked(p.ID) != req.source || o.sessions[p.ID] != nil {
		o.mu.Unlock()
		ps.teardown()
		o.metrics.RecordTeardown(o.ctx, reasonStale)
		o.Trigger()
		return
	}
	o.sessions[p.ID] = ps
	o.metrics.ActiveSessions.Add(o.ctx, 1)
	o.metrics.SessionsCreated.Add(o.ctx, 1)
	o.mu.Unlock()

	slog.Info("translate: session created", "participant_id", p.ID, "source_lang", req.source, "target_lang", req.target)
	ps.start(o.ctx)
	o.notify()
}

func (o *Orchestrator) autoplay() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings.Enabled && o.settings.Autoplay
}

// storeTranscript records a caption under the session's participant if ps is
// still registered. A caption naming another participant is dropped.
func (o *Orchestrator) storeTranscript(ps *ParticipantSession, tr transport.Transcript) {
	if tr.ParticipantID != "" && tr.ParticipantID != ps.ID {
		slog.Debug("translate: dropping transcript for another participant",
			"participant_id", ps.ID, "transcript_participant_id", tr.ParticipantID)
		return
	}
	o.mu.Lock()
	if o.sessions[ps.ID] != ps {
		o.mu.Unlock()
		return
	}
	o.transcripts[ps.ID] = TranscriptRecord{
		ParticipantID: ps.ID,
		Name:          ps.Name,
		AvatarURL:     ps.AvatarURL,
		Original:      tr.Original,
		Translated:    tr.Translated,
		IsFinal:       tr.IsFinal,
		UpdatedAt:     time.Now(),
	}
	o.mu.Unlock()
	o.notify()
}

// trackEnded handles a capture loop whose track stopped delivering frames.
func (o *Orchestrator) trackEnded(ps *ParticipantSession) {
	o.sessionClosed(ps, transport.ErrTrackEnded)
	// The roster may already carry a replacement track.
	o.Trigger()
}

// sessionClosed handles a session that ended on its own.
func (o *Orchestrator) sessionClosed(ps *ParticipantSession, err error) {
	if err == nil {
		return
	}
	reason := reasonTransportFailed
	if errors.Is(err, transport.ErrTrackEnded) {
		reason = reasonTrackEnded
	}

	o.mu.Lock()
	if o.sessions[ps.ID] != ps {
		o.mu.Unlock()
		return
	}
	o.detachLocked(ps.ID)
	if reason == reasonTransportFailed {
		o.err = err
	}
	o.mu.Unlock()

	// Teardown waits for the capture loop; keep it off the socket goroutine.
	go func() {
		o.teardown([]doomed{{ps, reason}})
		o.notify()
	}()
}

// ── Playback hooks ───────────────────────────────────────────────────────────

// PlaybackStarted ducks the participant's original voice. Wire it to
// [playback.WithOnPlayStart].
func (o *Orchestrator) PlaybackStarted(participantID string) {
	if o.ducker == nil {
		return
	}
	o.mu.Lock()
	if _, ok := o.ducked[participantID]; ok {
		o.mu.Unlock()
		return
	}
	o.ducked[participantID] = struct{}{}
	o.mu.Unlock()
	o.ducker.Duck(participantID)
}

// PlaybackEnded restores the participant's original voice. Wire it to
// [playback.WithOnPlayEnd].
func (o *Orchestrator) PlaybackEnded(participantID string) {
	o.unduck(participantID)
}

// PlaybackFailed restores the voice of the participant whose playback failed.
// Wire it to [playback.WithOnError].
func (o *Orchestrator) PlaybackFailed(err error) {
	var pe *playback.PlaybackError
	if errors.As(err, &pe) {
		slog.Warn("translate: playback failed", "participant_id", pe.ParticipantID, "err", pe.Err)
		o.unduck(pe.ParticipantID)
	}
}

func (o *Orchestrator) unduck(participantID string) {
	if o.ducker == nil {
		return
	}
	o.mu.Lock()
	_, ok := o.ducked[participantID]
	delete(o.ducked, participantID)
	o.mu.Unlock()
	if ok {
		o.ducker.Unduck(participantID)
	}
}

// Close tears down every session and stops reacting to roster changes. It
// waits for in-flight creations to settle.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	drop := o.detachAllLocked(reasonShutdown)
	o.mu.Unlock()

	o.roster.OnParticipantChange(func(audio.Event) {})
	o.teardown(drop)
	o.creators.Wait()
	o.cancel()
	<-o.loopDone
	o.notify()
	return nil
}
