package config

import (
	"cmp"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked individually; any
// other change is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SettingsChanged is true when enabled, autoplay, or either language
	// changed. The new values are in the new config's Translation section.
	SettingsChanged bool

	VolumeChanged bool
	NewVolume     float64

	ParticipantsChanged bool
	Participants        []ParticipantDiff

	// RestartRequired names the sections whose changes only take effect
	// after a restart.
	RestartRequired []string
}

// ParticipantDiff describes what changed for a single demo participant.
type ParticipantDiff struct {
	ID              string
	MetadataChanged bool
	SourceChanged   bool
	Added           bool
	Removed         bool
}

// Changed reports whether d carries any change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SettingsChanged || d.VolumeChanged ||
		d.ParticipantsChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	ot, nt := old.Translation, new.Translation
	if ot.IsEnabled() != nt.IsEnabled() || ot.IsAutoplay() != nt.IsAutoplay() ||
		ot.SourceLanguage != nt.SourceLanguage || ot.TargetLanguage != nt.TargetLanguage {
		d.SettingsChanged = true
	}

	if ov, nv := old.Playback.EffectiveVolume(), new.Playback.EffectiveVolume(); ov != nv {
		d.VolumeChanged = true
		d.NewVolume = nv
	}

	// Restart-only sections.
	if old.Server.ListenAddr != new.Server.ListenAddr || !equalTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if ot.ServerURL != nt.ServerURL || ot.RoomID != nt.RoomID || ot.ListenerID != nt.ListenerID {
		d.RestartRequired = append(d.RestartRequired, "translation")
	}
	if old.Capture != new.Capture {
		d.RestartRequired = append(d.RestartRequired, "capture")
	}
	if !equalTransport(old.Transport, new.Transport) {
		d.RestartRequired = append(d.RestartRequired, "transport")
	}
	op, np := old.Playback, new.Playback
	op.Volume, np.Volume = nil, nil
	if op != np {
		d.RestartRequired = append(d.RestartRequired, "playback")
	}

	// Participants, keyed by ID.
	oldP := make(map[string]ParticipantConfig, len(old.Participants))
	for _, p := range old.Participants {
		oldP[p.ID] = p
	}
	newP := make(map[string]ParticipantConfig, len(new.Participants))
	for _, p := range new.Participants {
		newP[p.ID] = p
	}
	for id, op := range oldP {
		np, ok := newP[id]
		if !ok {
			d.Participants = append(d.Participants, ParticipantDiff{ID: id, Removed: true})
			continue
		}
		pd := ParticipantDiff{
			ID:              id,
			MetadataChanged: op.Metadata != np.Metadata || op.Name != np.Name,
			SourceChanged:   op.WAV != np.WAV || op.Loop != np.Loop,
		}
		if pd.MetadataChanged || pd.SourceChanged {
			d.Participants = append(d.Participants, pd)
		}
	}
	for id := range newP {
		if _, ok := oldP[id]; !ok {
			d.Participants = append(d.Participants, ParticipantDiff{ID: id, Added: true})
		}
	}
	slices.SortFunc(d.Participants, func(a, b ParticipantDiff) int { return cmp.Compare(a.ID, b.ID) })
	d.ParticipantsChanged = len(d.Participants) > 0

	return d
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTransport(a, b TransportConfig) bool {
	if a.BaseDelay != b.BaseDelay || a.MaxDelay != b.MaxDelay || a.HandshakeTimeout != b.HandshakeTimeout {
		return false
	}
	if a.MaxAttempts == nil || b.MaxAttempts == nil {
		return a.MaxAttempts == b.MaxAttempts
	}
	return *a.MaxAttempts == *b.MaxAttempts
}
