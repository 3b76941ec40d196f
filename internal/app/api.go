package app

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/internal/observe"
	"github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000/internal/translate"
)

// maxSettingsBody bounds the settings request body.
const maxSettingsBody = 4 << 10

// participantView is one roster entry as shown by the API.
type participantView struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Language string `json:"language,omitempty"`
	Local    bool   `json:"local,omitempty"`
	Session  string `json:"session,omitempty"`
	Playing  bool   `json:"playing,omitempty"`
	Ducked   bool   `json:"ducked,omitempty"`
}

type stateView struct {
	Active       int                          `json:"active"`
	Settings     translate.Settings           `json:"settings"`
	Error        string                       `json:"error,omitempty"`
	Participants []participantView            `json:"participants"`
	Transcripts  []translate.TranscriptRecord `json:"transcripts"`
}

type errorView struct {
	Error string `json:"error"`
}

// handleState serves GET /api/translation.
func (a *App) handleState(w http.ResponseWriter, r *http.Request) {
	st := a.orch.Snapshot()
	view := stateView{
		Active:       st.Active,
		Settings:     st.Settings,
		Participants: []participantView{},
		Transcripts:  make([]translate.TranscriptRecord, 0, len(st.Transcripts)),
	}
	if st.Err != nil {
		view.Error = st.Err.Error()
	}

	local := a.room.LocalID()
	for _, p := range a.room.Participants() {
		pv := participantView{ID: p.ID, Name: p.Name, Local: p.ID == local}
		if md, status := translate.ParseMetadata(p.Metadata); status == translate.MetadataParsed {
			pv.Language = md.Language
		}
		if s := a.orch.Session(p.ID); s != nil {
			pv.Session = s.State().String()
		}
		pv.Playing = a.engine.Playing(p.ID)
		pv.Ducked = a.room.Ducked(p.ID)
		view.Participants = append(view.Participants, pv)
	}

	for _, tr := range st.Transcripts {
		view.Transcripts = append(view.Transcripts, tr)
	}
	slices.SortFunc(view.Transcripts, func(x, y translate.TranscriptRecord) int {
		return strings.Compare(x.ParticipantID, y.ParticipantID)
	})

	writeJSON(w, http.StatusOK, view)
	observe.Logger(r.Context()).Debug("served translation state", "active", view.Active)
}

// handleSettings serves PUT /api/translation/settings. Fields absent from the
// body keep their current values.
func (a *App) handleSettings(w http.ResponseWriter, r *http.Request) {
	s := a.orch.Settings()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSettingsBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		writeJSON(w, http.StatusBadRequest, errorView{Error: "invalid settings: " + err.Error()})
		return
	}
	s.SourceLanguage = strings.ToLower(strings.TrimSpace(s.SourceLanguage))
	s.TargetLanguage = strings.ToLower(strings.TrimSpace(s.TargetLanguage))
	if s.TargetLanguage == "" {
		writeJSON(w, http.StatusBadRequest, errorView{Error: "target_language must not be empty"})
		return
	}

	a.orch.SetSettings(s)
	observe.Logger(r.Context()).Info("translation settings updated via api",
		slog.Bool("enabled", s.Enabled),
		slog.Bool("autoplay", s.Autoplay),
		slog.String("source", s.SourceLanguage),
		slog.String("target", s.TargetLanguage),
	)
	writeJSON(w, http.StatusOK, a.orch.Settings())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
