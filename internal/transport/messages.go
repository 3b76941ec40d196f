package transport

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ── Outgoing ──────────────────────────────────────────────────────────────────

// Params identify one participant stream on the translation server. They are
// sent as URL query parameters when the socket is opened.
type Params struct {
	// BaseURL is the ws:// or wss:// endpoint.
	BaseURL string

	RoomID        string
	ListenerID    string
	ParticipantID string
	SourceLang    string
	TargetLang    string
}

// URL returns BaseURL with the stream parameters URL-encoded into the query.
// Existing query parameters on BaseURL are preserved.
func (p Params) URL() (string, error) {
	u, err := url.Parse(p.BaseURL)
	if err != nil {
		return "", fmt.Errorf("transport: parse base url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return "", fmt.Errorf("transport: unsupported url scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("roomId", p.RoomID)
	q.Set("listenerId", p.ListenerID)
	q.Set("sourceLang", p.SourceLang)
	q.Set("targetLang", p.TargetLang)
	q.Set("participantId", p.ParticipantID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ── Incoming ──────────────────────────────────────────────────────────────────

// serverMessage is the union of every JSON text frame the server sends.
type serverMessage struct {
	// handshake ack
	Status    string `json:"status,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// transcript
	Type          string `json:"type,omitempty"`
	ParticipantID string `json:"participantId,omitempty"`
	Original      string `json:"original,omitempty"`
	Translated    string `json:"translated,omitempty"`
	IsFinal       bool   `json:"isFinal,omitempty"`
}

const (
	statusReady    = "ready"
	typeTranscript = "transcript"
)

func parseServerMessage(data []byte) (serverMessage, error) {
	var m serverMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return serverMessage{}, fmt.Errorf("transport: malformed server message: %w", err)
	}
	return m, nil
}

// Transcript is one caption update for a participant.
type Transcript struct {
	ParticipantID string
	Original      string
	Translated    string
	IsFinal       bool
}

// provenanceTags matches leading [FINAL], [PARTIAL] and [LLM] markers the
// server may prefix to caption text.
var provenanceTags = regexp.MustCompile(`^(?:\s*\[(?:FINAL|PARTIAL|LLM)\])+\s*`)

// StripTags removes leading provenance markers from caption text.
func StripTags(s string) string {
	return strings.TrimSpace(provenanceTags.ReplaceAllString(s, ""))
}
