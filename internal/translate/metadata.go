package translate

import (
	"strings"

	"github.com/tidwall/gjson"
)

// MetadataStatus distinguishes the outcomes of [ParseMetadata].
type MetadataStatus int

const (
	// MetadataAbsent means the participant published nothing.
	MetadataAbsent MetadataStatus = iota

	// MetadataUnrecognized means metadata was published but is not a JSON
	// object, or carries none of the known fields.
	MetadataUnrecognized

	// MetadataParsed means at least one known field was found.
	MetadataParsed
)

// String returns the lowercase status name.
func (s MetadataStatus) String() string {
	switch s {
	case MetadataAbsent:
		return "absent"
	case MetadataUnrecognized:
		return "unrecognized"
	case MetadataParsed:
		return "parsed"
	default:
		return "unknown"
	}
}

// Metadata is the structured subset of a participant's published metadata
// that translation cares about.
type Metadata struct {
	// Language is the participant's announced spoken language tag in lower
	// case, or "".
	Language string

	// AvatarURL is the participant's profile image, or "".
	AvatarURL string
}

// Field paths tried in order. Clients in the wild publish any of these.
var (
	languagePaths = []string{"language", "sourceLanguage", "lang", "spokenLanguage", "settings.language"}
	avatarPaths   = []string{"avatarUrl", "avatar", "profileImage"}
)

// ParseMetadata extracts the announced language and avatar from raw
// participant metadata. It never fails: malformed input yields
// [MetadataUnrecognized] and a zero Metadata.
func ParseMetadata(raw string) (Metadata, MetadataStatus) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Metadata{}, MetadataAbsent
	}
	if !gjson.Valid(raw) {
		return Metadata{}, MetadataUnrecognized
	}
	root := gjson.Parse(raw)
	if !root.IsObject() {
		return Metadata{}, MetadataUnrecognized
	}

	md := Metadata{
		Language:  strings.ToLower(firstString(root, languagePaths)),
		AvatarURL: firstString(root, avatarPaths),
	}
	if md == (Metadata{}) {
		return md, MetadataUnrecognized
	}
	return md, MetadataParsed
}

// firstString returns the first non-empty string value among paths.
func firstString(root gjson.Result, paths []string) string {
	for _, p := range paths {
		v := root.Get(p)
		if v.Type != gjson.String {
			continue
		}
		if s := strings.TrimSpace(v.Str); s != "" {
			return s
		}
	}
	return ""
}
