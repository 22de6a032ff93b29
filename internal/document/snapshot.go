package document

import (
	"bytes"
	"encoding/json"

	"scribed/internal/version"
)

// Snapshot is the full internal state of a document: the editable content
// and the opaque sideband payload, each versioned on its own.
type Snapshot struct {
	Content  version.Field[string]
	Sideband version.Field[json.RawMessage]
}

// Versions returns the version pair of the snapshot.
func (s Snapshot) Versions() Versions {
	return Versions{Content: s.Content.Version, Sideband: s.Sideband.Version}
}

// Equal reports whether both payloads and versions match.
func (s Snapshot) Equal(o Snapshot) bool {
	return s.Versions() == o.Versions() &&
		s.Content.Payload == o.Content.Payload &&
		bytes.Equal(s.Sideband.Payload, o.Sideband.Payload)
}

// Versions is the version pair of a snapshot.
type Versions struct {
	Content  version.Version
	Sideband version.Version
}

type wireContent struct {
	Version version.Version `json:"version"`
	Text    string          `json:"text"`
}

type wireSideband struct {
	Version version.Version `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

type wireSnapshot struct {
	StrippedField  wireContent  `json:"strippedField"`
	AlignmentField wireSideband `json:"alignmentField"`
}

// MarshalJSON writes the {strippedField, alignmentField} wire shape shared by
// sync messages and backups.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	payload := s.Sideband.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return json.Marshal(wireSnapshot{
		StrippedField:  wireContent{Version: s.Content.Version, Text: s.Content.Payload},
		AlignmentField: wireSideband{Version: s.Sideband.Version, Payload: payload},
	})
}

// UnmarshalJSON reads the {strippedField, alignmentField} wire shape.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var w wireSnapshot
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	s.Content = version.Field[string]{Version: w.StrippedField.Version, Payload: w.StrippedField.Text}
	s.Sideband = version.Field[json.RawMessage]{Version: w.AlignmentField.Version, Payload: w.AlignmentField.Payload}
	return nil
}
