// Package negotiate holds the per-session codec and language selections and the
// "first acceptable" rule used to adopt a peer's proposal.
//
// Selections are owned by a single session task and are not safe for concurrent use.
package negotiate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidProposal is returned when a proposal is empty or cannot be decoded.
var ErrInvalidProposal = errors.New("invalid proposal")

// Codec describes an audio format as exchanged on the control channel.
// Attributes are carried verbatim; nothing in the bridge interprets them.
type Codec struct {
	Name       string          `json:"name"`
	SampleRate int             `json:"sampleRate"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

// DefaultCodec is the selection every new session starts with.
var DefaultCodec = Codec{Name: "ulaw", SampleRate: 8000, Attributes: json.RawMessage("[]")}

// DefaultSampleRate returns the nominal sample rate for a known codec name, or 0.
func DefaultSampleRate(name string) int {
	switch strings.ToLower(name) {
	case "ulaw", "alaw", "slin", "g722":
		return 8000
	case "slin12":
		return 12000
	case "slin16":
		return 16000
	case "slin24":
		return 24000
	case "slin32":
		return 32000
	case "slin44":
		return 44100
	case "slin48", "opus":
		return 48000
	}
	return 0
}

// ParseCodecs decodes a single codec descriptor or an ordered list of them.
func ParseCodecs(raw json.RawMessage) ([]Codec, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("%w: missing codecs", ErrInvalidProposal)
	}
	if raw[0] == '[' {
		var list []Codec
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("%w: codecs: %v", ErrInvalidProposal, err)
		}
		return list, nil
	}
	var c Codec
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: codecs: %v", ErrInvalidProposal, err)
	}
	return []Codec{c}, nil
}

type CodecSelection struct {
	selected Codec
}

func NewCodecSelection(def Codec) *CodecSelection {
	if def.Name == "" {
		def = DefaultCodec
	}
	if def.SampleRate == 0 {
		def.SampleRate = DefaultSampleRate(def.Name)
	}
	if len(def.Attributes) == 0 {
		def.Attributes = json.RawMessage("[]")
	}
	return &CodecSelection{selected: def}
}

func (s *CodecSelection) Selected() Codec { return s.selected }

func (s *CodecSelection) Select(c Codec) { s.selected = c }

// First adopts the first entry of a proposal and merges it into the current
// selection. It does not change the selection; callers commit with Select.
func (s *CodecSelection) First(raw json.RawMessage) (Codec, error) {
	list, err := ParseCodecs(raw)
	if err != nil {
		return Codec{}, err
	}
	if len(list) == 0 {
		return Codec{}, fmt.Errorf("%w: empty codec list", ErrInvalidProposal)
	}
	return s.merge(list[0])
}

func (s *CodecSelection) merge(candidate Codec) (Codec, error) {
	candidate.Name = strings.TrimSpace(candidate.Name)
	if candidate.Name == "" {
		return Codec{}, fmt.Errorf("%w: codec name required", ErrInvalidProposal)
	}
	same := strings.EqualFold(candidate.Name, s.selected.Name)
	if candidate.SampleRate <= 0 {
		if same {
			candidate.SampleRate = s.selected.SampleRate
		} else {
			candidate.SampleRate = DefaultSampleRate(candidate.Name)
		}
	}
	if len(candidate.Attributes) == 0 {
		if same {
			candidate.Attributes = s.selected.Attributes
		} else {
			candidate.Attributes = json.RawMessage("[]")
		}
	}
	return candidate, nil
}

// Equal reports whether two codecs select the same format.
func (c Codec) Equal(other Codec) bool {
	return strings.EqualFold(c.Name, other.Name) &&
		c.SampleRate == other.SampleRate &&
		bytes.Equal(bytes.TrimSpace(c.Attributes), bytes.TrimSpace(other.Attributes))
}
