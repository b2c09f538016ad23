package negotiate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const DefaultLanguage = "en-US"

type LanguageSelection struct {
	selected string
}

func NewLanguageSelection(def string) *LanguageSelection {
	def = strings.TrimSpace(def)
	if def == "" {
		def = DefaultLanguage
	}
	return &LanguageSelection{selected: def}
}

func (s *LanguageSelection) Selected() string { return s.selected }

func (s *LanguageSelection) Select(lang string) { s.selected = lang }

// First accepts a single language code or an ordered list and returns the first entry.
func (s *LanguageSelection) First(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", fmt.Errorf("%w: missing language", ErrInvalidProposal)
	}
	var list []string
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &list); err != nil {
			return "", fmt.Errorf("%w: language: %v", ErrInvalidProposal, err)
		}
	} else {
		var one string
		if err := json.Unmarshal(raw, &one); err != nil {
			return "", fmt.Errorf("%w: language: %v", ErrInvalidProposal, err)
		}
		list = []string{one}
	}
	if len(list) == 0 || strings.TrimSpace(list[0]) == "" {
		return "", fmt.Errorf("%w: empty language", ErrInvalidProposal)
	}
	return strings.TrimSpace(list[0]), nil
}
