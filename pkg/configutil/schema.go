package configutil

import (
	"sort"
	"strings"

	"github.com/harunnryd/speechbridge/pkg/errorsx"
)

// Schema lists the keys a vendor settings block may carry. Section prefixes
// every reported key, e.g. "provider.settings".
type Schema struct {
	Section      string
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// SettingsError reports every problem found in one settings block.
type SettingsError struct {
	Section string
	Missing []string
	Unknown []string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	msg := strings.Join(parts, "; ")
	if e.Section != "" {
		msg = e.Section + ": " + msg
	}
	return msg
}

func (e *SettingsError) ReasonCode() errorsx.ReasonCode { return errorsx.ReasonConfig }

// ValidateSettings checks a settings map against a schema. Key matching
// ignores case, underscores and hyphens, the same way DecodeSettings does.
func ValidateSettings(input map[string]any, schema Schema) error {
	allowed := make(map[string]struct{}, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Optional {
		allowed[normalizeKey(k)] = struct{}{}
	}
	present := make(map[string]bool, len(input))
	serr := &SettingsError{Section: schema.Section}
	for k, v := range input {
		nk := normalizeKey(k)
		present[nk] = !isEmptyValue(v)
		if _, ok := allowed[nk]; ok || schema.AllowUnknown || contains(schema.Required, nk) {
			continue
		}
		serr.Unknown = append(serr.Unknown, k)
	}
	for _, k := range schema.Required {
		if !present[normalizeKey(k)] {
			serr.Missing = append(serr.Missing, k)
		}
	}
	if len(serr.Missing) == 0 && len(serr.Unknown) == 0 {
		return nil
	}
	sort.Strings(serr.Missing)
	sort.Strings(serr.Unknown)
	return serr
}

func contains(keys []string, normalized string) bool {
	for _, k := range keys {
		if normalizeKey(k) == normalized {
			return true
		}
	}
	return false
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}
