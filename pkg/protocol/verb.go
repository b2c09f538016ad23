package protocol

import "strings"

// Verb is a control request verb.
type Verb int

const (
	VerbUnknown Verb = iota
	VerbGet
	VerbSet
	VerbSetup
)

func (v Verb) String() string {
	switch v {
	case VerbGet:
		return "get"
	case VerbSet:
		return "set"
	case VerbSetup:
		return "setup"
	default:
		return "unknown"
	}
}

func ParseVerb(s string) Verb {
	switch strings.TrimSpace(s) {
	case "get":
		return VerbGet
	case "set":
		return VerbSet
	case "setup":
		return VerbSetup
	default:
		return VerbUnknown
	}
}

// Field names accepted by get requests and set params.
const (
	FieldCodec    = "codec"
	FieldCodecs   = "codecs"
	FieldLanguage = "language"
	FieldResults  = "results"
)
