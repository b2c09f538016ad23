package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/harunnryd/speechbridge/pkg/adapters/stt"
	"github.com/harunnryd/speechbridge/pkg/negotiate"
	"github.com/harunnryd/speechbridge/pkg/protocol"
	"github.com/harunnryd/speechbridge/pkg/results"
)

// handleGet copies the requested fields into the response. Only results has a
// side effect: it drains the provider's buffer.
func (s *Session) handleGet(_ context.Context, req protocol.Message, resp *protocol.Response) error {
	if !req.HasParams() {
		return protocol.Protocolf("missing request parameters")
	}
	var fields []string
	if err := json.Unmarshal(req.Params, &fields); err != nil {
		return protocol.Protocolf("get params must be a list of field names")
	}
	if len(fields) == 0 {
		return protocol.Protocolf("missing request parameters")
	}

	params := make(map[string]any, len(fields))
	for _, field := range fields {
		switch field {
		case protocol.FieldCodec:
			params[protocol.FieldCodecs] = s.codecs.Selected()
		case protocol.FieldLanguage:
			params[protocol.FieldLanguage] = s.languages.Selected()
		case protocol.FieldResults:
			drained := s.provider.Results()
			if drained == nil {
				drained = []results.Result{}
			}
			params[protocol.FieldResults] = drained
		default:
			s.logger.Warn("get_param_ignored", "param", field)
		}
	}
	resp.Params = params
	return nil
}

// handleSet negotiates codec and language, has the provider validate and apply
// them, and commits the selections only once the provider accepted them.
func (s *Session) handleSet(ctx context.Context, req protocol.Message, resp *protocol.Response) error {
	if !req.HasCodecs() || !req.HasParams() {
		return protocol.Protocolf("missing request parameters")
	}
	if trimmed := bytes.TrimSpace(req.Params); trimmed[0] != '{' {
		return protocol.Protocolf("%s params must be an object", req.Verb())
	}
	var params map[string]json.RawMessage
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return protocol.Protocolf("invalid params: %v", err)
	}

	codec, err := s.codecs.First(req.Codecs)
	if err != nil {
		return protocol.Protocolf("%v", err)
	}
	language := s.languages.Selected()
	languageGiven := false
	for key, value := range params {
		if key != protocol.FieldLanguage {
			s.logger.Warn("set_param_ignored", "param", key, "verb", req.Verb().String())
			continue
		}
		lang, err := s.languages.First(value)
		if err != nil {
			return protocol.Protocolf("%v", err)
		}
		language = lang
		languageGiven = true
	}

	changed := !codec.Equal(s.codecs.Selected()) || language != s.languages.Selected()
	if changed || s.provider.State() == stt.StateIdle {
		cfg := stt.Config{Codec: codec, Language: language}
		if err := s.provider.SetConfig(cfg); err != nil {
			return err
		}
		if err := s.provider.Restart(ctx, cfg); err != nil {
			return err
		}
		s.logger.Info("session_reconfigured", "codec", codec.Name, "sample_rate", codec.SampleRate, "language", language)
	}

	s.codecs.Select(codec)
	s.languages.Select(language)
	resp.Codecs = []negotiate.Codec{codec}
	if languageGiven {
		resp.SetParam(protocol.FieldLanguage, language)
	}
	return nil
}
