package stt

import (
	"context"
	"fmt"
	"strings"

	"github.com/harunnryd/speechbridge/pkg/errorsx"
	"github.com/harunnryd/speechbridge/pkg/negotiate"
)

// Backend talks a vendor wire protocol. It is wrapped by a Provider which owns
// buffering, restarts and result delivery.
type Backend interface {
	Name() string
	// Recognition validates cfg and maps it to the vendor's settings.
	Recognition(cfg Config) (Recognition, error)
	// Open starts one remote recognition session. ctx bounds the session lifetime.
	Open(ctx context.Context, rec Recognition) (Stream, error)
}

// Recognition is a validated Config expressed in a vendor's terms.
type Recognition struct {
	Codec      negotiate.Codec
	Encoding   string
	SampleRate int
	Language   string
}

// Transcript is a backend's raw hypothesis before normalisation.
type Transcript struct {
	Text       string
	Confidence float64
	Final      bool
}

// Stream is one remote recognition session.
type Stream interface {
	// Send queues audio for delivery. It must not block on the network.
	Send(chunk []byte) error
	// CloseSend flushes queued audio and signals end of stream. It blocks until flushed.
	CloseSend() error
	// Transcripts is closed once the remote side has finished.
	Transcripts() <-chan Transcript
	// Err reports why Transcripts closed; nil for an orderly end.
	Err() error
	Close() error
}

// Catalog is the set of codecs and languages a backend supports.
type Catalog struct {
	// Encodings maps a codec name to the vendor encoding.
	Encodings map[string]string
	// Languages lists accepted language codes. Empty accepts any.
	Languages []string
}

// Resolve validates both codec and language before returning anything.
func (c Catalog) Resolve(cfg Config) (Recognition, error) {
	var encoding string
	found := false
	for name, enc := range c.Encodings {
		if strings.EqualFold(name, cfg.Codec.Name) {
			encoding, found = enc, true
			break
		}
	}
	if !found {
		return Recognition{}, errorsx.Wrap(fmt.Errorf("%w: codec '%s' not supported", ErrUnsupportedCodec, cfg.Codec.Name), errorsx.ReasonUnsupportedCodec)
	}
	if !c.SupportsLanguage(cfg.Language) {
		return Recognition{}, errorsx.Wrap(fmt.Errorf("%w: language '%s' not supported", ErrUnsupportedLanguage, cfg.Language), errorsx.ReasonUnsupportedLanguage)
	}
	rate := cfg.Codec.SampleRate
	if rate <= 0 {
		rate = negotiate.DefaultSampleRate(cfg.Codec.Name)
	}
	return Recognition{
		Codec:      cfg.Codec,
		Encoding:   encoding,
		SampleRate: rate,
		Language:   cfg.Language,
	}, nil
}

func (c Catalog) SupportsLanguage(lang string) bool {
	if strings.TrimSpace(lang) == "" {
		return false
	}
	if len(c.Languages) == 0 {
		return true
	}
	for _, l := range c.Languages {
		if strings.EqualFold(l, lang) {
			return true
		}
	}
	return false
}
