package results

import "math"

// Result is a finalized transcription in the canonical wire shape.
type Result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Final      bool    `json:"final"`
}

// Normalize builds a canonical final Result from a backend's native values.
// Confidence outside [0,1] is clamped; NaN is treated as unknown (1.0).
func Normalize(text string, confidence float64) Result {
	switch {
	case math.IsNaN(confidence):
		confidence = 1
	case confidence < 0:
		confidence = 0
	case confidence > 1:
		confidence = 1
	}
	return Result{Text: text, Confidence: confidence, Final: true}
}
