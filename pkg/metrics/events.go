package metrics

import "time"

const (
	EventSessionStart    = "session_start"
	EventSessionEnd      = "session_end"
	EventControlRequest  = "control_request"
	EventAudioBytes      = "audio_bytes"
	EventResultFinal     = "result_final"
	EventResultEvicted   = "result_evicted"
	EventProviderRestart = "provider_restart"
	EventProviderFatal   = "provider_fatal"
	EventPendingDropped  = "pending_dropped"
)

const (
	TagProvider  = "provider"
	TagSessionID = "session_id"
	TagVerb      = "verb"
)

// Tags returns the base tag set carried by every session event.
func Tags(provider, sessionID string) map[string]string {
	return map[string]string{TagProvider: provider, TagSessionID: sessionID}
}

// Record emits a single event if obs is non-nil.
func Record(obs Observer, name string, value float64, tags map[string]string) {
	RecordFields(obs, name, value, tags, nil)
}

func RecordFields(obs Observer, name string, value float64, tags map[string]string, fields map[string]any) {
	if obs == nil {
		return
	}
	obs.RecordEvent(Event{Name: name, Time: time.Now(), Value: value, Tags: tags, Fields: fields})
}
