package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"
	ReasonConfig  ReasonCode = "config"

	ReasonProtocol            ReasonCode = "protocol"
	ReasonUnsupportedCodec    ReasonCode = "unsupported_codec"
	ReasonUnsupportedLanguage ReasonCode = "unsupported_language"

	ReasonProviderConnect ReasonCode = "provider_connect"
	ReasonProviderSend    ReasonCode = "provider_send"
	ReasonProviderFatal   ReasonCode = "provider_fatal"
	ReasonRateLimit       ReasonCode = "rate_limit"

	ReasonTransportSend ReasonCode = "transport_send"
)
