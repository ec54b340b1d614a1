package constants

// Wire error codes. REST puts them in the error envelope body, the WS
// layer in SERVER_ERROR payloads. Clients key their handling off the
// code, never the message text.
const (
	ErrCodeAuthFailed      = "AUTH_FAILED"
	ErrCodeAuthExpired     = "AUTH_EXPIRED"
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeInvalidRequest  = "INVALID_REQUEST"
	ErrCodePayloadTooLarge = "PAYLOAD_TOO_LARGE"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeInternal        = "INTERNAL_ERROR"
)

// Chat and upload errors.
const (
	ErrCodeMessageTooLong    = "MESSAGE_TOO_LONG"
	ErrCodeAttachmentInvalid = "ATTACHMENT_INVALID"
)

// Voice and signaling errors. The negotiation codes mirror the SFU's
// error kinds: invalid-state for fatal, failed for transient.
const (
	ErrCodeVoiceJoinCooldown            = "VOICE_JOIN_COOLDOWN"
	ErrCodeVoiceStateCooldown           = "VOICE_STATE_COOLDOWN"
	ErrCodeVoiceJoinFailed              = "VOICE_JOIN_FAILED"
	ErrCodeVoiceNotInChannel            = "NOT_IN_VOICE"
	ErrCodeVoiceStateInvalidTransition  = "VOICE_STATE_INVALID_TRANSITION"
	ErrCodeVoiceNegotiationInvalidState = "VOICE_NEGOTIATION_INVALID_STATE"
	ErrCodeVoiceNegotiationFailed       = "VOICE_NEGOTIATION_FAILED"
	ErrCodeVoiceNegotiationTimeout      = "VOICE_NEGOTIATION_TIMEOUT"
	ErrCodeSignalingRateLimited         = "SIGNALING_RATE_LIMITED"
)
