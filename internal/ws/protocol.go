package ws

import (
	"encoding/json"

	"github.com/frisksitron/lobby-sub000/internal/constants"
)

// ProtocolVersion must match between server and client. HELLO carries
// it so a stale client can bail out before identifying.
const ProtocolVersion = constants.ProtocolVersion

// WSMessage is the single frame shape used in both directions:
// {"type": <UPPER_SNAKE>, "payload": {...}, "nonce"?: <string>}.
// Outbound payloads are arbitrary structs; inbound frames are decoded
// into InboundMessage first so handlers can unmarshal the payload into
// their own types.
type WSMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
	Nonce   string `json:"nonce,omitempty"`
}

type InboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Nonce   string          `json:"nonce,omitempty"`
}

// Commands (client -> server)
const (
	CmdIdentify               = "IDENTIFY"
	CmdSetPresence            = "SET_PRESENCE"
	CmdTypingStart            = "TYPING_START"
	CmdMessageSend            = "MESSAGE_SEND"
	CmdVoiceJoin              = "VOICE_JOIN"
	CmdVoiceLeave             = "VOICE_LEAVE"
	CmdVoiceState             = "VOICE_STATE"
	CmdVoiceSpeaking          = "VOICE_SPEAKING"
	CmdRtcOffer               = "RTC_OFFER"
	CmdRtcAnswer              = "RTC_ANSWER"
	CmdRtcIceCandidate        = "RTC_ICE_CANDIDATE"
	CmdScreenShareStart       = "SCREENSHARE_START"
	CmdScreenShareStop        = "SCREENSHARE_STOP"
	CmdScreenShareSubscribe   = "SCREENSHARE_SUBSCRIBE"
	CmdScreenShareUnsubscribe = "SCREENSHARE_UNSUBSCRIBE"
)

// Events (server -> client)
const (
	EventHello             = "HELLO"
	EventReady             = "READY"
	EventPresenceUpdate    = "PRESENCE_UPDATE"
	EventUserJoined        = "USER_JOINED"
	EventUserLeft          = "USER_LEFT"
	EventUserUpdate        = "USER_UPDATE"
	EventTypingStart       = "TYPING_START"
	EventMessageCreate     = "MESSAGE_CREATE"
	EventVoiceStateUpdate  = "VOICE_STATE_UPDATE"
	EventVoiceSpeaking     = "VOICE_SPEAKING"
	EventRtcReady          = "RTC_READY"
	EventRtcOffer          = "RTC_OFFER"
	EventRtcAnswer         = "RTC_ANSWER"
	EventRtcIceCandidate   = "RTC_ICE_CANDIDATE"
	EventScreenShareUpdate = "SCREEN_SHARE_UPDATE"
	EventServerUpdate      = "SERVER_UPDATE"
	EventServerError       = "SERVER_ERROR"
)

// Error codes sent in SERVER_ERROR payloads.
const (
	ErrCodeAuthFailed                   = constants.ErrCodeAuthFailed
	ErrCodeAuthExpired                  = constants.ErrCodeAuthExpired
	ErrCodeRateLimited                  = constants.ErrCodeRateLimited
	ErrCodeInvalidRequest               = constants.ErrCodeInvalidRequest
	ErrCodePayloadTooLarge              = constants.ErrCodePayloadTooLarge
	ErrCodeAttachmentInvalid            = constants.ErrCodeAttachmentInvalid
	ErrCodeMessageTooLong               = constants.ErrCodeMessageTooLong
	ErrCodeVoiceJoinCooldown            = constants.ErrCodeVoiceJoinCooldown
	ErrCodeVoiceStateCooldown           = constants.ErrCodeVoiceStateCooldown
	ErrCodeVoiceJoinFailed              = constants.ErrCodeVoiceJoinFailed
	ErrCodeVoiceNotInChannel            = constants.ErrCodeVoiceNotInChannel
	ErrCodeVoiceStateInvalidTransition  = constants.ErrCodeVoiceStateInvalidTransition
	ErrCodeVoiceNegotiationInvalidState = constants.ErrCodeVoiceNegotiationInvalidState
	ErrCodeVoiceNegotiationFailed       = constants.ErrCodeVoiceNegotiationFailed
	ErrCodeVoiceNegotiationTimeout      = constants.ErrCodeVoiceNegotiationTimeout
	ErrCodeSignalingRateLimited         = constants.ErrCodeSignalingRateLimited
	ErrCodeInternal                     = constants.ErrCodeInternal
)
