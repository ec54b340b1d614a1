package gateway

import "encoding/json"

// ProtocolVersion must match the server's WS frame contract version.
const ProtocolVersion = 1

// Frame is the single wire shape in both directions:
// {"type": <UPPER_SNAKE>, "payload": {...}, "nonce"?: <string>}.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Nonce   string          `json:"nonce,omitempty"`
}

type outboundFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
	Nonce   string `json:"nonce,omitempty"`
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

// Error codes carried in SERVER_ERROR payloads.
const (
	ErrCodeAuthFailed                   = "AUTH_FAILED"
	ErrCodeAuthExpired                  = "AUTH_EXPIRED"
	ErrCodeRateLimited                  = "RATE_LIMITED"
	ErrCodeInvalidRequest               = "INVALID_REQUEST"
	ErrCodeVoiceJoinCooldown            = "VOICE_JOIN_COOLDOWN"
	ErrCodeVoiceStateCooldown           = "VOICE_STATE_COOLDOWN"
	ErrCodeVoiceJoinFailed              = "VOICE_JOIN_FAILED"
	ErrCodeVoiceNotInChannel            = "NOT_IN_VOICE"
	ErrCodeVoiceNegotiationInvalidState = "VOICE_NEGOTIATION_INVALID_STATE"
	ErrCodeVoiceNegotiationFailed       = "VOICE_NEGOTIATION_FAILED"
	ErrCodeVoiceNegotiationTimeout      = "VOICE_NEGOTIATION_TIMEOUT"
	ErrCodeSignalingRateLimited         = "SIGNALING_RATE_LIMITED"
	ErrCodeInternal                     = "INTERNAL_ERROR"
)

// Server -> client payloads.

type Hello struct {
	ProtocolVersion int `json:"protocol_version"`
}

type Ready struct {
	ProtocolVersion int      `json:"protocol_version"`
	SessionID       string   `json:"session_id"`
	User            *Self    `json:"user"`
	Members         []Member `json:"members"`
}

// Self is the authenticated user's own record, email included.
type Self struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type Member struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Status    string `json:"status"`
	InVoice   bool   `json:"in_voice"`
	Muted     bool   `json:"muted"`
	Deafened  bool   `json:"deafened"`
	Streaming bool   `json:"streaming"`
}

type PresenceUpdate struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

type UserJoined struct {
	Member Member `json:"member"`
}

type UserLeft struct {
	UserID string `json:"user_id"`
}

type UserUpdate struct {
	ID        string `json:"id"`
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type TypingStart struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Timestamp string `json:"timestamp"`
}

type MessageCreate struct {
	ID          string       `json:"id"`
	Author      *Author      `json:"author"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   string       `json:"created_at"`
	Nonce       string       `json:"nonce,omitempty"`
}

type Author struct {
	ID        string `json:"id"`
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type Attachment struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	MimeType      string `json:"mime_type"`
	Size          int64  `json:"size"`
	URL           string `json:"url"`
	PreviewURL    string `json:"preview_url,omitempty"`
	PreviewWidth  int    `json:"preview_width,omitempty"`
	PreviewHeight int    `json:"preview_height,omitempty"`
}

// VoiceStateUpdate reports a member's voice membership and flags.
// Deafened implies muted in every payload the server emits.
type VoiceStateUpdate struct {
	UserID   string `json:"user_id"`
	InVoice  bool   `json:"in_voice"`
	Muted    bool   `json:"muted"`
	Deafened bool   `json:"deafened"`
}

type VoiceSpeaking struct {
	UserID   string `json:"user_id"`
	Speaking bool   `json:"speaking"`
}

// RtcReady tells the client to stand up its WebRTC stack and await the
// server's initial offer.
type RtcReady struct {
	ICEServers []ICEServer `json:"ice_servers"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type RtcOffer struct {
	SDP string `json:"sdp"`
}

type RtcAnswer struct {
	SDP string `json:"sdp"`
}

type RtcIceCandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`
}

type ScreenShareUpdate struct {
	UserID    string `json:"user_id"`
	Streaming bool   `json:"streaming"`
}

type ServerUpdate struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IconURL     string `json:"icon_url,omitempty"`
}

// ServerError is the SERVER_ERROR envelope. RetryAfterMS is a duration
// from now, set on cooldown and rate-limit codes.
type ServerError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Nonce        string `json:"nonce,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// Client -> server payloads.

type identifyPayload struct {
	Token    string           `json:"token"`
	Presence *presenceOptions `json:"presence,omitempty"`
}

type presenceOptions struct {
	Status string `json:"status"`
}

type setPresencePayload struct {
	Status string `json:"status"`
}

type messageSendPayload struct {
	Content       string   `json:"content"`
	AttachmentIDs []string `json:"attachment_ids,omitempty"`
}

type voiceJoinPayload struct {
	Muted    bool `json:"muted"`
	Deafened bool `json:"deafened"`
}

type voiceStatePayload struct {
	Muted    *bool `json:"muted,omitempty"`
	Deafened *bool `json:"deafened,omitempty"`
}

type voiceSpeakingPayload struct {
	Speaking bool `json:"speaking"`
}

type rtcOfferPayload struct {
	SDP string `json:"sdp"`
}

type rtcAnswerPayload struct {
	SDP string `json:"sdp"`
}

type screenShareSubscribePayload struct {
	StreamerID string `json:"streamer_id"`
}
