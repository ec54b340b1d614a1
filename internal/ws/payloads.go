package ws

import (
	"time"

	"github.com/frisksitron/lobby-sub000/internal/models"
)

// Payloads the server emits.

type HelloPayload struct {
	ProtocolVersion int `json:"protocol_version"`
}

type ReadyPayload struct {
	ProtocolVersion int           `json:"protocol_version"`
	SessionID       string        `json:"session_id"`
	User            *ReadyUser    `json:"user"`
	Members         []MemberState `json:"members"`
}

type ReadyUser struct {
	ID        string     `json:"id"`
	Username  string     `json:"username"`
	Email     string     `json:"email,omitempty"`
	AvatarURL string     `json:"avatar_url,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

func NewReadyUser(user *models.User) *ReadyUser {
	if user == nil {
		return nil
	}

	return &ReadyUser{
		ID:        user.ID,
		Username:  user.Username,
		Email:     user.Email,
		AvatarURL: user.GetAvatarURL(),
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
	}
}

type MemberState struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Avatar    string    `json:"avatar_url,omitempty"`
	Status    string    `json:"status"` // online, idle, dnd, offline
	InVoice   bool      `json:"in_voice"`
	Muted     bool      `json:"muted"`
	Deafened  bool      `json:"deafened"`
	Streaming bool      `json:"streaming"`
	CreatedAt time.Time `json:"created_at"`
}

type PresenceUpdatePayload struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

type TypingStartPayload struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Timestamp string `json:"timestamp"`
}

type UserUpdatePayload struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Avatar   string `json:"avatar_url,omitempty"`
}

// MessageCreatePayload fans a persisted message out to every client. The
// nonce is echoed back so the author can resolve its optimistic render.
type MessageCreatePayload struct {
	ID          string              `json:"id"`
	Author      *MessageAuthor      `json:"author"`
	Content     string              `json:"content"`
	Attachments []MessageAttachment `json:"attachments,omitempty"`
	CreatedAt   string              `json:"created_at"`
	Nonce       string              `json:"nonce,omitempty"`
}

type MessageAuthor struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Avatar   string `json:"avatar_url,omitempty"`
}

type MessageAttachment struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	MimeType      string `json:"mime_type"`
	Size          int64  `json:"size"`
	URL           string `json:"url"`
	PreviewURL    string `json:"preview_url,omitempty"`
	PreviewWidth  int    `json:"preview_width,omitempty"`
	PreviewHeight int    `json:"preview_height,omitempty"`
}

// VoiceStateUpdatePayload is broadcast whenever a user's voice membership
// or mute/deafen flags change. Deafened implies muted in every payload.
type VoiceStateUpdatePayload struct {
	UserID   string `json:"user_id"`
	InVoice  bool   `json:"in_voice"`
	Muted    bool   `json:"muted"`
	Deafened bool   `json:"deafened"`
}

type VoiceSpeakingPayload struct {
	UserID   string `json:"user_id"`
	Speaking bool   `json:"speaking"`
}

// RtcReadyPayload tells the client to stand up its WebRTC stack and wait
// for the server's initial offer.
type RtcReadyPayload struct {
	ICEServers []ICEServerInfo `json:"ice_servers"`
}

type ICEServerInfo struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type RtcOfferPayload struct {
	SDP string `json:"sdp"`
}

type RtcAnswerPayload struct {
	SDP string `json:"sdp"`
}

type RtcIceCandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`
}

// UserJoinedPayload announces a member appearing in the online roster.
type UserJoinedPayload struct {
	Member MemberState `json:"member"`
}

// UserLeftPayload announces a member dropping out of the roster, either
// by disconnect or by account deactivation.
type UserLeftPayload struct {
	UserID string `json:"user_id"`
}

type ScreenShareUpdatePayload struct {
	UserID    string `json:"user_id"`
	Streaming bool   `json:"streaming"`
}

type ServerUpdatePayload struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IconURL     string `json:"icon_url,omitempty"`
}

// ErrorPayload is the SERVER_ERROR envelope. RetryAfterMS is set for
// cooldown/rate errors and is a duration from now, not a timestamp.
type ErrorPayload struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Nonce        string `json:"nonce,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// Payloads the server accepts.

type IdentifyPayload struct {
	Token    string           `json:"token"`
	Presence *PresenceOptions `json:"presence,omitempty"`
}

type PresenceOptions struct {
	Status string `json:"status"` // online, idle, dnd (not offline)
}

type SetPresencePayload struct {
	Status string `json:"status"` // online, idle, dnd, offline
}

type MessageSendPayload struct {
	Content       string   `json:"content"`
	AttachmentIDs []string `json:"attachment_ids,omitempty"`
}

type VoiceJoinPayload struct {
	Muted    bool `json:"muted"`
	Deafened bool `json:"deafened"`
}

type VoiceStatePayload struct {
	Muted    *bool `json:"muted,omitempty"`
	Deafened *bool `json:"deafened,omitempty"`
}

type VoiceSpeakingSetPayload struct {
	Speaking bool `json:"speaking"`
}

type ScreenShareSubscribePayload struct {
	StreamerID string `json:"streamer_id"`
}
