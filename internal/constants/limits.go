package constants

const (
	// ProtocolVersion is bumped when the WebSocket frame contract changes.
	ProtocolVersion = 1

	// IDRandomBytes is the entropy of generated row IDs (hex-encoded, so
	// the visible suffix is twice this length).
	IDRandomBytes = 12

	// RTPPacketBufferBytes fits any RTP packet we forward; standard MTU.
	RTPPacketBufferBytes = 1500

	// WSClientSendBufferSize is the per-client outbound queue. Slow
	// consumers that overflow it get disconnected.
	WSClientSendBufferSize = 256

	// WSBroadcastBufferSize buffers hub-level fanout requests.
	WSBroadcastBufferSize = 512

	// WSMaxDroppedMessages is how many sends may be shed before the hub
	// gives up on a client connection.
	WSMaxDroppedMessages = 100

	MessageMaxLength       = 4000
	MessageHistoryMaxLimit = 100
	MessageMaxAttachments  = 10
)
