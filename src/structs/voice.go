package structs

// Payloads for the voice gateway handshake.

type VoiceIdentify struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

type VoiceResume struct {
	ServerID  string `json:"server_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
	SeqAck    uint64 `json:"seq_ack"`
}

type VoiceHello struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

type VoiceReady struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  uint16   `json:"port"`
	Modes []string `json:"modes"`
}

// VoiceHeartbeat nonce is unix millis; seq_ack is required from voice
// gateway v8 onward.
type VoiceHeartbeat struct {
	T      int64  `json:"t"`
	SeqAck uint64 `json:"seq_ack"`
}

type SelectProtocolData struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}

type SelectProtocol struct {
	Protocol string             `json:"protocol"`
	Data     SelectProtocolData `json:"data"`
}

type SessionDescription struct {
	AudioCodec     string   `json:"audio_codec"`
	MediaSessionID string   `json:"media_session_id"`
	Mode           string   `json:"mode"`
	SecretKey      [32]byte `json:"secret_key"`
}

type Speaking struct {
	Speaking uint   `json:"speaking"`
	Delay    uint   `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
}
