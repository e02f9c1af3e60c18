// Package structs holds the typed payload bodies carried inside gateway
// and voice-gateway envelopes. Bodies the session layer does not need are
// left as opaque values for the consumer.
package structs

type HelloEvent struct {
	HeartbeatInterval uint `json:"heartbeat_interval"`
}

type IdentifyEventProperties struct {
	Os      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type IdentifyEvent struct {
	Token          string                  `json:"token"`
	Properties     IdentifyEventProperties `json:"properties"`
	Intents        uint                    `json:"intents"`
	Compress       bool                    `json:"compress,omitempty"`
	LargeThreshold uint8                   `json:"large_threshold,omitempty"`
	Shard          []uint                  `json:"shard,omitempty"`
	Presence       any                     `json:"presence,omitempty"`
}

type ResumeEvent struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       uint64 `json:"seq"`
}

type ReadyEvent struct {
	V                int    `json:"v"`
	User             User   `json:"user"`
	Guilds           any    `json:"guilds"`
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
	Shard            []uint `json:"shard,omitempty"`
	Application      any    `json:"application"`
}

type PresenceUpdate struct {
	Since      *int64 `json:"since"`
	Activities []any  `json:"activities"`
	Status     string `json:"status"`
	AFK        bool   `json:"afk"`
}

type RequestGuildMembers struct {
	GuildID   string   `json:"guild_id"`
	Query     string   `json:"query"`
	Limit     uint     `json:"limit"`
	Presences bool     `json:"presences,omitempty"`
	UserIDs   []string `json:"user_ids,omitempty"`
	Nonce     string   `json:"nonce,omitempty"`
}

type UpdateVoiceState struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

type VoiceServerUpdateEvent struct {
	Token    string `json:"token"`
	GuildID  string `json:"guild_id"`
	Endpoint string `json:"endpoint"`
}

type VoiceStateUpdateEvent struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Deaf      bool   `json:"deaf"`
	Mute      bool   `json:"mute"`
	SelfDeaf  bool   `json:"self_deaf"`
	SelfMute  bool   `json:"self_mute"`
	Suppress  bool   `json:"suppress"`
}
