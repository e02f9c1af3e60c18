// Package voice implements the per-guild voice connection: the secondary
// websocket handshake that trades gateway credentials for a media session,
// the UDP address discovery exchange, and the encrypted RTP pipeline that
// carries opus frames both ways.
package voice

import "encoding/json"

type Opcode = int

// https://discord.com/developers/docs/topics/voice-connections
const (
	OpcodeIdentify           Opcode = 0
	OpcodeSelectProtocol     Opcode = 1
	OpcodeReady              Opcode = 2
	OpcodeHeartbeat          Opcode = 3
	OpcodeSessionDescription Opcode = 4
	OpcodeSpeaking           Opcode = 5
	OpcodeHeartbeatAck       Opcode = 6
	OpcodeResume             Opcode = 7
	OpcodeHello              Opcode = 8
	OpcodeResumed            Opcode = 9
	OpcodeClientsConnect     Opcode = 11
	OpcodeClientDisconnect   Opcode = 13
)

const (
	SpeakingModeMicrophone uint = 1 << 0
	SpeakingModeSoundshare uint = 1 << 1
	SpeakingModePriority   uint = 1 << 2
)

type CloseCode = int

const (
	CloseUnknownOpcode        CloseCode = 4001
	CloseFailedToDecode       CloseCode = 4002
	CloseNotAuthenticated     CloseCode = 4003
	CloseAuthenticationFailed CloseCode = 4004
	CloseAlreadyAuthenticated CloseCode = 4005
	CloseSessionInvalid       CloseCode = 4006
	CloseSessionTimeout       CloseCode = 4009
	CloseServerNotFound       CloseCode = 4011
	CloseUnknownProtocol      CloseCode = 4012
	CloseDisconnected         CloseCode = 4014
	CloseServerCrashed        CloseCode = 4015
	CloseUnknownEncryption    CloseCode = 4016
)

// resumableClose reports whether the media session survives a close with
// the given code. A 4014 means the bot was removed from the channel and
// must not reconnect on its own.
func resumableClose(code CloseCode) bool {
	switch code {
	case CloseAuthenticationFailed,
		CloseSessionInvalid,
		CloseSessionTimeout,
		CloseServerNotFound,
		CloseUnknownProtocol,
		CloseDisconnected,
		CloseUnknownEncryption:
		return false
	}
	return true
}

// envelope is a voice gateway frame. Server frames carry a seq number that
// must be echoed back in heartbeats.
type envelope struct {
	Op  Opcode          `json:"op"`
	D   json.RawMessage `json:"d,omitempty"`
	Seq uint64          `json:"seq,omitempty"`
}

type command struct {
	Op Opcode `json:"op"`
	D  any    `json:"d"`
}
